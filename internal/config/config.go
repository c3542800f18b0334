// ABOUTME: Configuration loading and parsing for fleetcore
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete fleetcore configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Background BackgroundConfig `yaml:"background"`
	Downloads  DownloadsConfig  `yaml:"downloads"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	SessionSecret string `yaml:"session_secret"`
}

// IngestConfig holds message ingestion configuration.
// Embedded mode mounts the receiver on the main HTTP server; standalone
// mode runs it as its own listener on ListenAddr.
type IngestConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Embedded   bool   `yaml:"embedded"`
	ListenAddr string `yaml:"listen_addr"`

	Retention    time.Duration `yaml:"-"`
	RetentionRaw string        `yaml:"retention"`
}

// SchedulerConfig holds job sweep timing configuration
type SchedulerConfig struct {
	SweepInterval time.Duration `yaml:"-"`
	CommandTTL    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	SweepIntervalRaw string `yaml:"sweep_interval"`
	CommandTTLRaw    string `yaml:"command_ttl"`
}

// BackgroundConfig holds worker pool configuration
type BackgroundConfig struct {
	Workers int `yaml:"workers"`
}

// DownloadsConfig holds installer download configuration
type DownloadsConfig struct {
	InstallerPath string `yaml:"installer_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the file leaves a value unset.
const (
	DefaultSweepInterval = 30 * time.Second
	DefaultCommandTTL    = time.Hour
	DefaultWorkers       = 4
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Scheduler.SweepInterval == 0 {
		c.Scheduler.SweepInterval = DefaultSweepInterval
	}
	if c.Scheduler.CommandTTL == 0 {
		c.Scheduler.CommandTTL = DefaultCommandTTL
	}
	if c.Background.Workers == 0 {
		c.Background.Workers = DefaultWorkers
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	// Standalone ingest needs its own listener address
	if c.Ingest.Enabled && !c.Ingest.Embedded && c.Ingest.ListenAddr == "" {
		return fmt.Errorf("ingest.listen_addr is required when ingest runs standalone")
	}

	if c.Background.Workers < 0 {
		return fmt.Errorf("background.workers must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Ingest.RetentionRaw != "" {
		cfg.Ingest.Retention, err = time.ParseDuration(cfg.Ingest.RetentionRaw)
		if err != nil {
			return fmt.Errorf("parsing retention %q: %w", cfg.Ingest.RetentionRaw, err)
		}
	}

	if cfg.Scheduler.SweepIntervalRaw != "" {
		cfg.Scheduler.SweepInterval, err = time.ParseDuration(cfg.Scheduler.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_interval %q: %w", cfg.Scheduler.SweepIntervalRaw, err)
		}
	}

	if cfg.Scheduler.CommandTTLRaw != "" {
		cfg.Scheduler.CommandTTL, err = time.ParseDuration(cfg.Scheduler.CommandTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing command_ttl %q: %w", cfg.Scheduler.CommandTTLRaw, err)
		}
	}

	return nil
}
