// ABOUTME: First-run setup commands: bootstrap and interactive init
// ABOUTME: Bootstrap creates the config, database, and first agent key in one shot

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"github.com/helpdeskpro/fleetcore/internal/apikey"
	"github.com/helpdeskpro/fleetcore/internal/config"
	"github.com/helpdeskpro/fleetcore/internal/store"
)

// runBootstrap performs first-time setup:
// 1. Creates the config file with a random session secret (if not exists)
// 2. Creates the database
// 3. Generates the first agent API key and prints it exactly once
//
// This is a one-command setup: fleetcore bootstrap --name "Office Fleet"
func runBootstrap(ctx context.Context) error {
	// Parse args with explicit error handling
	// Supports both "--name value" and "--name=value" formats
	var keyName string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--name" || arg == "-n":
			if i+1 >= len(args) {
				return fmt.Errorf("--name requires a value")
			}
			keyName = args[i+1]
			i++
		case strings.HasPrefix(arg, "--name="):
			keyName = strings.TrimPrefix(arg, "--name=")
		case strings.HasPrefix(arg, "-n="):
			keyName = strings.TrimPrefix(arg, "-n=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	keyName = strings.TrimSpace(keyName)
	if keyName == "" {
		return fmt.Errorf("--name flag is required")
	}
	if len(keyName) > 100 {
		return fmt.Errorf("key name exceeds maximum length of 100 characters")
	}

	configPath := getConfigPath()
	dataPath := getDataPath()
	dbPath := filepath.Join(dataPath, "fleetcore.db")

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	var cfg *config.Config

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Generate random session secret
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating session secret: %w", err)
		}
		sessionSecret := base64.StdEncoding.EncodeToString(secretBytes)

		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := os.MkdirAll(dataPath, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}

		configContent := fmt.Sprintf(`# fleetcore configuration
# Generated by fleetcore bootstrap

server:
  http_addr: "localhost:8080"

database:
  path: "%s"

auth:
  session_secret: "%s"

ingest:
  enabled: true
  embedded: true
  retention: "720h"

scheduler:
  sweep_interval: "30s"
  command_ttl: "1h"

logging:
  level: "info"
  format: "text"
`, dbPath, sessionSecret)

		if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}

		green.Printf("  ✓ Created config: %s\n", configPath)

		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	} else {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cyan.Printf("  Using existing config: %s\n", configPath)
	}

	// Open the store directly
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	green.Printf("  ✓ Database: %s\n", cfg.Database.Path)

	// Refuse to mint a second "first" key
	existing, err := s.ListCredentials(ctx)
	if err != nil {
		return fmt.Errorf("checking credentials: %w", err)
	}
	if len(existing) > 0 {
		return fmt.Errorf("bootstrap already complete: %d credential(s) exist", len(existing))
	}

	registry := apikey.NewRegistry(s, setupLogger(cfg.Logging))
	plainKey, cred, err := registry.Generate(ctx, keyName, "created by bootstrap", nil)
	if err != nil {
		return fmt.Errorf("generating agent key: %w", err)
	}

	green.Printf("  ✓ Created agent key: %s\n", keyName)

	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	cyan.Println("  Agent API Key")
	cyan.Println("  -------------")
	fmt.Printf("  ID:     %s\n", cred.ID)
	fmt.Printf("  Name:   %s\n", keyName)
	fmt.Printf("  Prefix: %s\n", cred.Prefix)
	fmt.Printf("  Key:    %s\n", plainKey)
	fmt.Println()
	yellow.Println("  Store this key now. It is shown only once and cannot be recovered.")
	fmt.Println()
	fmt.Println("  Ready to go:")
	fmt.Println("    fleetcore serve    # start the server")
	fmt.Println()

	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("fleetcore configuration setup")
	fmt.Println("=============================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "fleetcore.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	// Ingestion
	fmt.Println("\n--- Ingestion Configuration ---")
	embeddedStr := prompt(reader, "Run the ingest receiver embedded in this server?", "yes")
	embedded := strings.ToLower(embeddedStr) == "yes" || strings.ToLower(embeddedStr) == "y"
	var listenAddr string
	if !embedded {
		listenAddr = prompt(reader, "Standalone ingest listen address", "localhost:9090")
	}
	retention := prompt(reader, "Message retention (e.g. 720h, empty keeps forever)", "720h")

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# fleetcore configuration\n")
	cfg.WriteString("# Generated by fleetcore init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("ingest:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString(fmt.Sprintf("  embedded: %t\n", embedded))
	if !embedded {
		cfg.WriteString(fmt.Sprintf("  listen_addr: \"%s\"\n", listenAddr))
	}
	if retention != "" {
		cfg.WriteString(fmt.Sprintf("  retention: \"%s\"\n", retention))
	}
	cfg.WriteString("\n")

	cfg.WriteString("scheduler:\n")
	cfg.WriteString("  sweep_interval: \"30s\"\n")
	cfg.WriteString("  command_ttl: \"1h\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  fleetcore serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
