// ABOUTME: Standalone ingest daemon sharing the fleetcore database
// ABOUTME: Runs only the message receiver, for split-topology deployments

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/helpdeskpro/fleetcore/internal/apikey"
	"github.com/helpdeskpro/fleetcore/internal/background"
	"github.com/helpdeskpro/fleetcore/internal/ingest"
	"github.com/helpdeskpro/fleetcore/internal/store"
)

// getConfigPath returns the path to the ingest daemon config file.
// Priority: FLEET_INGESTD_CONFIG env var > XDG_CONFIG_HOME/fleetcore/ingestd.toml > ~/.config/fleetcore/ingestd.toml
func getConfigPath() string {
	if envPath := os.Getenv("FLEET_INGESTD_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "ingestd.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "fleetcore", "ingestd.toml")
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := getConfigPath()
	cfg, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	logger.Info("starting fleet-ingestd",
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"database", cfg.Database.Path,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Same database file as the main process; the schema and its conflict
	// rules carry the dedup guarantees across both
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	pool := background.New(2, logger)
	registry := apikey.NewRegistry(s, logger)
	service := ingest.NewService(s, pool, logger)
	handler := ingest.NewHandler(service, registry, logger)
	server := ingest.NewServer(cfg.Server.ListenAddr, handler, logger)

	go retentionLoop(ctx, service, cfg.Ingest.Retention())

	err = server.Run(ctx)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	if poolErr := pool.Shutdown(drainCtx); poolErr != nil {
		logger.Warn("pool drain incomplete", "error", poolErr)
	}

	return err
}

// retentionLoop enforces the retention window hourly.
func retentionLoop(ctx context.Context, service *ingest.Service, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			service.PurgeExpired(retention)
		}
	}
}

func setupLogger(cfg LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
