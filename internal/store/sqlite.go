// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Schema carries every cross-process invariant as UNIQUE or conditional-update constraints

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
//
// The embedded and standalone ingestion processes share this database file
// and no memory, so dedup, claim-once, and terminal-state invariants are all
// enforced here rather than by in-process locks.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each pooled connection to :memory: would open its own empty database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Wait out writer contention instead of failing fast
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS credentials (
			id                TEXT PRIMARY KEY,
			name              TEXT NOT NULL,
			description       TEXT NOT NULL DEFAULT '',
			prefix            TEXT NOT NULL UNIQUE,
			key_hash          TEXT NOT NULL,
			default_principal TEXT,
			created_at        TEXT NOT NULL,
			last_used_at      TEXT,
			revoked_at        TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_credentials_prefix ON credentials(prefix);

		CREATE TABLE IF NOT EXISTS ingested_messages (
			id            TEXT PRIMARY KEY,
			doc_key       TEXT UNIQUE,
			payload       BLOB NOT NULL,
			credential_id TEXT NOT NULL REFERENCES credentials(id),
			received_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_received ON ingested_messages(received_at);

		CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			action_type  TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'scheduled',
			run_at       TEXT NOT NULL,
			recurrence   TEXT NOT NULL DEFAULT 'once',
			target_hosts TEXT NOT NULL DEFAULT '[]',
			payload      TEXT NOT NULL DEFAULT '{}',
			created_by   TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,

			CHECK (status IN ('scheduled', 'running', 'completed', 'failed', 'cancelled')),
			CHECK (recurrence IN ('once', 'daily', 'weekly', 'monthly'))
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_due ON scheduled_jobs(status, run_at);

		CREATE TABLE IF NOT EXISTS remote_commands (
			id            TEXT PRIMARY KEY,
			target_host   TEXT NOT NULL,
			action_type   TEXT NOT NULL,
			payload       BLOB NOT NULL,
			status        TEXT NOT NULL DEFAULT 'pending',
			detail        TEXT NOT NULL DEFAULT '',
			source_job_id TEXT,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,

			CHECK (status IN ('pending', 'sent', 'acknowledged', 'failed', 'expired'))
		);

		CREATE INDEX IF NOT EXISTS idx_commands_host ON remote_commands(target_host, created_at);
		CREATE INDEX IF NOT EXISTS idx_commands_job ON remote_commands(source_job_id);
		CREATE INDEX IF NOT EXISTS idx_commands_status ON remote_commands(status, created_at);

		CREATE TABLE IF NOT EXISTS download_links (
			id         TEXT PRIMARY KEY,
			token      TEXT NOT NULL UNIQUE,
			visibility TEXT NOT NULL DEFAULT 'public',
			created_by TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT,
			revoked_at TEXT,

			CHECK (visibility IN ('public', 'restricted'))
		);

		CREATE INDEX IF NOT EXISTS idx_links_token ON download_links(token);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string value
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullTime formats a time pointer as RFC3339 UTC, or nil
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// formatTime formats a time as RFC3339 UTC for storage.
// UTC keeps the strings lexicographically comparable in SQL.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTime parses a stored RFC3339 timestamp, logging on corruption
func parseTime(value, field, id string) time.Time {
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		slog.Warn("failed to parse stored timestamp", "field", field, "id", id, "error", err)
		return time.Time{}
	}
	return parsed
}

// parseNullTime parses an optional stored timestamp
func parseNullTime(value sql.NullString, field, id string) *time.Time {
	if !value.Valid {
		return nil
	}
	t := parseTime(value.String, field, id)
	return &t
}

// Ensure SQLiteStore implements the full Store interface.
var _ Store = (*SQLiteStore)(nil)
