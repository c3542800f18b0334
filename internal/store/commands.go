// ABOUTME: Remote command store with forward-only status transitions
// ABOUTME: Terminal states are enforced by conditional UPDATEs on the current status

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateCommand inserts a new remote command.
func (s *SQLiteStore) CreateCommand(ctx context.Context, cmd *RemoteCommand) error {
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	if cmd.Status == "" {
		cmd.Status = CommandStatusPending
	}
	now := time.Now().UTC()
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = now
	}
	if cmd.UpdatedAt.IsZero() {
		cmd.UpdatedAt = now
	}

	query := `
		INSERT INTO remote_commands (id, target_host, action_type, payload, status, detail, source_job_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		cmd.ID,
		cmd.TargetHost,
		cmd.ActionType,
		cmd.Payload,
		string(cmd.Status),
		cmd.Detail,
		nullString(strPtrValue(cmd.SourceJobID)),
		formatTime(cmd.CreatedAt),
		formatTime(cmd.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting command: %w", err)
	}

	s.logger.Debug("created command", "id", cmd.ID, "host", cmd.TargetHost, "action", cmd.ActionType)
	return nil
}

const commandColumns = `id, target_host, action_type, payload, status, detail, source_job_id, created_at, updated_at`

func scanCommand(row interface{ Scan(...any) error }) (*RemoteCommand, error) {
	var cmd RemoteCommand
	var status string
	var sourceJobID sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&cmd.ID,
		&cmd.TargetHost,
		&cmd.ActionType,
		&cmd.Payload,
		&status,
		&cmd.Detail,
		&sourceJobID,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning command: %w", err)
	}

	cmd.Status = CommandStatus(status)
	if sourceJobID.Valid {
		cmd.SourceJobID = &sourceJobID.String
	}
	cmd.CreatedAt = parseTime(createdAt, "created_at", cmd.ID)
	cmd.UpdatedAt = parseTime(updatedAt, "updated_at", cmd.ID)

	return &cmd, nil
}

// GetCommand retrieves a command by ID.
// Returns ErrNotFound if the command doesn't exist.
func (s *SQLiteStore) GetCommand(ctx context.Context, id string) (*RemoteCommand, error) {
	query := `SELECT ` + commandColumns + ` FROM remote_commands WHERE id = ?`
	return scanCommand(s.db.QueryRowContext(ctx, query, id))
}

// ListCommandsByHost returns commands for a host, oldest first.
func (s *SQLiteStore) ListCommandsByHost(ctx context.Context, targetHost string, limit int) ([]*RemoteCommand, error) {
	query := `
		SELECT ` + commandColumns + `
		FROM remote_commands
		WHERE target_host = ?
		ORDER BY created_at ASC
		LIMIT ?
	`
	return s.queryCommands(ctx, query, targetHost, limit)
}

// ListCommandsByJob returns every command spawned by a job, oldest first.
// This is the "what did job X produce" traceability query.
func (s *SQLiteStore) ListCommandsByJob(ctx context.Context, jobID string) ([]*RemoteCommand, error) {
	query := `
		SELECT ` + commandColumns + `
		FROM remote_commands
		WHERE source_job_id = ?
		ORDER BY created_at ASC
	`
	return s.queryCommands(ctx, query, jobID)
}

func (s *SQLiteStore) queryCommands(ctx context.Context, query string, args ...any) ([]*RemoteCommand, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cmds []*RemoteCommand
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command rows: %w", err)
	}

	return cmds, nil
}

// TransitionCommand moves a command to a new status only when its current
// status is in allowedFrom. A command that exists but sits outside the
// allowed set gets ErrTerminalState and is left unchanged.
func (s *SQLiteStore) TransitionCommand(ctx context.Context, id string, to CommandStatus, detail string, allowedFrom []CommandStatus) error {
	if len(allowedFrom) == 0 {
		return fmt.Errorf("transition to %s has no permitted source states: %w", to, ErrTerminalState)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(allowedFrom)), ", ")
	query := fmt.Sprintf(
		`UPDATE remote_commands SET status = ?, detail = ?, updated_at = ? WHERE id = ? AND status IN (%s)`,
		placeholders,
	)

	args := []any{string(to), detail, formatTime(time.Now()), id}
	for _, from := range allowedFrom {
		args = append(args, string(from))
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transitioning command: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetCommand(ctx, id); err != nil {
			return err
		}
		return ErrTerminalState
	}

	s.logger.Debug("command transitioned", "id", id, "to", to)
	return nil
}

// ExpireCommands moves pending and sent commands created before the cutoff
// to 'expired', bounding how long an undelivered command stays actionable.
func (s *SQLiteStore) ExpireCommands(ctx context.Context, cutoff, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE remote_commands SET status = 'expired', updated_at = ?
		 WHERE status IN ('pending', 'sent') AND created_at < ?`,
		formatTime(now), formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("expiring commands: %w", err)
	}

	expired, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if expired > 0 {
		s.logger.Info("expired stale commands", "count", expired, "cutoff", cutoff)
	}
	return expired, nil
}

// Ensure SQLiteStore implements CommandStore.
var _ CommandStore = (*SQLiteStore)(nil)
