// ABOUTME: Scheduled job store with atomic claim and re-arm semantics
// ABOUTME: Claiming is a conditional UPDATE so at most one concurrent sweeper wins

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateJob inserts a new scheduled job.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *ScheduledJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = JobStatusScheduled
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}
	if len(job.Payload) == 0 {
		job.Payload = []byte("{}")
	}

	hosts, err := json.Marshal(job.TargetHosts)
	if err != nil {
		return fmt.Errorf("encoding target hosts: %w", err)
	}

	query := `
		INSERT INTO scheduled_jobs (id, name, action_type, status, run_at, recurrence, target_hosts, payload, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.Name,
		job.ActionType,
		string(job.Status),
		formatTime(job.RunAt),
		string(job.Recurrence),
		string(hosts),
		string(job.Payload),
		job.CreatedBy,
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}

	s.logger.Debug("created job", "id", job.ID, "name", job.Name, "run_at", job.RunAt)
	return nil
}

const jobColumns = `id, name, action_type, status, run_at, recurrence, target_hosts, payload, created_by, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*ScheduledJob, error) {
	var job ScheduledJob
	var status, recurrence, runAt, hosts, payload, createdAt, updatedAt string

	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.ActionType,
		&status,
		&runAt,
		&recurrence,
		&hosts,
		&payload,
		&job.CreatedBy,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning job: %w", err)
	}

	job.Status = JobStatus(status)
	job.Recurrence = Recurrence(recurrence)
	job.Payload = []byte(payload)
	job.RunAt = parseTime(runAt, "run_at", job.ID)
	job.CreatedAt = parseTime(createdAt, "created_at", job.ID)
	job.UpdatedAt = parseTime(updatedAt, "updated_at", job.ID)
	if err := json.Unmarshal([]byte(hosts), &job.TargetHosts); err != nil {
		return nil, fmt.Errorf("decoding target hosts for job %s: %w", job.ID, err)
	}

	return &job, nil
}

// GetJob retrieves a job by ID.
// Returns ErrNotFound if the job doesn't exist.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*ScheduledJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs WHERE id = ?`
	return scanJob(s.db.QueryRowContext(ctx, query, id))
}

// ListJobs returns jobs ordered by run_at ascending.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit int) ([]*ScheduledJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs ORDER BY run_at ASC LIMIT ?`
	return s.queryJobs(ctx, query, limit)
}

// ListDueJobs returns scheduled jobs due at or before now, earliest first.
func (s *SQLiteStore) ListDueJobs(ctx context.Context, now time.Time) ([]*ScheduledJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM scheduled_jobs
		WHERE status = 'scheduled' AND run_at <= ?
		ORDER BY run_at ASC
	`
	return s.queryJobs(ctx, query, formatTime(now))
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job rows: %w", err)
	}

	return jobs, nil
}

// ClaimJob transitions a job from scheduled to running. The WHERE clause on
// the current status makes the claim atomic and exclusive: overlapping
// sweeps race on this single UPDATE, and the losers get ErrClaimLost.
func (s *SQLiteStore) ClaimJob(ctx context.Context, id string, now time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'scheduled'`,
		formatTime(now), id,
	)
	if err != nil {
		return fmt.Errorf("claiming job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}

// CompleteJob finishes a running job. With rearmAt set the job re-arms to
// 'scheduled' at the new run_at in the same statement; otherwise it moves
// to terminal 'completed'.
func (s *SQLiteStore) CompleteJob(ctx context.Context, id string, now time.Time, rearmAt *time.Time) error {
	var result sql.Result
	var err error
	if rearmAt != nil {
		result, err = s.db.ExecContext(ctx,
			`UPDATE scheduled_jobs SET status = 'scheduled', run_at = ?, updated_at = ? WHERE id = ? AND status = 'running'`,
			formatTime(*rearmAt), formatTime(now), id,
		)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE scheduled_jobs SET status = 'completed', updated_at = ? WHERE id = ? AND status = 'running'`,
			formatTime(now), id,
		)
	}
	if err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	return requireJobTransition(result, id)
}

// FailJob transitions a running job to terminal 'failed'.
func (s *SQLiteStore) FailJob(ctx context.Context, id string, now time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET status = 'failed', updated_at = ? WHERE id = ? AND status = 'running'`,
		formatTime(now), id,
	)
	if err != nil {
		return fmt.Errorf("failing job: %w", err)
	}
	return requireJobTransition(result, id)
}

// CancelJob transitions scheduled -> cancelled. Jobs that already started
// running, completed, or failed cannot be cancelled.
func (s *SQLiteStore) CancelJob(ctx context.Context, id string, now time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET status = 'cancelled', updated_at = ? WHERE id = ? AND status = 'scheduled'`,
		formatTime(now), id,
	)
	if err != nil {
		return fmt.Errorf("cancelling job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return ErrNotCancellable
	}

	s.logger.Info("cancelled job", "id", id)
	return nil
}

// DeleteJob removes a job row. Commands spawned by the job keep their weak
// back-reference and are not touched.
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func requireJobTransition(result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("job %s is not running: %w", id, ErrClaimLost)
	}
	return nil
}

// Ensure SQLiteStore implements JobStore.
var _ JobStore = (*SQLiteStore)(nil)
