// ABOUTME: Scheduled job creation, recurrence, and the due-job sweep
// ABOUTME: Claims are store-mediated so concurrent sweepers never double-run a job

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/helpdeskpro/fleetcore/internal/dispatch"
	"github.com/helpdeskpro/fleetcore/internal/store"
)

// ErrInvalidRecurrence is returned for an unknown recurrence value.
var ErrInvalidRecurrence = errors.New("invalid recurrence")

// ErrNoTargets is returned when a job names no target hosts.
var ErrNoTargets = errors.New("at least one target host is required")

// CommandEnqueuer is the dispatch surface the sweep fans out to.
type CommandEnqueuer interface {
	Enqueue(ctx context.Context, host, actionType string, payload json.RawMessage, sourceJobID *string) (*store.RemoteCommand, error)
}

// Scheduler creates jobs and runs the periodic due-job sweep.
type Scheduler struct {
	jobs       store.JobStore
	dispatcher CommandEnqueuer
	logger     *slog.Logger
}

// New creates a scheduler over the given job store and dispatcher.
func New(jobs store.JobStore, dispatcher CommandEnqueuer, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		jobs:       jobs,
		dispatcher: dispatcher,
		logger:     logger.With("component", "scheduler"),
	}
}

// Create validates and stores a new scheduled job.
func (s *Scheduler) Create(ctx context.Context, job *store.ScheduledJob) error {
	if !dispatch.ValidAction(job.ActionType) {
		return fmt.Errorf("%w: %q", dispatch.ErrInvalidAction, job.ActionType)
	}
	switch job.Recurrence {
	case store.RecurrenceOnce, store.RecurrenceDaily, store.RecurrenceWeekly, store.RecurrenceMonthly:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRecurrence, job.Recurrence)
	}
	if len(job.TargetHosts) == 0 {
		return ErrNoTargets
	}

	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("creating job: %w", err)
	}

	s.logger.Info("created job", "id", job.ID, "name", job.Name,
		"run_at", job.RunAt, "recurrence", string(job.Recurrence), "hosts", len(job.TargetHosts))
	return nil
}

// Cancel withdraws a scheduled job before it runs.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	if err := s.jobs.CancelJob(ctx, id, time.Now().UTC()); err != nil {
		return err
	}
	s.logger.Info("cancelled job", "id", id)
	return nil
}

// NextRunAt advances a run time by one recurrence interval. The next run is
// anchored to the prior scheduled time, not to when the sweep happened to
// fire, so a job due at 02:00 stays at 02:00.
func NextRunAt(prior time.Time, recurrence store.Recurrence) (time.Time, bool) {
	switch recurrence {
	case store.RecurrenceDaily:
		return prior.Add(24 * time.Hour), true
	case store.RecurrenceWeekly:
		return prior.Add(7 * 24 * time.Hour), true
	case store.RecurrenceMonthly:
		return prior.AddDate(0, 1, 0), true
	default:
		return time.Time{}, false
	}
}

// Sweep finds jobs due at now, claims each one, and fans commands out to
// every target host. Recurring jobs are re-armed for their next run;
// one-shot jobs complete. Claim losses are skipped silently since another
// sweeper owns the job. Returns the number of jobs this sweep executed.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (int, error) {
	due, err := s.jobs.ListDueJobs(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("listing due jobs: %w", err)
	}

	executed := 0
	for _, job := range due {
		if err := s.jobs.ClaimJob(ctx, job.ID, now); err != nil {
			if errors.Is(err, store.ErrClaimLost) {
				continue
			}
			return executed, fmt.Errorf("claiming job %s: %w", job.ID, err)
		}

		if err := s.runClaimed(ctx, job, now); err != nil {
			s.logger.Error("job execution failed", "id", job.ID, "error", err)
			if failErr := s.jobs.FailJob(ctx, job.ID, time.Now().UTC()); failErr != nil {
				s.logger.Error("failed to mark job failed", "id", job.ID, "error", failErr)
			}
			continue
		}
		executed++
	}

	return executed, nil
}

// runClaimed fans out one claimed job and settles its final state. Every
// target host must get its command: a single enqueue failure fails the
// job, otherwise a recurring job would re-arm with hosts silently missing.
func (s *Scheduler) runClaimed(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	jobID := job.ID
	var failed int
	for _, host := range job.TargetHosts {
		if _, err := s.dispatcher.Enqueue(ctx, host, job.ActionType, job.Payload, &jobID); err != nil {
			s.logger.Error("fan-out failed for host", "job", jobID, "host", host, "error", err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("fan-out failed for %d of %d hosts", failed, len(job.TargetHosts))
	}

	var rearmAt *time.Time
	if next, ok := NextRunAt(job.RunAt, job.Recurrence); ok {
		rearmAt = &next
	}
	if err := s.jobs.CompleteJob(ctx, jobID, time.Now().UTC(), rearmAt); err != nil {
		return fmt.Errorf("settling job: %w", err)
	}

	if rearmAt != nil {
		s.logger.Info("job executed and re-armed", "id", jobID, "next_run", *rearmAt)
	} else {
		s.logger.Info("job executed", "id", jobID)
	}
	return nil
}

// Run sweeps on a fixed interval until ctx is cancelled. One sweep failure
// is logged and the loop keeps going.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "sweep_interval", interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case now := <-ticker.C:
			if _, err := s.Sweep(ctx, now.UTC()); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}
