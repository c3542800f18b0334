// ABOUTME: Tests for the job scheduler
// ABOUTME: Covers validation, recurrence advancement, sweep fan-out, and concurrent sweeps

package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpdeskpro/fleetcore/internal/dispatch"
	"github.com/helpdeskpro/fleetcore/internal/store"
)

func setupScheduler(t *testing.T) (*Scheduler, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := dispatch.NewDispatcher(s, logger)
	return New(s, d, logger), s
}

func newJob(name string, runAt time.Time, recurrence store.Recurrence) *store.ScheduledJob {
	return &store.ScheduledJob{
		Name:        name,
		ActionType:  "command",
		RunAt:       runAt,
		Recurrence:  recurrence,
		TargetHosts: []string{"host-a", "host-b"},
		Payload:     []byte(`{"script":"Get-Process"}`),
		CreatedBy:   "admin",
	}
}

func TestCreate_Validation(t *testing.T) {
	sched, _ := setupScheduler(t)
	ctx := context.Background()
	runAt := time.Now().UTC()

	bad := newJob("bad-action", runAt, store.RecurrenceOnce)
	bad.ActionType = "format-c"
	assert.ErrorIs(t, sched.Create(ctx, bad), dispatch.ErrInvalidAction)

	bad = newJob("bad-recurrence", runAt, store.Recurrence("hourly"))
	assert.ErrorIs(t, sched.Create(ctx, bad), ErrInvalidRecurrence)

	bad = newJob("no-hosts", runAt, store.RecurrenceOnce)
	bad.TargetHosts = nil
	assert.ErrorIs(t, sched.Create(ctx, bad), ErrNoTargets)

	good := newJob("good", runAt, store.RecurrenceWeekly)
	require.NoError(t, sched.Create(ctx, good))
	assert.NotEmpty(t, good.ID)
}

func TestNextRunAt(t *testing.T) {
	base := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)

	next, ok := NextRunAt(base, store.RecurrenceDaily)
	require.True(t, ok)
	assert.Equal(t, base.Add(24*time.Hour), next)

	next, ok = NextRunAt(base, store.RecurrenceWeekly)
	require.True(t, ok)
	assert.Equal(t, base.AddDate(0, 0, 7), next)

	next, ok = NextRunAt(base, store.RecurrenceMonthly)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 4, 10, 2, 0, 0, 0, time.UTC), next)

	_, ok = NextRunAt(base, store.RecurrenceOnce)
	assert.False(t, ok)
}

func TestSweep_FansOutAndCompletes(t *testing.T) {
	sched, s := setupScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := newJob("one-shot", now.Add(-time.Minute), store.RecurrenceOnce)
	require.NoError(t, sched.Create(ctx, job))

	executed, err := sched.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, executed)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusCompleted, got.Status)

	// One command per target host, each traceable to the job
	cmds, err := s.ListCommandsByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	hosts := map[string]bool{}
	for _, cmd := range cmds {
		hosts[cmd.TargetHost] = true
		assert.Equal(t, store.CommandStatusPending, cmd.Status)
		assert.Equal(t, "command", cmd.ActionType)
	}
	assert.True(t, hosts["host-a"])
	assert.True(t, hosts["host-b"])
}

func TestSweep_RearmsRecurringJobWithoutDrift(t *testing.T) {
	sched, s := setupScheduler(t)
	ctx := context.Background()

	// Due 90 minutes ago; the sweep fires late
	runAt := time.Now().UTC().Add(-90 * time.Minute).Truncate(time.Second)
	job := newJob("nightly", runAt, store.RecurrenceDaily)
	require.NoError(t, sched.Create(ctx, job))

	executed, err := sched.Sweep(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, executed)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusScheduled, got.Status)
	// Anchored to the prior run time, not the sweep time
	assert.True(t, got.RunAt.Equal(runAt.Add(24*time.Hour)),
		"expected %v, got %v", runAt.Add(24*time.Hour), got.RunAt)
}

func TestSweep_SkipsFutureJobs(t *testing.T) {
	sched, s := setupScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := newJob("future", now.Add(time.Hour), store.RecurrenceOnce)
	require.NoError(t, sched.Create(ctx, job))

	executed, err := sched.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, executed)

	got, _ := s.GetJob(ctx, job.ID)
	assert.Equal(t, store.JobStatusScheduled, got.Status)
}

func TestSweep_ConcurrentSweepersRunJobOnce(t *testing.T) {
	sched, s := setupScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := newJob("contested", now.Add(-time.Minute), store.RecurrenceOnce)
	require.NoError(t, sched.Create(ctx, job))

	const sweepers = 6
	var wg sync.WaitGroup
	total := make(chan int, sweepers)
	for i := 0; i < sweepers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			executed, err := sched.Sweep(ctx, now)
			if err != nil {
				t.Errorf("sweep error: %v", err)
				return
			}
			total <- executed
		}()
	}
	wg.Wait()
	close(total)

	sum := 0
	for n := range total {
		sum += n
	}
	assert.Equal(t, 1, sum, "the job must execute exactly once across all sweepers")

	// Exactly one fan-out happened
	cmds, err := s.ListCommandsByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, cmds, 2)
}

func TestCancel(t *testing.T) {
	sched, s := setupScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := newJob("cancellable", now.Add(time.Hour), store.RecurrenceOnce)
	require.NoError(t, sched.Create(ctx, job))
	require.NoError(t, sched.Cancel(ctx, job.ID))

	got, _ := s.GetJob(ctx, job.ID)
	assert.Equal(t, store.JobStatusCancelled, got.Status)

	// A cancelled job never runs
	executed, err := sched.Sweep(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, executed)
}

type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(ctx context.Context, host, actionType string, payload json.RawMessage, sourceJobID *string) (*store.RemoteCommand, error) {
	return nil, context.DeadlineExceeded
}

func TestSweep_TotalFanOutFailureFailsJob(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := New(s, failingEnqueuer{}, logger)

	ctx := context.Background()
	now := time.Now().UTC()
	job := newJob("doomed", now.Add(-time.Minute), store.RecurrenceOnce)
	require.NoError(t, sched.Create(ctx, job))

	executed, err := sched.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, executed)

	got, _ := s.GetJob(ctx, job.ID)
	assert.Equal(t, store.JobStatusFailed, got.Status)
}

// hostFailingEnqueuer passes through to the real dispatcher except for one
// host that always fails to enqueue.
type hostFailingEnqueuer struct {
	inner    CommandEnqueuer
	failHost string
}

func (e hostFailingEnqueuer) Enqueue(ctx context.Context, host, actionType string, payload json.RawMessage, sourceJobID *string) (*store.RemoteCommand, error) {
	if host == e.failHost {
		return nil, context.DeadlineExceeded
	}
	return e.inner.Enqueue(ctx, host, actionType, payload, sourceJobID)
}

func TestSweep_PartialFanOutFailureFailsJob(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := dispatch.NewDispatcher(s, logger)
	sched := New(s, hostFailingEnqueuer{inner: d, failHost: "host-b"}, logger)

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	job := newJob("half-reachable", now.Add(-time.Minute), store.RecurrenceDaily)
	require.NoError(t, sched.Create(ctx, job))

	executed, err := sched.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, executed)

	// One host missing its command fails the whole job; it must not
	// complete or re-arm with a partial fan-out behind it
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusFailed, got.Status)
	assert.True(t, got.RunAt.Equal(job.RunAt), "a failed job must not re-arm")

	cmds, err := s.ListCommandsByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "host-a", cmds[0].TargetHost)
}
