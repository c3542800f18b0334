// ABOUTME: Tests for the command dispatcher
// ABOUTME: Covers validation, the full state machine, TTL expiry, and job traceability

package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpdeskpro/fleetcore/internal/store"
)

func setupDispatcher(t *testing.T) (*Dispatcher, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewDispatcher(s, slog.New(slog.NewTextHandler(io.Discard, nil))), s
}

func TestEnqueue_Validation(t *testing.T) {
	d, _ := setupDispatcher(t)
	ctx := context.Background()

	_, err := d.Enqueue(ctx, "", "command", nil, nil)
	assert.ErrorIs(t, err, ErrNoTargetHost)

	_, err = d.Enqueue(ctx, "host-a", "reboot-the-moon", nil, nil)
	assert.ErrorIs(t, err, ErrInvalidAction)

	for _, action := range []string{"command", "upload", "script"} {
		cmd, err := d.Enqueue(ctx, "host-a", action, json.RawMessage(`{}`), nil)
		require.NoError(t, err)
		assert.Equal(t, store.CommandStatusPending, cmd.Status)
	}
}

func TestLifecycle_HappyPath(t *testing.T) {
	d, s := setupDispatcher(t)
	ctx := context.Background()

	cmd, err := d.Enqueue(ctx, "host-a", "command", json.RawMessage(`{"script":"Get-Service"}`), nil)
	require.NoError(t, err)

	require.NoError(t, d.MarkSent(ctx, cmd.ID))
	require.NoError(t, d.MarkAcknowledged(ctx, cmd.ID, "exit 0"))

	got, err := s.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CommandStatusAcknowledged, got.Status)
	assert.Equal(t, "exit 0", got.Detail)
	assert.True(t, got.Status.Terminal())
}

func TestLifecycle_AckBeforeSentReport(t *testing.T) {
	d, s := setupDispatcher(t)
	ctx := context.Background()

	cmd, err := d.Enqueue(ctx, "host-a", "script", json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	// The agent's acknowledgement can land before the sent report
	require.NoError(t, d.MarkAcknowledged(ctx, cmd.ID, "done"))

	// A late sent report must not resurrect the command
	err = d.MarkSent(ctx, cmd.ID)
	assert.ErrorIs(t, err, store.ErrTerminalState)

	got, _ := s.GetCommand(ctx, cmd.ID)
	assert.Equal(t, store.CommandStatusAcknowledged, got.Status)
}

func TestLifecycle_TerminalStatesAreFinal(t *testing.T) {
	d, _ := setupDispatcher(t)
	ctx := context.Background()

	cmd, err := d.Enqueue(ctx, "host-a", "command", json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	require.NoError(t, d.MarkFailed(ctx, cmd.ID, "agent unreachable"))

	assert.ErrorIs(t, d.MarkSent(ctx, cmd.ID), store.ErrTerminalState)
	assert.ErrorIs(t, d.MarkAcknowledged(ctx, cmd.ID, ""), store.ErrTerminalState)
	assert.ErrorIs(t, d.MarkFailed(ctx, cmd.ID, ""), store.ErrTerminalState)
}

func TestLifecycle_UnknownCommand(t *testing.T) {
	d, _ := setupDispatcher(t)
	ctx := context.Background()

	assert.ErrorIs(t, d.MarkSent(ctx, "missing"), store.ErrNotFound)
}

func TestExpireStale(t *testing.T) {
	d, s := setupDispatcher(t)
	ctx := context.Background()

	stale := &store.RemoteCommand{
		TargetHost: "host-a",
		ActionType: "command",
		Payload:    json.RawMessage(`{}`),
		CreatedAt:  time.Now().UTC().Add(-2 * time.Hour),
	}
	require.NoError(t, s.CreateCommand(ctx, stale))

	fresh, err := d.Enqueue(ctx, "host-b", "command", json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	expired, err := d.ExpireStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), expired)

	got, _ := s.GetCommand(ctx, stale.ID)
	assert.Equal(t, store.CommandStatusExpired, got.Status)
	got, _ = s.GetCommand(ctx, fresh.ID)
	assert.Equal(t, store.CommandStatusPending, got.Status)
}

func TestCommandsForJob(t *testing.T) {
	d, _ := setupDispatcher(t)
	ctx := context.Background()

	jobID := "job-77"
	for _, host := range []string{"host-a", "host-b", "host-c"} {
		_, err := d.Enqueue(ctx, host, "command", json.RawMessage(`{}`), &jobID)
		require.NoError(t, err)
	}
	_, err := d.Enqueue(ctx, "host-z", "command", json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	cmds, err := d.CommandsForJob(ctx, jobID)
	require.NoError(t, err)
	assert.Len(t, cmds, 3)
	for _, cmd := range cmds {
		require.NotNil(t, cmd.SourceJobID)
		assert.Equal(t, jobID, *cmd.SourceJobID)
	}
}
