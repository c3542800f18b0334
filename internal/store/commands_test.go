// ABOUTME: Tests for the remote command store
// ABOUTME: Covers conditional transitions, terminal-state rejection, TTL expiry, and job traceability

package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestCommand(host string) *RemoteCommand {
	return &RemoteCommand{
		TargetHost: host,
		ActionType: "command",
		Payload:    []byte(`{"script":"Restart-Service spooler"}`),
	}
}

func TestCreateAndGetCommand(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	cmd := newTestCommand("host-a")
	if err := s.CreateCommand(ctx, cmd); err != nil {
		t.Fatalf("CreateCommand failed: %v", err)
	}

	got, err := s.GetCommand(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("GetCommand failed: %v", err)
	}
	if got.Status != CommandStatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
	if got.SourceJobID != nil {
		t.Errorf("expected nil source job, got %v", got.SourceJobID)
	}
}

func TestTransitionCommand(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	cmd := newTestCommand("host-a")
	if err := s.CreateCommand(ctx, cmd); err != nil {
		t.Fatalf("CreateCommand failed: %v", err)
	}

	from := []CommandStatus{CommandStatusPending}
	if err := s.TransitionCommand(ctx, cmd.ID, CommandStatusSent, "delivered to agent", from); err != nil {
		t.Fatalf("transition to sent failed: %v", err)
	}

	// pending -> sent already happened; the same edge is rejected now
	if err := s.TransitionCommand(ctx, cmd.ID, CommandStatusSent, "", from); !errors.Is(err, ErrTerminalState) {
		t.Errorf("expected ErrTerminalState for repeated edge, got %v", err)
	}

	fromLive := []CommandStatus{CommandStatusPending, CommandStatusSent}
	if err := s.TransitionCommand(ctx, cmd.ID, CommandStatusAcknowledged, "exit 0", fromLive); err != nil {
		t.Fatalf("transition to acknowledged failed: %v", err)
	}

	got, _ := s.GetCommand(ctx, cmd.ID)
	if got.Status != CommandStatusAcknowledged {
		t.Errorf("expected acknowledged, got %s", got.Status)
	}
	if got.Detail != "exit 0" {
		t.Errorf("expected detail to be recorded, got %q", got.Detail)
	}

	// Terminal: no further transitions, state unchanged
	if err := s.TransitionCommand(ctx, cmd.ID, CommandStatusFailed, "late failure", fromLive); !errors.Is(err, ErrTerminalState) {
		t.Errorf("expected ErrTerminalState, got %v", err)
	}
	got, _ = s.GetCommand(ctx, cmd.ID)
	if got.Status != CommandStatusAcknowledged || got.Detail != "exit 0" {
		t.Errorf("terminal command mutated: status=%s detail=%q", got.Status, got.Detail)
	}

	if err := s.TransitionCommand(ctx, "missing", CommandStatusSent, "", from); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestExpireCommands(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := newTestCommand("host-a")
	stale.CreatedAt = now.Add(-2 * time.Hour)
	stale.UpdatedAt = stale.CreatedAt
	if err := s.CreateCommand(ctx, stale); err != nil {
		t.Fatalf("CreateCommand failed: %v", err)
	}

	staleSent := newTestCommand("host-b")
	staleSent.CreatedAt = now.Add(-2 * time.Hour)
	staleSent.UpdatedAt = staleSent.CreatedAt
	if err := s.CreateCommand(ctx, staleSent); err != nil {
		t.Fatalf("CreateCommand failed: %v", err)
	}
	if err := s.TransitionCommand(ctx, staleSent.ID, CommandStatusSent, "", []CommandStatus{CommandStatusPending}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	fresh := newTestCommand("host-c")
	if err := s.CreateCommand(ctx, fresh); err != nil {
		t.Fatalf("CreateCommand failed: %v", err)
	}

	acked := newTestCommand("host-d")
	acked.CreatedAt = now.Add(-2 * time.Hour)
	acked.UpdatedAt = acked.CreatedAt
	if err := s.CreateCommand(ctx, acked); err != nil {
		t.Fatalf("CreateCommand failed: %v", err)
	}
	if err := s.TransitionCommand(ctx, acked.ID, CommandStatusAcknowledged, "", []CommandStatus{CommandStatusPending, CommandStatusSent}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	// TTL of one hour: the two stale live commands expire, the fresh and
	// the acknowledged ones do not
	expired, err := s.ExpireCommands(ctx, now.Add(-time.Hour), now)
	if err != nil {
		t.Fatalf("ExpireCommands failed: %v", err)
	}
	if expired != 2 {
		t.Errorf("expected 2 expired, got %d", expired)
	}

	got, _ := s.GetCommand(ctx, stale.ID)
	if got.Status != CommandStatusExpired {
		t.Errorf("expected stale pending expired, got %s", got.Status)
	}
	got, _ = s.GetCommand(ctx, fresh.ID)
	if got.Status != CommandStatusPending {
		t.Errorf("expected fresh command untouched, got %s", got.Status)
	}
	got, _ = s.GetCommand(ctx, acked.ID)
	if got.Status != CommandStatusAcknowledged {
		t.Errorf("expected acknowledged command untouched, got %s", got.Status)
	}
}

func TestListCommandsByJob(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	jobID := "job-123"
	for _, host := range []string{"host-a", "host-b"} {
		cmd := newTestCommand(host)
		cmd.SourceJobID = &jobID
		if err := s.CreateCommand(ctx, cmd); err != nil {
			t.Fatalf("CreateCommand failed: %v", err)
		}
	}
	// One unrelated command
	if err := s.CreateCommand(ctx, newTestCommand("host-z")); err != nil {
		t.Fatalf("CreateCommand failed: %v", err)
	}

	cmds, err := s.ListCommandsByJob(ctx, jobID)
	if err != nil {
		t.Fatalf("ListCommandsByJob failed: %v", err)
	}
	if len(cmds) != 2 {
		t.Errorf("expected 2 commands for job, got %d", len(cmds))
	}
	for _, cmd := range cmds {
		if cmd.SourceJobID == nil || *cmd.SourceJobID != jobID {
			t.Errorf("expected source job %q, got %v", jobID, cmd.SourceJobID)
		}
	}
}

func TestListCommandsByHost(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.CreateCommand(ctx, newTestCommand("host-a")); err != nil {
			t.Fatalf("CreateCommand failed: %v", err)
		}
	}

	cmds, err := s.ListCommandsByHost(ctx, "host-a", 2)
	if err != nil {
		t.Fatalf("ListCommandsByHost failed: %v", err)
	}
	if len(cmds) != 2 {
		t.Errorf("expected limit of 2 commands, got %d", len(cmds))
	}
}
