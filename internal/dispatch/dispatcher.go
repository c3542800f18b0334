// ABOUTME: Remote command dispatch and lifecycle tracking
// ABOUTME: Enforces the pending -> sent -> acknowledged/failed/expired state machine

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/helpdeskpro/fleetcore/internal/store"
)

// ErrInvalidAction is returned when a command names an unknown action type.
var ErrInvalidAction = errors.New("invalid action type")

// ErrNoTargetHost is returned when a command has no target host.
var ErrNoTargetHost = errors.New("target host is required")

// validActions are the action types agents know how to execute.
var validActions = map[string]bool{
	"command": true,
	"upload":  true,
	"script":  true,
}

// ValidAction reports whether agents can execute the given action type.
func ValidAction(actionType string) bool {
	return validActions[actionType]
}

// Dispatcher creates remote commands and walks them through their lifecycle.
type Dispatcher struct {
	commands store.CommandStore
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over the given command store.
func NewDispatcher(commands store.CommandStore, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		commands: commands,
		logger:   logger.With("component", "dispatch"),
	}
}

// Enqueue creates a pending command for one host. sourceJobID links the
// command back to the scheduled job that spawned it; nil means the command
// was issued directly by an operator.
func (d *Dispatcher) Enqueue(ctx context.Context, host, actionType string, payload json.RawMessage, sourceJobID *string) (*store.RemoteCommand, error) {
	if host == "" {
		return nil, ErrNoTargetHost
	}
	if !ValidAction(actionType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, actionType)
	}

	cmd := &store.RemoteCommand{
		TargetHost:  host,
		ActionType:  actionType,
		Payload:     payload,
		SourceJobID: sourceJobID,
	}
	if err := d.commands.CreateCommand(ctx, cmd); err != nil {
		return nil, fmt.Errorf("creating command: %w", err)
	}

	d.logger.Info("enqueued command", "id", cmd.ID, "host", host, "action", actionType)
	return cmd, nil
}

// MarkSent records delivery to the agent. Only pending commands can be
// marked sent; anything else is a terminal-state violation.
func (d *Dispatcher) MarkSent(ctx context.Context, id string) error {
	return d.transition(ctx, id, store.CommandStatusSent, "",
		[]store.CommandStatus{store.CommandStatusPending})
}

// MarkAcknowledged records agent confirmation with an optional result detail.
// Acknowledgement may arrive before the sent report when delivery races the
// agent's reply, so pending is an allowed source state.
func (d *Dispatcher) MarkAcknowledged(ctx context.Context, id, detail string) error {
	return d.transition(ctx, id, store.CommandStatusAcknowledged, detail,
		[]store.CommandStatus{store.CommandStatusPending, store.CommandStatusSent})
}

// MarkFailed records a delivery or execution failure with its reason.
func (d *Dispatcher) MarkFailed(ctx context.Context, id, detail string) error {
	return d.transition(ctx, id, store.CommandStatusFailed, detail,
		[]store.CommandStatus{store.CommandStatusPending, store.CommandStatusSent})
}

func (d *Dispatcher) transition(ctx context.Context, id string, to store.CommandStatus, detail string, from []store.CommandStatus) error {
	if err := d.commands.TransitionCommand(ctx, id, to, detail, from); err != nil {
		return err
	}
	d.logger.Info("command transition", "id", id, "to", string(to))
	return nil
}

// ExpireStale moves live commands older than ttl to expired and returns
// how many were affected. Acknowledged and failed commands are untouched.
func (d *Dispatcher) ExpireStale(ctx context.Context, ttl time.Duration) (int64, error) {
	now := time.Now().UTC()
	expired, err := d.commands.ExpireCommands(ctx, now.Add(-ttl), now)
	if err != nil {
		return 0, fmt.Errorf("expiring commands: %w", err)
	}
	if expired > 0 {
		d.logger.Info("expired stale commands", "count", expired, "ttl", ttl)
	}
	return expired, nil
}

// CommandsForJob returns every command fanned out from one scheduled job,
// giving per-host delivery status for the whole run.
func (d *Dispatcher) CommandsForJob(ctx context.Context, jobID string) ([]*store.RemoteCommand, error) {
	return d.commands.ListCommandsByJob(ctx, jobID)
}

// CommandsForHost returns the most recent commands targeting one host.
func (d *Dispatcher) CommandsForHost(ctx context.Context, host string, limit int) ([]*store.RemoteCommand, error) {
	return d.commands.ListCommandsByHost(ctx, host, limit)
}
