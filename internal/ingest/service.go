// ABOUTME: Message ingestion service with doc-key idempotency
// ABOUTME: Storage decides duplicate suppression, so embedded and standalone receivers behave identically

package ingest

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/helpdeskpro/fleetcore/internal/background"
	"github.com/helpdeskpro/fleetcore/internal/store"
)

// Result reports what ingestion did with one message.
type Result struct {
	MessageID string
	Stored    bool // false means a duplicate doc key suppressed the insert
}

// Service accepts authenticated agent messages.
type Service struct {
	messages store.MessageStore
	tasks    background.Submitter
	logger   *slog.Logger
}

// NewService creates an ingestion service.
func NewService(messages store.MessageStore, tasks background.Submitter, logger *slog.Logger) *Service {
	return &Service{
		messages: messages,
		tasks:    tasks,
		logger:   logger.With("component", "ingest"),
	}
}

// Ingest stores one message on behalf of an authenticated credential.
// An empty docKey means the message is always stored; otherwise at most one
// message per doc key is kept, and redelivery is a clean no-op.
func (s *Service) Ingest(ctx context.Context, cred *store.Credential, docKey string, payload []byte) (*Result, error) {
	msg := &store.IngestedMessage{
		ID:           ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String(),
		Payload:      payload,
		CredentialID: cred.ID,
		ReceivedAt:   time.Now().UTC(),
	}
	if docKey != "" {
		msg.DocKey = &docKey
	}

	stored, err := s.messages.InsertMessage(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("storing message: %w", err)
	}

	if !stored {
		s.logger.Debug("suppressed duplicate message", "doc_key", docKey, "credential", cred.ID)
		return &Result{Stored: false}, nil
	}

	s.logger.Debug("ingested message", "id", msg.ID, "doc_key", docKey, "credential", cred.ID)
	return &Result{MessageID: msg.ID, Stored: true}, nil
}

// LatestReceivedAt reports when the most recent message landed, nil when
// nothing has ever been ingested. Serves the health probe.
func (s *Service) LatestReceivedAt(ctx context.Context) (*time.Time, error) {
	return s.messages.LatestReceivedAt(ctx)
}

// PurgeExpired deletes messages older than the retention window off the
// request path. A zero retention keeps everything.
func (s *Service) PurgeExpired(retention time.Duration) {
	if retention <= 0 {
		return
	}
	err := s.tasks.Submit(func(ctx context.Context) error {
		purged, err := s.messages.PurgeMessagesBefore(ctx, time.Now().UTC().Add(-retention))
		if err != nil {
			return err
		}
		if purged > 0 {
			s.logger.Info("purged expired messages", "count", purged, "retention", retention)
		}
		return nil
	}, "purge expired messages")
	if err != nil {
		s.logger.Warn("could not schedule retention purge", "error", err)
	}
}
