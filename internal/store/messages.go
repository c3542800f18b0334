// ABOUTME: Ingested message store with doc-key dedup enforced by a unique index
// ABOUTME: Conflict-on-insert is reported as "already stored", not as an error

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertMessage stores a message. When the message carries a doc key that is
// already recorded, the insert is suppressed at the storage layer and the
// method returns (false, nil). The check-and-insert is a single statement,
// which closes the race between concurrent duplicate deliveries across
// processes sharing this database.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *IngestedMessage) (bool, error) {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO ingested_messages (id, doc_key, payload, credential_id, received_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(doc_key) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		msg.ID,
		nullString(strPtrValue(msg.DocKey)),
		msg.Payload,
		msg.CredentialID,
		formatTime(msg.ReceivedAt),
	)
	if err != nil {
		return false, fmt.Errorf("inserting message: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		s.logger.Debug("duplicate message suppressed", "doc_key", strPtrValue(msg.DocKey))
		return false, nil
	}

	return true, nil
}

const messageColumns = `id, doc_key, payload, credential_id, received_at`

func scanMessage(row interface{ Scan(...any) error }) (*IngestedMessage, error) {
	var msg IngestedMessage
	var docKey sql.NullString
	var receivedAt string

	err := row.Scan(&msg.ID, &docKey, &msg.Payload, &msg.CredentialID, &receivedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	if docKey.Valid {
		msg.DocKey = &docKey.String
	}
	msg.ReceivedAt = parseTime(receivedAt, "received_at", msg.ID)

	return &msg, nil
}

// GetMessageByDocKey retrieves the message stored under a doc key.
// Returns ErrNotFound if no message carries that key.
func (s *SQLiteStore) GetMessageByDocKey(ctx context.Context, docKey string) (*IngestedMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM ingested_messages WHERE doc_key = ?`
	return scanMessage(s.db.QueryRowContext(ctx, query, docKey))
}

// ListRecentMessages returns the most recently received messages.
func (s *SQLiteStore) ListRecentMessages(ctx context.Context, limit int) ([]*IngestedMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM ingested_messages ORDER BY received_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*IngestedMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return msgs, nil
}

// LatestReceivedAt returns the timestamp of the newest ingested message,
// or nil when nothing has been ingested yet.
func (s *SQLiteStore) LatestReceivedAt(ctx context.Context) (*time.Time, error) {
	var receivedAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(received_at) FROM ingested_messages`,
	).Scan(&receivedAt)
	if err != nil {
		return nil, fmt.Errorf("querying latest message: %w", err)
	}
	if !receivedAt.Valid {
		return nil, nil
	}
	t := parseTime(receivedAt.String, "received_at", "latest")
	return &t, nil
}

// PurgeMessagesBefore deletes messages received before the cutoff and
// returns how many were removed. Dedup bookkeeping for purged doc keys is
// dropped with the rows; retention is expected to be far longer than any
// realistic redelivery window.
func (s *SQLiteStore) PurgeMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM ingested_messages WHERE received_at < ?`,
		formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("purging messages: %w", err)
	}

	purged, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if purged > 0 {
		s.logger.Info("purged expired messages", "count", purged, "cutoff", cutoff)
	}
	return purged, nil
}

// Ensure SQLiteStore implements MessageStore.
var _ MessageStore = (*SQLiteStore)(nil)
