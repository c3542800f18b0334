// ABOUTME: Download link store for revocable, expiring installer tokens
// ABOUTME: Tokens are unique and revocation is terminal

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateLink inserts a new download link.
func (s *SQLiteStore) CreateLink(ctx context.Context, link *DownloadLink) error {
	if link.ID == "" {
		link.ID = uuid.New().String()
	}
	if link.Visibility == "" {
		link.Visibility = LinkVisibilityPublic
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO download_links (id, token, visibility, created_by, created_at, expires_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		link.ID,
		link.Token,
		string(link.Visibility),
		link.CreatedBy,
		formatTime(link.CreatedAt),
		nullTime(link.ExpiresAt),
		nullTime(link.RevokedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("link token collision: %w", err)
		}
		return fmt.Errorf("inserting link: %w", err)
	}

	s.logger.Debug("created download link", "id", link.ID, "visibility", link.Visibility)
	return nil
}

const linkColumns = `id, token, visibility, created_by, created_at, expires_at, revoked_at`

func scanLink(row interface{ Scan(...any) error }) (*DownloadLink, error) {
	var link DownloadLink
	var visibility, createdAt string
	var expiresAt, revokedAt sql.NullString

	err := row.Scan(
		&link.ID,
		&link.Token,
		&visibility,
		&link.CreatedBy,
		&createdAt,
		&expiresAt,
		&revokedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning link: %w", err)
	}

	link.Visibility = LinkVisibility(visibility)
	link.CreatedAt = parseTime(createdAt, "created_at", link.ID)
	link.ExpiresAt = parseNullTime(expiresAt, "expires_at", link.ID)
	link.RevokedAt = parseNullTime(revokedAt, "revoked_at", link.ID)

	return &link, nil
}

// GetLink retrieves a link by ID.
// Returns ErrNotFound if the link doesn't exist.
func (s *SQLiteStore) GetLink(ctx context.Context, id string) (*DownloadLink, error) {
	query := `SELECT ` + linkColumns + ` FROM download_links WHERE id = ?`
	return scanLink(s.db.QueryRowContext(ctx, query, id))
}

// GetLinkByToken retrieves a link by its opaque token.
func (s *SQLiteStore) GetLinkByToken(ctx context.Context, token string) (*DownloadLink, error) {
	query := `SELECT ` + linkColumns + ` FROM download_links WHERE token = ?`
	return scanLink(s.db.QueryRowContext(ctx, query, token))
}

// ListLinks returns all download links, newest first.
func (s *SQLiteStore) ListLinks(ctx context.Context) ([]*DownloadLink, error) {
	query := `SELECT ` + linkColumns + ` FROM download_links ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var links []*DownloadLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating link rows: %w", err)
	}

	return links, nil
}

// RevokeLink sets revoked_at. Revocation is terminal: a second revoke
// returns ErrRevoked and changes nothing.
func (s *SQLiteStore) RevokeLink(ctx context.Context, id string, revokedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE download_links SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		formatTime(revokedAt), id,
	)
	if err != nil {
		return fmt.Errorf("revoking link: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetLink(ctx, id); err != nil {
			return err
		}
		return ErrRevoked
	}

	s.logger.Info("revoked download link", "id", id)
	return nil
}

// Ensure SQLiteStore implements LinkStore.
var _ LinkStore = (*SQLiteStore)(nil)
