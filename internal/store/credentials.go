// ABOUTME: Credential store implementation for agent API keys
// ABOUTME: Covers creation, prefix lookup, liveness touch, revocation, and atomic rotation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateCredential inserts a new credential.
// Returns ErrDuplicatePrefix if the public prefix collides.
func (s *SQLiteStore) CreateCredential(ctx context.Context, cred *Credential) error {
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO credentials (id, name, description, prefix, key_hash, default_principal, created_at, last_used_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		cred.ID,
		cred.Name,
		cred.Description,
		cred.Prefix,
		cred.KeyHash,
		nullString(strPtrValue(cred.DefaultPrincipal)),
		formatTime(cred.CreatedAt),
		nullTime(cred.LastUsedAt),
		nullTime(cred.RevokedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicatePrefix
		}
		return fmt.Errorf("inserting credential: %w", err)
	}

	s.logger.Debug("created credential", "id", cred.ID, "name", cred.Name, "prefix", cred.Prefix)
	return nil
}

const credentialColumns = `id, name, description, prefix, key_hash, default_principal, created_at, last_used_at, revoked_at`

// scanCredential scans one credential row.
func scanCredential(row interface{ Scan(...any) error }) (*Credential, error) {
	var cred Credential
	var defaultPrincipal sql.NullString
	var createdAt string
	var lastUsedAt, revokedAt sql.NullString

	err := row.Scan(
		&cred.ID,
		&cred.Name,
		&cred.Description,
		&cred.Prefix,
		&cred.KeyHash,
		&defaultPrincipal,
		&createdAt,
		&lastUsedAt,
		&revokedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning credential: %w", err)
	}

	if defaultPrincipal.Valid {
		cred.DefaultPrincipal = &defaultPrincipal.String
	}
	cred.CreatedAt = parseTime(createdAt, "created_at", cred.ID)
	cred.LastUsedAt = parseNullTime(lastUsedAt, "last_used_at", cred.ID)
	cred.RevokedAt = parseNullTime(revokedAt, "revoked_at", cred.ID)

	return &cred, nil
}

// GetCredential retrieves a credential by ID.
// Returns ErrNotFound if the credential doesn't exist.
func (s *SQLiteStore) GetCredential(ctx context.Context, id string) (*Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE id = ?`
	return scanCredential(s.db.QueryRowContext(ctx, query, id))
}

// GetCredentialByPrefix retrieves a credential by its public prefix.
// This is the cheap lookup performed before the expensive hash comparison.
func (s *SQLiteStore) GetCredentialByPrefix(ctx context.Context, prefix string) (*Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE prefix = ?`
	return scanCredential(s.db.QueryRowContext(ctx, query, prefix))
}

// ListCredentials returns all credentials, newest first.
func (s *SQLiteStore) ListCredentials(ctx context.Context) ([]*Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var creds []*Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credential rows: %w", err)
	}

	return creds, nil
}

// TouchCredential updates last_used_at. Liveness is proven by any accepted
// call, including deduplicated ingest no-ops.
func (s *SQLiteStore) TouchCredential(ctx context.Context, id string, usedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET last_used_at = ? WHERE id = ?`,
		formatTime(usedAt), id,
	)
	if err != nil {
		return fmt.Errorf("touching credential: %w", err)
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

// RevokeCredential sets revoked_at. Revocation is terminal: a second revoke
// returns ErrRevoked and changes nothing.
func (s *SQLiteStore) RevokeCredential(ctx context.Context, id string, revokedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		formatTime(revokedAt), id,
	)
	if err != nil {
		return fmt.Errorf("revoking credential: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetCredential(ctx, id); err != nil {
			return err
		}
		return ErrRevoked
	}

	s.logger.Info("revoked credential", "id", id)
	return nil
}

// RotateCredential replaces the prefix and key hash and clears any
// revocation in a single UPDATE, so the old key stops verifying the instant
// the statement commits and a crash beforehand leaves the old key intact.
func (s *SQLiteStore) RotateCredential(ctx context.Context, id, newPrefix, newHash string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET prefix = ?, key_hash = ?, revoked_at = NULL WHERE id = ?`,
		newPrefix, newHash, id,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicatePrefix
		}
		return fmt.Errorf("rotating credential: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Info("rotated credential", "id", id, "prefix", newPrefix)
	return nil
}

// strPtrValue returns the dereferenced string or empty string if nil.
func strPtrValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Ensure SQLiteStore implements CredentialStore.
var _ CredentialStore = (*SQLiteStore)(nil)
