// ABOUTME: Download link issuing, activity checks, and revocation
// ABOUTME: Links are opaque random tokens with optional expiry and visibility rules

package download

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/helpdeskpro/fleetcore/internal/store"
)

// tokenBytes is the entropy behind a link token (~256 bits).
const tokenBytes = 32

// ErrInvalidVisibility is returned for an unknown visibility value.
var ErrInvalidVisibility = errors.New("invalid visibility")

// Issuer creates and manages installer download links.
type Issuer struct {
	links  store.LinkStore
	logger *slog.Logger
}

// NewIssuer creates a link issuer over the given link store.
func NewIssuer(links store.LinkStore, logger *slog.Logger) *Issuer {
	return &Issuer{
		links:  links,
		logger: logger.With("component", "download"),
	}
}

// Issue creates a new download link. A nil or negative ttl means the link
// never expires; a zero ttl produces a link that is already expired, which
// is honored rather than rejected.
func (i *Issuer) Issue(ctx context.Context, visibility store.LinkVisibility, ttl *time.Duration, createdBy string) (*store.DownloadLink, error) {
	switch visibility {
	case store.LinkVisibilityPublic, store.LinkVisibilityRestricted:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidVisibility, visibility)
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}

	link := &store.DownloadLink{
		Token:      base64.RawURLEncoding.EncodeToString(raw),
		Visibility: visibility,
		CreatedBy:  createdBy,
		CreatedAt:  time.Now().UTC(),
	}
	if ttl != nil && *ttl >= 0 {
		expiresAt := link.CreatedAt.Add(*ttl)
		link.ExpiresAt = &expiresAt
	}

	if err := i.links.CreateLink(ctx, link); err != nil {
		return nil, fmt.Errorf("storing link: %w", err)
	}

	i.logger.Info("issued download link", "id", link.ID,
		"visibility", string(visibility), "expires_at", link.ExpiresAt)
	return link, nil
}

// Resolve looks up a link by its token. Inactive links still resolve; the
// caller decides how to surface them.
func (i *Issuer) Resolve(ctx context.Context, token string) (*store.DownloadLink, error) {
	return i.links.GetLinkByToken(ctx, token)
}

// Revoke permanently deactivates a link.
func (i *Issuer) Revoke(ctx context.Context, id string) error {
	if err := i.links.RevokeLink(ctx, id, time.Now().UTC()); err != nil {
		return err
	}
	i.logger.Info("revoked download link", "id", id)
	return nil
}

// List returns every issued link, newest first.
func (i *Issuer) List(ctx context.Context) ([]*store.DownloadLink, error) {
	return i.links.ListLinks(ctx)
}

// RequireLogin reports whether a link demands an authenticated session.
func RequireLogin(link *store.DownloadLink) bool {
	return link.Visibility == store.LinkVisibilityRestricted
}

// IsActive reports whether a link serves downloads at the given instant.
// Revocation always wins; expiry is checked second.
func IsActive(link *store.DownloadLink, now time.Time) bool {
	if link.RevokedAt != nil {
		return false
	}
	if link.ExpiresAt != nil && !now.Before(*link.ExpiresAt) {
		return false
	}
	return true
}
