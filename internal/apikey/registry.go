// ABOUTME: Agent API key registry: generation, verification, rotation, revocation
// ABOUTME: Keys are hp_<prefix>_<secret>; bcrypt is computed over the entire plain key

package apikey

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/helpdeskpro/fleetcore/internal/store"
)

// KeyTag is the fixed literal leading every plain key.
const KeyTag = "hp"

// prefixBytes is the entropy behind the public prefix (12 hex chars).
const prefixBytes = 6

// secretBytes is the entropy behind the secret segment (~256 bits).
const secretBytes = 32

// ErrInvalidKey is returned for any key that fails verification: malformed,
// wrong tag, unknown prefix, bad secret, or revoked. Callers get one
// indistinguishable rejection with no side effects.
var ErrInvalidKey = errors.New("invalid api key")

// Verifier is the authentication boundary consumed by the ingestion path.
type Verifier interface {
	Verify(ctx context.Context, rawKey string) (*store.Credential, error)
}

// Registry issues and verifies agent API keys.
type Registry struct {
	creds  store.CredentialStore
	logger *slog.Logger
}

// NewRegistry creates a key registry over the given credential store.
func NewRegistry(creds store.CredentialStore, logger *slog.Logger) *Registry {
	return &Registry{
		creds:  creds,
		logger: logger.With("component", "apikey"),
	}
}

// newPlainKey generates a fresh plain key and its public prefix.
func newPlainKey() (plainKey, prefix string, err error) {
	prefixRaw := make([]byte, prefixBytes)
	if _, err := rand.Read(prefixRaw); err != nil {
		return "", "", fmt.Errorf("generating prefix: %w", err)
	}
	secretRaw := make([]byte, secretBytes)
	if _, err := rand.Read(secretRaw); err != nil {
		return "", "", fmt.Errorf("generating secret: %w", err)
	}

	prefix = hex.EncodeToString(prefixRaw)
	secret := base64.RawURLEncoding.EncodeToString(secretRaw)
	return KeyTag + "_" + prefix + "_" + secret, prefix, nil
}

// hashKey computes the stored bcrypt hash over the entire plain key
// (tag, prefix, and secret), not the secret alone.
func hashKey(plainKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plainKey), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing key: %w", err)
	}
	return string(hash), nil
}

// Generate creates a new credential and returns the plain key, which is
// shown exactly once and never stored.
func (r *Registry) Generate(ctx context.Context, name, description string, defaultPrincipal *string) (string, *store.Credential, error) {
	plainKey, prefix, err := newPlainKey()
	if err != nil {
		return "", nil, err
	}

	hash, err := hashKey(plainKey)
	if err != nil {
		return "", nil, err
	}

	cred := &store.Credential{
		Name:             name,
		Description:      description,
		Prefix:           prefix,
		KeyHash:          hash,
		DefaultPrincipal: defaultPrincipal,
		CreatedAt:        time.Now().UTC(),
	}
	if err := r.creds.CreateCredential(ctx, cred); err != nil {
		return "", nil, fmt.Errorf("storing credential: %w", err)
	}

	r.logger.Info("generated api key", "id", cred.ID, "name", name, "prefix", prefix)
	return plainKey, cred, nil
}

// Verify authenticates a raw key. The key is split into exactly three
// underscore-delimited segments; the prefix drives a cheap store lookup
// before the bcrypt comparison, which runs in constant time. Revoked
// credentials are rejected. On success last_used_at is updated.
func (r *Registry) Verify(ctx context.Context, rawKey string) (*store.Credential, error) {
	prefix, ok := splitKey(rawKey)
	if !ok {
		return nil, ErrInvalidKey
	}

	cred, err := r.creds.GetCredentialByPrefix(ctx, prefix)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("looking up credential: %w", err)
	}

	if !cred.Active() {
		return nil, ErrInvalidKey
	}

	if bcrypt.CompareHashAndPassword([]byte(cred.KeyHash), []byte(rawKey)) != nil {
		return nil, ErrInvalidKey
	}

	now := time.Now().UTC()
	if err := r.creds.TouchCredential(ctx, cred.ID, now); err != nil {
		// Verification already succeeded; a failed touch is not a rejection.
		r.logger.Warn("failed to touch credential", "id", cred.ID, "error", err)
	} else {
		cred.LastUsedAt = &now
	}

	return cred, nil
}

// splitKey validates the tag_prefix_secret shape and returns the prefix.
// The secret segment may itself contain underscores (URL-safe base64), so
// only the first two delimiters are structural.
func splitKey(rawKey string) (prefix string, ok bool) {
	parts := strings.SplitN(rawKey, "_", 3)
	if len(parts) != 3 {
		return "", false
	}
	if parts[0] != KeyTag || parts[1] == "" || parts[2] == "" {
		return "", false
	}
	return parts[1], true
}

// Revoke permanently disables a credential. Irreversible; only Rotate can
// make the identity usable again, and only with fresh key material.
func (r *Registry) Revoke(ctx context.Context, id string) error {
	return r.creds.RevokeCredential(ctx, id, time.Now().UTC())
}

// Rotate issues a brand-new key for an existing identity. The stored prefix
// and hash are replaced and any revocation cleared in a single storage
// commit: the old key stops working the instant rotation lands, and a crash
// beforehand leaves the old key valid.
func (r *Registry) Rotate(ctx context.Context, id string) (string, error) {
	plainKey, prefix, err := newPlainKey()
	if err != nil {
		return "", err
	}

	hash, err := hashKey(plainKey)
	if err != nil {
		return "", err
	}

	if err := r.creds.RotateCredential(ctx, id, prefix, hash); err != nil {
		return "", fmt.Errorf("rotating credential: %w", err)
	}

	r.logger.Info("rotated api key", "id", id, "prefix", prefix)
	return plainKey, nil
}
