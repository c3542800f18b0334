// ABOUTME: Tests for the credential store
// ABOUTME: Covers prefix uniqueness, revocation finality, and atomic rotation

package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestCredential(prefix string) *Credential {
	return &Credential{
		Name:    "agent key",
		Prefix:  prefix,
		KeyHash: "$2a$10$fakehashfortesting",
	}
}

func TestCreateCredential(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	cred := newTestCredential("aabbccddeeff")
	if err := s.CreateCredential(ctx, cred); err != nil {
		t.Fatalf("CreateCredential failed: %v", err)
	}
	if cred.ID == "" {
		t.Error("expected ID to be set")
	}

	// Duplicate prefix is rejected by the unique index
	dup := newTestCredential("aabbccddeeff")
	if err := s.CreateCredential(ctx, dup); !errors.Is(err, ErrDuplicatePrefix) {
		t.Errorf("expected ErrDuplicatePrefix, got %v", err)
	}
}

func TestGetCredentialByPrefix(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	principal := "ops@example.com"
	cred := newTestCredential("001122334455")
	cred.Description = "field agents"
	cred.DefaultPrincipal = &principal
	if err := s.CreateCredential(ctx, cred); err != nil {
		t.Fatalf("CreateCredential failed: %v", err)
	}

	got, err := s.GetCredentialByPrefix(ctx, "001122334455")
	if err != nil {
		t.Fatalf("GetCredentialByPrefix failed: %v", err)
	}
	if got.ID != cred.ID {
		t.Errorf("expected ID %q, got %q", cred.ID, got.ID)
	}
	if got.Description != "field agents" {
		t.Errorf("expected description to round-trip, got %q", got.Description)
	}
	if got.DefaultPrincipal == nil || *got.DefaultPrincipal != principal {
		t.Errorf("expected default principal %q, got %v", principal, got.DefaultPrincipal)
	}
	if !got.Active() {
		t.Error("fresh credential should be active")
	}

	if _, err := s.GetCredentialByPrefix(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTouchCredential(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	cred := newTestCredential("aa11bb22cc33")
	if err := s.CreateCredential(ctx, cred); err != nil {
		t.Fatalf("CreateCredential failed: %v", err)
	}

	usedAt := time.Now().UTC().Truncate(time.Second)
	if err := s.TouchCredential(ctx, cred.ID, usedAt); err != nil {
		t.Fatalf("TouchCredential failed: %v", err)
	}

	got, err := s.GetCredential(ctx, cred.ID)
	if err != nil {
		t.Fatalf("GetCredential failed: %v", err)
	}
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(usedAt) {
		t.Errorf("expected last_used_at %v, got %v", usedAt, got.LastUsedAt)
	}

	if err := s.TouchCredential(ctx, "missing", usedAt); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRevokeCredential(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	cred := newTestCredential("ff00ff00ff00")
	if err := s.CreateCredential(ctx, cred); err != nil {
		t.Fatalf("CreateCredential failed: %v", err)
	}

	now := time.Now().UTC()
	if err := s.RevokeCredential(ctx, cred.ID, now); err != nil {
		t.Fatalf("RevokeCredential failed: %v", err)
	}

	got, err := s.GetCredential(ctx, cred.ID)
	if err != nil {
		t.Fatalf("GetCredential failed: %v", err)
	}
	if got.Active() {
		t.Error("revoked credential should not be active")
	}

	// Revocation is terminal
	if err := s.RevokeCredential(ctx, cred.ID, now); !errors.Is(err, ErrRevoked) {
		t.Errorf("expected ErrRevoked on second revoke, got %v", err)
	}

	if err := s.RevokeCredential(ctx, "missing", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRotateCredential(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	cred := newTestCredential("0123456789ab")
	if err := s.CreateCredential(ctx, cred); err != nil {
		t.Fatalf("CreateCredential failed: %v", err)
	}
	if err := s.RevokeCredential(ctx, cred.ID, time.Now()); err != nil {
		t.Fatalf("RevokeCredential failed: %v", err)
	}

	// Rotation installs new key material and clears the revocation
	if err := s.RotateCredential(ctx, cred.ID, "ba9876543210", "$2a$10$newhash"); err != nil {
		t.Fatalf("RotateCredential failed: %v", err)
	}

	got, err := s.GetCredential(ctx, cred.ID)
	if err != nil {
		t.Fatalf("GetCredential failed: %v", err)
	}
	if got.Prefix != "ba9876543210" {
		t.Errorf("expected rotated prefix, got %q", got.Prefix)
	}
	if got.KeyHash != "$2a$10$newhash" {
		t.Errorf("expected rotated hash, got %q", got.KeyHash)
	}
	if !got.Active() {
		t.Error("rotated credential should be active again")
	}

	// The old prefix no longer resolves
	if _, err := s.GetCredentialByPrefix(ctx, "0123456789ab"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected old prefix to be gone, got %v", err)
	}
}

func TestListCredentials(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, prefix := range []string{"111111111111", "222222222222", "333333333333"} {
		if err := s.CreateCredential(ctx, newTestCredential(prefix)); err != nil {
			t.Fatalf("CreateCredential failed: %v", err)
		}
	}

	creds, err := s.ListCredentials(ctx)
	if err != nil {
		t.Fatalf("ListCredentials failed: %v", err)
	}
	if len(creds) != 3 {
		t.Errorf("expected 3 credentials, got %d", len(creds))
	}
}
