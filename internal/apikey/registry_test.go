// ABOUTME: Tests for the API key registry
// ABOUTME: Covers key shape, verification edge cases, rotation, and revocation finality

package apikey

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpdeskpro/fleetcore/internal/store"
)

func setupRegistry(t *testing.T) (*Registry, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewRegistry(s, slog.New(slog.NewTextHandler(io.Discard, nil))), s
}

func TestGenerate_KeyShape(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	plainKey, cred, err := reg.Generate(ctx, "host-agent", "primary key", nil)
	require.NoError(t, err)

	parts := strings.SplitN(plainKey, "_", 3)
	require.Len(t, parts, 3)
	assert.Equal(t, "hp", parts[0])
	assert.Len(t, parts[1], 12)
	assert.NotEmpty(t, parts[2])

	assert.Equal(t, parts[1], cred.Prefix)
	assert.NotContains(t, cred.KeyHash, parts[2], "secret must not appear in the stored hash")
}

func TestVerify_RoundTrip(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	principal := "ops@example.com"
	plainKey, cred, err := reg.Generate(ctx, "host-agent", "", &principal)
	require.NoError(t, err)

	got, err := reg.Verify(ctx, plainKey)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, got.ID)
	require.NotNil(t, got.DefaultPrincipal)
	assert.Equal(t, principal, *got.DefaultPrincipal)
	assert.NotNil(t, got.LastUsedAt, "verification should touch last_used_at")
}

func TestVerify_Malformed(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	plainKey, _, err := reg.Generate(ctx, "host-agent", "", nil)
	require.NoError(t, err)

	for _, raw := range []string{
		"",
		"hp",
		"hp_",
		"hp__secret",
		"hp_prefixonly",
		"xx_aabbccddeeff_secret",
		plainKey + "x",
		strings.Replace(plainKey, "hp_", "hq_", 1),
	} {
		_, err := reg.Verify(ctx, raw)
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q should be rejected", raw)
	}
}

func TestVerify_WrongSecretSamePrefix(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	plainKey, _, err := reg.Generate(ctx, "host-agent", "", nil)
	require.NoError(t, err)

	parts := strings.SplitN(plainKey, "_", 3)
	forged := parts[0] + "_" + parts[1] + "_forgedsecretforgedsecret"
	_, err = reg.Verify(ctx, forged)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestVerify_SecretWithUnderscores(t *testing.T) {
	// URL-safe base64 uses '_' as an alphabet character, so a legitimate
	// secret can contain underscores; parsing must not truncate it.
	_, ok := splitKey("hp_aabbccddeeff_sec_ret_with_underscores")
	assert.True(t, ok)
}

func TestRevoke_Finality(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	plainKey, cred, err := reg.Generate(ctx, "host-agent", "", nil)
	require.NoError(t, err)

	require.NoError(t, reg.Revoke(ctx, cred.ID))

	_, err = reg.Verify(ctx, plainKey)
	assert.ErrorIs(t, err, ErrInvalidKey)

	err = reg.Revoke(ctx, cred.ID)
	assert.ErrorIs(t, err, store.ErrRevoked)
}

func TestRotate_OldKeyDiesNewKeyWorks(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	oldKey, cred, err := reg.Generate(ctx, "host-agent", "", nil)
	require.NoError(t, err)

	newKey, err := reg.Rotate(ctx, cred.ID)
	require.NoError(t, err)
	assert.NotEqual(t, oldKey, newKey)

	_, err = reg.Verify(ctx, oldKey)
	assert.ErrorIs(t, err, ErrInvalidKey, "old key must stop working after rotation")

	got, err := reg.Verify(ctx, newKey)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, got.ID, "identity survives rotation")
}

func TestRotate_RevivesRevokedCredential(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	_, cred, err := reg.Generate(ctx, "host-agent", "", nil)
	require.NoError(t, err)
	require.NoError(t, reg.Revoke(ctx, cred.ID))

	newKey, err := reg.Rotate(ctx, cred.ID)
	require.NoError(t, err)

	got, err := reg.Verify(ctx, newKey)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, got.ID)
	assert.Nil(t, got.RevokedAt)
}

func TestRotate_UnknownCredential(t *testing.T) {
	reg, _ := setupRegistry(t)

	_, err := reg.Rotate(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
