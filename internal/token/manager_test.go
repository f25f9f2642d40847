package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/and161185/caseflow/internal/errs"
	"github.com/and161185/caseflow/internal/model"
	"github.com/and161185/caseflow/internal/storage"
)

func newManager(t *testing.T) (*Manager, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	return NewManager(store, zap.NewNop()), store
}

// makeToken builds an unsigned three-segment token with the given claims.
func makeToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	enc := func(v any) string {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return base64.RawURLEncoding.EncodeToString(b)
	}
	header := map[string]any{"alg": "HS256", "typ": "JWT"}
	return enc(header) + "." + enc(claims) + ".sig"
}

func TestManager_StoreAndReadTokens(t *testing.T) {
	t.Parallel()
	m, store := newManager(t)
	ctx := context.Background()

	err := m.StoreTokens(ctx, model.TokenSet{
		AccessToken:  "acc",
		RefreshToken: "ref",
		ExpiresIn:    600,
	})
	require.NoError(t, err)

	require.Equal(t, "acc", m.AccessToken(ctx))
	require.Equal(t, "ref", m.RefreshToken(ctx))
	require.Equal(t, "Bearer", m.TokenType(ctx))
	require.Equal(t, "Bearer acc", m.AuthorizationHeader(ctx))

	// legacy alias mirrors the access token for older readers
	legacy, err := store.Get(ctx, "auth_token")
	require.NoError(t, err)
	require.Equal(t, "acc", legacy)
}

func TestManager_IsTokenExpired_BufferBoundary(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	ctx := context.Background()

	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return t0 }
	require.NoError(t, m.StoreTokens(ctx, model.TokenSet{AccessToken: "acc", ExpiresIn: 600}))

	expiresAt := t0.Add(600 * time.Second)

	m.now = func() time.Time { return expiresAt.Add(-5*time.Minute - time.Millisecond) }
	require.False(t, m.IsTokenExpired(ctx))

	m.now = func() time.Time { return expiresAt.Add(-5 * time.Minute) }
	require.True(t, m.IsTokenExpired(ctx))

	m.now = func() time.Time { return expiresAt.Add(time.Hour) }
	require.True(t, m.IsTokenExpired(ctx))
}

func TestManager_IsTokenExpired_MissingExpiry(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	require.True(t, m.IsTokenExpired(context.Background()))
}

func TestManager_IsRefreshTokenExpired(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	ctx := context.Background()

	// absent token counts as expired
	require.True(t, m.IsRefreshTokenExpired(ctx))

	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return t0 }

	fresh := makeToken(t, map[string]any{"exp": t0.Add(48 * time.Hour).Unix()})
	require.NoError(t, m.StoreTokens(ctx, model.TokenSet{AccessToken: "a", RefreshToken: fresh, ExpiresIn: 60}))
	require.False(t, m.IsRefreshTokenExpired(ctx))

	// inside the 1-hour buffer
	nearlyOut := makeToken(t, map[string]any{"exp": t0.Add(30 * time.Minute).Unix()})
	require.NoError(t, m.StoreTokens(ctx, model.TokenSet{AccessToken: "a", RefreshToken: nearlyOut, ExpiresIn: 60}))
	require.True(t, m.IsRefreshTokenExpired(ctx))

	// undecodable counts as expired
	require.NoError(t, m.StoreTokens(ctx, model.TokenSet{AccessToken: "a", RefreshToken: "garbage", ExpiresIn: 60}))
	require.True(t, m.IsRefreshTokenExpired(ctx))
}

func TestManager_DecodeUnverifiedClaims(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)

	tok := makeToken(t, map[string]any{
		"sub":      "user-1",
		"iat":      1700000000,
		"exp":      1700003600,
		"aud":      "caseflow-mobile",
		"iss":      "caseflow",
		"role":     "field_agent",
		"deviceId": "dev-42",
		"tenant":   "acme",
	})

	claims, err := m.DecodeUnverifiedClaims(tok)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, int64(1700000000), claims.IssuedAt)
	require.Equal(t, int64(1700003600), claims.ExpiresAt)
	require.Equal(t, "caseflow-mobile", claims.Audience)
	require.Equal(t, "caseflow", claims.Issuer)
	require.Equal(t, "field_agent", claims.Role)
	require.Equal(t, "dev-42", claims.DeviceID)
	require.Equal(t, "acme", claims.Extra["tenant"])
}

func TestManager_DecodeUnverifiedClaims_Malformed(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)

	for _, tok := range []string{
		"",
		"onesegment",
		"two.segments",
		"a.b.c.d",
		"ok.!!!notbase64url!!!.sig",
	} {
		_, err := m.DecodeUnverifiedClaims(tok)
		require.ErrorIs(t, err, errs.ErrMalformedToken, "token %q", tok)
	}
}

func TestManager_Roles_FailClosed(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	ctx := context.Background()

	// no token at all
	require.False(t, m.HasRole(ctx, "field_agent"))
	require.False(t, m.HasAnyRole(ctx, "field_agent", "admin"))

	tok := makeToken(t, map[string]any{"sub": "u", "role": "field_agent"})
	require.NoError(t, m.StoreTokens(ctx, model.TokenSet{AccessToken: tok, ExpiresIn: 60}))

	require.True(t, m.HasRole(ctx, "field_agent"))
	require.False(t, m.HasRole(ctx, "admin"))
	require.True(t, m.HasAnyRole(ctx, "admin", "field_agent"))
	require.False(t, m.HasAnyRole(ctx, "admin", "supervisor"))

	// undecodable access token fails closed
	require.NoError(t, m.StoreTokens(ctx, model.TokenSet{AccessToken: "garbage", ExpiresIn: 60}))
	require.False(t, m.HasRole(ctx, "field_agent"))
}

func TestManager_ClearTokens_Idempotent(t *testing.T) {
	t.Parallel()
	m, store := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.StoreTokens(ctx, model.TokenSet{AccessToken: "a", RefreshToken: "r", ExpiresIn: 60}))
	require.NoError(t, m.ClearTokens(ctx))
	require.NoError(t, m.ClearTokens(ctx))

	require.Empty(t, m.AccessToken(ctx))
	require.Empty(t, m.RefreshToken(ctx))
	require.Empty(t, m.AuthorizationHeader(ctx))
	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestManager_Metadata(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	ctx := context.Background()

	md := m.Metadata(ctx)
	require.False(t, md.HasAccessToken)
	require.True(t, md.AccessTokenExpired)

	tok := makeToken(t, map[string]any{"role": "field_agent"})
	require.NoError(t, m.StoreTokens(ctx, model.TokenSet{AccessToken: tok, RefreshToken: "r", ExpiresIn: 3600}))

	md = m.Metadata(ctx)
	require.True(t, md.HasAccessToken)
	require.True(t, md.HasRefreshToken)
	require.False(t, md.AccessTokenExpired)
	require.Equal(t, "field_agent", md.Role)
	require.Greater(t, md.TimeRemaining, time.Duration(0))
}
