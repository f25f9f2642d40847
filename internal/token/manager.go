// Package token owns storage, decoding and expiry evaluation of the
// access/refresh token pair.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/and161185/caseflow/internal/errs"
	"github.com/and161185/caseflow/internal/model"
	"github.com/and161185/caseflow/internal/storage"
)

const (
	accessTokenKey  = "access_token"
	refreshTokenKey = "refresh_token"
	expiresAtKey    = "token_expires_at"
	tokenTypeKey    = "token_type"
	// legacyTokenKey mirrors the access token for older readers.
	legacyTokenKey = "auth_token"
)

const (
	// accessExpiryBuffer treats the access token as expired slightly early
	// so in-flight requests do not race the real expiry.
	accessExpiryBuffer = 5 * time.Minute
	// refreshExpiryBuffer does the same for the refresh token.
	refreshExpiryBuffer = time.Hour
)

// Manager persists and inspects the token pair. It never verifies token
// signatures; the trust boundary is the transport plus server-side checks.
type Manager struct {
	store  storage.Store
	log    *zap.Logger
	parser *jwt.Parser
	now    func() time.Time
}

// NewManager constructs a Manager over the given store.
func NewManager(store storage.Store, log *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		log:    log,
		parser: jwt.NewParser(),
		now:    time.Now,
	}
}

// StoreTokens persists the token set. The absolute expiry is computed here,
// from the current clock plus ExpiresIn, and is the only expiry the access
// token checks ever consult.
func (m *Manager) StoreTokens(ctx context.Context, ts model.TokenSet) error {
	typ := ts.TokenType
	if typ == "" {
		typ = "Bearer"
	}
	expiresAt := m.now().UnixMilli() + ts.ExpiresIn*1000

	pairs := [][2]string{
		{accessTokenKey, ts.AccessToken},
		{refreshTokenKey, ts.RefreshToken},
		{expiresAtKey, strconv.FormatInt(expiresAt, 10)},
		{tokenTypeKey, typ},
		{legacyTokenKey, ts.AccessToken},
	}
	for _, kv := range pairs {
		if err := m.store.Set(ctx, kv[0], kv[1]); err != nil {
			return fmt.Errorf("store tokens: %w", err)
		}
	}
	return nil
}

// AccessToken returns the stored access token, or "" if absent.
func (m *Manager) AccessToken(ctx context.Context) string {
	return m.lookup(ctx, accessTokenKey)
}

// RefreshToken returns the stored refresh token, or "" if absent.
func (m *Manager) RefreshToken(ctx context.Context) string {
	return m.lookup(ctx, refreshTokenKey)
}

// TokenType returns the stored token type, defaulting to "Bearer".
func (m *Manager) TokenType(ctx context.Context) string {
	if typ := m.lookup(ctx, tokenTypeKey); typ != "" {
		return typ
	}
	return "Bearer"
}

// ExpiresAt returns the stored absolute expiry in epoch milliseconds,
// or 0 if none is stored.
func (m *Manager) ExpiresAt(ctx context.Context) int64 {
	raw := m.lookup(ctx, expiresAtKey)
	if raw == "" {
		return 0
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		m.log.Warn("unparseable token expiry", zap.String("value", raw))
		return 0
	}
	return ms
}

// IsTokenExpired reports whether the access token should be treated as
// expired. A missing expiry counts as expired.
func (m *Manager) IsTokenExpired(ctx context.Context) bool {
	expiresAt := m.ExpiresAt(ctx)
	if expiresAt == 0 {
		return true
	}
	return m.now().UnixMilli() >= expiresAt-accessExpiryBuffer.Milliseconds()
}

// IsRefreshTokenExpired checks the refresh token's own exp claim, not the
// stored access expiry. A missing or undecodable token counts as expired.
func (m *Manager) IsRefreshTokenExpired(ctx context.Context) bool {
	refresh := m.RefreshToken(ctx)
	if refresh == "" {
		return true
	}
	claims, err := m.DecodeUnverifiedClaims(refresh)
	if err != nil {
		return true
	}
	return m.now().UnixMilli() >= claims.ExpiresAt*1000-refreshExpiryBuffer.Milliseconds()
}

// TimeRemaining reports how long until the stored access expiry, never
// negative.
func (m *Manager) TimeRemaining(ctx context.Context) time.Duration {
	expiresAt := m.ExpiresAt(ctx)
	if expiresAt == 0 {
		return 0
	}
	remaining := time.Duration(expiresAt-m.now().UnixMilli()) * time.Millisecond
	if remaining < 0 {
		return 0
	}
	return remaining
}

// DecodeUnverifiedClaims decodes a bearer token's middle segment without any
// signature verification. That is a design decision, not an oversight: the
// client inspects claims for UX only, and authorization relies on the server
// rejecting bad tokens.
func (m *Manager) DecodeUnverifiedClaims(tok string) (*model.Claims, error) {
	mc := jwt.MapClaims{}
	if _, _, err := m.parser.ParseUnverified(tok, mc); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrMalformedToken, err)
	}

	claims := &model.Claims{Extra: map[string]any{}}
	for k, v := range mc {
		switch k {
		case "sub":
			claims.Subject, _ = v.(string)
		case "iat":
			claims.IssuedAt = toInt64(v)
		case "exp":
			claims.ExpiresAt = toInt64(v)
		case "aud":
			claims.Audience, _ = v.(string)
		case "iss":
			claims.Issuer, _ = v.(string)
		case "role":
			claims.Role, _ = v.(string)
		case "deviceId":
			claims.DeviceID, _ = v.(string)
		default:
			claims.Extra[k] = v
		}
	}
	return claims, nil
}

// AccessClaims decodes the stored access token.
func (m *Manager) AccessClaims(ctx context.Context) (*model.Claims, error) {
	tok := m.AccessToken(ctx)
	if tok == "" {
		return nil, errs.ErrNotFound
	}
	return m.DecodeUnverifiedClaims(tok)
}

// HasRole reports whether the access token carries the given role claim.
// Any decode failure fails closed.
func (m *Manager) HasRole(ctx context.Context, role string) bool {
	claims, err := m.AccessClaims(ctx)
	if err != nil {
		return false
	}
	return claims.Role != "" && claims.Role == role
}

// HasAnyRole reports whether the access token carries any of the roles.
func (m *Manager) HasAnyRole(ctx context.Context, roles ...string) bool {
	claims, err := m.AccessClaims(ctx)
	if err != nil || claims.Role == "" {
		return false
	}
	for _, r := range roles {
		if claims.Role == r {
			return true
		}
	}
	return false
}

// AuthorizationHeader composes the header value from the stored type and
// access token, or "" when no access token exists.
func (m *Manager) AuthorizationHeader(ctx context.Context) string {
	tok := m.AccessToken(ctx)
	if tok == "" {
		return ""
	}
	return m.TokenType(ctx) + " " + tok
}

// ClearTokens removes all persisted token fields, including the legacy
// alias. Idempotent.
func (m *Manager) ClearTokens(ctx context.Context) error {
	for _, key := range []string{accessTokenKey, refreshTokenKey, expiresAtKey, tokenTypeKey, legacyTokenKey} {
		if err := m.store.Remove(ctx, key); err != nil {
			return fmt.Errorf("clear tokens: %w", err)
		}
	}
	return nil
}

// Metadata summarizes the stored token pair for diagnostics.
func (m *Manager) Metadata(ctx context.Context) model.TokenMetadata {
	md := model.TokenMetadata{
		HasAccessToken:      m.AccessToken(ctx) != "",
		HasRefreshToken:     m.RefreshToken(ctx) != "",
		AccessTokenExpired:  m.IsTokenExpired(ctx),
		RefreshTokenExpired: m.IsRefreshTokenExpired(ctx),
		TimeRemaining:       m.TimeRemaining(ctx),
	}
	if claims, err := m.AccessClaims(ctx); err == nil {
		md.Role = claims.Role
	}
	return md
}

func (m *Manager) lookup(ctx context.Context, key string) string {
	v, err := m.store.Get(ctx, key)
	if err != nil {
		return ""
	}
	return v
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}
