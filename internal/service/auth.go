// Package service contains the application services: authentication and
// case synchronization.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/caseflow/internal/api"
	"github.com/and161185/caseflow/internal/model"
	"github.com/and161185/caseflow/internal/storage"
	"github.com/and161185/caseflow/internal/token"
)

const (
	userKey     = "user"
	deviceIDKey = "device_id"
)

// LoginResult is the structured outcome of a login attempt. Login never
// returns a Go error for auth or network failures; callers branch on Error.
type LoginResult struct {
	Success bool
	User    *model.User
	Error   *model.APIError
}

// LogoutResult reports a logout. Local state is always cleared; Error is a
// soft failure meaning the server-side invalidation did not go through.
type LogoutResult struct {
	Success bool
	Error   *model.APIError
}

// AuthService performs login/logout/refresh against the remote service and
// owns the single-flight refresh coordination.
type AuthService interface {
	Login(ctx context.Context, username, password string) LoginResult
	Logout(ctx context.Context) LogoutResult
	RefreshAccessToken(ctx context.Context) string
	AccessToken(ctx context.Context) string
	TokenType(ctx context.Context) string
	IsAuthenticated(ctx context.Context) bool
	CurrentUser(ctx context.Context) (*model.User, error)
	UpdateProfile(ctx context.Context, updates map[string]any) *model.APIError
}

// AuthConfig tunes the auth service's direct HTTP calls.
type AuthConfig struct {
	BaseURL    string
	Timeout    time.Duration
	Headers    map[string]string
	AppVersion string
}

type AuthServiceImpl struct {
	store    storage.Store
	tokens   *token.Manager
	http     *http.Client
	cfg      AuthConfig
	log      *zap.Logger
	validate *validator.Validate
	flight   singleflight.Group
}

var _ AuthService = (*AuthServiceImpl)(nil)
var _ api.TokenSource = (*AuthServiceImpl)(nil)

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(store storage.Store, tokens *token.Manager, cfg AuthConfig, log *zap.Logger) *AuthServiceImpl {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &AuthServiceImpl{
		store:    store,
		tokens:   tokens,
		http:     &http.Client{Timeout: cfg.Timeout},
		cfg:      cfg,
		log:      log,
		validate: validator.New(),
	}
}

type loginInput struct {
	Username string `validate:"required"`
	Password string `validate:"required"`
}

type loginRequest struct {
	Username   string           `json:"username"`
	Password   string           `json:"password"`
	DeviceID   string           `json:"deviceId"`
	DeviceInfo model.DeviceInfo `json:"deviceInfo"`
}

type loginData struct {
	User   model.User     `json:"user"`
	Tokens model.TokenSet `json:"tokens"`
}

type refreshData struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
}

// envelope is the wire shape shared by the auth endpoints.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *model.APIError `json:"error,omitempty"`
}

// Login authenticates with username/password plus the stable device
// identity. Failures come back as a structured code/message, with
// NETWORK_ERROR distinguished from a server-side LOGIN_FAILED.
func (s *AuthServiceImpl) Login(ctx context.Context, username, password string) LoginResult {
	in := loginInput{Username: strings.TrimSpace(username), Password: password}
	if err := s.validate.Struct(in); err != nil {
		return LoginResult{Error: &model.APIError{
			Code:    "VALIDATION_ERROR",
			Message: "username and password are required",
		}}
	}

	req := loginRequest{
		Username: in.Username,
		Password: in.Password,
		DeviceID: s.deviceID(ctx),
		DeviceInfo: model.DeviceInfo{
			Platform: runtime.GOOS,
			Version:  s.cfg.AppVersion,
			Model:    "unknown",
		},
	}

	status, body, err := s.post(ctx, "/auth/login", req, "")
	if err != nil {
		s.log.Warn("login request failed", zap.Error(err))
		return LoginResult{Error: &model.APIError{
			Code:    "NETWORK_ERROR",
			Message: "network error, check your connection and try again",
		}}
	}

	env := parseEnvelope(body)
	if status < 200 || status >= 300 || !env.Success {
		apiErr := env.Error
		if apiErr == nil {
			apiErr = &model.APIError{
				Code:    "LOGIN_FAILED",
				Message: "login failed, check your credentials",
			}
		}
		return LoginResult{Error: apiErr}
	}

	var data loginData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return LoginResult{Error: &model.APIError{
			Code:    "LOGIN_FAILED",
			Message: "unexpected login response",
		}}
	}
	if err := s.storeAuthData(ctx, data); err != nil {
		s.log.Error("storing auth data failed", zap.Error(err))
		return LoginResult{Error: &model.APIError{
			Code:    "PERSISTENCE_ERROR",
			Message: "failed to store authentication tokens",
		}}
	}
	user := data.User
	return LoginResult{Success: true, User: &user}
}

// RefreshAccessToken swaps the access token using the stored refresh token.
// Concurrent callers share one in-flight refresh; the flight is forgotten
// once settled so a later expiry starts fresh. Returns "" when the session
// could not be refreshed, in which case all auth state has been cleared.
func (s *AuthServiceImpl) RefreshAccessToken(ctx context.Context) string {
	v, _, _ := s.flight.Do("refresh", func() (any, error) {
		return s.performRefresh(ctx), nil
	})
	tok, _ := v.(string)
	return tok
}

func (s *AuthServiceImpl) performRefresh(ctx context.Context) string {
	refresh := s.tokens.RefreshToken(ctx)
	if refresh == "" {
		s.clearAuthData(ctx)
		return ""
	}

	status, body, err := s.post(ctx, "/auth/refresh", map[string]string{"refreshToken": refresh}, "")
	if err != nil {
		s.log.Warn("token refresh failed", zap.Error(err))
		s.clearAuthData(ctx)
		return ""
	}

	env := parseEnvelope(body)
	if status < 200 || status >= 300 || !env.Success {
		s.clearAuthData(ctx)
		return ""
	}

	var data refreshData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.AccessToken == "" {
		s.clearAuthData(ctx)
		return ""
	}

	// The refresh token is deliberately preserved; this flow never rotates it.
	err = s.tokens.StoreTokens(ctx, model.TokenSet{
		AccessToken:  data.AccessToken,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    data.ExpiresIn,
	})
	if err != nil {
		s.log.Error("storing refreshed tokens failed", zap.Error(err))
		s.clearAuthData(ctx)
		return ""
	}
	return data.AccessToken
}

// AccessToken returns a usable access token, transparently refreshing an
// expired one. "" means no valid session.
func (s *AuthServiceImpl) AccessToken(ctx context.Context) string {
	tok := s.tokens.AccessToken(ctx)
	if tok == "" {
		return ""
	}
	if s.tokens.IsTokenExpired(ctx) {
		return s.RefreshAccessToken(ctx)
	}
	return tok
}

// TokenType reports the stored token type for Authorization headers.
func (s *AuthServiceImpl) TokenType(ctx context.Context) string {
	return s.tokens.TokenType(ctx)
}

// IsAuthenticated reports whether a usable access token exists.
func (s *AuthServiceImpl) IsAuthenticated(ctx context.Context) bool {
	return s.AccessToken(ctx) != ""
}

// Logout invalidates the session server-side (best effort) and
// unconditionally clears local tokens and user data.
func (s *AuthServiceImpl) Logout(ctx context.Context) LogoutResult {
	var soft *model.APIError

	if refresh := s.tokens.RefreshToken(ctx); refresh != "" {
		status, _, err := s.authedRequest(ctx, http.MethodPost, "/auth/logout", map[string]string{"refreshToken": refresh})
		if err != nil || status < 200 || status >= 300 {
			s.log.Warn("server-side logout failed", zap.Error(err), zap.Int("status", status))
			soft = &model.APIError{
				Code:    "LOGOUT_ERROR",
				Message: "logout completed locally but server logout failed",
			}
		}
	}

	s.clearAuthData(ctx)
	if soft != nil {
		return LogoutResult{Error: soft}
	}
	return LogoutResult{Success: true}
}

// CurrentUser returns the locally persisted user profile.
func (s *AuthServiceImpl) CurrentUser(ctx context.Context) (*model.User, error) {
	raw, err := s.store.Get(ctx, userKey)
	if err != nil {
		return nil, err
	}
	var u model.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, fmt.Errorf("decode stored user: %w", err)
	}
	return &u, nil
}

// UpdateProfile sends the partial update to the server. On failure the
// partial is still applied to the local copy so the user's edit survives
// offline; the returned soft error reports that the server has not seen it.
func (s *AuthServiceImpl) UpdateProfile(ctx context.Context, updates map[string]any) *model.APIError {
	status, body, err := s.authedRequest(ctx, http.MethodPut, "/auth/profile", updates)
	serverOK := err == nil && status >= 200 && status < 300 && parseEnvelope(body).Success

	if uerr := s.applyProfileLocally(ctx, updates); uerr != nil {
		s.log.Error("applying profile update locally failed", zap.Error(uerr))
	}

	if serverOK {
		return nil
	}
	s.log.Warn("profile update not accepted by server", zap.Error(err), zap.Int("status", status))
	return &model.APIError{
		Code:    "PROFILE_UPDATE_PENDING",
		Message: "profile updated locally; server update failed",
	}
}

func (s *AuthServiceImpl) applyProfileLocally(ctx context.Context, updates map[string]any) error {
	user, err := s.CurrentUser(ctx)
	if err != nil {
		return err
	}
	merged, err := shallowMerge(user, updates)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, userKey, string(merged))
}

// deviceID returns the stable per-installation identifier, generating and
// persisting it on first use.
func (s *AuthServiceImpl) deviceID(ctx context.Context) string {
	if id, err := s.store.Get(ctx, deviceIDKey); err == nil && id != "" {
		return id
	}
	id := uuid.Must(uuid.NewV4()).String()
	if err := s.store.Set(ctx, deviceIDKey, id); err != nil {
		s.log.Warn("persisting device id failed", zap.Error(err))
	}
	return id
}

func (s *AuthServiceImpl) storeAuthData(ctx context.Context, data loginData) error {
	ts := data.Tokens
	if ts.TokenType == "" {
		ts.TokenType = "Bearer"
	}
	if err := s.tokens.StoreTokens(ctx, ts); err != nil {
		return err
	}
	raw, err := json.Marshal(data.User)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, userKey, string(raw))
}

func (s *AuthServiceImpl) clearAuthData(ctx context.Context) {
	if err := s.tokens.ClearTokens(ctx); err != nil {
		s.log.Error("clearing tokens failed", zap.Error(err))
	}
	if err := s.store.Remove(ctx, userKey); err != nil {
		s.log.Error("clearing user failed", zap.Error(err))
	}
}

// post issues an unauthenticated JSON POST (login/refresh flows).
func (s *AuthServiceImpl) post(ctx context.Context, endpoint string, body any, bearer string) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}
	return s.do(ctx, http.MethodPost, endpoint, payload, bearer)
}

// authedRequest issues a request with the current bearer token and retries
// once with a refreshed token on 401.
func (s *AuthServiceImpl) authedRequest(ctx context.Context, method, endpoint string, body any) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}
	status, respBody, err := s.do(ctx, method, endpoint, payload, s.AccessToken(ctx))
	if err != nil {
		return 0, nil, err
	}
	if status == http.StatusUnauthorized {
		if fresh := s.RefreshAccessToken(ctx); fresh != "" {
			return s.do(ctx, method, endpoint, payload, fresh)
		}
	}
	return status, respBody, nil
}

func (s *AuthServiceImpl) do(ctx context.Context, method, endpoint string, payload []byte, bearer string) (int, []byte, error) {
	url := strings.TrimRight(s.cfg.BaseURL, "/") + endpoint
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	if bearer != "" {
		req.Header.Set("Authorization", s.TokenType(ctx)+" "+bearer)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, b, nil
}

func parseEnvelope(body []byte) envelope {
	var env envelope
	if len(body) > 0 {
		_ = json.Unmarshal(body, &env)
	}
	return env
}

// shallowMerge marshals v to a JSON object, applies updates on top and
// returns the merged document.
func shallowMerge(v any, updates map[string]any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	for k, val := range updates {
		doc[k] = val
	}
	return json.Marshal(doc)
}
