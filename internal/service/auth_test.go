package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/and161185/caseflow/internal/model"
	"github.com/and161185/caseflow/internal/storage"
	"github.com/and161185/caseflow/internal/token"
)

func newAuthService(t *testing.T, baseURL string) (*AuthServiceImpl, *storage.MemoryStore, *token.Manager) {
	t.Helper()
	store := storage.NewMemoryStore()
	tokens := token.NewManager(store, zap.NewNop())
	svc := NewAuthService(store, tokens, AuthConfig{
		BaseURL:    baseURL,
		Timeout:    2 * time.Second,
		AppVersion: "test",
	}, zap.NewNop())
	return svc, store, tokens
}

func writeEnvelope(w http.ResponseWriter, status int, data any, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	env := map[string]any{"success": apiErr == nil}
	if data != nil {
		env["data"] = data
	}
	if apiErr != nil {
		env["error"] = apiErr
	}
	_ = json.NewEncoder(w).Encode(env)
}

func TestAuthService_Login_Success(t *testing.T) {
	t.Parallel()
	var gotReq loginRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/login", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		writeEnvelope(w, http.StatusOK, loginData{
			User: model.User{ID: "u-1", Username: "agent7", Name: "Agent Seven"},
			Tokens: model.TokenSet{
				AccessToken:  "acc-1",
				RefreshToken: "ref-1",
				ExpiresIn:    3600,
			},
		}, nil)
	}))
	defer srv.Close()

	svc, store, tokens := newAuthService(t, srv.URL)
	ctx := context.Background()

	res := svc.Login(ctx, "agent7", "secret")
	require.Nil(t, res.Error)
	require.True(t, res.Success)
	require.Equal(t, "agent7", res.User.Username)

	require.Equal(t, "agent7", gotReq.Username)
	require.NotEmpty(t, gotReq.DeviceID)
	require.NotEmpty(t, gotReq.DeviceInfo.Platform)

	require.Equal(t, "acc-1", tokens.AccessToken(ctx))
	require.Equal(t, "ref-1", tokens.RefreshToken(ctx))
	require.True(t, svc.IsAuthenticated(ctx))

	user, err := svc.CurrentUser(ctx)
	require.NoError(t, err)
	require.Equal(t, "u-1", user.ID)

	// the device identity is stable across logins
	id, err := store.Get(ctx, deviceIDKey)
	require.NoError(t, err)
	require.Equal(t, id, gotReq.DeviceID)
	_ = svc.Login(ctx, "agent7", "secret")
	require.Equal(t, id, gotReq.DeviceID)
}

func TestAuthService_Login_BadCredentials(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeEnvelope(w, http.StatusUnauthorized, nil, &model.APIError{
			Code:    "INVALID_CREDENTIALS",
			Message: "wrong username or password",
		})
	}))
	defer srv.Close()

	svc, _, _ := newAuthService(t, srv.URL)
	res := svc.Login(context.Background(), "agent7", "wrong")

	require.False(t, res.Success)
	require.NotNil(t, res.Error)
	require.Equal(t, "INVALID_CREDENTIALS", res.Error.Code)
}

func TestAuthService_Login_NetworkError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	svc, _, _ := newAuthService(t, srv.URL)
	res := svc.Login(context.Background(), "agent7", "secret")

	require.NotNil(t, res.Error)
	require.Equal(t, "NETWORK_ERROR", res.Error.Code)
}

func TestAuthService_Login_Validation(t *testing.T) {
	t.Parallel()
	svc, _, _ := newAuthService(t, "http://unused.invalid")

	for _, tc := range []struct{ username, password string }{
		{"", "secret"},
		{"agent7", ""},
		{"   ", "secret"},
	} {
		res := svc.Login(context.Background(), tc.username, tc.password)
		require.NotNil(t, res.Error)
		require.Equal(t, "VALIDATION_ERROR", res.Error.Code)
	}
}

func TestAuthService_Refresh_SingleFlight(t *testing.T) {
	t.Parallel()
	var calls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/refresh", r.URL.Path)
		atomic.AddInt32(&calls, 1)
		<-release
		writeEnvelope(w, http.StatusOK, refreshData{AccessToken: "acc-2", ExpiresIn: 3600}, nil)
	}))
	defer srv.Close()

	svc, _, tokens := newAuthService(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, tokens.StoreTokens(ctx, model.TokenSet{
		AccessToken: "acc-1", RefreshToken: "ref-1", ExpiresIn: 3600,
	}))

	var wg sync.WaitGroup
	results := make([]string, 8)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = svc.RefreshAccessToken(ctx)
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, time.Millisecond)

	for i := 1; i < len(results); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = svc.RefreshAccessToken(ctx)
		}(i)
	}
	time.Sleep(50 * time.Millisecond) // let the late callers join the flight
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, tok := range results {
		require.Equal(t, "acc-2", tok)
	}

	// the refresh token survives: this flow never rotates it
	require.Equal(t, "ref-1", tokens.RefreshToken(ctx))
	require.Equal(t, "acc-2", tokens.AccessToken(ctx))
}

func TestAuthService_Refresh_FailureClearsSession(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeEnvelope(w, http.StatusUnauthorized, nil, &model.APIError{
			Code:    "INVALID_REFRESH_TOKEN",
			Message: "refresh token expired",
		})
	}))
	defer srv.Close()

	svc, store, tokens := newAuthService(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, tokens.StoreTokens(ctx, model.TokenSet{
		AccessToken: "acc-1", RefreshToken: "ref-1", ExpiresIn: 3600,
	}))
	require.NoError(t, store.Set(ctx, userKey, `{"id":"u-1"}`))

	require.Empty(t, svc.RefreshAccessToken(ctx))
	require.Empty(t, tokens.AccessToken(ctx))
	require.Empty(t, tokens.RefreshToken(ctx))
	_, err := svc.CurrentUser(ctx)
	require.Error(t, err)
	require.False(t, svc.IsAuthenticated(ctx))
}

func TestAuthService_Refresh_NoRefreshToken(t *testing.T) {
	t.Parallel()
	svc, _, _ := newAuthService(t, "http://unused.invalid")
	require.Empty(t, svc.RefreshAccessToken(context.Background()))
}

func TestAuthService_AccessToken_RefreshesExpired(t *testing.T) {
	t.Parallel()
	var refreshCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/refresh", r.URL.Path)
		atomic.AddInt32(&refreshCalls, 1)
		writeEnvelope(w, http.StatusOK, refreshData{AccessToken: "acc-2", ExpiresIn: 3600}, nil)
	}))
	defer srv.Close()

	svc, _, tokens := newAuthService(t, srv.URL)
	ctx := context.Background()
	// ExpiresIn 0 lands inside the expiry buffer immediately
	require.NoError(t, tokens.StoreTokens(ctx, model.TokenSet{
		AccessToken: "acc-1", RefreshToken: "ref-1", ExpiresIn: 0,
	}))

	require.Equal(t, "acc-2", svc.AccessToken(ctx))
	require.Equal(t, int32(1), atomic.LoadInt32(&refreshCalls))

	// the refreshed token is stored and served without another round trip
	require.Equal(t, "acc-2", svc.AccessToken(ctx))
	require.Equal(t, int32(1), atomic.LoadInt32(&refreshCalls))
}

func TestAuthService_Logout_ServerFailureIsSoft(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/logout" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	svc, store, tokens := newAuthService(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, tokens.StoreTokens(ctx, model.TokenSet{
		AccessToken: "acc-1", RefreshToken: "ref-1", ExpiresIn: 3600,
	}))
	require.NoError(t, store.Set(ctx, userKey, `{"id":"u-1"}`))

	res := svc.Logout(ctx)
	require.NotNil(t, res.Error)
	require.Equal(t, "LOGOUT_ERROR", res.Error.Code)

	// local state is gone regardless of the server outcome
	require.Empty(t, tokens.AccessToken(ctx))
	require.Empty(t, tokens.RefreshToken(ctx))
	_, err := svc.CurrentUser(ctx)
	require.Error(t, err)
}

func TestAuthService_Logout_NoSession(t *testing.T) {
	t.Parallel()
	svc, _, _ := newAuthService(t, "http://unused.invalid")
	res := svc.Logout(context.Background())
	require.True(t, res.Success)
	require.Nil(t, res.Error)
}

func TestAuthService_UpdateProfile_ServerDownKeepsLocalEdit(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	svc, store, tokens := newAuthService(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, tokens.StoreTokens(ctx, model.TokenSet{
		AccessToken: "acc-1", RefreshToken: "ref-1", ExpiresIn: 3600,
	}))
	require.NoError(t, store.Set(ctx, userKey, `{"id":"u-1","username":"agent7","name":"Agent Seven"}`))

	apiErr := svc.UpdateProfile(ctx, map[string]any{"phone": "+91-99999-11111"})
	require.NotNil(t, apiErr)
	require.Equal(t, "PROFILE_UPDATE_PENDING", apiErr.Code)

	user, err := svc.CurrentUser(ctx)
	require.NoError(t, err)
	require.Equal(t, "+91-99999-11111", user.Phone)
	require.Equal(t, "Agent Seven", user.Name)
}

func TestAuthService_UpdateProfile_ServerAccepts(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/profile", r.URL.Path)
		require.Equal(t, http.MethodPut, r.Method)
		writeEnvelope(w, http.StatusOK, map[string]any{"ok": true}, nil)
	}))
	defer srv.Close()

	svc, store, tokens := newAuthService(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, tokens.StoreTokens(ctx, model.TokenSet{
		AccessToken: "acc-1", RefreshToken: "ref-1", ExpiresIn: 3600,
	}))
	require.NoError(t, store.Set(ctx, userKey, `{"id":"u-1","name":"Agent Seven"}`))

	require.Nil(t, svc.UpdateProfile(ctx, map[string]any{"name": "Agent 007"}))

	user, err := svc.CurrentUser(ctx)
	require.NoError(t, err)
	require.Equal(t, "Agent 007", user.Name)
}
