// Package api implements the authenticated HTTP request engine: timeout,
// retry with exponential backoff, in-flight request de-duplication and
// transparent refresh-and-retry on 401.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/caseflow/internal/model"
)

// TokenSource supplies bearer tokens for outgoing requests and coordinates
// refresh when the server answers 401. Both methods return "" when no
// usable token exists; neither ever blocks a request with an error.
type TokenSource interface {
	AccessToken(ctx context.Context) string
	RefreshAccessToken(ctx context.Context) string
	TokenType(ctx context.Context) string
}

// Config tunes the request engine.
type Config struct {
	BaseURL    string
	Timeout    time.Duration     // per-attempt budget
	Retries    int               // extra attempts after the first; negative means default
	RetryDelay time.Duration     // backoff base; doubles per attempt
	Headers    map[string]string // applied to every request
}

// Response is the typed envelope every call resolves to. Request never
// returns an error to its caller; failures arrive as Success=false with a
// populated Error.
type Response struct {
	Success    bool              `json:"success"`
	Status     int               `json:"-"`
	Data       json.RawMessage   `json:"data,omitempty"`
	Error      *model.APIError   `json:"error,omitempty"`
	Pagination *model.Pagination `json:"pagination,omitempty"`
}

// DecodeData unmarshals the envelope payload into v.
func (r *Response) DecodeData(v any) error {
	if len(r.Data) == 0 {
		return errors.New("empty response data")
	}
	return json.Unmarshal(r.Data, v)
}

// Client executes authenticated requests against the remote service.
type Client struct {
	cfg      Config
	http     *http.Client
	tokens   TokenSource
	log      *zap.Logger
	inflight singleflight.Group
}

// NewClient constructs a Client. Unset config fields get the stock defaults
// (30s timeout, 3 retries, 1s backoff base). Retries 0 is honored as a
// single attempt; only a negative value means unset.
func NewClient(cfg Config, tokens TokenSource, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Client{
		cfg: cfg,
		// Per-attempt deadlines come from the request context.
		http:   &http.Client{},
		tokens: tokens,
		log:    log,
	}
}

// errRequestTimeout marks an attempt cancelled by its own deadline so the
// outer loop classifies it as retryable.
var errRequestTimeout = errors.New("request timeout")

// attemptResult is the shareable outcome of one HTTP round trip. Raw bytes,
// not *http.Response, so de-duplicated callers can all consume it.
type attemptResult struct {
	status int
	body   []byte
}

// Request executes method+endpoint with the full retry/backoff/dedup/refresh
// pipeline. body, when non-nil, is JSON-encoded.
func (c *Client) Request(ctx context.Context, method, endpoint string, body any) *Response {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &Response{Success: false, Error: &model.APIError{
				Code:    "ENCODING_ERROR",
				Message: err.Error(),
			}}
		}
		payload = b
	}
	return c.exec(ctx, method, endpoint, payload, "")
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, endpoint string) *Response {
	return c.Request(ctx, http.MethodGet, endpoint, nil)
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, endpoint string, body any) *Response {
	return c.Request(ctx, http.MethodPost, endpoint, body)
}

// Put issues a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, endpoint string, body any) *Response {
	return c.Request(ctx, http.MethodPut, endpoint, body)
}

// Patch issues a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, endpoint string, body any) *Response {
	return c.Request(ctx, http.MethodPatch, endpoint, body)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, endpoint string) *Response {
	return c.Request(ctx, http.MethodDelete, endpoint, nil)
}

// Upload posts file as a multipart form. The multipart writer supplies the
// Content-Type so the boundary survives; the JSON default must not apply.
func (c *Client) Upload(ctx context.Context, endpoint, filename string, file io.Reader, extra map[string]string) *Response {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err == nil {
		_, err = io.Copy(part, file)
	}
	for k, v := range extra {
		if err == nil {
			err = w.WriteField(k, v)
		}
	}
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &Response{Success: false, Error: &model.APIError{
			Code:    "ENCODING_ERROR",
			Message: err.Error(),
		}}
	}
	return c.exec(ctx, http.MethodPost, endpoint, buf.Bytes(), w.FormDataContentType())
}

// Download fetches the raw payload of endpoint in a single attempt (no
// outer retry loop). Returns nil on any failure.
func (c *Client) Download(ctx context.Context, endpoint string) []byte {
	res, err := c.attempt(ctx, http.MethodGet, endpoint, nil, "")
	if err != nil {
		c.log.Warn("download failed", zap.String("endpoint", endpoint), zap.Error(err))
		return nil
	}
	if res.status < 200 || res.status >= 300 {
		c.log.Warn("download failed", zap.String("endpoint", endpoint), zap.Int("status", res.status))
		return nil
	}
	return res.body
}

// exec runs the outer retry loop: up to Retries+1 sequential attempts with
// RetryDelay*2^attempt between them. Retries happen on retryable transport
// errors and on 5xx while attempts remain; everything else returns
// immediately.
func (c *Client) exec(ctx context.Context, method, endpoint string, payload []byte, contentType string) *Response {
	var res attemptResult
	var lastErr error

	backoff := retry.WithMaxRetries(uint64(c.cfg.Retries), retry.NewExponential(c.cfg.RetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, attemptErr := c.attempt(ctx, method, endpoint, payload, contentType)
		if attemptErr != nil {
			lastErr = attemptErr
			if isRetryable(attemptErr) {
				return retry.RetryableError(attemptErr)
			}
			return attemptErr
		}
		res = r
		if r.status >= 500 {
			lastErr = fmt.Errorf("server error: status %d", r.status)
			return retry.RetryableError(lastErr)
		}
		lastErr = nil
		return nil
	})

	if err != nil {
		// Attempts exhausted on a 5xx: surface the server's final word.
		if res.status >= 500 {
			return decodeEnvelope(res)
		}
		if lastErr == nil {
			lastErr = err
		}
		c.log.Warn("request failed",
			zap.String("method", method),
			zap.String("endpoint", endpoint),
			zap.Error(lastErr),
		)
		return &Response{
			Success: false,
			Error: &model.APIError{
				Code:    "NETWORK_ERROR",
				Message: lastErr.Error(),
				Details: map[string]any{
					"retries":   c.cfg.Retries,
					"lastError": lastErr.Error(),
				},
			},
		}
	}
	return decodeEnvelope(res)
}

// attempt performs one logical attempt, collapsing concurrent calls that
// share the (method, URL) key onto a single round trip. The key ignores the
// request body: two different POST bodies to one URL in flight at the same
// time will share a response. Known limitation, kept for parity with the
// deployed behavior.
func (c *Client) attempt(ctx context.Context, method, endpoint string, payload []byte, contentType string) (attemptResult, error) {
	fullURL := c.resolveURL(endpoint)
	key := method + "_" + fullURL

	v, err, _ := c.inflight.Do(key, func() (any, error) {
		return c.doOnce(ctx, method, fullURL, payload, contentType)
	})
	if err != nil {
		return attemptResult{}, err
	}
	return v.(attemptResult), nil
}

// doOnce is a single round trip plus the transparent 401 handling: one
// refresh, one retried request with the new token, before the outer retry
// loop ever sees a failure.
func (c *Client) doOnce(ctx context.Context, method, fullURL string, payload []byte, contentType string) (attemptResult, error) {
	res, err := c.roundTrip(ctx, method, fullURL, payload, contentType, "")
	if err != nil {
		return attemptResult{}, err
	}
	if res.status == http.StatusUnauthorized {
		if fresh := c.tokens.RefreshAccessToken(ctx); fresh != "" {
			return c.roundTrip(ctx, method, fullURL, payload, contentType, fresh)
		}
	}
	return res, nil
}

func (c *Client) roundTrip(ctx context.Context, method, fullURL string, payload []byte, contentType, overrideToken string) (attemptResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, fullURL, body)
	if err != nil {
		return attemptResult{}, err
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	} else if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	tok := overrideToken
	if tok == "" {
		tok = c.tokens.AccessToken(ctx)
	}
	if tok != "" {
		req.Header.Set("Authorization", c.tokens.TokenType(ctx)+" "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// The attempt's own deadline, not the caller cancelling.
		if reqCtx.Err() != nil && ctx.Err() == nil {
			return attemptResult{}, errRequestTimeout
		}
		return attemptResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return attemptResult{}, err
	}
	return attemptResult{status: resp.StatusCode, body: b}, nil
}

func (c *Client) resolveURL(endpoint string) string {
	base := strings.TrimRight(c.cfg.BaseURL, "/")
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return base + endpoint
}

// isRetryable classifies transport failures worth another attempt:
// timeouts, DNS/connection errors and other network-level failures.
func isRetryable(err error) bool {
	if errors.Is(err, errRequestTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// decodeEnvelope maps a finished attempt onto the Response shape. Servers
// answer with the envelope themselves; anything else is wrapped.
func decodeEnvelope(res attemptResult) *Response {
	if len(res.body) > 0 {
		var env Response
		if json.Unmarshal(res.body, &env) == nil && (env.Success || env.Error != nil) {
			env.Status = res.status
			return &env
		}
	}

	ok := res.status >= 200 && res.status < 300
	out := &Response{Success: ok, Status: res.status}
	if ok {
		out.Data = json.RawMessage(res.body)
		return out
	}
	out.Error = &model.APIError{
		Code:    codeForStatus(res.status),
		Message: http.StatusText(res.status),
	}
	return out
}

func codeForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "AUTH_REQUIRED"
	case status >= 500:
		return "SERVER_ERROR"
	default:
		return "CLIENT_ERROR"
	}
}
