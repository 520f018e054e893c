package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// RefreshPath is the dedicated token-refresh endpoint. It accepts an
	// optional client-held refresh token in the body and reports
	// success/failure via status code.
	RefreshPath = "/api/auth/refresh-token"

	defaultTimeout = 30 * time.Second

	// defaultRefreshDelay gives the backend time to propagate the
	// refreshed session cookie before the original request is retried.
	defaultRefreshDelay = 500 * time.Millisecond
)

// Client is the shared resilient HTTP client. Every feature area goes
// through it and gets cookie-based credentials, bounded rate-limit
// backoff, and one-shot transparent token refresh for free.
type Client struct {
	baseURL    string
	cookieName string
	http       *http.Client
	logger     *zap.Logger

	// retryCeiling and refreshDelay are fixed in production; tests
	// shorten them.
	retryCeiling time.Duration
	refreshDelay time.Duration

	mu           sync.RWMutex
	refreshToken string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client. A cookie jar is
// installed if the replacement has none.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-call transport timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// New creates a resilient client rooted at baseURL. cookieName is the
// session cookie the backend issues; its value doubles as the realtime
// channel credential.
func New(baseURL, cookieName string, logger *zap.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL:      baseURL,
		cookieName:   cookieName,
		http:         &http.Client{Timeout: defaultTimeout},
		logger:       logger,
		retryCeiling: maxRetryAfter,
		refreshDelay: defaultRefreshDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("cookie jar: %w", err)
		}
		c.http.Jar = jar
	}
	return c, nil
}

// SetRefreshToken seeds the client-held refresh token slot. The slot is
// read, never written, by the request path.
func (c *Client) SetRefreshToken(token string) {
	c.mu.Lock()
	c.refreshToken = token
	c.mu.Unlock()
}

// SessionToken returns the current session cookie value, or "" when no
// session cookie is held. Used as the realtime channel credential.
func (c *Client) SessionToken() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return ""
	}
	for _, ck := range c.http.Jar.Cookies(u) {
		if ck.Name == c.cookieName {
			return ck.Value
		}
	}
	return ""
}

// ClearSession drops all session cookies, e.g. on logout.
func (c *Client) ClearSession() {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return
	}
	c.http.Jar = jar
}

// Get issues a credentialed GET and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// Post issues a credentialed POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPost, path, body, out)
}

// Put issues a credentialed PUT with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPut, path, body, out)
}

// Delete issues a credentialed DELETE.
func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodDelete, path, nil, out)
}

// Do issues one logical request. It retries on rate limiting (up to
// maxAttempts, honoring Retry-After capped at 5s) and performs exactly
// one silent token refresh on a 401 before retrying the original once.
// Rate-limit handling wraps the whole refresh excursion: a refreshed
// retry that is itself rate limited consumes remaining attempts, but a
// second 401 is final.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	state := newRetryState()

	for {
		resp, err := c.send(ctx, method, path, body)
		if err != nil {
			return &Error{Kind: KindNetwork, Message: "Could not reach the server", cause: err}
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			delay := retryAfterDelay(resp, c.retryCeiling)
			drain(resp)
			if !state.retryRateLimited() {
				return &Error{
					Kind:    KindRateLimited,
					Status:  resp.StatusCode,
					Message: "Too many requests. Please try again shortly.",
				}
			}
			c.logger.Warn("rate limited, backing off",
				zap.String("path", path),
				zap.Duration("delay", delay),
				zap.Int("attempt", state.attempt))
			if err := sleep(ctx, delay); err != nil {
				return &Error{Kind: KindNetwork, Message: "Request canceled", cause: err}
			}

		case resp.StatusCode == http.StatusUnauthorized:
			drain(resp)
			if !state.retryAuth() {
				return &Error{
					Kind:    KindSessionExpired,
					Status:  resp.StatusCode,
					Message: "Session expired. Please log in again.",
				}
			}
			if err := c.refresh(ctx); err != nil {
				c.logger.Warn("token refresh failed", zap.String("path", path), zap.Error(err))
				return &Error{
					Kind:    KindSessionExpired,
					Status:  resp.StatusCode,
					Message: "Session expired. Please log in again.",
					cause:   err,
				}
			}
			c.logger.Info("token refreshed, retrying request", zap.String("path", path))
			if err := sleep(ctx, c.refreshDelay); err != nil {
				return &Error{Kind: KindNetwork, Message: "Request canceled", cause: err}
			}

		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return decodeInto(resp, out)

		default:
			return apiError(resp)
		}
	}
}

// send performs a single HTTP round trip with credentials attached and
// the content type defaulted to JSON.
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	return c.http.Do(req)
}

// refresh performs the one-shot credentialed refresh call. Never retried.
func (c *Client) refresh(ctx context.Context) error {
	c.mu.RLock()
	token := c.refreshToken
	c.mu.RUnlock()

	payload := map[string]string{}
	if token != "" {
		payload["refreshToken"] = token
	}

	resp, err := c.send(ctx, http.MethodPost, RefreshPath, payload)
	if err != nil {
		return fmt.Errorf("refresh call: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("refresh rejected with status %d", resp.StatusCode)
	}
	return nil
}

// decodeInto parses a success body as JSON into out. A nil out discards
// the body.
func decodeInto(resp *http.Response, out any) error {
	defer drain(resp)
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindAPI, Status: resp.StatusCode, Message: "Malformed response body", cause: err}
	}
	return nil
}

// apiError builds the caller-facing error for a non-success status,
// preferring the structured message in the body over the per-status
// default phrase.
func apiError(resp *http.Response) error {
	defer drain(resp)
	msg := statusPhrase(resp.StatusCode)

	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		if body.Message != "" {
			msg = body.Message
		} else if body.Error != "" {
			msg = body.Error
		}
	}

	return &Error{Kind: KindAPI, Status: resp.StatusCode, Message: msg}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
