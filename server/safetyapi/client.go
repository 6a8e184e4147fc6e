package safetyapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"

	"github.com/mattermost/mattermost-plugin-safety/server/logging"
	"github.com/mattermost/mattermost-plugin-safety/server/session"
)

const (
	// DefaultTimeout bounds every request sent to the safety backend
	DefaultTimeout = 30 * time.Second

	// breakerTripFailures is the number of consecutive transport or 5xx
	// failures after which the circuit opens
	breakerTripFailures = 5

	breakerOpenTimeout = 30 * time.Second
	breakerInterval    = 60 * time.Second
)

// SessionStore is the subset of the session store the client needs.
type SessionStore interface {
	Get(userID string) (*session.Session, error)
	UpdateAccessToken(userID, accessToken string) error
	Delete(userID string) error
}

// SessionInvalidator is called after a user's session was destroyed
// because the backend rejected it and refreshing did not help.
type SessionInvalidator func(userID string)

// Client talks to the safety backend on behalf of linked Mattermost users.
// It is shared by every monitor; use For to bind calls to one user.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	breaker      *gobreaker.CircuitBreaker[*http.Response]
	sessions     SessionStore
	onInvalidate SessionInvalidator
	logger       logging.Logger
	refreshes    singleflight.Group
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithSessionInvalidator registers the callback fired on session teardown
func WithSessionInvalidator(fn SessionInvalidator) Option {
	return func(c *Client) {
		c.onInvalidate = fn
	}
}

// NewClient creates a client for the backend rooted at baseURL
// (for example http://localhost:8000/api/v1).
func NewClient(baseURL string, sessions SessionStore, logger logging.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		sessions: sessions,
		logger:   logger,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "safety-backend",
		MaxRequests: 1,
		Interval:    breakerInterval,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > breakerTripFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("Safety backend circuit breaker changed state",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// For returns an API bound to the session of the given Mattermost user.
func (c *Client) For(userID string) *UserClient {
	return &UserClient{client: c, userID: userID}
}

// request describes one call to the backend. body is kept as bytes so the
// request can be replayed after a token refresh.
type request struct {
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
}

func jsonRequest(method, path string, payload any) (request, error) {
	req := request{method: method, path: path}
	if payload == nil {
		return req, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return req, fmt.Errorf("failed to marshal %s payload: %w", path, err)
	}

	req.body = data
	req.contentType = "application/json"
	return req, nil
}

func (c *Client) endpoint(r request) string {
	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}
	return u
}

// send executes a single HTTP round trip through the circuit breaker.
// 5xx responses count as breaker failures but are still returned to the
// caller so their error body can be decoded.
func (c *Client) send(ctx context.Context, r request, accessToken string) (*http.Response, error) {
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, c.endpoint(r), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", r.path, err)
	}

	req.Header.Set("Accept", "application/json")
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		res, doErr := c.httpClient.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		if res.StatusCode >= http.StatusInternalServerError {
			return res, fmt.Errorf("upstream returned %d", res.StatusCode)
		}
		return res, nil
	})
	if err != nil {
		if resp != nil {
			return resp, nil
		}
		return nil, fmt.Errorf("%s %s request failed: %w", r.method, r.path, err)
	}

	return resp, nil
}

// doAuthorized sends r with the user's access token. A 401 triggers exactly
// one refresh and one retry; if either fails the session is destroyed.
func (c *Client) doAuthorized(ctx context.Context, userID string, r request) (*http.Response, error) {
	sess, err := c.sessions.Get(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if !sess.Valid() {
		return nil, ErrNotAuthenticated
	}

	resp, err := c.send(ctx, r, sess.AccessToken)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	discard(resp)

	c.logger.Debug("Access token rejected, refreshing", "userId", userID, "path", r.path)

	token, err := c.refresh(ctx, userID, sess.AccessToken)
	if err != nil {
		if isRejection(err) {
			c.invalidate(userID, err)
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("failed to refresh access token: %w", err)
	}

	resp, err = c.send(ctx, r, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		c.invalidate(userID, fmt.Errorf("refreshed token rejected on %s", r.path))
		return nil, ErrSessionExpired
	}

	return resp, nil
}

// isRejection reports whether a refresh failure means the session itself is
// unusable, as opposed to a transient transport or server failure.
func isRejection(err error) bool {
	if errors.Is(err, ErrNotAuthenticated) {
		return true
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}

func (c *Client) invalidate(userID string, cause error) {
	c.logger.Warn("Session rejected by safety backend, signing out", "userId", userID, "error", cause.Error())

	if err := c.sessions.Delete(userID); err != nil {
		c.logger.Error("Failed to delete expired session", "userId", userID, "error", err.Error())
	}

	if c.onInvalidate != nil {
		c.onInvalidate(userID)
	}
}

// callJSON performs an authorized call and decodes a JSON response into out.
// out may be nil when the response body is not needed.
func (c *Client) callJSON(ctx context.Context, userID string, r request, out any) error {
	resp, err := c.doAuthorized(ctx, userID, r)
	if err != nil {
		return err
	}
	return decode(resp, r.path, out)
}

func decode(resp *http.Response, path string, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", path, err)
	}

	return nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}
