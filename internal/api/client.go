// Package api is the REST client for the access-control backend.
package api

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

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/access-agent/internal/errors"
	"github.com/p-blackswan/access-agent/internal/metrics"
	"github.com/p-blackswan/access-agent/internal/requestid"
	"github.com/p-blackswan/access-agent/internal/retry"
)

const serviceName = "access-control"

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Authenticator applies authentication to requests.
type Authenticator interface {
	Apply(req *http.Request) error
}

// Reachability receives the outcome of every backend round-trip.
// *connectivity.Tracker satisfies it.
type Reachability interface {
	RecordSuccess()
	RecordFailure(err error)
}

// Client wraps the access-control REST API.
type Client struct {
	baseURL    string
	httpClient HTTPClient
	auth       Authenticator
	tracker    Reachability
	metrics    *metrics.Metrics
	retry      retry.Config
	logger     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client (for testing).
func WithHTTPClient(hc HTTPClient) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d}
		}
	}
}

// WithReachability reports round-trip outcomes to r.
func WithReachability(r Reachability) Option {
	return func(c *Client) { c.tracker = r }
}

// WithMetrics records request counts and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithRetry overrides the retry policy applied to reads.
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

// NewClient creates a new access-control API client.
func NewClient(baseURL string, auth Authenticator, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		auth:       auth,
		retry:      retry.DefaultConfig(),
		logger:     logger.With().Str("component", "api").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// request describes one backend call. route is the templated path used as
// the metrics label.
type request struct {
	method string
	route  string
	path   string
	query  url.Values
	body   any
	out    any
	raw    *[]byte
}

// get runs a read with the client's retry policy.
func (c *Client) get(ctx context.Context, r request) error {
	r.method = http.MethodGet
	return retry.Do(ctx, c.retry, func(ctx context.Context) error {
		return c.do(ctx, r)
	})
}

// do executes an authenticated API request.
func (c *Client) do(ctx context.Context, r request) error {
	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	requestid.Inject(req)

	if c.auth != nil {
		if err := c.auth.Apply(req); err != nil {
			return fmt.Errorf("applying auth: %w", err)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.metrics.RecordAPIRequest(r.method, r.route, "transport", time.Since(start).Seconds())
		err = fmt.Errorf("%s %s: %w: %w", r.method, r.route, perrors.ErrOffline, err)
		if c.tracker != nil {
			c.tracker.RecordFailure(err)
		}
		return err
	}
	defer resp.Body.Close()

	if c.tracker != nil {
		c.tracker.RecordSuccess()
	}
	c.metrics.RecordAPIRequest(r.method, r.route, statusClass(resp.StatusCode), time.Since(start).Seconds())

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := perrors.NewAPIError(serviceName, resp.StatusCode, errorMessage(respBody))
		apiErr.Err = sentinelFor(resp.StatusCode)
		c.logger.Debug().
			Str("method", r.method).
			Str("route", r.route).
			Int("status", resp.StatusCode).
			Str("request_id", req.Header.Get(requestid.Header)).
			Msg("Backend returned error")
		return apiErr
	}

	if r.raw != nil {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		*r.raw = data
		return nil
	}
	if r.out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return decodeResponse(resp.Body, r.out)
}

// decodeResponse reads and decodes a JSON response. An empty body leaves v
// untouched.
func decodeResponse(body io.Reader, v any) error {
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// list accepts either a bare JSON array or an object wrapping it in "data".
type list[T any] []T

func (l *list[T]) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []T
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	var env struct {
		Data []T `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return err
	}
	*l = env.Data
	return nil
}

func errorMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(body, &payload) == nil {
		for _, s := range []string{payload.Message, payload.Error, payload.Detail} {
			if s != "" {
				return s
			}
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "empty response"
	}
	return msg
}

func sentinelFor(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return perrors.ErrAuthFailure
	case status == http.StatusNotFound:
		return perrors.ErrNotFound
	case status == http.StatusConflict:
		return perrors.ErrConflict
	case status == http.StatusTooManyRequests:
		return perrors.ErrRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return perrors.ErrTimeout
	case status >= 500:
		return perrors.ErrUnavailable
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return perrors.ErrInvalidInput
	}
	return nil
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}
