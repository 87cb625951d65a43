package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/p-blackswan/access-agent/internal/mgmt"
	"github.com/p-blackswan/access-agent/internal/requestid"
)

// tokenTTL bounds operator tokens minted by the CLI.
const tokenTTL = 5 * time.Minute

// ProblemError is a non-2xx management API response.
type ProblemError struct {
	StatusCode int
	Problem    mgmt.ProblemDetail
	RequestID  string
}

func (e *ProblemError) Error() string {
	msg := e.Problem.Detail
	if msg == "" {
		msg = e.Problem.Title
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Problem.Type != "" {
		return fmt.Sprintf("%d %s: %s (request %s)", e.StatusCode, e.Problem.Type, msg, e.RequestID)
	}
	return fmt.Sprintf("%d: %s (request %s)", e.StatusCode, msg, e.RequestID)
}

// Client calls the management API.
type Client struct {
	base  string
	token string
	actor string
	hc    *http.Client
}

// NewClient builds a client for ctx, minting an operator token when the
// context carries a JWT secret.
func NewClient(ctx Context) (*Client, error) {
	token := ctx.APIKey
	if ctx.JWTSecret != "" {
		var err error
		token, err = mgmt.IssueOperatorToken(ctx.JWTSecret, ctx.Actor, mgmt.Role(ctx.Role), tokenTTL)
		if err != nil {
			return nil, fmt.Errorf("minting operator token: %w", err)
		}
	}
	return &Client{
		base:  ctx.Server,
		token: token,
		actor: ctx.Actor,
		hc:    &http.Client{Timeout: ctx.Timeout},
	}, nil
}

// Do sends a request and returns the raw response body. body, when non-nil,
// is JSON-encoded.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.actor != "" {
		req.Header.Set("X-Actor", c.actor)
	}
	_, reqID := requestid.New(ctx)
	req.Header.Set(requestid.Header, reqID)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		perr := &ProblemError{StatusCode: resp.StatusCode, RequestID: reqID}
		_ = json.Unmarshal(data, &perr.Problem)
		return nil, perr
	}
	return data, nil
}

// Get is Do with GET.
func (c *Client) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return c.Do(ctx, http.MethodGet, path, query, nil)
}

// Post is Do with POST.
func (c *Client) Post(ctx context.Context, path string, body any) ([]byte, error) {
	return c.Do(ctx, http.MethodPost, path, nil, body)
}

// Patch is Do with PATCH.
func (c *Client) Patch(ctx context.Context, path string, body any) ([]byte, error) {
	return c.Do(ctx, http.MethodPatch, path, nil, body)
}

// Delete is Do with DELETE.
func (c *Client) Delete(ctx context.Context, path string) ([]byte, error) {
	return c.Do(ctx, http.MethodDelete, path, nil, nil)
}
