package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/access-agent/internal/errors"
	"github.com/p-blackswan/access-agent/internal/models"
	"github.com/p-blackswan/access-agent/internal/requestid"
	"github.com/p-blackswan/access-agent/internal/retry"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   string
	Auth   string
	ReqID  string
}

type fakeBackend struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  http.HandlerFunc
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Body:   string(body),
		Auth:   r.Header.Get("Authorization"),
		ReqID:  r.Header.Get(requestid.Header),
	})
	f.mu.Unlock()
	if f.handler != nil {
		f.handler(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeBackend) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeBackend) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeTracker struct {
	mu        sync.Mutex
	successes int
	failures  int
}

func (f *fakeTracker) RecordSuccess()      { f.mu.Lock(); f.successes++; f.mu.Unlock() }
func (f *fakeTracker) RecordFailure(error) { f.mu.Lock(); f.failures++; f.mu.Unlock() }

func newTestClient(t *testing.T, fb *fakeBackend, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(fb)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithRetry(retry.Config{MaxAttempts: 1})}, opts...)
	return NewClient(srv.URL+"/", StaticToken{Token: "tok"}, zerolog.Nop(), opts...)
}

func TestListAccessPoints_BareArrayAndEnvelope(t *testing.T) {
	for name, payload := range map[string]string{
		"array":    `[{"id":"p1","name":"Lobby"},{"id":"p2","name":"Dock"}]`,
		"envelope": `{"data":[{"id":"p1","name":"Lobby"},{"id":"p2","name":"Dock"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			fb := &fakeBackend{handler: func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, payload)
			}}
			c := newTestClient(t, fb)

			points, err := c.ListAccessPoints(context.Background())
			require.NoError(t, err)
			require.Len(t, points, 2)
			assert.Equal(t, "Lobby", points[0].Name)
			assert.Equal(t, "GET", fb.last().Method)
			assert.Equal(t, "/access-control/points", fb.last().Path)
			assert.Equal(t, "Bearer tok", fb.last().Auth)
			assert.NotEmpty(t, fb.last().ReqID)
		})
	}
}

func TestDo_PropagatesRequestID(t *testing.T) {
	fb := &fakeBackend{}
	c := newTestClient(t, fb)

	ctx := requestid.WithRequestID(context.Background(), "req-42")
	require.NoError(t, c.DeleteUser(ctx, "u1"))
	assert.Equal(t, "req-42", fb.last().ReqID)
	assert.Equal(t, "/access-control/users/u1", fb.last().Path)
}

func TestDo_APIErrorCarriesSentinel(t *testing.T) {
	fb := &fakeBackend{handler: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"message":"no such point"}`)
	}}
	tracker := &fakeTracker{}
	c := newTestClient(t, fb, WithReachability(tracker))

	err := c.DeleteAccessPoint(context.Background(), "missing")
	require.Error(t, err)

	var apiErr *perrors.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.StatusCode)
	assert.Equal(t, "no such point", apiErr.Message)
	assert.ErrorIs(t, err, perrors.ErrNotFound)
	assert.False(t, perrors.IsRetryable(err))
	assert.Equal(t, 1, tracker.successes, "an HTTP answer means the backend is reachable")
}

func TestDo_TransportFailureIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	tracker := &fakeTracker{}
	c := NewClient(base, nil, zerolog.Nop(), WithReachability(tracker), WithTimeout(time.Second))

	err := c.DeleteUser(context.Background(), "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrOffline)
	assert.True(t, perrors.IsTransport(err))
	assert.True(t, perrors.IsRetryable(err))
	assert.Equal(t, 1, tracker.failures)
}

func TestGet_RetriesServerErrors(t *testing.T) {
	var calls int
	fb := &fakeBackend{handler: func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"totalAccessPoints":4,"activeUsers":2}`)
	}}
	c := newTestClient(t, fb, WithRetry(retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))

	m, err := c.GetMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, m.TotalAccessPoints)
	assert.Equal(t, 3, fb.count())
}

func TestReviewEvent_QueryString(t *testing.T) {
	fb := &fakeBackend{}
	c := newTestClient(t, fb)

	require.NoError(t, c.ReviewEvent(context.Background(), "ev-1", models.ReviewReject, "tailgating"))
	last := fb.last()
	assert.Equal(t, "PUT", last.Method)
	assert.Equal(t, "/access-control/events/ev-1/review", last.Path)
	assert.Equal(t, "action=reject&reason=tailgating", last.Query)
}

func TestExportEvents_ReturnsRawBody(t *testing.T) {
	fb := &fakeBackend{handler: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		io.WriteString(w, "id,action\n1,granted\n")
	}}
	c := newTestClient(t, fb)

	data, err := c.ExportEvents(context.Background(), "csv")
	require.NoError(t, err)
	assert.Equal(t, "id,action\n1,granted\n", string(data))
	assert.Equal(t, "format=csv", fb.last().Query)
}

func TestCreateAccessPoint_EmptyResponseKeepsInput(t *testing.T) {
	fb := &fakeBackend{handler: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}}
	c := newTestClient(t, fb)

	in := models.AccessPoint{ID: "p9", Name: "Roof"}
	out, err := c.CreateAccessPoint(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in.Name, out.Name)
	assert.JSONEq(t, `{"id":"p9","name":"Roof","location":"","status":""}`, fb.last().Body)
}

func TestEmergency_Paths(t *testing.T) {
	fb := &fakeBackend{}
	c := newTestClient(t, fb)
	ctx := context.Background()
	req := EmergencyRequest{InitiatedBy: "ops", Priority: 1, Timestamp: time.Unix(0, 0).UTC()}

	require.NoError(t, c.Lockdown(ctx, req))
	assert.Equal(t, "/access-control/emergency/lockdown", fb.last().Path)
	require.NoError(t, c.Unlock(ctx, req))
	assert.Equal(t, "/access-control/emergency/unlock", fb.last().Path)
	require.NoError(t, c.Restore(ctx, req))
	assert.Equal(t, "/access-control/emergency/restore", fb.last().Path)

	var body EmergencyRequest
	require.NoError(t, json.Unmarshal([]byte(fb.last().Body), &body))
	assert.Equal(t, "ops", body.InitiatedBy)
}

func TestListAudit_Limit(t *testing.T) {
	fb := &fakeBackend{handler: func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"id":"a1","actor":"ops","action":"lockdown","status":"success"}]`)
	}}
	c := newTestClient(t, fb)

	entries, err := c.ListAudit(context.Background(), 25)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditSuccess, entries[0].Status)
	assert.Equal(t, "limit=25", fb.last().Query)
}

func TestServiceTokenAuth_CachesUntilNearExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewServiceTokenAuth("s3cret", "agent-1", 10*time.Minute)
	a.now = func() time.Time { return now }

	first, err := a.Token()
	require.NoError(t, err)

	now = now.Add(5 * time.Minute)
	second, err := a.Token()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	now = now.Add(4*time.Minute + 30*time.Second)
	third, err := a.Token()
	require.NoError(t, err)
	assert.NotEqual(t, first, third)

	claims := &jwt.RegisteredClaims{}
	_, _, err = jwt.NewParser().ParseUnverified(third, claims)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", claims.Subject)
	assert.Equal(t, "access-agent", claims.Issuer)
}

func TestServiceTokenAuth_Apply(t *testing.T) {
	a := NewServiceTokenAuth("s3cret", "agent-1", 0)
	req := httptest.NewRequest("GET", "/", nil)
	require.NoError(t, a.Apply(req))
	assert.True(t, strings.HasPrefix(req.Header.Get("Authorization"), "Bearer ey"))
}
