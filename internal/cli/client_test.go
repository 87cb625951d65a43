package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/access-agent/internal/mgmt"
	"github.com/p-blackswan/access-agent/internal/requestid"
)

func TestClient_SendsCredentialsAndBody(t *testing.T) {
	var got *http.Request
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"queued":true}`))
	}))
	defer srv.Close()

	c, err := NewClient(Context{Server: srv.URL, APIKey: "k1", Actor: "guard-1", Timeout: time.Second})
	require.NoError(t, err)

	out, err := c.Post(context.Background(), "/api/v1/points", map[string]string{"name": "Dock"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"queued":true}`, string(out))

	require.NotNil(t, got)
	assert.Equal(t, "Bearer k1", got.Header.Get("Authorization"))
	assert.Equal(t, "guard-1", got.Header.Get("X-Actor"))
	assert.NotEmpty(t, got.Header.Get(requestid.Header))
	assert.Equal(t, "Dock", body["name"])
}

func TestClient_QueryEncoding(t *testing.T) {
	var rawQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawQuery = r.URL.RawQuery
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c, err := NewClient(Context{Server: srv.URL, Timeout: time.Second})
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "/api/v1/audit", url.Values{"limit": {"5"}, "remote": {"true"}})
	require.NoError(t, err)
	assert.Equal(t, "limit=5&remote=true", rawQuery)
}

func TestClient_MintsOperatorToken(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := NewClient(Context{Server: srv.URL, JWTSecret: "s3cret", Actor: "guard-7", Role: "operator", Timeout: time.Second})
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "/api/v1/whoami", nil)
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(auth, "Bearer "))
	var claims mgmt.OperatorClaims
	_, err = jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), &claims, func(*jwt.Token) (any, error) {
		return []byte("s3cret"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "guard-7", claims.Subject)
	assert.Equal(t, mgmt.RoleOperator, claims.Role)
}

func TestClient_ProblemError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"type":"emergency_conflict","title":"Conflict","status":409,"detail":"unlock rejected"}`))
	}))
	defer srv.Close()

	c, err := NewClient(Context{Server: srv.URL, Timeout: time.Second})
	require.NoError(t, err)

	_, err = c.Post(context.Background(), "/api/v1/emergency/unlock", map[string]bool{"confirmed": true})
	var perr *ProblemError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, http.StatusConflict, perr.StatusCode)
	assert.Equal(t, "emergency_conflict", perr.Problem.Type)
	assert.Contains(t, err.Error(), "unlock rejected")
}

func TestPrint(t *testing.T) {
	body := []byte(`{"mode":"lockdown","controller":{"initiatedBy":"guard-1"}}`)

	var buf bytes.Buffer
	require.NoError(t, Print(&buf, "yaml", body))
	assert.Contains(t, buf.String(), "mode: lockdown")
	assert.Contains(t, buf.String(), "initiatedBy: guard-1")

	buf.Reset()
	require.NoError(t, Print(&buf, "json", body))
	assert.Contains(t, buf.String(), "\n  \"mode\": \"lockdown\"")

	buf.Reset()
	require.NoError(t, Print(&buf, "json", []byte("id,action\n")))
	assert.Equal(t, "id,action\n", buf.String())

	assert.Error(t, Print(&buf, "xml", body))
}
