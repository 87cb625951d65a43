package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	method string
	path   string
	body   map[string]any
}

func fakeAgent(t *testing.T) (*httptest.Server, *[]captured) {
	t.Helper()
	var calls []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := captured{method: r.Method, path: r.URL.Path}
		_ = json.NewDecoder(r.Body).Decode(&c.body)
		calls = append(calls, c)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"mode":"lockdown"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	base := []string{"-config", filepath.Join(t.TempDir(), "none.yaml")}
	err := run(context.Background(), append(base, args...), strings.NewReader(stdin), &out)
	return out.String(), err
}

func TestEmergency_PromptDeclined(t *testing.T) {
	srv, calls := fakeAgent(t)

	_, err := runCLI(t, "no\n", "-server", srv.URL, "emergency", "lockdown", "-reason", "drill")
	require.NoError(t, err)
	require.Len(t, *calls, 1)
	assert.Equal(t, "/api/v1/emergency/lockdown", (*calls)[0].path)
	assert.Equal(t, false, (*calls)[0].body["confirmed"])
	assert.Equal(t, "drill", (*calls)[0].body["reason"])
}

func TestEmergency_Yes(t *testing.T) {
	srv, calls := fakeAgent(t)

	out, err := runCLI(t, "", "-server", srv.URL, "-o", "yaml", "emergency", "unlock", "-yes", "-timeout", "10m")
	require.NoError(t, err)
	require.Len(t, *calls, 1)
	assert.Equal(t, true, (*calls)[0].body["confirmed"])
	assert.Equal(t, float64(600), (*calls)[0].body["timeoutSeconds"])
	assert.Contains(t, out, "mode: lockdown")
}

func TestQueueDiscardAndPoints(t *testing.T) {
	srv, calls := fakeAgent(t)

	_, err := runCLI(t, "", "-server", srv.URL, "queue", "discard", "q-1")
	require.NoError(t, err)
	_, err = runCLI(t, "", "-server", srv.URL, "points", "toggle", "ap-1")
	require.NoError(t, err)

	require.Len(t, *calls, 2)
	assert.Equal(t, "DELETE", (*calls)[0].method)
	assert.Equal(t, "/api/v1/queue/q-1", (*calls)[0].path)
	assert.Equal(t, "/api/v1/points/ap-1/toggle", (*calls)[1].path)
}

func TestRun_Errors(t *testing.T) {
	_, err := runCLI(t, "")
	assert.Error(t, err)

	_, err = runCLI(t, "", "bogus")
	assert.ErrorContains(t, err, "unknown command")

	_, err = runCLI(t, "", "token", "guard", "operator")
	assert.ErrorContains(t, err, "jwt_secret")
}
