// Package config tests.
package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 2, cfg.OfflineAfter)
	assert.Equal(t, 60*time.Second, cfg.FlushInterval)
	assert.Equal(t, 60*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 15*time.Minute, cfg.OfflineThreshold)
	assert.Equal(t, time.Second, cfg.ReconcileDebounce)
	assert.Equal(t, 30*time.Second, cfg.LockTimeout)
	assert.Equal(t, 30*time.Minute, cfg.UnlockTimeout)
	assert.Equal(t, 100, cfg.QueueMaxSize)
	assert.Equal(t, 200, cfg.AuditMaxEntries)
	assert.Equal(t, "@every 15m", cfg.MaintenanceCron)
}

func TestLoad_MgmtDefaults(t *testing.T) {
	os.Clearenv()
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8090", cfg.MgmtListenAddr)
	assert.Equal(t, "api-key", cfg.MgmtAuthMode)
	assert.Equal(t, 100, cfg.MgmtRateLimitRPS)
	assert.Equal(t, 200, cfg.MgmtRateLimitBurst)
	assert.True(t, cfg.MgmtEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	os.Clearenv()
	t.Setenv("BACKEND_URL", "https://acs.example.com/api")
	t.Setenv("REALTIME_URL", "wss://acs.example.com/ws")
	t.Setenv("OFFLINE_THRESHOLD", "5m")
	t.Setenv("EMERGENCY_UNLOCK_TIMEOUT", "10m")
	t.Setenv("DB_PATH", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://acs.example.com/api", cfg.BackendURL)
	assert.True(t, cfg.RealtimeEnabled())
	assert.Equal(t, 5*time.Minute, cfg.OfflineThreshold)
	assert.Equal(t, 10*time.Minute, cfg.UnlockTimeout)
	assert.Empty(t, cfg.DBPath)
}

func TestLoadWithPrefix(t *testing.T) {
	os.Clearenv()
	t.Setenv("SITE_A_LOG_LEVEL", "debug")
	t.Setenv("MGMT_LISTEN_ADDR", ":9999")

	cfg, err := LoadWithPrefix("SITE_A")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Unprefixed names are still honoured.
	assert.Equal(t, ":9999", cfg.MgmtListenAddr)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad duration", map[string]string{"OFFLINE_THRESHOLD": "soon"}},
		{"bad auth mode", map[string]string{"MGMT_AUTH_MODE": "oauth"}},
		{"jwt without secret", map[string]string{"MGMT_AUTH_MODE": "jwt"}},
		{"empty backend", map[string]string{"BACKEND_URL": ""}},
		{"malformed operator keys", map[string]string{"MGMT_OPERATOR_KEYS": "just-a-key"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestConfig_EnabledFlags(t *testing.T) {
	cfg := &Config{}
	assert.False(t, cfg.SlackEnabled())
	assert.False(t, cfg.MgmtEnabled())
	assert.False(t, cfg.JWTEnabled())
	assert.False(t, cfg.RealtimeEnabled())

	cfg.SlackBotToken = "xoxb-test"
	assert.True(t, cfg.SlackEnabled())

	cfg.MgmtEnabledFlag = true
	cfg.MgmtListenAddr = ":8090"
	assert.True(t, cfg.MgmtEnabled())

	cfg.MgmtAuthMode = "jwt"
	cfg.MgmtJWTSecret = "s3cret"
	assert.True(t, cfg.JWTEnabled())

	cfg.MgmtAuthMode = "none"
	assert.False(t, cfg.JWTEnabled())
}

func TestConfig_KeyLists(t *testing.T) {
	cfg := &Config{
		MgmtOperatorKeys: "guard-1:k1, guard-2:k2",
		MgmtReadOnlyKeys: "dash:r1,r2",
	}

	ops, err := cfg.OperatorKeyList()
	require.NoError(t, err)
	assert.Equal(t, []KeyPrincipal{{Name: "guard-1", Key: "k1"}, {Name: "guard-2", Key: "k2"}}, ops)

	assert.Equal(t, []KeyPrincipal{{Name: "dash", Key: "r1"}, {Name: "readonly", Key: "r2"}}, cfg.ReadOnlyKeyList())
}
