package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	AgentID     string `envconfig:"AGENT_ID" default:"access-agent"`

	// Backend REST API
	BackendURL       string        `envconfig:"BACKEND_URL" default:"http://localhost:3000/api"`
	BackendToken     string        `envconfig:"BACKEND_TOKEN"`      // static bearer token
	BackendJWTSecret string        `envconfig:"BACKEND_JWT_SECRET"` // signs short-lived service tokens; wins over BACKEND_TOKEN
	BackendTokenTTL  time.Duration `envconfig:"BACKEND_TOKEN_TTL" default:"10m"`
	BackendTimeout   time.Duration `envconfig:"BACKEND_TIMEOUT" default:"15s"`
	BackendRetries   int           `envconfig:"BACKEND_RETRIES" default:"3"`
	OfflineAfter     int           `envconfig:"OFFLINE_AFTER_FAILURES" default:"2"`

	// Realtime push channel
	RealtimeURL          string        `envconfig:"REALTIME_URL"` // ws(s):// endpoint; realtime disabled if empty
	RealtimeReconnect    time.Duration `envconfig:"REALTIME_RECONNECT" default:"1s"`
	RealtimeMaxReconnect time.Duration `envconfig:"REALTIME_MAX_RECONNECT" default:"30s"`

	// Local persistence
	DBPath            string `envconfig:"DB_PATH" default:"access-agent.db"` // empty keeps state in memory
	MaintenanceCron   string `envconfig:"MAINTENANCE_CRON" default:"@every 15m"`
	QueueMaxSize      int    `envconfig:"QUEUE_MAX_SIZE" default:"100"`
	AuditMaxEntries   int    `envconfig:"AUDIT_MAX_ENTRIES" default:"200"`
	RecentNotifyLimit int    `envconfig:"RECENT_NOTIFICATIONS" default:"100"`

	// Sync timing
	FlushInterval     time.Duration `envconfig:"QUEUE_FLUSH_INTERVAL" default:"60s"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"60s"`
	OfflineThreshold  time.Duration `envconfig:"OFFLINE_THRESHOLD" default:"15m"`
	ReconcileDebounce time.Duration `envconfig:"RECONCILE_DEBOUNCE" default:"1s"`
	LockTimeout       time.Duration `envconfig:"LOCK_TIMEOUT" default:"30s"`
	RefreshInterval   time.Duration `envconfig:"REFRESH_INTERVAL" default:"5m"` // 0 disables periodic refresh
	UnlockTimeout     time.Duration `envconfig:"EMERGENCY_UNLOCK_TIMEOUT" default:"30m"`
	MaxEvents         int           `envconfig:"MAX_EVENTS" default:"1000"`

	// Slack (optional). Prefixed with AGENT_ so other tooling sharing the
	// environment does not pick the token up.
	SlackBotToken string `envconfig:"AGENT_SLACK_BOT_TOKEN"`
	SlackChannel  string `envconfig:"AGENT_SLACK_CHANNEL" default:"#access-alerts"`
	SlackMinLevel string `envconfig:"AGENT_SLACK_MIN_LEVEL" default:"warning"`

	// Management API
	MgmtEnabledFlag    bool   `envconfig:"MGMT_ENABLED" default:"true"`
	MgmtListenAddr     string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtAuthMode       string `envconfig:"MGMT_AUTH_MODE" default:"api-key"`
	MgmtAPIKey         string `envconfig:"MGMT_API_KEY"`
	MgmtReadOnlyKeys   string `envconfig:"MGMT_READONLY_KEYS"` // comma-separated
	MgmtOperatorKeys   string `envconfig:"MGMT_OPERATOR_KEYS"` // comma-separated name:key pairs
	MgmtJWTSecret      string `envconfig:"MGMT_JWT_SECRET"`
	MgmtRateLimitRPS   int    `envconfig:"MGMT_RATE_LIMIT_RPS" default:"100"`
	MgmtRateLimitBurst int    `envconfig:"MGMT_RATE_LIMIT_BURST" default:"200"`
	MgmtTLSCert        string `envconfig:"MGMT_TLS_CERT"`
	MgmtTLSKey         string `envconfig:"MGMT_TLS_KEY"`
	MgmtCORSOrigins    string `envconfig:"MGMT_CORS_ORIGINS"`
}

// IsDevelopment reports whether the agent runs with developer defaults.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// SlackEnabled returns true if a Slack bot token is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != ""
}

// MgmtEnabled returns true if the management API should be served.
func (c *Config) MgmtEnabled() bool {
	return c.MgmtEnabledFlag && c.MgmtListenAddr != ""
}

// JWTEnabled returns true if operator tokens are accepted by the management API.
func (c *Config) JWTEnabled() bool {
	return c.MgmtJWTSecret != "" && (c.MgmtAuthMode == "jwt" || c.MgmtAuthMode == "api-key")
}

// RealtimeEnabled returns true if a push endpoint is configured.
func (c *Config) RealtimeEnabled() bool {
	return c.RealtimeURL != ""
}

// KeyPrincipal is one named management API key.
type KeyPrincipal struct {
	Name string
	Key  string
}

// OperatorKeyList parses MGMT_OPERATOR_KEYS ("name:key,name:key").
func (c *Config) OperatorKeyList() ([]KeyPrincipal, error) {
	return parseNamedKeys(c.MgmtOperatorKeys)
}

// ReadOnlyKeyList parses MGMT_READONLY_KEYS. Entries may be bare keys or
// name:key pairs; bare keys are named "readonly".
func (c *Config) ReadOnlyKeyList() []KeyPrincipal {
	var out []KeyPrincipal
	for _, part := range splitList(c.MgmtReadOnlyKeys) {
		if name, key, ok := strings.Cut(part, ":"); ok && name != "" && key != "" {
			out = append(out, KeyPrincipal{Name: name, Key: key})
			continue
		}
		out = append(out, KeyPrincipal{Name: "readonly", Key: part})
	}
	return out
}

func parseNamedKeys(raw string) ([]KeyPrincipal, error) {
	parts := splitList(raw)
	out := make([]KeyPrincipal, 0, len(parts))
	for _, part := range parts {
		name, key, ok := strings.Cut(part, ":")
		name, key = strings.TrimSpace(name), strings.TrimSpace(key)
		if !ok || name == "" || key == "" {
			return nil, fmt.Errorf("invalid key format %q, expected name:key", part)
		}
		out = append(out, KeyPrincipal{Name: name, Key: key})
	}
	return out, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	switch c.MgmtAuthMode {
	case "none", "api-key", "jwt":
	default:
		return fmt.Errorf("MGMT_AUTH_MODE must be none, api-key or jwt, got %q", c.MgmtAuthMode)
	}
	if c.MgmtEnabled() && c.MgmtAuthMode == "jwt" && c.MgmtJWTSecret == "" {
		return fmt.Errorf("MGMT_JWT_SECRET is required when MGMT_AUTH_MODE=jwt")
	}
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL is required")
	}
	if _, err := c.OperatorKeyList(); err != nil {
		return fmt.Errorf("MGMT_OPERATOR_KEYS: %w", err)
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}
