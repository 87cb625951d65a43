// Package cli holds the accessctl client: a YAML contexts file, a thin HTTP
// client for the management API, and output formatting.
//
// Values in the contexts file may reference environment variables via
// ${VAR} or $VAR.
package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultServer is used when no context names a server.
const DefaultServer = "http://localhost:8090"

// Config is the accessctl contexts file.
type Config struct {
	// Current names the context used when -context is not given.
	Current string `yaml:"current"`

	Contexts []Context `yaml:"contexts"`
}

// Context is one agent the CLI can talk to.
type Context struct {
	Name   string `yaml:"name"`
	Server string `yaml:"server"`

	// APIKey is sent as a bearer token.
	APIKey string `yaml:"api_key"`

	// JWTSecret, when set, mints a short-lived operator token instead of
	// using APIKey. Prefer ${MGMT_JWT_SECRET}.
	JWTSecret string `yaml:"jwt_secret"`

	// Actor is recorded in the agent's audit log.
	Actor string `yaml:"actor"`

	// Role requested in minted tokens: admin, operator or readonly.
	Role string `yaml:"role"`

	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfigPath returns ~/.accessctl.yaml, or the value of
// ACCESSCTL_CONFIG when set.
func DefaultConfigPath() string {
	if p := os.Getenv("ACCESSCTL_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".accessctl.yaml"
	}
	return filepath.Join(home, ".accessctl.yaml")
}

// LoadConfig reads and parses a contexts file, expanding env vars. A missing
// file yields an empty config.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := LoadConfigBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfigBytes parses a contexts file from bytes.
func LoadConfigBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))
	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	for i := range cfg.Contexts {
		applyDefaults(&cfg.Contexts[i])
	}
	return &cfg, nil
}

// Resolve returns the named context, or the current one when name is
// empty. With no contexts at all a default local context is returned.
func (c *Config) Resolve(name string) (Context, error) {
	if name == "" {
		name = c.Current
	}
	if name == "" {
		if len(c.Contexts) > 0 {
			return c.Contexts[0], nil
		}
		ctx := Context{Name: "local"}
		applyDefaults(&ctx)
		return ctx, nil
	}
	for _, ctx := range c.Contexts {
		if ctx.Name == name {
			return ctx, nil
		}
	}
	return Context{}, fmt.Errorf("context %q not found", name)
}

func applyDefaults(ctx *Context) {
	if ctx.Server == "" {
		ctx.Server = DefaultServer
	}
	ctx.Server = strings.TrimRight(ctx.Server, "/")
	if ctx.Role == "" {
		ctx.Role = "operator"
	}
	if ctx.Actor == "" {
		ctx.Actor = os.Getenv("USER")
	}
	if ctx.Timeout <= 0 {
		ctx.Timeout = 30 * time.Second
	}
}

// envVarPattern matches ${VAR_NAME} and $VAR_NAME.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR} and $VAR with the corresponding environment
// variable value. Missing vars are replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}
