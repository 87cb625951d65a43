// Package health runs the agent's dependency checks for the liveness and
// readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status represents the health status of a dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// DefaultCheckTimeout bounds each check.
const DefaultCheckTimeout = 5 * time.Second

// Result is the outcome of one check.
type Result struct {
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// CheckFunc checks one dependency.
type CheckFunc func(ctx context.Context) Result

// Report aggregates every check.
type Report struct {
	Status    string            `json:"status"`
	Checks    map[string]Result `json:"checks"`
	CheckedAt time.Time         `json:"checkedAt"`
}

// Ready reports whether no check is down.
func (r Report) Ready() bool {
	return r.Status == "ready"
}

// Checker manages health checks for all dependencies.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	last    Report
	timeout time.Duration
	logger  zerolog.Logger
}

// NewChecker creates a new health checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks:  make(map[string]CheckFunc),
		timeout: DefaultCheckTimeout,
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// Run executes all checks concurrently and caches the report.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]Result, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			r := f(checkCtx)
			mu.Lock()
			results[n] = r
			mu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	report := Report{Status: "ready", Checks: results, CheckedAt: time.Now().UTC()}
	for name, r := range results {
		if r.Status == StatusDown {
			report.Status = "not_ready"
			c.logger.Warn().Str("check", name).Str("detail", r.Detail).Msg("Dependency down")
		}
	}

	c.mu.Lock()
	c.last = report
	c.mu.Unlock()
	return report
}

// Last returns the most recent report without running checks.
func (c *Checker) Last() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// IsReady returns true if no check is down.
func (c *Checker) IsReady(ctx context.Context) bool {
	return c.Run(ctx).Ready()
}

// LivenessHandler returns an HTTP handler for /health (liveness).
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

// ReadinessHandler returns an HTTP handler for /ready (readiness).
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		report := c.Run(r.Context())
		if report.Ready() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(report)
	}
}
