// Package connectivity tracks whether the backend is reachable. The agent is
// considered offline after consecutive transport failures and comes back
// online on the first success or realtime connect.
package connectivity

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultFailureThreshold is the number of consecutive transport failures
// after which the backend counts as offline.
const DefaultFailureThreshold = 2

// Snapshot is a point-in-time view of the tracker.
type Snapshot struct {
	Online              bool      `json:"online"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
	LastChange          time.Time `json:"lastChange"`
}

// Tracker records transport outcomes and fires hooks on transitions.
type Tracker struct {
	mu         sync.Mutex
	threshold  int
	failures   int
	online     bool
	lastErr    string
	lastChange time.Time
	onOnline   []func()
	onOffline  []func()
	logger     zerolog.Logger
}

// New creates a tracker that starts online.
func New(threshold int, logger zerolog.Logger) *Tracker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &Tracker{
		threshold:  threshold,
		online:     true,
		lastChange: time.Now(),
		logger:     logger.With().Str("component", "connectivity").Logger(),
	}
}

// OnOnline registers fn to run (in its own goroutine) on every offline to
// online transition.
func (t *Tracker) OnOnline(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOnline = append(t.onOnline, fn)
}

// OnOffline registers fn to run (in its own goroutine) on every online to
// offline transition.
func (t *Tracker) OnOffline(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOffline = append(t.onOffline, fn)
}

// RecordSuccess resets the failure count and marks the backend online.
func (t *Tracker) RecordSuccess() {
	t.SetOnline(true)
}

// RecordFailure counts a transport failure.
func (t *Tracker) RecordFailure(err error) {
	t.mu.Lock()
	t.failures++
	if err != nil {
		t.lastErr = err.Error()
	}
	if !t.online || t.failures < t.threshold {
		t.mu.Unlock()
		return
	}
	t.online = false
	t.lastChange = time.Now()
	hooks := append([]func(){}, t.onOffline...)
	failures, lastErr := t.failures, t.lastErr
	t.mu.Unlock()

	t.logger.Warn().Int("failures", failures).Str("error", lastErr).Msg("Backend unreachable, switching to offline mode")
	for _, fn := range hooks {
		go fn()
	}
}

// SetOnline forces the state. Setting online clears the failure count.
func (t *Tracker) SetOnline(online bool) {
	t.mu.Lock()
	if online {
		t.failures = 0
		t.lastErr = ""
	}
	if t.online == online {
		t.mu.Unlock()
		return
	}
	t.online = online
	t.lastChange = time.Now()
	var hooks []func()
	if online {
		hooks = append(hooks, t.onOnline...)
	} else {
		hooks = append(hooks, t.onOffline...)
	}
	t.mu.Unlock()

	t.logger.Info().Bool("online", online).Msg("Connectivity changed")
	for _, fn := range hooks {
		go fn()
	}
}

// Online reports the current state.
func (t *Tracker) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online
}

// Snapshot returns a copy of the tracker state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Online:              t.online,
		ConsecutiveFailures: t.failures,
		LastError:           t.lastErr,
		LastChange:          t.lastChange,
	}
}
