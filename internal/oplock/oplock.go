// Package oplock holds short-lived advisory locks keyed by operation and
// entity. A held lock tells the realtime handler to drop server echoes that
// would overwrite a local mutation still in flight. Locks expire on their own
// and are never persisted.
package oplock

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// DefaultTimeout is how long an unreleased lock stays effective.
const DefaultTimeout = 30 * time.Second

// Table is an in-memory lock table.
type Table struct {
	mu      sync.Mutex
	clock   clock.PassiveClock
	timeout time.Duration
	locks   map[string]time.Time
}

// New creates a lock table. A zero timeout uses DefaultTimeout.
func New(clk clock.PassiveClock, timeout time.Duration) *Table {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Table{
		clock:   clk,
		timeout: timeout,
		locks:   make(map[string]time.Time),
	}
}

// Key builds the composite lock key.
func Key(op, entityID string) string {
	return op + ":" + entityID
}

// Acquire takes the lock unless an unexpired one already exists.
func (t *Table) Acquire(op, entityID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := Key(op, entityID)
	now := t.clock.Now()
	if at, ok := t.locks[key]; ok && now.Sub(at) < t.timeout {
		return false
	}
	t.locks[key] = now
	return true
}

// IsLocked reports whether an unexpired lock exists, evicting an expired one.
func (t *Table) IsLocked(op, entityID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := Key(op, entityID)
	at, ok := t.locks[key]
	if !ok {
		return false
	}
	if t.clock.Since(at) >= t.timeout {
		delete(t.locks, key)
		return false
	}
	return true
}

// Release drops the lock whether or not it is still live.
func (t *Table) Release(op, entityID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.locks, Key(op, entityID))
}

// ClearExpired sweeps expired locks and returns how many were removed.
func (t *Table) ClearExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	count := 0
	for k, at := range t.locks {
		if now.Sub(at) >= t.timeout {
			delete(t.locks, k)
			count++
		}
	}
	return count
}

// Len returns the number of entries, expired or not.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
