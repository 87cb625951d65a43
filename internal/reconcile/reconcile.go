// Package reconcile runs a debounced self-healing pass over the in-memory
// collections: duplicate ids are dropped (first occurrence wins) and access
// point online status is re-derived from its last status change.
package reconcile

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/p-blackswan/access-agent/internal/metrics"
	"github.com/p-blackswan/access-agent/internal/models"
)

// DefaultDebounce is the quiet period after the last change before a pass
// runs.
const DefaultDebounce = time.Second

// Collections is the state the reconciler rewrites. Each fn returns the
// replacement slice and whether anything changed.
type Collections interface {
	UpdateAccessPoints(fn func([]models.AccessPoint) ([]models.AccessPoint, bool))
	UpdateUsers(fn func([]models.AccessControlUser) ([]models.AccessControlUser, bool))
}

// Config holds reconciler timing.
type Config struct {
	Debounce  time.Duration
	Threshold time.Duration
}

// Result summarizes one pass.
type Result struct {
	DuplicatePoints []string
	DuplicateUsers  []string
	StaleFlips      int
}

// Changed reports whether the pass rewrote anything.
func (r Result) Changed() bool {
	return len(r.DuplicatePoints) > 0 || len(r.DuplicateUsers) > 0 || r.StaleFlips > 0
}

// Reconciler schedules passes after collection changes.
type Reconciler struct {
	coll    Collections
	cfg     Config
	clock   clock.WithDelayedExecution
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu      sync.Mutex
	timer   clock.Timer
	stopped bool
	passes  int
	onPass  func(Result)
}

// New creates a reconciler.
func New(coll Collections, cfg Config, clk clock.WithDelayedExecution, m *metrics.Metrics, logger zerolog.Logger) *Reconciler {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = models.DefaultOfflineThreshold
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Reconciler{
		coll:    coll,
		cfg:     cfg,
		clock:   clk,
		metrics: m,
		logger:  logger.With().Str("component", "reconcile").Logger(),
	}
}

// OnPass registers a callback invoked after every debounced pass.
func (r *Reconciler) OnPass(fn func(Result)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPass = fn
}

// Trigger (re)starts the debounce timer. Wire it to collection change
// notifications.
func (r *Reconciler) Trigger() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = r.clock.AfterFunc(r.cfg.Debounce, func() {
		// The fake clock runs callbacks under its own lock.
		go r.fire()
	})
}

// Stop cancels a pending pass and ignores later triggers.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Passes returns how many debounced passes have run.
func (r *Reconciler) Passes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.passes
}

func (r *Reconciler) fire() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.mu.Unlock()

	res := r.Pass()

	r.mu.Lock()
	r.passes++
	fn := r.onPass
	r.mu.Unlock()
	if fn != nil {
		fn(res)
	}
}

// Pass runs both reconciliation steps once.
func (r *Reconciler) Pass() Result {
	var res Result
	now := r.clock.Now()

	r.coll.UpdateAccessPoints(func(points []models.AccessPoint) ([]models.AccessPoint, bool) {
		deduped, dups := models.Dedupe(points, models.PointID)
		res.DuplicatePoints = dups
		out, flips := models.ApplyStaleness(deduped, now, r.cfg.Threshold)
		res.StaleFlips = flips
		return out, len(dups) > 0 || flips > 0
	})

	r.coll.UpdateUsers(func(users []models.AccessControlUser) ([]models.AccessControlUser, bool) {
		out, dups := models.Dedupe(users, models.UserID)
		res.DuplicateUsers = dups
		return out, len(dups) > 0
	})

	if len(res.DuplicatePoints) > 0 {
		r.logger.Warn().Strs("ids", res.DuplicatePoints).Msg("Duplicate access points removed")
		r.metrics.RecordDuplicates("access_points", len(res.DuplicatePoints))
	}
	if len(res.DuplicateUsers) > 0 {
		r.logger.Warn().Strs("ids", res.DuplicateUsers).Msg("Duplicate users removed")
		r.metrics.RecordDuplicates("users", len(res.DuplicateUsers))
	}
	if res.StaleFlips > 0 {
		r.logger.Info().Int("flipped", res.StaleFlips).Msg("Reconciliation updated access point status")
		r.metrics.RecordStaleFlips("reconcile", res.StaleFlips)
	}
	return res
}
