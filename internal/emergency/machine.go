package emergency

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/p-blackswan/access-agent/internal/api"
	"github.com/p-blackswan/access-agent/internal/metrics"
	"github.com/p-blackswan/access-agent/internal/models"
	"github.com/p-blackswan/access-agent/internal/notify"
)

// restoreRetryDelay is how long a failed auto-restore waits before trying
// again.
const restoreRetryDelay = 30 * time.Second

// Backend acknowledges transitions. *api.Client satisfies it.
type Backend interface {
	Lockdown(ctx context.Context, r api.EmergencyRequest) error
	Unlock(ctx context.Context, r api.EmergencyRequest) error
	Restore(ctx context.Context, r api.EmergencyRequest) error
}

// Auditor records every transition attempt. *audit.Log satisfies it.
type Auditor interface {
	Record(ctx context.Context, e models.AuditEntry)
}

// Options carries the machine's optional collaborators.
type Options struct {
	Confirmer     Confirmer
	Notifier      notify.Notifier
	Auditor       Auditor
	Metrics       *metrics.Metrics
	Clock         clock.WithDelayedExecution
	UnlockTimeout time.Duration
}

// Machine owns the active controller and its auto-restore timer.
type Machine struct {
	backend  Backend
	opts     Options
	clock    clock.WithDelayedExecution
	logger   zerolog.Logger
	notifier notify.Notifier

	opMu sync.Mutex // one transition at a time

	mu      sync.Mutex
	current *Controller
	timer   clock.Timer
	gen     uint64
}

// New creates a machine in normal mode.
func New(backend Backend, opts Options, logger zerolog.Logger) *Machine {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.UnlockTimeout <= 0 {
		opts.UnlockTimeout = DefaultUnlockTimeout
	}
	n := opts.Notifier
	if n == nil {
		n = notify.NewLogNotifier(logger)
	}
	return &Machine{
		backend:  backend,
		opts:     opts,
		clock:    opts.Clock,
		notifier: n,
		logger:   logger.With().Str("component", "emergency").Logger(),
	}
}

// Current returns the active controller, or false in normal mode.
func (m *Machine) Current() (Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Controller{}, false
	}
	return *m.current, true
}

// Mode returns the current mode.
func (m *Machine) Mode() Mode {
	c, ok := m.Current()
	if !ok {
		return ModeNormal
	}
	return c.Mode
}

// Lockdown enters lockdown. From unlock, a controller younger than
// UnlockGrace wins unless lockdown's priority is at least its own.
func (m *Machine) Lockdown(ctx context.Context, req Request) (Controller, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.confirm(ctx, ModeLockdown, req); err != nil {
		return Controller{}, err
	}

	now := m.clock.Now()
	if cur, ok := m.Current(); ok && cur.Mode == ModeUnlock {
		elapsed := now.Sub(cur.Timestamp)
		if elapsed < UnlockGrace && PriorityLockdown < cur.Priority {
			return Controller{}, m.reject(ctx, req, ModeLockdown, cur, elapsed, UnlockGrace)
		}
	}

	ctrl := Controller{
		Mode:        ModeLockdown,
		InitiatedBy: req.Actor,
		Reason:      req.Reason,
		Timestamp:   now,
		Priority:    PriorityLockdown,
	}
	if err := m.backend.Lockdown(ctx, toRequest(ctrl)); err != nil {
		return Controller{}, m.failed(ctx, req, ModeLockdown, err)
	}

	m.install(&ctrl, nil)
	m.succeeded(ctx, req, ctrl, "local")
	m.notify(ctx, notify.Notification{
		Level:   notify.LevelCritical,
		Title:   "Emergency lockdown activated",
		Message: "All access points locked by " + req.Actor,
		Source:  "emergency",
	})
	return ctrl, nil
}

// Unlock releases every access point. A lockdown younger than LockdownGrace
// always wins. The unlock restores itself after its timeout.
func (m *Machine) Unlock(ctx context.Context, req Request) (Controller, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.confirm(ctx, ModeUnlock, req); err != nil {
		return Controller{}, err
	}

	now := m.clock.Now()
	if cur, ok := m.Current(); ok && cur.Mode == ModeLockdown {
		if elapsed := now.Sub(cur.Timestamp); elapsed < LockdownGrace {
			return Controller{}, m.reject(ctx, req, ModeUnlock, cur, elapsed, LockdownGrace)
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.opts.UnlockTimeout
	}
	ctrl := Controller{
		Mode:            ModeUnlock,
		InitiatedBy:     req.Actor,
		Reason:          req.Reason,
		Timestamp:       now,
		Priority:        PriorityUnlock,
		TimeoutDuration: timeout,
	}
	if err := m.backend.Unlock(ctx, toRequest(ctrl)); err != nil {
		return Controller{}, m.failed(ctx, req, ModeUnlock, err)
	}

	m.install(&ctrl, &timeout)
	m.succeeded(ctx, req, ctrl, "local")
	m.notify(ctx, notify.Notification{
		Level:   notify.LevelCritical,
		Title:   "Emergency unlock activated",
		Message: "All access points unlocked by " + req.Actor + " for " + timeout.String(),
		Source:  "emergency",
	})
	return ctrl, nil
}

// Restore returns to normal and cancels any pending auto-restore. It is a
// no-op in normal mode.
func (m *Machine) Restore(ctx context.Context, req Request) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.restoreLocked(ctx, req, "local")
}

func (m *Machine) restoreLocked(ctx context.Context, req Request, source string) error {
	cur, ok := m.Current()
	if !ok {
		return nil
	}

	r := api.EmergencyRequest{InitiatedBy: req.Actor, Reason: req.Reason, Timestamp: m.clock.Now()}
	if err := m.backend.Restore(ctx, r); err != nil {
		return m.failed(ctx, req, ModeNormal, err)
	}

	m.install(nil, nil)
	m.opts.Metrics.RecordEmergency(string(ModeNormal), "success")
	m.audit(ctx, models.AuditEntry{
		Actor:  req.Actor,
		Action: "emergency.restore",
		Status: models.AuditSuccess,
		Target: string(cur.Mode),
		Reason: req.Reason,
		Source: source,
	})
	return nil
}

// ApplyRemote mirrors a mode change pushed by the server. No confirmation,
// grace check or REST call applies; the server is the source of truth.
func (m *Machine) ApplyRemote(ctx context.Context, mode Mode, initiatedBy string, ts time.Time) {
	if !mode.Valid() {
		m.logger.Warn().Str("mode", string(mode)).Msg("Ignoring unknown remote emergency mode")
		return
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.Mode() == mode {
		return
	}
	if ts.IsZero() {
		ts = m.clock.Now()
	}

	switch mode {
	case ModeNormal:
		m.install(nil, nil)
	case ModeLockdown:
		m.install(&Controller{Mode: mode, InitiatedBy: initiatedBy, Timestamp: ts, Priority: PriorityLockdown, Remote: true}, nil)
	case ModeUnlock:
		m.install(&Controller{Mode: mode, InitiatedBy: initiatedBy, Timestamp: ts, Priority: PriorityUnlock, Remote: true}, nil)
	}

	m.opts.Metrics.RecordEmergency(string(mode), "remote")
	m.audit(ctx, models.AuditEntry{
		Actor:  initiatedBy,
		Action: "emergency." + string(mode),
		Status: models.AuditInfo,
		Target: string(mode),
		Source: "remote",
	})
	level := notify.LevelCritical
	if mode == ModeNormal {
		level = notify.LevelInfo
	}
	m.notify(ctx, notify.Notification{
		Level:   level,
		Title:   "Emergency mode changed remotely",
		Message: "Mode is now " + string(mode) + " (initiated by " + initiatedBy + ")",
		Source:  "realtime",
	})
}

// Stop cancels a pending auto-restore without changing the mode.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// install replaces the controller, cancelling the previous timer and
// scheduling a new one when timeout is set.
func (m *Machine) install(ctrl *Controller, timeout *time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.current = ctrl
	if timeout != nil {
		m.scheduleLocked(*timeout)
	}
}

func (m *Machine) scheduleLocked(d time.Duration) {
	gen := m.gen
	m.timer = m.clock.AfterFunc(d, func() {
		// The fake clock runs callbacks under its own lock.
		go m.autoRestore(gen)
	})
}

func (m *Machine) autoRestore(gen uint64) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	stale := gen != m.gen || m.current == nil || m.current.Mode != ModeUnlock
	if !stale {
		m.timer = nil
	}
	m.mu.Unlock()
	if stale {
		return
	}

	ctx := context.Background()
	req := Request{Actor: "system", Reason: "unlock timeout expired"}
	if err := m.restoreLocked(ctx, req, "timer"); err != nil {
		m.logger.Error().Err(err).Dur("retry_in", restoreRetryDelay).Msg("Auto-restore failed")
		m.mu.Lock()
		if gen == m.gen {
			m.scheduleLocked(restoreRetryDelay)
		}
		m.mu.Unlock()
		return
	}

	m.logger.Warn().Msg("Emergency unlock timed out, restored to normal")
	m.notify(ctx, notify.Notification{
		Level:   notify.LevelWarning,
		Title:   "Emergency unlock timed out",
		Message: "Unlock expired; access control restored to normal",
		Source:  "emergency",
	})
}

func (m *Machine) confirm(ctx context.Context, target Mode, req Request) error {
	if req.Confirmed {
		return nil
	}
	if m.opts.Confirmer == nil {
		return ErrConfirmationRequired
	}
	ok, err := m.opts.Confirmer.Confirm(ctx, target, req)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConfirmationRequired
	}
	return nil
}

func (m *Machine) reject(ctx context.Context, req Request, target Mode, cur Controller, elapsed, grace time.Duration) error {
	err := &ConflictError{
		Requested: target,
		Active:    cur.Mode,
		ActiveBy:  cur.InitiatedBy,
		Elapsed:   elapsed,
		Grace:     grace,
	}
	m.opts.Metrics.RecordEmergency(string(target), "conflict")
	m.audit(ctx, models.AuditEntry{
		Actor:  req.Actor,
		Action: "emergency." + string(target),
		Status: models.AuditDenied,
		Target: string(target),
		Reason: err.Error(),
		Source: "local",
	})
	m.notify(ctx, notify.Notification{
		Level:   notify.LevelWarning,
		Title:   "Emergency action rejected",
		Message: err.Error(),
		Source:  "emergency",
	})
	m.logger.Warn().Err(err).Str("actor", req.Actor).Msg("Emergency transition rejected")
	return err
}

func (m *Machine) failed(ctx context.Context, req Request, target Mode, err error) error {
	action := "emergency." + string(target)
	if target == ModeNormal {
		action = "emergency.restore"
	}
	m.opts.Metrics.RecordEmergency(string(target), "error")
	m.audit(ctx, models.AuditEntry{
		Actor:  req.Actor,
		Action: action,
		Status: models.AuditFailure,
		Target: string(target),
		Reason: err.Error(),
		Source: "local",
	})
	m.notify(ctx, notify.Notification{
		Level:   notify.LevelCritical,
		Title:   "Emergency action failed",
		Message: "Backend did not acknowledge " + string(target),
		Source:  "emergency",
		Error:   err,
	})
	m.logger.Error().Err(err).Str("target", string(target)).Msg("Emergency transition failed")
	return err
}

func (m *Machine) succeeded(ctx context.Context, req Request, ctrl Controller, source string) {
	m.opts.Metrics.RecordEmergency(string(ctrl.Mode), "success")
	m.audit(ctx, models.AuditEntry{
		Actor:  req.Actor,
		Action: "emergency." + string(ctrl.Mode),
		Status: models.AuditSuccess,
		Target: string(ctrl.Mode),
		Reason: req.Reason,
		Source: source,
	})
	m.logger.Info().Str("mode", string(ctrl.Mode)).Str("actor", req.Actor).Msg("Emergency mode changed")
}

func (m *Machine) audit(ctx context.Context, e models.AuditEntry) {
	if m.opts.Auditor != nil {
		m.opts.Auditor.Record(ctx, e)
	}
}

func (m *Machine) notify(ctx context.Context, n notify.Notification) {
	if err := m.notifier.Notify(ctx, n); err != nil {
		m.logger.Warn().Err(err).Msg("Notification failed")
	}
}

func toRequest(c Controller) api.EmergencyRequest {
	return api.EmergencyRequest{
		InitiatedBy:    c.InitiatedBy,
		Reason:         c.Reason,
		Timestamp:      c.Timestamp,
		Priority:       c.Priority,
		TimeoutSeconds: int(c.TimeoutDuration / time.Second),
	}
}
