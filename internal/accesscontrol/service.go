package accesscontrol

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/p-blackswan/access-agent/internal/audit"
	"github.com/p-blackswan/access-agent/internal/emergency"
	perrors "github.com/p-blackswan/access-agent/internal/errors"
	"github.com/p-blackswan/access-agent/internal/metrics"
	"github.com/p-blackswan/access-agent/internal/models"
	"github.com/p-blackswan/access-agent/internal/notify"
	"github.com/p-blackswan/access-agent/internal/oplock"
	"github.com/p-blackswan/access-agent/internal/queue"
	"github.com/p-blackswan/access-agent/internal/realtime"
)

// DefaultSeenEvents sizes the realtime event dedup cache.
const DefaultSeenEvents = 2048

// Backend is the access-control REST surface. *api.Client satisfies it.
type Backend interface {
	ListAccessPoints(ctx context.Context) ([]models.AccessPoint, error)
	CreateAccessPoint(ctx context.Context, p models.AccessPoint) (models.AccessPoint, error)
	UpdateAccessPoint(ctx context.Context, id string, patch any) (models.AccessPoint, error)
	DeleteAccessPoint(ctx context.Context, id string) error
	ListUsers(ctx context.Context) ([]models.AccessControlUser, error)
	CreateUser(ctx context.Context, u models.AccessControlUser) (models.AccessControlUser, error)
	UpdateUser(ctx context.Context, id string, patch any) (models.AccessControlUser, error)
	DeleteUser(ctx context.Context, id string) error
	ListEvents(ctx context.Context) ([]models.AccessEvent, error)
	SyncEvents(ctx context.Context, p models.SyncEventsPayload) error
	ReviewEvent(ctx context.Context, eventID string, action models.ReviewAction, reason string) error
	ExportEvents(ctx context.Context, format string) ([]byte, error)
	ExportReport(ctx context.Context, format string) ([]byte, error)
	GetMetrics(ctx context.Context) (models.Metrics, error)
}

// Connectivity reports whether the backend is believed reachable.
type Connectivity interface {
	Online() bool
}

// Deps wires a Service. State, Locks, Queue, Emergency and Audit are
// required.
type Deps struct {
	API          Backend
	State        *State
	Locks        *oplock.Table
	Queue        *queue.Queue
	Emergency    *emergency.Machine
	Audit        *audit.Log
	Connectivity Connectivity
	Notifier     notify.Notifier
	Metrics      *metrics.Metrics
	Clock        clock.PassiveClock
	SeenEvents   int
}

// Service is the mutation and query API over State.
type Service struct {
	api       Backend
	state     *State
	locks     *oplock.Table
	queue     *queue.Queue
	emergency *emergency.Machine
	audit     *audit.Log
	conn      Connectivity
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	clock     clock.PassiveClock
	seen      *lru.Cache[string, struct{}]
	logger    zerolog.Logger
}

var _ realtime.Handler = (*Service)(nil)

// NewService validates d and builds a Service.
func NewService(d Deps, logger zerolog.Logger) (*Service, error) {
	if d.API == nil || d.State == nil || d.Locks == nil || d.Queue == nil || d.Emergency == nil || d.Audit == nil {
		return nil, errors.New("accesscontrol: missing required dependency")
	}
	if d.SeenEvents <= 0 {
		d.SeenEvents = DefaultSeenEvents
	}
	seen, err := lru.New[string, struct{}](d.SeenEvents)
	if err != nil {
		return nil, fmt.Errorf("event cache: %w", err)
	}
	if d.Clock == nil {
		d.Clock = clock.RealClock{}
	}
	n := d.Notifier
	if n == nil {
		n = notify.NewLogNotifier(logger)
	}
	return &Service{
		api:       d.API,
		state:     d.State,
		locks:     d.Locks,
		queue:     d.Queue,
		emergency: d.Emergency,
		audit:     d.Audit,
		conn:      d.Connectivity,
		notifier:  n,
		metrics:   d.Metrics,
		clock:     d.Clock,
		seen:      seen,
		logger:    logger.With().Str("component", "accesscontrol").Logger(),
	}, nil
}

// State returns the collections the service maintains.
func (s *Service) State() *State { return s.state }

// Refresh reloads every collection in parallel. One failing fetch does not
// stop the others; the first error is returned.
func (s *Service) Refresh(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return s.RefreshAccessPoints(ctx) })
	g.Go(func() error { return s.RefreshUsers(ctx) })
	g.Go(func() error { return s.RefreshEvents(ctx) })
	g.Go(func() error { return s.RefreshMetrics(ctx) })
	return g.Wait()
}

// RefreshAccessPoints reloads the access point collection.
func (s *Service) RefreshAccessPoints(ctx context.Context) error {
	s.state.setLoading(CollectionPoints, true)
	defer s.state.setLoading(CollectionPoints, false)

	points, err := s.api.ListAccessPoints(ctx)
	if err != nil {
		return s.fetchFailed(ctx, "access points", err)
	}
	s.state.SetAccessPoints(points)
	return nil
}

// RefreshUsers reloads the user collection.
func (s *Service) RefreshUsers(ctx context.Context) error {
	s.state.setLoading(CollectionUsers, true)
	defer s.state.setLoading(CollectionUsers, false)

	users, err := s.api.ListUsers(ctx)
	if err != nil {
		return s.fetchFailed(ctx, "users", err)
	}
	s.state.SetUsers(users)
	return nil
}

// RefreshEvents reloads the event list, newest first, and marks every id as
// seen so realtime echoes are not prepended twice.
func (s *Service) RefreshEvents(ctx context.Context) error {
	s.state.setLoading(CollectionEvents, true)
	defer s.state.setLoading(CollectionEvents, false)

	events, err := s.api.ListEvents(ctx)
	if err != nil {
		return s.fetchFailed(ctx, "events", err)
	}
	slices.SortStableFunc(events, func(a, b models.AccessEvent) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	for _, e := range events {
		if e.ID != "" {
			s.seen.Add(e.ID, struct{}{})
		}
	}
	s.state.SetEvents(events)
	return nil
}

// RefreshMetrics reloads the backend's dashboard metrics.
func (s *Service) RefreshMetrics(ctx context.Context) error {
	s.state.setLoading(CollectionMetrics, true)
	defer s.state.setLoading(CollectionMetrics, false)

	m, err := s.api.GetMetrics(ctx)
	if err != nil {
		return s.fetchFailed(ctx, "metrics", err)
	}
	s.state.SetMetrics(m)
	return nil
}

func (s *Service) fetchFailed(ctx context.Context, what string, err error) error {
	s.metrics.RecordError("accesscontrol", errType(err))
	s.logger.Error().Err(err).Str("collection", what).Msg("Fetch failed")
	s.notify(ctx, notify.Notification{
		Level:   notify.LevelWarning,
		Title:   "Failed to load " + what,
		Message: "Showing the last known data",
		Source:  "accesscontrol",
		Error:   err,
	})
	return fmt.Errorf("load %s: %w", what, err)
}

// Export formats accepted by ExportEvents and ExportReport.
var exportFormats = []string{"csv", "json", "pdf"}

// ExportEvents downloads the event export in format.
func (s *Service) ExportEvents(ctx context.Context, format string) ([]byte, error) {
	return s.export(ctx, "events", format, s.api.ExportEvents)
}

// ExportReport downloads the access report in format.
func (s *Service) ExportReport(ctx context.Context, format string) ([]byte, error) {
	return s.export(ctx, "report", format, s.api.ExportReport)
}

func (s *Service) export(ctx context.Context, what, format string, fetch func(context.Context, string) ([]byte, error)) ([]byte, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if !slices.Contains(exportFormats, format) {
		return nil, perrors.Invalid("unsupported export format %q", format)
	}
	data, err := fetch(ctx, format)
	status := models.AuditSuccess
	if err != nil {
		status = models.AuditFailure
	}
	s.audit.Record(ctx, models.AuditEntry{
		Actor:  ActorFrom(ctx),
		Action: "export." + what,
		Status: status,
		Target: format,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("export", what).Msg("Export failed")
		s.notify(ctx, notify.Notification{
			Level:  notify.LevelWarning,
			Title:  "Export failed",
			Source: "accesscontrol",
			Error:  err,
		})
		return nil, err
	}
	return data, nil
}

// Lockdown enters emergency lockdown on behalf of the context's actor.
func (s *Service) Lockdown(ctx context.Context, req emergency.Request) (emergency.Controller, error) {
	return s.emergency.Lockdown(ctx, s.withActor(ctx, req))
}

// Unlock enters emergency unlock on behalf of the context's actor.
func (s *Service) Unlock(ctx context.Context, req emergency.Request) (emergency.Controller, error) {
	return s.emergency.Unlock(ctx, s.withActor(ctx, req))
}

// Restore returns emergency mode to normal.
func (s *Service) Restore(ctx context.Context, req emergency.Request) error {
	return s.emergency.Restore(ctx, s.withActor(ctx, req))
}

// Emergency returns the active controller, or false in normal mode.
func (s *Service) Emergency() (emergency.Controller, bool) {
	return s.emergency.Current()
}

func (s *Service) withActor(ctx context.Context, req emergency.Request) emergency.Request {
	if req.Actor == "" {
		req.Actor = ActorFrom(ctx)
	}
	return req
}

// QueuedOperations lists the offline queue.
func (s *Service) QueuedOperations(ctx context.Context) []models.QueuedOperation {
	return s.queue.List(ctx)
}

// QueueStats counts offline queue entries by status.
func (s *Service) QueueStats(ctx context.Context) queue.Stats {
	return s.queue.Stats(ctx)
}

// FlushQueue runs one flush pass now.
func (s *Service) FlushQueue(ctx context.Context) queue.FlushResult {
	return s.queue.Flush(ctx)
}

// RetryFailed re-arms every parked operation and flushes.
func (s *Service) RetryFailed(ctx context.Context) (int, queue.FlushResult) {
	n, res := s.queue.RetryFailed(ctx)
	s.audit.Record(ctx, models.AuditEntry{
		Actor:  ActorFrom(ctx),
		Action: "queue.retry_failed",
		Status: models.AuditSuccess,
		Reason: fmt.Sprintf("%d operation(s) re-armed", n),
	})
	return n, res
}

// DiscardQueued drops one queued operation.
func (s *Service) DiscardQueued(ctx context.Context, id string) error {
	if !s.queue.Discard(ctx, id) {
		return fmt.Errorf("queued operation %s: %w", id, perrors.ErrNotFound)
	}
	s.audit.Record(ctx, models.AuditEntry{
		Actor:  ActorFrom(ctx),
		Action: "queue.discard",
		Status: models.AuditSuccess,
		Target: id,
	})
	return nil
}

// Audit returns up to limit local audit entries, newest first.
func (s *Service) Audit(limit int) []models.AuditEntry {
	return s.audit.Entries(limit)
}

// RemoteAudit reads the backend's audit log.
func (s *Service) RemoteAudit(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	return s.audit.Remote(ctx, limit)
}

func (s *Service) online() bool {
	return s.conn == nil || s.conn.Online()
}

func (s *Service) notify(ctx context.Context, n notify.Notification) {
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Warn().Err(err).Msg("Notification failed")
	}
}

func errType(err error) string {
	switch {
	case perrors.IsTransport(err):
		return "transport"
	case errors.Is(err, perrors.ErrAuthFailure):
		return "auth"
	case errors.Is(err, perrors.ErrNotFound):
		return "not_found"
	case errors.Is(err, perrors.ErrInvalidInput):
		return "invalid"
	case errors.Is(err, perrors.ErrConflict):
		return "conflict"
	case perrors.IsRetryable(err):
		return "retryable"
	}
	return "other"
}
