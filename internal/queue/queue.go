// Package queue is the durable offline operation queue. Mutations that could
// not be confirmed against the backend are persisted under a single KV key and
// replayed with per-entry exponential backoff until they sync or exhaust their
// retries.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	perrors "github.com/p-blackswan/access-agent/internal/errors"
	"github.com/p-blackswan/access-agent/internal/metrics"
	"github.com/p-blackswan/access-agent/internal/models"
	"github.com/p-blackswan/access-agent/internal/notify"
	"github.com/p-blackswan/access-agent/internal/retry"
	"github.com/p-blackswan/access-agent/internal/store"
)

// StorageKey is the KV key holding the serialized queue.
const StorageKey = "access_control_offline_queue"

const (
	DefaultMaxSize       = 100
	DefaultMaxRetries    = 5
	DefaultFlushInterval = 60 * time.Second
)

// Dispatcher replays one operation against the backend. *api.Client
// satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, op models.QueuedOperation) error
}

// Connectivity reports whether the backend is believed reachable.
type Connectivity interface {
	Online() bool
}

// Config controls queue limits and scheduling.
type Config struct {
	MaxSize       int
	MaxRetries    int
	FlushInterval time.Duration
	Backoff       retry.Config
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		MaxSize:       DefaultMaxSize,
		MaxRetries:    DefaultMaxRetries,
		FlushInterval: DefaultFlushInterval,
		Backoff:       retry.QueueConfig(),
	}
}

// FlushResult summarizes one flush pass.
type FlushResult struct {
	Skipped   bool `json:"skipped"`
	Attempted int  `json:"attempted"`
	Synced    int  `json:"synced"`
	Retrying  int  `json:"retrying"`
	Failed    int  `json:"failed"`
}

// Stats counts entries per sync status.
type Stats struct {
	Pending int `json:"pending"`
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

// Queue is the offline operation queue.
type Queue struct {
	cfg        Config
	kv         store.KV
	dispatcher Dispatcher
	conn       Connectivity
	notifier   notify.Notifier
	metrics    *metrics.Metrics
	clock      clock.WithTicker
	logger     zerolog.Logger

	storeMu sync.Mutex // guards read-modify-write of the persisted list
	flushMu sync.Mutex // one flush pass at a time

	trigger chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock injects the time source.
func WithClock(c clock.WithTicker) Option {
	return func(q *Queue) { q.clock = c }
}

// WithConnectivity makes Flush a no-op while c reports offline.
func WithConnectivity(c Connectivity) Option {
	return func(q *Queue) { q.conn = c }
}

// WithNotifier receives sync success notifications.
func WithNotifier(n notify.Notifier) Option {
	return func(q *Queue) { q.notifier = n }
}

// WithMetrics publishes queue depth and dispatch outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// New creates a queue persisting to kv and replaying through d.
func New(cfg Config, kv store.KV, d Dispatcher, logger zerolog.Logger, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.Backoff.BaseDelay <= 0 {
		cfg.Backoff = def.Backoff
	}
	q := &Queue{
		cfg:        cfg,
		kv:         kv,
		dispatcher: d,
		clock:      clock.RealClock{},
		trigger:    make(chan struct{}, 1),
		logger:     logger.With().Str("component", "queue").Logger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue validates and persists a new pending operation and returns its id.
// payload may be any JSON-encodable value or a json.RawMessage. Persistence
// failures are logged, not returned.
func (q *Queue) Enqueue(ctx context.Context, opType models.OperationType, payload any) (string, error) {
	if !opType.Valid() {
		return "", perrors.Invalid("unknown operation type %q", opType)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", perrors.Invalid("payload for %s: %v", opType, err)
	}

	op := models.QueuedOperation{
		ID:         uuid.New().String(),
		Type:       opType,
		Payload:    raw,
		QueuedAt:   q.clock.Now().UTC(),
		SyncStatus: models.SyncPending,
		RetryCount: 0,
		LastRetry:  time.Unix(0, 0).UTC(),
	}

	q.storeMu.Lock()
	ops := q.load(ctx)
	ops = append(ops, op)
	ops = q.save(ctx, ops)
	q.storeMu.Unlock()

	q.publishDepth(ops)
	q.logger.Info().Str("id", op.ID).Str("type", string(opType)).Int("depth", len(ops)).Msg("Operation queued")
	return op.ID, nil
}

// Flush attempts every pending entry whose backoff has elapsed. It is a
// no-op while offline.
func (q *Queue) Flush(ctx context.Context) FlushResult {
	if q.conn != nil && !q.conn.Online() {
		q.logger.Debug().Msg("Offline, skipping queue flush")
		return FlushResult{Skipped: true}
	}

	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.storeMu.Lock()
	ops := q.load(ctx)
	q.storeMu.Unlock()

	var res FlushResult
	now := q.clock.Now()
	updated := make(map[string]models.QueuedOperation)

	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}
		if op.SyncStatus != models.SyncPending || !q.due(op, now) {
			continue
		}
		res.Attempted++

		err := q.dispatcher.Dispatch(ctx, op)
		if err == nil {
			op.SyncStatus = models.SyncSynced
			op.Error = ""
			res.Synced++
			q.metrics.RecordDispatch(string(op.Type), "synced")
			updated[op.ID] = op
			continue
		}

		op.RetryCount++
		op.LastRetry = q.clock.Now().UTC()
		op.Error = err.Error()
		if op.RetryCount >= q.cfg.MaxRetries {
			op.SyncStatus = models.SyncFailed
			res.Failed++
			q.metrics.RecordDispatch(string(op.Type), "failed")
			q.logger.Warn().Err(err).Str("id", op.ID).Str("type", string(op.Type)).Int("retry_count", op.RetryCount).Msg("Queued operation parked as failed")
		} else {
			res.Retrying++
			q.metrics.RecordDispatch(string(op.Type), "retry")
			q.logger.Debug().Err(err).Str("id", op.ID).Int("retry_count", op.RetryCount).Msg("Queued operation dispatch failed")
		}
		updated[op.ID] = op
	}

	if len(updated) > 0 {
		q.storeMu.Lock()
		latest := q.load(ctx)
		merged := merge(latest, updated)
		merged = q.save(ctx, merged)
		q.storeMu.Unlock()
		q.publishDepth(merged)
	}

	if res.Synced > 0 {
		q.notify(ctx, notify.Notification{
			Level:   notify.LevelSuccess,
			Title:   "Offline changes synced",
			Message: fmt.Sprintf("Synced %d queued operation(s)", res.Synced),
			Source:  "queue",
		})
	}
	if res.Attempted > 0 {
		q.logger.Info().
			Int("attempted", res.Attempted).
			Int("synced", res.Synced).
			Int("retrying", res.Retrying).
			Int("failed", res.Failed).
			Msg("Queue flush complete")
	}
	return res
}

// RetryFailed moves every failed entry back to pending with a fresh retry
// budget, then flushes. It returns how many entries were reset.
func (q *Queue) RetryFailed(ctx context.Context) (int, FlushResult) {
	q.storeMu.Lock()
	ops := q.load(ctx)
	reset := 0
	for i := range ops {
		if ops[i].SyncStatus != models.SyncFailed {
			continue
		}
		ops[i].SyncStatus = models.SyncPending
		ops[i].RetryCount = 0
		ops[i].LastRetry = time.Unix(0, 0).UTC()
		ops[i].Error = ""
		reset++
	}
	if reset > 0 {
		ops = q.save(ctx, ops)
	}
	q.storeMu.Unlock()

	if reset > 0 {
		q.publishDepth(ops)
		q.logger.Info().Int("count", reset).Msg("Failed operations reset for retry")
	}
	return reset, q.Flush(ctx)
}

// Discard removes one entry regardless of status.
func (q *Queue) Discard(ctx context.Context, id string) bool {
	q.storeMu.Lock()
	defer q.storeMu.Unlock()

	ops := q.load(ctx)
	out := ops[:0]
	found := false
	for _, op := range ops {
		if op.ID == id {
			found = true
			continue
		}
		out = append(out, op)
	}
	if found {
		out = q.save(ctx, out)
		q.publishDepth(out)
	}
	return found
}

// List returns the persisted entries, oldest first.
func (q *Queue) List(ctx context.Context) []models.QueuedOperation {
	q.storeMu.Lock()
	defer q.storeMu.Unlock()
	return q.load(ctx)
}

// Stats counts entries per status.
func (q *Queue) Stats(ctx context.Context) Stats {
	return count(q.List(ctx))
}

func (q *Queue) due(op models.QueuedOperation, now time.Time) bool {
	return now.Sub(op.LastRetry) > retry.Delay(q.cfg.Backoff, op.RetryCount)
}

// load reads the persisted list. Missing or unreadable data yields an empty
// queue.
func (q *Queue) load(ctx context.Context) []models.QueuedOperation {
	data, err := q.kv.Get(ctx, StorageKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			q.logger.Error().Err(err).Msg("Failed to load offline queue")
			q.metrics.RecordError("queue", "load")
		}
		return nil
	}
	var ops []models.QueuedOperation
	if err := json.Unmarshal(data, &ops); err != nil {
		q.logger.Error().Err(err).Msg("Offline queue is corrupt, starting empty")
		q.metrics.RecordError("queue", "decode")
		return nil
	}
	return ops
}

// save truncates to the newest MaxSize entries and persists them. The
// truncated slice is returned whether or not the write succeeded.
func (q *Queue) save(ctx context.Context, ops []models.QueuedOperation) []models.QueuedOperation {
	if len(ops) > q.cfg.MaxSize {
		dropped := len(ops) - q.cfg.MaxSize
		ops = ops[dropped:]
		q.logger.Warn().Int("dropped", dropped).Msg("Offline queue full, dropping oldest entries")
	}
	if ops == nil {
		ops = []models.QueuedOperation{}
	}
	data, err := json.Marshal(ops)
	if err != nil {
		q.logger.Error().Err(err).Msg("Failed to encode offline queue")
		return ops
	}
	if err := q.kv.Put(ctx, StorageKey, data); err != nil {
		q.logger.Error().Err(err).Msg("Failed to persist offline queue")
		q.metrics.RecordError("queue", "persist")
	}
	return ops
}

func (q *Queue) notify(ctx context.Context, n notify.Notification) {
	if q.notifier == nil {
		return
	}
	if err := q.notifier.Notify(ctx, n); err != nil {
		q.logger.Warn().Err(err).Msg("Notification failed")
	}
}

func (q *Queue) publishDepth(ops []models.QueuedOperation) {
	s := count(ops)
	q.metrics.SetQueueDepth(s.Pending, s.Failed)
}

// merge applies flush results onto the latest persisted list. Synced
// entries are pruned; entries enqueued during the flush are kept.
func merge(latest []models.QueuedOperation, updated map[string]models.QueuedOperation) []models.QueuedOperation {
	out := make([]models.QueuedOperation, 0, len(latest))
	for _, op := range latest {
		if u, ok := updated[op.ID]; ok {
			op = u
		}
		if op.SyncStatus == models.SyncSynced {
			continue
		}
		out = append(out, op)
	}
	return out
}

func count(ops []models.QueuedOperation) Stats {
	var s Stats
	for _, op := range ops {
		switch op.SyncStatus {
		case models.SyncPending:
			s.Pending++
		case models.SyncSynced:
			s.Synced++
		case models.SyncFailed:
			s.Failed++
		}
	}
	s.Total = len(ops)
	return s
}
