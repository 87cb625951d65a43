// Package audit keeps the local, capped log of security-relevant actions and
// mirrors each entry to the backend when it can.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/p-blackswan/access-agent/internal/models"
	"github.com/p-blackswan/access-agent/internal/store"
)

// StorageKey is the KV key holding the serialized log.
const StorageKey = "access_control_audit_log"

// DefaultMaxEntries caps the local log.
const DefaultMaxEntries = 200

const (
	// MirrorBuffer bounds the entries waiting to be mirrored. Records made
	// while it is full are kept locally only.
	MirrorBuffer = 64

	mirrorTimeout = 10 * time.Second
)

// Remote is the backend audit endpoint. *api.Client satisfies it.
type Remote interface {
	PostAudit(ctx context.Context, e models.AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]models.AuditEntry, error)
}

// Log is an append-only audit log, newest entry first.
type Log struct {
	kv     store.KV
	remote Remote
	max    int
	clock  clock.PassiveClock
	logger zerolog.Logger

	mu      sync.Mutex
	entries []models.AuditEntry

	mirror   chan mirrorItem
	stopCtx  context.Context
	stop     context.CancelFunc
	stopOnce sync.Once
	mirrorWG sync.WaitGroup
}

type mirrorItem struct {
	ctx   context.Context
	entry models.AuditEntry
}

// New creates an empty log. remote may be nil; max <= 0 uses DefaultMaxEntries.
// With a remote, entries are mirrored by a background worker until Close.
func New(kv store.KV, remote Remote, max int, clk clock.PassiveClock, logger zerolog.Logger) *Log {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	l := &Log{
		kv:     kv,
		remote: remote,
		max:    max,
		clock:  clk,
		logger: logger.With().Str("component", "audit").Logger(),
	}
	l.stopCtx, l.stop = context.WithCancel(context.Background())
	if remote != nil {
		l.mirror = make(chan mirrorItem, MirrorBuffer)
		l.mirrorWG.Add(1)
		go l.runMirror()
	}
	return l
}

// Close stops the mirror worker. An in-flight post is cancelled and entries
// still buffered are dropped; they remain in the local log.
func (l *Log) Close() {
	l.stopOnce.Do(func() {
		l.stop()
		l.mirrorWG.Wait()
		if n := len(l.mirror); n > 0 {
			l.logger.Debug().Int("dropped", n).Msg("Audit mirror stopped with entries pending")
		}
	})
}

func (l *Log) runMirror() {
	defer l.mirrorWG.Done()
	for {
		select {
		case <-l.stopCtx.Done():
			return
		case it := <-l.mirror:
			l.post(it)
		}
	}
}

func (l *Log) post(it mirrorItem) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(it.ctx), mirrorTimeout)
	defer cancel()
	stop := context.AfterFunc(l.stopCtx, cancel)
	defer stop()

	if err := l.remote.PostAudit(ctx, it.entry); err != nil {
		l.logger.Debug().Err(err).Str("id", it.entry.ID).Msg("Audit mirror failed")
	}
}

// Load restores persisted entries. A missing or unreadable log starts empty.
func (l *Log) Load(ctx context.Context) error {
	raw, err := l.kv.Get(ctx, StorageKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var entries []models.AuditEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		l.logger.Warn().Err(err).Msg("Discarding unreadable audit log")
		return nil
	}
	if len(entries) > l.max {
		entries = entries[:l.max]
	}

	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()
	l.logger.Info().Int("entries", len(entries)).Msg("Audit log loaded")
	return nil
}

// Record appends e, filling in its id and timestamp when missing. Local
// persistence and the remote mirror are best-effort; the mirror never blocks
// the caller.
func (l *Log) Record(ctx context.Context, e models.AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock.Now()
	}

	l.mu.Lock()
	entries := make([]models.AuditEntry, 0, min(len(l.entries)+1, l.max))
	entries = append(entries, e)
	for _, prev := range l.entries {
		if len(entries) == l.max {
			break
		}
		entries = append(entries, prev)
	}
	l.entries = entries
	err := l.persistLocked(ctx)
	l.mu.Unlock()

	l.logger.Info().
		Str("actor", e.Actor).
		Str("action", e.Action).
		Str("status", string(e.Status)).
		Str("target", e.Target).
		Msg("Audit")

	if err != nil {
		l.logger.Warn().Err(err).Msg("Failed to persist audit log")
	}

	if l.mirror == nil || l.stopCtx.Err() != nil {
		return
	}
	select {
	case l.mirror <- mirrorItem{ctx: ctx, entry: e}:
	default:
		l.logger.Debug().Str("id", e.ID).Msg("Audit mirror backlog full, entry kept locally")
	}
}

// persistLocked writes the log under l.mu so concurrent records cannot
// persist out of order.
func (l *Log) persistLocked(ctx context.Context) error {
	raw, err := json.Marshal(l.entries)
	if err != nil {
		return err
	}
	return l.kv.Put(ctx, StorageKey, raw)
}

// Entries returns up to limit entries, newest first. limit <= 0 returns all.
func (l *Log) Entries(limit int) []models.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.AuditEntry, n)
	copy(out, l.entries[:n])
	return out
}

// Remote fetches the backend's view of the log.
func (l *Log) Remote(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	if l.remote == nil {
		return nil, errors.New("audit: no remote configured")
	}
	return l.remote.ListAudit(ctx, limit)
}
