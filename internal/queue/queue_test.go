package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	perrors "github.com/p-blackswan/access-agent/internal/errors"
	"github.com/p-blackswan/access-agent/internal/models"
	"github.com/p-blackswan/access-agent/internal/notify"
	"github.com/p-blackswan/access-agent/internal/store"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	err   error
	calls []models.QueuedOperation
}

func (f *fakeDispatcher) Dispatch(_ context.Context, op models.QueuedOperation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	return f.err
}

func (f *fakeDispatcher) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type staticConn struct{ online atomic.Bool }

func (s *staticConn) Online() bool { return s.online.Load() }

type harness struct {
	q     *Queue
	kv    *store.MemoryKV
	d     *fakeDispatcher
	clock *clocktesting.FakeClock
	rec   *notify.Recorder
	conn  *staticConn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		kv:    store.NewMemoryKV(),
		d:     &fakeDispatcher{},
		clock: clocktesting.NewFakeClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)),
		rec:   notify.NewRecorder(0),
		conn:  &staticConn{},
	}
	h.conn.online.Store(true)
	h.q = h.newQueue()
	return h
}

func (h *harness) newQueue() *Queue {
	return New(DefaultConfig(), h.kv, h.d, zerolog.Nop(),
		WithClock(h.clock), WithConnectivity(h.conn), WithNotifier(h.rec))
}

func (h *harness) persisted(t *testing.T) []models.QueuedOperation {
	t.Helper()
	data, err := h.kv.Get(context.Background(), StorageKey)
	require.NoError(t, err)
	var ops []models.QueuedOperation
	require.NoError(t, json.Unmarshal(data, &ops))
	return ops
}

func TestEnqueue_AssignsBookkeeping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.q.Enqueue(ctx, models.OpDeleteUser, models.EntityPayload{ID: "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	ops := h.persisted(t)
	require.Len(t, ops, 1)
	assert.Equal(t, id, ops[0].ID)
	assert.Equal(t, models.SyncPending, ops[0].SyncStatus)
	assert.Equal(t, 0, ops[0].RetryCount)
	assert.Equal(t, int64(0), ops[0].LastRetry.Unix())
	assert.True(t, h.clock.Now().Equal(ops[0].QueuedAt))
}

func TestEnqueue_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.q.Enqueue(ctx, "format_disk", nil)
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)

	_, err = h.q.Enqueue(ctx, models.OpCreateUser, make(chan int))
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)

	_, err = h.kv.Get(ctx, StorageKey)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnqueue_PersistenceFailureIsSwallowed(t *testing.T) {
	h := newHarness(t)
	h.kv.FailPut = errors.New("disk full")

	id, err := h.q.Enqueue(context.Background(), models.OpDeleteUser, models.EntityPayload{ID: "u1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestEnqueue_CapsAtMaxSize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 130; i++ {
		id, err := h.q.Enqueue(ctx, models.OpDeleteUser, models.EntityPayload{ID: fmt.Sprintf("u%d", i)})
		require.NoError(t, err)
		ids = append(ids, id)
		assert.LessOrEqual(t, len(h.persisted(t)), DefaultMaxSize)
	}

	ops := h.persisted(t)
	require.Len(t, ops, DefaultMaxSize)
	assert.Equal(t, ids[30], ops[0].ID, "oldest entries are dropped")
	assert.Equal(t, ids[129], ops[99].ID)
}

func TestFlush_RoundTripAfterReload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.q.Enqueue(ctx, models.OpCreateAccessPoint, models.EntityPayload{Data: json.RawMessage(`{"name":"gate"}`)})
		require.NoError(t, err)
	}

	reloaded := h.newQueue()
	res := reloaded.Flush(ctx)

	assert.Equal(t, 3, res.Synced)
	assert.Empty(t, h.persisted(t))
	require.Equal(t, 1, h.rec.Count(notify.LevelSuccess))
	last, _ := h.rec.Last()
	assert.Contains(t, last.Message, "Synced 3")
}

func TestFlush_NoOpWhileOffline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.q.Enqueue(ctx, models.OpDeleteUser, models.EntityPayload{ID: "u1"})
	require.NoError(t, err)

	h.conn.online.Store(false)
	res := h.q.Flush(ctx)

	assert.True(t, res.Skipped)
	assert.Equal(t, 0, h.d.callCount())
	assert.Len(t, h.persisted(t), 1)
}

func TestFlush_BackoffAndParkAfterMaxRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.d.setErr(errors.New("503"))

	_, err := h.q.Enqueue(ctx, models.OpDeleteUser, models.EntityPayload{ID: "u1"})
	require.NoError(t, err)

	res := h.q.Flush(ctx)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 1, h.persisted(t)[0].RetryCount)

	// 2^1 s backoff has not elapsed yet.
	h.clock.Step(2 * time.Second)
	assert.Equal(t, 0, h.q.Flush(ctx).Attempted)
	h.clock.Step(time.Millisecond)
	assert.Equal(t, 1, h.q.Flush(ctx).Attempted)

	prev := h.persisted(t)[0].RetryCount
	for h.persisted(t)[0].SyncStatus == models.SyncPending {
		h.clock.Step(31 * time.Second)
		h.q.Flush(ctx)
		cur := h.persisted(t)[0].RetryCount
		assert.Equal(t, prev+1, cur, "retry_count increases on each failed dispatch")
		prev = cur
	}

	op := h.persisted(t)[0]
	assert.Equal(t, models.SyncFailed, op.SyncStatus)
	assert.Equal(t, DefaultMaxRetries, op.RetryCount)
	assert.Equal(t, "503", op.Error)

	// Failed entries are parked until an explicit retry.
	h.clock.Step(time.Hour)
	assert.Equal(t, 0, h.q.Flush(ctx).Attempted)
	assert.Equal(t, 0, h.rec.Count(notify.LevelSuccess))
}

func TestRetryFailed_ResetsAndFlushes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.d.setErr(errors.New("boom"))

	_, err := h.q.Enqueue(ctx, models.OpDeleteUser, models.EntityPayload{ID: "u1"})
	require.NoError(t, err)
	for i := 0; i < DefaultMaxRetries; i++ {
		h.q.Flush(ctx)
		h.clock.Step(31 * time.Second)
	}
	require.Equal(t, 1, h.q.Stats(ctx).Failed)

	h.d.setErr(nil)
	reset, res := h.q.RetryFailed(ctx)

	assert.Equal(t, 1, reset)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, Stats{}, h.q.Stats(ctx))
}

func TestFlush_KeepsEntriesEnqueuedDuringPass(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.q.Enqueue(ctx, models.OpDeleteUser, models.EntityPayload{ID: "u1"})
	require.NoError(t, err)

	var lateID string
	h.q.dispatcher = dispatchFunc(func(ctx context.Context, op models.QueuedOperation) error {
		lateID, err = h.q.Enqueue(ctx, models.OpDeleteUser, models.EntityPayload{ID: "u2"})
		return err
	})

	res := h.q.Flush(ctx)
	assert.Equal(t, 1, res.Synced)

	ops := h.persisted(t)
	require.Len(t, ops, 1)
	assert.Equal(t, lateID, ops[0].ID)
	assert.Equal(t, models.SyncPending, ops[0].SyncStatus)
}

func TestDiscard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.q.Enqueue(ctx, models.OpDeleteUser, models.EntityPayload{ID: "u1"})
	require.NoError(t, err)

	assert.False(t, h.q.Discard(ctx, "nope"))
	assert.True(t, h.q.Discard(ctx, id))
	assert.Empty(t, h.q.List(ctx))
}

func TestStart_FlushesImmediatelyAndOnTick(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.q.Enqueue(ctx, models.OpDeleteUser, models.EntityPayload{ID: "u1"})
	require.NoError(t, err)

	h.q.Start(ctx)
	defer h.q.Stop()

	require.Eventually(t, func() bool { return h.d.callCount() == 1 }, time.Second, 5*time.Millisecond)

	_, err = h.q.Enqueue(ctx, models.OpDeleteUser, models.EntityPayload{ID: "u2"})
	require.NoError(t, err)

	require.Eventually(t, h.clock.HasWaiters, time.Second, 5*time.Millisecond)
	h.clock.Step(DefaultFlushInterval)
	require.Eventually(t, func() bool { return h.d.callCount() == 2 }, time.Second, 5*time.Millisecond)
}

func TestNotifyOnline_TriggersFlush(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.conn.online.Store(false)

	h.q.Start(ctx)
	defer h.q.Stop()

	_, err := h.q.Enqueue(ctx, models.OpDeleteUser, models.EntityPayload{ID: "u1"})
	require.NoError(t, err)

	h.conn.online.Store(true)
	h.q.NotifyOnline()
	require.Eventually(t, func() bool { return h.d.callCount() == 1 }, time.Second, 5*time.Millisecond)
}

type dispatchFunc func(ctx context.Context, op models.QueuedOperation) error

func (f dispatchFunc) Dispatch(ctx context.Context, op models.QueuedOperation) error {
	return f(ctx, op)
}
