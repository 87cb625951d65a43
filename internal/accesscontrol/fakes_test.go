package accesscontrol

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/p-blackswan/access-agent/internal/api"
	"github.com/p-blackswan/access-agent/internal/audit"
	"github.com/p-blackswan/access-agent/internal/emergency"
	"github.com/p-blackswan/access-agent/internal/models"
	"github.com/p-blackswan/access-agent/internal/notify"
	"github.com/p-blackswan/access-agent/internal/oplock"
	"github.com/p-blackswan/access-agent/internal/queue"
	"github.com/p-blackswan/access-agent/internal/store"
)

// fakeBackend is an in-memory access-control backend. err, when set, is
// returned from every write.
type fakeBackend struct {
	mu     sync.Mutex
	points []models.AccessPoint
	users  []models.AccessControlUser
	events []models.AccessEvent
	err    error
	calls  map[string]int
	synced []models.SyncEventsPayload
	nextID int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{calls: make(map[string]int)}
}

func (b *fakeBackend) hit(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[name]++
	return b.err
}

func (b *fakeBackend) Calls(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[name]
}

func (b *fakeBackend) SetErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func (b *fakeBackend) ListAccessPoints(context.Context) ([]models.AccessPoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["ListAccessPoints"]++
	return append([]models.AccessPoint(nil), b.points...), nil
}

func (b *fakeBackend) CreateAccessPoint(_ context.Context, p models.AccessPoint) (models.AccessPoint, error) {
	if err := b.hit("CreateAccessPoint"); err != nil {
		return models.AccessPoint{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	p.ID = fmt.Sprintf("ap-new-%d", b.nextID)
	b.points = append(b.points, p)
	return p, nil
}

func (b *fakeBackend) UpdateAccessPoint(_ context.Context, id string, patch any) (models.AccessPoint, error) {
	if err := b.hit("UpdateAccessPoint"); err != nil {
		return models.AccessPoint{}, err
	}
	return models.AccessPoint{}, nil
}

func (b *fakeBackend) DeleteAccessPoint(context.Context, string) error {
	return b.hit("DeleteAccessPoint")
}

func (b *fakeBackend) ListUsers(context.Context) ([]models.AccessControlUser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["ListUsers"]++
	return append([]models.AccessControlUser(nil), b.users...), nil
}

func (b *fakeBackend) CreateUser(_ context.Context, u models.AccessControlUser) (models.AccessControlUser, error) {
	if err := b.hit("CreateUser"); err != nil {
		return models.AccessControlUser{}, err
	}
	u.ID = "u-new"
	return u, nil
}

func (b *fakeBackend) UpdateUser(context.Context, string, any) (models.AccessControlUser, error) {
	if err := b.hit("UpdateUser"); err != nil {
		return models.AccessControlUser{}, err
	}
	return models.AccessControlUser{}, nil
}

func (b *fakeBackend) DeleteUser(context.Context, string) error {
	return b.hit("DeleteUser")
}

func (b *fakeBackend) ListEvents(context.Context) ([]models.AccessEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["ListEvents"]++
	return append([]models.AccessEvent(nil), b.events...), nil
}

func (b *fakeBackend) SyncEvents(_ context.Context, p models.SyncEventsPayload) error {
	if err := b.hit("SyncEvents"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.synced = append(b.synced, p)
	return nil
}

func (b *fakeBackend) ReviewEvent(context.Context, string, models.ReviewAction, string) error {
	return b.hit("ReviewEvent")
}

func (b *fakeBackend) ExportEvents(_ context.Context, format string) ([]byte, error) {
	if err := b.hit("ExportEvents"); err != nil {
		return nil, err
	}
	return []byte("format=" + format), nil
}

func (b *fakeBackend) ExportReport(_ context.Context, format string) ([]byte, error) {
	if err := b.hit("ExportReport"); err != nil {
		return nil, err
	}
	return []byte("report=" + format), nil
}

func (b *fakeBackend) GetMetrics(context.Context) (models.Metrics, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["GetMetrics"]++
	return models.Metrics{TotalAccessPoints: len(b.points)}, nil
}

type okEmergencyBackend struct{}

func (okEmergencyBackend) Lockdown(context.Context, api.EmergencyRequest) error { return nil }
func (okEmergencyBackend) Unlock(context.Context, api.EmergencyRequest) error   { return nil }
func (okEmergencyBackend) Restore(context.Context, api.EmergencyRequest) error  { return nil }

type okDispatcher struct{}

func (okDispatcher) Dispatch(context.Context, models.QueuedOperation) error { return nil }

type staticConn struct{ online atomic.Bool }

func (c *staticConn) Online() bool { return c.online.Load() }

type harness struct {
	svc   *Service
	be    *fakeBackend
	conn  *staticConn
	locks *oplock.Table
	queue *queue.Queue
	audit *audit.Log
	rec   *notify.Recorder
	clock *clocktesting.FakeClock
}

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zerolog.Nop()
	clk := clocktesting.NewFakeClock(t0)
	be := newFakeBackend()
	conn := &staticConn{}
	conn.online.Store(true)
	rec := notify.NewRecorder(100)
	locks := oplock.New(clk, oplock.DefaultTimeout)
	q := queue.New(queue.DefaultConfig(), store.NewMemoryKV(), okDispatcher{}, logger,
		queue.WithClock(clk), queue.WithConnectivity(conn))
	log := audit.New(store.NewMemoryKV(), nil, 0, clk, logger)
	em := emergency.New(okEmergencyBackend{}, emergency.Options{Clock: clk, Auditor: log, Notifier: rec}, logger)
	t.Cleanup(em.Stop)

	svc, err := NewService(Deps{
		API:          be,
		State:        NewState(clk, 0),
		Locks:        locks,
		Queue:        q,
		Emergency:    em,
		Audit:        log,
		Connectivity: conn,
		Notifier:     rec,
		Clock:        clk,
	}, logger)
	require.NoError(t, err)

	return &harness{svc: svc, be: be, conn: conn, locks: locks, queue: q, audit: log, rec: rec, clock: clk}
}

// seedPoints loads points into the backend and the service's state.
func (h *harness) seedPoints(t *testing.T, points ...models.AccessPoint) {
	t.Helper()
	h.be.mu.Lock()
	h.be.points = points
	h.be.mu.Unlock()
	require.NoError(t, h.svc.RefreshAccessPoints(context.Background()))
}

func (h *harness) seedUsers(t *testing.T, users ...models.AccessControlUser) {
	t.Helper()
	h.be.mu.Lock()
	h.be.users = users
	h.be.mu.Unlock()
	require.NoError(t, h.svc.RefreshUsers(context.Background()))
}
