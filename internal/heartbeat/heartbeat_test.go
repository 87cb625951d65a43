package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/p-blackswan/access-agent/internal/models"
)

type memPoints struct {
	mu      sync.Mutex
	points  []models.AccessPoint
	updates int
}

func (m *memPoints) UpdateAccessPoints(fn func([]models.AccessPoint) ([]models.AccessPoint, bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if out, changed := fn(m.points); changed {
		m.points = out
		m.updates++
	}
}

func (m *memPoints) online(i int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.points[i].Online()
}

func TestSweep_FlipsStalePoint(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC))
	pts := &memPoints{points: []models.AccessPoint{
		{ID: "stale", IsOnline: models.BoolPtr(true), LastStatusChange: models.TimePtr(clk.Now().Add(-20 * time.Minute))},
		{ID: "fresh", IsOnline: models.BoolPtr(true), LastStatusChange: models.TimePtr(clk.Now().Add(-time.Minute))},
	}}
	m := New(pts, Config{}, clk, nil, zerolog.Nop())

	assert.Equal(t, 1, m.Sweep())
	assert.False(t, pts.online(0))
	assert.True(t, pts.online(1))

	assert.Equal(t, 0, m.Sweep(), "second sweep is a no-op")
	assert.Equal(t, 1, pts.updates)
}

func TestStart_ImmediateSweepThenInterval(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC))
	pts := &memPoints{points: []models.AccessPoint{
		{ID: "a", IsOnline: models.BoolPtr(true), LastStatusChange: models.TimePtr(clk.Now().Add(-20 * time.Minute))},
		{ID: "b", IsOnline: models.BoolPtr(true), LastStatusChange: models.TimePtr(clk.Now().Add(-14 * time.Minute))},
	}}
	m := New(pts, Config{Interval: time.Minute}, clk, nil, zerolog.Nop())

	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool { return !pts.online(0) }, time.Second, 5*time.Millisecond)
	assert.True(t, pts.online(1))

	clk.Step(2 * time.Minute)
	require.Eventually(t, func() bool { return !pts.online(1) }, time.Second, 5*time.Millisecond)
}

func TestStop_WithoutStart(t *testing.T) {
	m := New(&memPoints{}, Config{}, nil, nil, zerolog.Nop())
	m.Stop()
}
