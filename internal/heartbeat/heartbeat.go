// Package heartbeat periodically re-derives access point online status from
// the time of their last status change.
package heartbeat

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/p-blackswan/access-agent/internal/metrics"
	"github.com/p-blackswan/access-agent/internal/models"
)

// DefaultInterval is how often the monitor sweeps.
const DefaultInterval = 60 * time.Second

// Points is the access point collection the monitor rewrites. fn returns the
// replacement slice and whether anything changed.
type Points interface {
	UpdateAccessPoints(fn func([]models.AccessPoint) ([]models.AccessPoint, bool))
}

// Config holds monitor timing.
type Config struct {
	Interval  time.Duration
	Threshold time.Duration
}

// Monitor applies the staleness rule on a fixed interval. It is safe to stop
// via its context or the Stop method.
type Monitor struct {
	points  Points
	cfg     Config
	clock   clock.WithTicker
	metrics *metrics.Metrics
	logger  zerolog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a monitor but does not start it.
func New(points Points, cfg Config, clk clock.WithTicker, m *metrics.Metrics, logger zerolog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = models.DefaultOfflineThreshold
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Monitor{
		points:  points,
		cfg:     cfg,
		clock:   clk,
		metrics: m,
		logger:  logger.With().Str("component", "heartbeat").Logger(),
		done:    make(chan struct{}),
	}
}

// Start sweeps immediately, then on every interval until ctx is cancelled
// or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	ticker := m.clock.NewTicker(m.cfg.Interval)
	go m.loop(ctx, ticker)

	m.logger.Info().
		Dur("interval", m.cfg.Interval).
		Dur("threshold", m.cfg.Threshold).
		Msg("Heartbeat monitor started")
}

// Stop signals the monitor to exit and waits for it to finish.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Monitor) loop(ctx context.Context, ticker clock.Ticker) {
	defer close(m.done)
	defer ticker.Stop()

	m.Sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.Sweep()
		}
	}
}

// Sweep applies the staleness rule once and returns how many points flipped.
func (m *Monitor) Sweep() int {
	now := m.clock.Now()
	flipped := 0
	m.points.UpdateAccessPoints(func(points []models.AccessPoint) ([]models.AccessPoint, bool) {
		out, n := models.ApplyStaleness(points, now, m.cfg.Threshold)
		flipped = n
		return out, n > 0
	})
	if flipped > 0 {
		m.metrics.RecordStaleFlips("heartbeat", flipped)
		m.logger.Info().Int("flipped", flipped).Msg("Heartbeat updated access point status")
	}
	return flipped
}
