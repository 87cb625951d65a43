package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/access-agent/internal/metrics"
)

// Source is the subscription primitive the Subscriber drives. *Client
// satisfies it.
type Source interface {
	Subscribe(channel string, fn func(payload json.RawMessage)) func()
	IsConnected() bool
	OnStatus(fn func(connected bool))
}

type handlerRef struct {
	h Handler
}

// Subscriber keeps one subscription per channel while the source is
// connected and routes decoded messages to the current Handler. Swapping the
// handler never touches the subscriptions; they only change on connect and
// disconnect.
type Subscriber struct {
	src     Source
	handler atomic.Pointer[handlerRef]
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	unsubs  []func()
	started bool
	stopped bool
}

// NewSubscriber creates a subscriber for src routing to h.
func NewSubscriber(src Source, h Handler, m *metrics.Metrics, logger zerolog.Logger) *Subscriber {
	s := &Subscriber{
		src:     src,
		metrics: m,
		ctx:     context.Background(),
		logger:  logger.With().Str("component", "realtime.subscriber").Logger(),
	}
	s.handler.Store(&handlerRef{h: h})
	return s
}

// SetHandler replaces the handler used for subsequent messages.
func (s *Subscriber) SetHandler(h Handler) {
	s.handler.Store(&handlerRef{h: h})
}

// Start hooks the source's status and subscribes at once if already
// connected. ctx is passed to handler calls.
func (s *Subscriber) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx = ctx
	s.mu.Unlock()

	s.src.OnStatus(s.onStatus)
	if s.src.IsConnected() {
		s.onStatus(true)
	}
}

// Stop tears down all subscriptions and ignores later status changes.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.teardown()
}

// Active returns the number of live subscriptions.
func (s *Subscriber) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unsubs)
}

func (s *Subscriber) onStatus(connected bool) {
	if connected {
		s.subscribeAll()
		return
	}
	s.teardown()
}

func (s *Subscriber) subscribeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || len(s.unsubs) > 0 {
		return
	}
	for _, ch := range Channels {
		channel := ch
		s.unsubs = append(s.unsubs, s.src.Subscribe(channel, func(payload json.RawMessage) {
			s.deliver(channel, payload)
		}))
	}
	s.logger.Debug().Int("channels", len(s.unsubs)).Msg("Subscribed")
}

func (s *Subscriber) teardown() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if len(unsubs) > 0 {
		s.logger.Debug().Int("channels", len(unsubs)).Msg("Subscriptions torn down")
	}
}

func (s *Subscriber) deliver(channel string, payload json.RawMessage) {
	msg, err := Decode(channel, payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("channel", channel).Msg("Dropping malformed realtime payload")
		s.metrics.RecordRealtime(channel, "invalid")
		return
	}
	ref := s.handler.Load()
	if ref == nil || ref.h == nil {
		return
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	Dispatch(ctx, ref.h, msg)
	s.metrics.RecordRealtime(channel, "delivered")
}
