// Package realtime connects to the backend's push channel, decodes the
// access-control messages published there and routes them to a Handler.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/access-agent/internal/metrics"
	"github.com/p-blackswan/access-agent/internal/retry"
)

// Config holds push channel configuration.
type Config struct {
	// URL is the WebSocket endpoint, e.g. "wss://backend/ws".
	URL string

	// ReconnectInterval is the first delay after a lost connection.
	ReconnectInterval time.Duration

	// MaxReconnectInterval caps the exponential backoff.
	MaxReconnectInterval time.Duration

	// HandshakeTimeout bounds the WebSocket upgrade.
	HandshakeTimeout time.Duration
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectInterval:    1 * time.Second,
		MaxReconnectInterval: 30 * time.Second,
		HandshakeTimeout:     10 * time.Second,
	}
}

// Authenticator applies credentials to the upgrade request.
type Authenticator interface {
	Apply(req *http.Request) error
}

// frame is the wire format in both directions.
type frame struct {
	Type    string          `json:"type"` // "subscribe", "unsubscribe", "event"
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscription struct {
	id uint64
	fn func(json.RawMessage)
}

// Client is a reconnecting WebSocket client with named channel
// subscriptions.
type Client struct {
	cfg     Config
	auth    Authenticator
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	subs      map[string][]subscription
	nextID    uint64
	statusFns []func(bool)

	writeMu   sync.Mutex
	connected atomic.Bool
	attempts  atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates a push channel client. auth may be nil.
func NewClient(cfg Config, auth Authenticator, m *metrics.Metrics, logger zerolog.Logger) *Client {
	def := DefaultConfig()
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = def.MaxReconnectInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	return &Client{
		cfg:     cfg,
		auth:    auth,
		metrics: m,
		subs:    make(map[string][]subscription),
		logger:  logger.With().Str("component", "realtime").Logger(),
	}
}

// OnStatus registers fn to be called on every connect and disconnect.
// fn runs on the connection goroutine and must not block.
func (c *Client) OnStatus(fn func(connected bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusFns = append(c.statusFns, fn)
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Subscribe registers fn for channel and returns a function that removes it.
// The server is told about a channel when its first handler is added and
// when its last handler is removed.
func (c *Client) Subscribe(channel string, fn func(payload json.RawMessage)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	first := len(c.subs[channel]) == 0
	c.subs[channel] = append(c.subs[channel], subscription{id: id, fn: fn})
	c.mu.Unlock()

	if first && c.IsConnected() {
		c.send(frame{Type: "subscribe", Channel: channel})
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(channel, id) })
	}
}

func (c *Client) unsubscribe(channel string, id uint64) {
	c.mu.Lock()
	list := c.subs[channel]
	for i, s := range list {
		if s.id == id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	last := len(list) == 0
	if last {
		delete(c.subs, channel)
	} else {
		c.subs[channel] = list
	}
	c.mu.Unlock()

	if last && c.IsConnected() {
		c.send(frame{Type: "unsubscribe", Channel: channel})
	}
}

// Start runs the connect/read/reconnect loop until ctx is cancelled or Stop
// is called.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		c.run(ctx)
	}()
}

// Stop closes the connection and waits for the loop to exit.
func (c *Client) Stop() {
	if c.cancel == nil {
		return
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		c.writeMu.Unlock()
	}

	c.cancel()
	<-c.done
}

// ReconnectAttempts returns how many reconnect delays have been served.
func (c *Client) ReconnectAttempts() int64 {
	return c.attempts.Load()
}

func (c *Client) run(ctx context.Context) {
	backoff := retry.Config{BaseDelay: c.cfg.ReconnectInterval, MaxDelay: c.cfg.MaxReconnectInterval}
	attempt := 0
	for {
		err := c.connect(ctx)
		if err == nil {
			attempt = 0
			c.readLoop(ctx)
		} else if ctx.Err() == nil {
			c.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Realtime connect failed")
		}

		if ctx.Err() != nil {
			return
		}

		delay := retry.Delay(backoff, attempt)
		attempt++
		c.attempts.Add(1)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connect dials, announces existing subscriptions and flips the status.
func (c *Client) connect(ctx context.Context) error {
	header, err := c.authHeader(ctx)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("ws dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	channels := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	c.connected.Store(true)
	for _, ch := range channels {
		c.send(frame{Type: "subscribe", Channel: ch})
	}

	c.logger.Info().Str("url", c.cfg.URL).Msg("Realtime connected")
	c.setStatus(true)
	return nil
}

func (c *Client) authHeader(ctx context.Context) (http.Header, error) {
	if c.auth == nil {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building upgrade request: %w", err)
	}
	if err := c.auth.Apply(req); err != nil {
		return nil, fmt.Errorf("applying auth: %w", err)
	}
	return req.Header, nil
}

// readLoop reads frames until the connection drops.
func (c *Client) readLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	defer func() {
		close(stop)
		c.connected.Store(false)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
		c.setStatus(false)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, websocket.ErrCloseSent) {
				c.logger.Warn().Err(err).Msg("Realtime read error")
			}
			return
		}

		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.logger.Warn().Err(err).Msg("Realtime parse error")
			continue
		}
		if f.Type != "event" {
			c.logger.Trace().Str("type", f.Type).Str("channel", f.Channel).Msg("Frame ignored")
			continue
		}

		c.mu.Lock()
		handlers := append([]subscription(nil), c.subs[f.Channel]...)
		c.mu.Unlock()
		for _, s := range handlers {
			s.fn(f.Payload)
		}
	}
}

func (c *Client) send(f frame) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(f)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn().Err(err).Str("type", f.Type).Str("channel", f.Channel).Msg("Realtime write failed")
	}
}

func (c *Client) setStatus(connected bool) {
	c.metrics.SetRealtimeConnected(connected)

	c.mu.Lock()
	fns := append([]func(bool){}, c.statusFns...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}
