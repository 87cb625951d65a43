package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockBackend is a push endpoint that records control frames and lets the
// test publish events or drop connections.
type mockBackend struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   []*websocket.Conn
	frames  []frame
	authHdr string
}

func newMockBackend(t *testing.T) *mockBackend {
	mb := &mockBackend{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	mb.server = httptest.NewServer(http.HandlerFunc(mb.handleWS))
	t.Cleanup(mb.close)
	return mb
}

func (mb *mockBackend) url() string {
	return "ws" + strings.TrimPrefix(mb.server.URL, "http") + "/ws"
}

func (mb *mockBackend) close() {
	mb.dropAll()
	mb.server.Close()
}

func (mb *mockBackend) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := mb.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	mb.mu.Lock()
	mb.conns = append(mb.conns, conn)
	mb.authHdr = r.Header.Get("Authorization")
	mb.mu.Unlock()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		mb.mu.Lock()
		mb.frames = append(mb.frames, f)
		mb.mu.Unlock()
	}
}

func (mb *mockBackend) publish(channel, payload string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for _, c := range mb.conns {
		_ = c.WriteJSON(frame{Type: "event", Channel: channel, Payload: json.RawMessage(payload)})
	}
}

func (mb *mockBackend) dropAll() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for _, c := range mb.conns {
		c.Close()
	}
	mb.conns = nil
}

func (mb *mockBackend) subscribed(channel string) int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	n := 0
	for _, f := range mb.frames {
		if f.Channel != channel {
			continue
		}
		switch f.Type {
		case "subscribe":
			n++
		case "unsubscribe":
			n--
		}
	}
	return n
}

func (mb *mockBackend) connCount() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.conns)
}

type bearer string

func (b bearer) Apply(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+string(b))
	return nil
}

func fastConfig(url string) Config {
	return Config{URL: url, ReconnectInterval: 10 * time.Millisecond, MaxReconnectInterval: 50 * time.Millisecond}
}

func TestClient_SubscribeAndReceive(t *testing.T) {
	mb := newMockBackend(t)
	c := NewClient(fastConfig(mb.url()), bearer("tok"), nil, zerolog.Nop())

	got := make(chan json.RawMessage, 1)
	unsub := c.Subscribe(ChannelPointUpdated, func(p json.RawMessage) { got <- p })

	c.Start(context.Background())
	defer c.Stop()

	require.Eventually(t, c.IsConnected, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return mb.subscribed(ChannelPointUpdated) == 1 }, 2*time.Second, 5*time.Millisecond)

	mb.mu.Lock()
	assert.Equal(t, "Bearer tok", mb.authHdr)
	mb.mu.Unlock()

	mb.publish(ChannelPointUpdated, `{"point":{"id":"p1"}}`)
	select {
	case p := <-got:
		assert.JSONEq(t, `{"point":{"id":"p1"}}`, string(p))
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	unsub()
	require.Eventually(t, func() bool { return mb.subscribed(ChannelPointUpdated) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestClient_ReconnectsAndReportsStatus(t *testing.T) {
	mb := newMockBackend(t)
	c := NewClient(fastConfig(mb.url()), nil, nil, zerolog.Nop())

	var ups, downs atomic.Int32
	c.OnStatus(func(connected bool) {
		if connected {
			ups.Add(1)
		} else {
			downs.Add(1)
		}
	})

	c.Start(context.Background())
	defer c.Stop()

	require.Eventually(t, func() bool { return ups.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	mb.dropAll()
	require.Eventually(t, func() bool { return downs.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return ups.Load() >= 2 && mb.connCount() >= 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.IsConnected())
	assert.GreaterOrEqual(t, c.ReconnectAttempts(), int64(1))
}

func TestClient_WithSubscriberEndToEnd(t *testing.T) {
	mb := newMockBackend(t)
	c := NewClient(fastConfig(mb.url()), nil, nil, zerolog.Nop())

	h := &syncHandler{}
	s := NewSubscriber(c, h, nil, zerolog.Nop())
	s.Start(context.Background())

	c.Start(context.Background())
	defer c.Stop()

	for _, ch := range Channels {
		channel := ch
		require.Eventually(t, func() bool { return mb.subscribed(channel) == 1 }, 2*time.Second, 5*time.Millisecond)
	}

	mb.publish(ChannelHeldOpenAlarm, `{"accessPointId":"p7","duration":60,"severity":"warning"}`)
	require.Eventually(t, func() bool { return h.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestClient_StopWithoutConnection(t *testing.T) {
	c := NewClient(fastConfig("ws://127.0.0.1:1/ws"), nil, nil, zerolog.Nop())
	c.Start(context.Background())
	time.Sleep(30 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.False(t, c.IsConnected())
}

type syncHandler struct {
	mu sync.Mutex
	recordingHandler
}

func (s *syncHandler) OnHeldOpenAlarm(ctx context.Context, m HeldOpenAlarm) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordingHandler.OnHeldOpenAlarm(ctx, m)
}

func (s *syncHandler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}
