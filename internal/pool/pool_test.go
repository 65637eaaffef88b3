package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wareflow/realtime-go/internal/transport"
)

// gatewayServer is a mock event gateway that records every frame it receives,
// per connection, and lets tests drop connections to exercise reconnection.
type gatewayServer struct {
	t      *testing.T
	server *httptest.Server

	mu     sync.Mutex
	conns  []*websocket.Conn
	frames [][]string
}

func newGatewayServer(t *testing.T) *gatewayServer {
	g := &gatewayServer{t: t}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}

		g.mu.Lock()
		idx := len(g.conns)
		g.conns = append(g.conns, conn)
		g.frames = append(g.frames, nil)
		g.mu.Unlock()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			g.mu.Lock()
			g.frames[idx] = append(g.frames[idx], string(msg))
			g.mu.Unlock()
		}
	}))

	t.Cleanup(g.server.Close)
	return g
}

func (g *gatewayServer) url() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

func (g *gatewayServer) connCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func (g *gatewayServer) framesOn(i int) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if i >= len(g.frames) {
		return nil
	}
	return append([]string(nil), g.frames[i]...)
}

func (g *gatewayServer) send(i int, frame string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conns[i].WriteMessage(websocket.TextMessage, []byte(frame))
}

func (g *gatewayServer) dropConn(i int) {
	g.mu.Lock()
	conn := g.conns[i]
	g.mu.Unlock()
	conn.Close()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testManagerConfig(url string) ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.URL = url
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 100 * time.Millisecond
	cfg.MaxReconnectAttempts = 5
	cfg.IdleTeardownGrace = 60 * time.Millisecond
	cfg.WriteTimeout = time.Second
	cfg.MessageBufferSize = 100
	return cfg
}

func startManager(t *testing.T, cfg ManagerConfig) *Manager {
	m := NewManager(cfg, quietLogger())
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m
}

func TestBackoff(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // 32s capped
		{10, 30 * time.Second},
		{63, 30 * time.Second}, // shift overflow falls back to cap
	}

	for _, tt := range tests {
		if got := backoff(base, max, tt.attempts); got != tt.want {
			t.Errorf("backoff(1s, 30s, %d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusDisconnected, "disconnected"},
		{StatusReconnecting, "reconnecting"},
		{StatusError, "error"},
		{Status(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestManager_ConnectAndSubscribe(t *testing.T) {
	gw := newGatewayServer(t)
	m := startManager(t, testManagerConfig(gw.url()))

	p, err := m.GetOrCreate(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, p.Status())
	assert.Equal(t, "tenant-1", p.Key())

	frame := `{"id":"sub-1","type":"subscribe"}`
	require.NoError(t, p.AddSubscription("sub-1", []byte(frame)))
	assert.Equal(t, 1, p.SubscriptionCount())

	require.Eventually(t, func() bool {
		return len(gw.framesOn(0)) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, frame, gw.framesOn(0)[0])

	// Re-adding the same id is a no-op.
	require.NoError(t, p.AddSubscription("sub-1", []byte(frame)))
	assert.Equal(t, 1, p.SubscriptionCount())
}

func TestManager_EmptyKeyUsesDefault(t *testing.T) {
	gw := newGatewayServer(t)
	m := startManager(t, testManagerConfig(gw.url()))

	p, err := m.GetOrCreate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "default", p.Key())

	same, ok := m.Get("")
	require.True(t, ok)
	assert.Same(t, p, same)
}

func TestPool_ReplaysSubscriptionsOnReconnect(t *testing.T) {
	gw := newGatewayServer(t)
	m := startManager(t, testManagerConfig(gw.url()))

	p, err := m.GetOrCreate(context.Background(), "tenant-1")
	require.NoError(t, err)

	ids := []string{"sub-1", "sub-2", "sub-3"}
	frames := []string{
		`{"id":"sub-1","type":"subscribe"}`,
		`{"id":"sub-2","type":"subscribe"}`,
		`{"id":"sub-3","type":"subscribe"}`,
	}
	for i, frame := range frames {
		require.NoError(t, p.AddSubscription(ids[i], []byte(frame)))
	}

	require.Eventually(t, func() bool {
		return len(gw.framesOn(0)) == len(frames)
	}, time.Second, 10*time.Millisecond)

	gw.dropConn(0)

	// The pool reconnects and replays every subscribe frame in order.
	require.Eventually(t, func() bool {
		return gw.connCount() == 2 && len(gw.framesOn(1)) == len(frames)
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, frames, gw.framesOn(1))
	assert.Equal(t, StatusConnected, p.Status())
	assert.Equal(t, 0, poolAttempts(p))
}

func poolAttempts(p *Pool) int {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	return p.attempts
}

func TestPool_NoReconnectWithoutSubscriptions(t *testing.T) {
	gw := newGatewayServer(t)
	cfg := testManagerConfig(gw.url())
	cfg.IdleTeardownGrace = time.Hour // keep the pool around
	m := startManager(t, cfg)

	p, err := m.GetOrCreate(context.Background(), "tenant-1")
	require.NoError(t, err)

	gw.dropConn(0)

	require.Eventually(t, func() bool {
		return p.Status() == StatusDisconnected
	}, time.Second, 10*time.Millisecond)

	// No subscriptions, so no reconnect attempt is made.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, gw.connCount())
	assert.Equal(t, StatusDisconnected, p.Status())
}

func TestPool_SubscribeKicksDisconnectedPool(t *testing.T) {
	gw := newGatewayServer(t)
	cfg := testManagerConfig(gw.url())
	cfg.IdleTeardownGrace = time.Hour
	m := startManager(t, cfg)

	p, err := m.GetOrCreate(context.Background(), "tenant-1")
	require.NoError(t, err)

	gw.dropConn(0)
	require.Eventually(t, func() bool {
		return p.Status() == StatusDisconnected
	}, time.Second, 10*time.Millisecond)

	frame := `{"id":"sub-1","type":"subscribe"}`
	require.NoError(t, p.AddSubscription("sub-1", []byte(frame)))

	require.Eventually(t, func() bool {
		return gw.connCount() == 2 && len(gw.framesOn(1)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, frame, gw.framesOn(1)[0])
	assert.Equal(t, StatusConnected, p.Status())
}

func TestPool_MaxRetriesTerminal(t *testing.T) {
	cfg := testManagerConfig("ws://127.0.0.1:1") // nothing listens here
	cfg.MaxReconnectAttempts = 2
	cfg.ReconnectBaseDelay = 5 * time.Millisecond
	cfg.ReconnectMaxDelay = 20 * time.Millisecond
	m := startManager(t, cfg)

	var mu sync.Mutex
	var terminalKey string
	var terminalErr error
	m.SetHandlers(nil, func(key string, err error) {
		mu.Lock()
		terminalKey, terminalErr = key, err
		mu.Unlock()
	})

	p, err := m.GetOrCreate(context.Background(), "tenant-1")
	require.NoError(t, err, "initial connect failure is not fatal")
	assert.Equal(t, StatusDisconnected, p.Status())

	// The first subscription kicks the backoff loop, which exhausts its budget.
	require.NoError(t, p.AddSubscription("sub-1", []byte(`{"id":"sub-1","type":"subscribe"}`)))

	require.Eventually(t, func() bool {
		return p.Status() == StatusError
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "tenant-1", terminalKey)
	assert.ErrorIs(t, terminalErr, ErrMaxRetriesExceeded)
	mu.Unlock()
	assert.ErrorIs(t, p.LastError(), ErrMaxRetriesExceeded)

	// Terminal pools stay down; a new subscription does not restart the loop.
	require.NoError(t, p.AddSubscription("sub-2", []byte(`{"id":"sub-2","type":"subscribe"}`)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatusError, p.Status())
}

func TestManager_ReconnectDialsFresh(t *testing.T) {
	gw := newGatewayServer(t)
	cfg := testManagerConfig(gw.url())
	m := startManager(t, cfg)

	p, err := m.GetOrCreate(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.NoError(t, p.AddSubscription("sub-1", []byte(`{"id":"sub-1","type":"subscribe"}`)))

	require.NoError(t, m.Reconnect(context.Background()))

	// A fresh connection was dialed and the subscription replayed.
	require.Eventually(t, func() bool {
		return gw.connCount() == 2 && len(gw.framesOn(1)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StatusConnected, p.Status())
	assert.Equal(t, 0, poolAttempts(p))
}

func TestManager_IdleTeardown(t *testing.T) {
	gw := newGatewayServer(t)
	m := startManager(t, testManagerConfig(gw.url()))

	p, err := m.GetOrCreate(context.Background(), "tenant-1")
	require.NoError(t, err)

	require.NoError(t, p.AddSubscription("sub-1", []byte(`{"id":"sub-1","type":"subscribe"}`)))
	p.RemoveSubscription("sub-1", []byte(`{"id":"sub-1","type":"complete"}`))

	require.Eventually(t, func() bool {
		_, ok := m.Get("tenant-1")
		return !ok
	}, time.Second, 10*time.Millisecond, "empty non-default pool should be disposed after the grace period")
}

func TestManager_IdleTeardownCancelledByResubscribe(t *testing.T) {
	gw := newGatewayServer(t)
	m := startManager(t, testManagerConfig(gw.url()))

	p, err := m.GetOrCreate(context.Background(), "tenant-1")
	require.NoError(t, err)

	require.NoError(t, p.AddSubscription("sub-1", []byte(`{"id":"sub-1","type":"subscribe"}`)))
	p.RemoveSubscription("sub-1", nil)

	// Resubscribe before the grace elapses.
	require.NoError(t, p.AddSubscription("sub-2", []byte(`{"id":"sub-2","type":"subscribe"}`)))

	time.Sleep(150 * time.Millisecond)
	_, ok := m.Get("tenant-1")
	assert.True(t, ok, "pool with a live subscription must survive the grace period")
}

func TestManager_IdleTeardownAfterInitialConnectFailure(t *testing.T) {
	cfg := testManagerConfig("ws://127.0.0.1:1") // nothing listens here
	m := startManager(t, cfg)

	_, err := m.GetOrCreate(context.Background(), "tenant-1")
	require.NoError(t, err)

	// Never-connected, never-subscribed pools must not linger forever.
	require.Eventually(t, func() bool {
		_, ok := m.Get("tenant-1")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestManager_DefaultPoolNeverTornDown(t *testing.T) {
	gw := newGatewayServer(t)
	m := startManager(t, testManagerConfig(gw.url()))

	p, err := m.GetOrCreate(context.Background(), "default")
	require.NoError(t, err)

	require.NoError(t, p.AddSubscription("sub-1", []byte(`{"id":"sub-1","type":"subscribe"}`)))
	p.RemoveSubscription("sub-1", nil)

	time.Sleep(150 * time.Millisecond)
	_, ok := m.Get("default")
	assert.True(t, ok)
}

func TestManager_MessageHandler(t *testing.T) {
	gw := newGatewayServer(t)
	m := startManager(t, testManagerConfig(gw.url()))

	var mu sync.Mutex
	var gotKey string
	var gotData []byte
	m.SetHandlers(func(key string, msg transport.Message) {
		mu.Lock()
		gotKey = key
		gotData = msg.Data
		mu.Unlock()
	}, nil)

	_, err := m.GetOrCreate(context.Background(), "tenant-1")
	require.NoError(t, err)

	frame := `{"id":"sub-1","type":"data","payload":{"data":{}}}`
	require.NoError(t, gw.send(0, frame))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotKey == "tenant-1" && string(gotData) == frame
	}, time.Second, 10*time.Millisecond)
}

func TestManager_WatchStatus(t *testing.T) {
	gw := newGatewayServer(t)
	cfg := testManagerConfig(gw.url())
	cfg.IdleTeardownGrace = time.Hour
	m := startManager(t, cfg)

	_, err := m.GetOrCreate(context.Background(), "tenant-1")
	require.NoError(t, err)

	// Let the connect transitions drain before attaching the watcher.
	time.Sleep(50 * time.Millisecond)

	var mu sync.Mutex
	var seen []Status
	cancel := m.WatchStatus(func(key string, s Status) {
		if key != "tenant-1" {
			return
		}
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	defer cancel()

	mu.Lock()
	require.NotEmpty(t, seen, "current status is replayed on watch")
	assert.Equal(t, StatusConnected, seen[0])
	mu.Unlock()

	gw.dropConn(0)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 2 && seen[len(seen)-1] == StatusDisconnected
	}, time.Second, 10*time.Millisecond)
}

func TestManager_Stats(t *testing.T) {
	gw := newGatewayServer(t)
	m := startManager(t, testManagerConfig(gw.url()))

	p1, err := m.GetOrCreate(context.Background(), "tenant-1")
	require.NoError(t, err)
	p2, err := m.GetOrCreate(context.Background(), "tenant-2")
	require.NoError(t, err)

	require.NoError(t, p1.AddSubscription("sub-1", []byte(`{"id":"sub-1","type":"subscribe"}`)))
	require.NoError(t, p1.AddSubscription("sub-2", []byte(`{"id":"sub-2","type":"subscribe"}`)))
	require.NoError(t, p2.AddSubscription("sub-3", []byte(`{"id":"sub-3","type":"subscribe"}`)))

	stats := m.Stats()
	assert.Equal(t, 2, stats.TotalPools)
	assert.Equal(t, 3, stats.TotalSubscriptions)
	assert.Len(t, stats.Pools, 2)
}

func TestPool_AddSubscriptionAfterClose(t *testing.T) {
	gw := newGatewayServer(t)
	cfg := testManagerConfig(gw.url())
	m := NewManager(cfg, quietLogger())
	require.NoError(t, m.Start(context.Background()))

	p, err := m.GetOrCreate(context.Background(), "tenant-1")
	require.NoError(t, err)

	m.Stop()

	err = p.AddSubscription("sub-1", []byte(`{"id":"sub-1","type":"subscribe"}`))
	assert.True(t, errors.Is(err, ErrPoolClosed))
}
