package pool

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Manager orchestrates one pool per scoping key.
//
// Start must be called before GetOrCreate. Handlers are registered once by
// the subscription layer before the first subscribe.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	pools map[string]*Pool

	onMessage  MessageHandler
	onTerminal TerminalHandler

	watchers    map[int]StatusHandler
	nextWatcher int

	// statusCh serializes status notifications so watchers always observe
	// transitions in order.
	statusCh chan statusEvent
}

type statusEvent struct {
	key    string
	status Status
}

// NewManager creates a pool manager.
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultKey == "" {
		cfg.DefaultKey = "default"
	}

	return &Manager{
		cfg:      cfg,
		logger:   logger,
		pools:    make(map[string]*Pool),
		watchers: make(map[int]StatusHandler),
		statusCh: make(chan statusEvent, 128),
	}
}

// SetHandlers wires the inbound frame handler and the terminal-error handler.
// Must be called before the first GetOrCreate.
func (m *Manager) SetHandlers(onMessage MessageHandler, onTerminal TerminalHandler) {
	m.mu.Lock()
	m.onMessage = onMessage
	m.onTerminal = onTerminal
	m.mu.Unlock()
}

// Start binds the manager's lifecycle context and begins status fan-out.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.statusLoop()

	m.logger.Info("pool manager started",
		"default_key", m.cfg.DefaultKey,
		"max_reconnect_attempts", m.cfg.MaxReconnectAttempts,
	)
	return nil
}

// Stop disposes every pool and waits for reconnect loops to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	for key, p := range m.pools {
		p.closeLocked()
		delete(m.pools, key)
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("pool manager stopped")
}

// GetOrCreate returns the pool for key, creating and connecting it lazily.
// An initial connect failure is not fatal: the pool is returned disconnected
// and recovers through the normal backoff path once it has subscriptions.
func (m *Manager) GetOrCreate(ctx context.Context, key string) (*Pool, error) {
	if key == "" {
		key = m.cfg.DefaultKey
	}

	m.mu.Lock()
	if p, ok := m.pools[key]; ok {
		p.cancelTeardownLocked()
		m.mu.Unlock()
		return p, nil
	}

	p := newPool(key, m)
	m.pools[key] = p
	m.notifyStatusLocked(key, StatusConnecting)
	m.mu.Unlock()

	m.logger.Info("creating pool", "key", key)

	if err := p.connectOnce(ctx); err != nil {
		m.logger.Warn("initial connect failed", "key", key, "error", err)
		m.mu.Lock()
		p.lastErr = err
		p.attempts = 1
		p.setStatusLocked(StatusDisconnected)
		// A pool that never connects and never gets a subscription must not
		// linger; the first AddSubscription cancels this.
		p.scheduleTeardownLocked()
		m.mu.Unlock()
		// Recovery is driven by the first AddSubscription + backoff loop.
	}

	return p, nil
}

// Get returns the pool for key without creating it.
func (m *Manager) Get(key string) (*Pool, bool) {
	if key == "" {
		key = m.cfg.DefaultKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[key]
	return p, ok
}

// Reconnect re-establishes every pool concurrently, resetting attempt
// counters. Used after an application-level connectivity-restored signal and
// on identity changes.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pools {
		p := p
		g.Go(func() error {
			return p.forceReconnect(gctx)
		})
	}
	return g.Wait()
}

// WatchStatus registers a deduplicated status observer across all pools.
// Current statuses are replayed immediately.
func (m *Manager) WatchStatus(fn StatusHandler) (cancel func()) {
	m.mu.Lock()
	id := m.nextWatcher
	m.nextWatcher++
	m.watchers[id] = fn
	current := make(map[string]Status, len(m.pools))
	for key, p := range m.pools {
		current[key] = p.status
	}
	m.mu.Unlock()

	for key, s := range current {
		fn(key, s)
	}

	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

// Stats returns aggregate pool statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := ManagerStats{TotalPools: len(m.pools)}
	for key, p := range m.pools {
		stats.TotalSubscriptions += len(p.entries)
		stats.Pools = append(stats.Pools, PoolStat{
			Key:               key,
			Status:            p.status.String(),
			Subscriptions:     len(p.entries),
			ReconnectAttempts: p.attempts,
		})
	}
	return stats
}

// teardown disposes an idle pool once its grace period elapsed. A subscribe
// or reconnect that arrived meanwhile cancels the disposal.
func (m *Manager) teardown(p *Pool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.closed || len(p.entries) > 0 || p.reconnecting {
		return
	}
	p.closeLocked()
	delete(m.pools, p.key)
	m.logger.Info("idle pool disposed", "key", p.key)
}

func (m *Manager) messageHandler() MessageHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onMessage
}

func (m *Manager) terminalHandlerFn() TerminalHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onTerminal
}

// notifyStatusLocked enqueues a status transition for ordered fan-out.
// Caller holds m.mu.
func (m *Manager) notifyStatusLocked(key string, s Status) {
	select {
	case m.statusCh <- statusEvent{key: key, status: s}:
	default:
		m.logger.Warn("status feed full, dropping transition", "key", key, "status", s.String())
	}
}

// statusLoop delivers status transitions to watchers in order.
func (m *Manager) statusLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-m.statusCh:
			m.mu.Lock()
			fns := make([]StatusHandler, 0, len(m.watchers))
			for _, fn := range m.watchers {
				fns = append(fns, fn)
			}
			m.mu.Unlock()

			for _, fn := range fns {
				fn(ev.key, ev.status)
			}
		}
	}
}
