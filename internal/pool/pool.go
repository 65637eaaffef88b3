package pool

import (
	"context"
	"log/slog"
	"time"

	"github.com/wareflow/realtime-go/internal/transport"
)

// entry is one logical subscription multiplexed over the pool's connection.
// The frame is the ready-to-send subscribe command, kept so reconnection can
// replay it without consumer involvement.
type entry struct {
	id    string
	frame []byte
}

// Pool owns one persistent connection for a scoping key and every
// subscription multiplexed over it.
type Pool struct {
	key    string
	m      *Manager
	logger *slog.Logger

	// All fields below are guarded by m.mu; the manager owns the lock so
	// reconnect, teardown, and subscription changes cannot interleave.
	client   transport.Client
	status   Status
	attempts int
	lastErr  error
	entries  []*entry
	index    map[string]*entry
	closed   bool

	reconnecting  bool
	cancelAttempt context.CancelFunc // cancels an in-flight backoff wait or dial
	teardownT     *time.Timer

	gen int // connection generation, guards stale watch loops
}

func newPool(key string, m *Manager) *Pool {
	return &Pool{
		key:    key,
		m:      m,
		logger: m.logger.With("pool", key),
		status: StatusConnecting,
		index:  make(map[string]*entry),
	}
}

// Key returns the pool's scoping key.
func (p *Pool) Key() string {
	return p.key
}

// Status returns the pool's current connection status.
func (p *Pool) Status() Status {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	return p.status
}

// LastError returns the most recent connection error, if any.
func (p *Pool) LastError() error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	return p.lastErr
}

// SubscriptionCount returns the number of active subscriptions.
func (p *Pool) SubscriptionCount() int {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	return len(p.entries)
}

// AddSubscription registers a subscription and, if connected, sends its
// subscribe frame. A pending idle teardown is cancelled. The entry is kept
// across reconnects until RemoveSubscription.
func (p *Pool) AddSubscription(id string, frame []byte) error {
	p.m.mu.Lock()
	if p.closed {
		p.m.mu.Unlock()
		return ErrPoolClosed
	}
	if _, ok := p.index[id]; ok {
		p.m.mu.Unlock()
		return nil
	}

	e := &entry{id: id, frame: frame}
	p.entries = append(p.entries, e)
	p.index[id] = e
	p.cancelTeardownLocked()

	client := p.client
	connected := p.status == StatusConnected

	// A disconnected pool starts recovering as soon as it has something to
	// recover. Terminal pools stay down until a manual reconnect.
	needKick := p.status == StatusDisconnected && !p.reconnecting
	if needKick {
		p.reconnecting = true
	}
	p.m.mu.Unlock()

	if needKick {
		p.m.wg.Add(1)
		go func() {
			defer p.m.wg.Done()
			p.reconnectLoop(p.m.ctx, false)
		}()
	}

	if connected {
		if err := client.Send(frame); err != nil {
			// Not fatal: the transport error surfaces on the error channel
			// and the entry is replayed after reconnect.
			p.logger.Warn("subscribe send failed", "sub_id", id, "error", err)
		}
	}

	return nil
}

// RemoveSubscription drops a subscription, sending a server-side complete
// when connected. When the last subscription goes, an idle teardown is
// scheduled for non-default pools.
func (p *Pool) RemoveSubscription(id string, completeFrame []byte) {
	p.m.mu.Lock()
	e, ok := p.index[id]
	if !ok {
		p.m.mu.Unlock()
		return
	}
	delete(p.index, id)
	for i, other := range p.entries {
		if other == e {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			break
		}
	}

	client := p.client
	connected := p.status == StatusConnected
	empty := len(p.entries) == 0
	if empty && !p.closed {
		p.scheduleTeardownLocked()
	}
	p.m.mu.Unlock()

	if connected && completeFrame != nil {
		if err := client.Send(completeFrame); err != nil {
			p.logger.Warn("unsubscribe send failed", "sub_id", id, "error", err)
		}
	}
}

// connectOnce dials a fresh connection and, on success, replays every
// subscription in insertion order. Caller must not hold m.mu.
func (p *Pool) connectOnce(ctx context.Context) error {
	client := transport.NewClient(transport.ClientConfig{
		URL:          p.m.cfg.URL,
		Params:       p.m.cfg.Params,
		PingTimeout:  p.m.cfg.PingTimeout,
		WriteTimeout: p.m.cfg.WriteTimeout,
		BufferSize:   p.m.cfg.MessageBufferSize,
	}, p.logger)

	if err := client.Connect(ctx); err != nil {
		client.Close()
		return err
	}

	p.m.mu.Lock()
	if p.closed {
		p.m.mu.Unlock()
		client.Close()
		return ErrPoolClosed
	}
	if p.client != nil {
		p.client.Close()
	}
	p.client = client
	p.gen++
	gen := p.gen
	p.attempts = 0
	p.lastErr = nil
	p.reconnecting = false
	p.setStatusLocked(StatusConnected)

	frames := make([][]byte, 0, len(p.entries))
	for _, e := range p.entries {
		frames = append(frames, e.frame)
	}

	// Reconnect success either clears a pending idle teardown or re-arms
	// it when the pool came back with nothing subscribed.
	p.cancelTeardownLocked()
	if len(p.entries) == 0 && p.key != p.m.cfg.DefaultKey {
		p.scheduleTeardownLocked()
	}
	p.m.mu.Unlock()

	go p.watchLoop(gen, client)

	for _, frame := range frames {
		if err := client.Send(frame); err != nil {
			p.logger.Warn("resubscribe send failed", "error", err)
			break
		}
	}

	p.logger.Info("pool connected", "subscriptions", len(frames))
	return nil
}

// watchLoop forwards inbound frames and hands connection failures to the
// reconnect machinery. One loop runs per connection generation.
func (p *Pool) watchLoop(gen int, client transport.Client) {
	for {
		select {
		case <-p.m.ctx.Done():
			return

		case err := <-client.Errors():
			p.onChannelError(gen, err)
			return

		case msg, ok := <-client.Messages():
			if !ok {
				p.onChannelError(gen, transport.ErrNotConnected)
				return
			}
			if h := p.m.messageHandler(); h != nil {
				h(p.key, msg)
			}
		}
	}
}

// onChannelError routes a channel failure into reconnection. Channel errors
// are never fatal; only exhausting the attempt budget is.
func (p *Pool) onChannelError(gen int, err error) {
	p.m.mu.Lock()
	if p.closed || gen != p.gen {
		p.m.mu.Unlock()
		return
	}

	p.lastErr = err
	p.setStatusLocked(StatusDisconnected)
	p.logger.Warn("connection lost", "error", err)

	if len(p.entries) == 0 {
		// Nothing to recover; leave the pool idle (teardown already armed
		// for non-default pools).
		p.m.mu.Unlock()
		return
	}

	if p.reconnecting {
		p.m.mu.Unlock()
		return
	}
	p.reconnecting = true
	p.m.mu.Unlock()

	p.m.wg.Add(1)
	go func() {
		defer p.m.wg.Done()
		p.reconnectLoop(p.m.ctx, false)
	}()
}

// reconnectLoop retries the connection with exponential backoff until it
// succeeds or the attempt budget is exhausted. With reset, the attempt
// counter starts from zero (manual reconnect).
func (p *Pool) reconnectLoop(ctx context.Context, reset bool) {
	p.m.mu.Lock()
	if reset {
		p.attempts = 0
	}
	p.setStatusLocked(StatusReconnecting)
	attemptCtx, cancel := context.WithCancel(ctx)
	p.cancelAttempt = cancel
	p.m.mu.Unlock()

	defer cancel()

	for {
		p.m.mu.Lock()
		if p.closed {
			p.reconnecting = false
			p.m.mu.Unlock()
			return
		}
		if p.attempts >= p.m.cfg.MaxReconnectAttempts {
			p.reconnecting = false
			p.lastErr = ErrMaxRetriesExceeded
			p.setStatusLocked(StatusError)
			p.m.mu.Unlock()

			p.logger.Error("reconnect attempts exhausted",
				"attempts", p.m.cfg.MaxReconnectAttempts,
			)
			if h := p.m.terminalHandlerFn(); h != nil {
				h(p.key, ErrMaxRetriesExceeded)
			}
			return
		}
		wait := backoff(p.m.cfg.ReconnectBaseDelay, p.m.cfg.ReconnectMaxDelay, p.attempts)
		p.attempts++
		attempt := p.attempts
		p.m.mu.Unlock()

		p.logger.Info("reconnect scheduled", "attempt", attempt, "wait", wait)

		select {
		case <-attemptCtx.Done():
			p.m.mu.Lock()
			p.reconnecting = false
			p.m.mu.Unlock()
			return
		case <-time.After(wait):
		}

		if err := p.connectOnce(attemptCtx); err != nil {
			p.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			p.m.mu.Lock()
			p.lastErr = err
			p.m.mu.Unlock()
			continue
		}
		return
	}
}

// forceReconnect disposes the current connection and dials immediately,
// regardless of the attempt counter. Used by the manual global reconnect.
// On failure the regular backoff loop takes over in the background.
func (p *Pool) forceReconnect(ctx context.Context) error {
	p.m.mu.Lock()
	if p.closed {
		p.m.mu.Unlock()
		return ErrPoolClosed
	}
	if p.cancelAttempt != nil {
		p.cancelAttempt()
		p.cancelAttempt = nil
	}
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
	p.gen++
	p.attempts = 0
	p.reconnecting = true
	p.setStatusLocked(StatusConnecting)
	p.m.mu.Unlock()

	err := p.connectOnce(ctx)
	if err != nil && !p.isClosed() {
		p.m.mu.Lock()
		p.lastErr = err
		p.attempts = 1
		p.m.mu.Unlock()

		p.m.wg.Add(1)
		go func() {
			defer p.m.wg.Done()
			p.reconnectLoop(p.m.ctx, false)
		}()
	}
	return err
}

func (p *Pool) isClosed() bool {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	return p.closed
}

// setStatusLocked updates status and notifies watchers on actual
// transitions. Caller holds m.mu.
func (p *Pool) setStatusLocked(s Status) {
	if p.status == s {
		return
	}
	p.status = s
	p.m.notifyStatusLocked(p.key, s)
}

// scheduleTeardownLocked arms the idle teardown timer for a non-default pool
// with no subscriptions. Caller holds m.mu.
func (p *Pool) scheduleTeardownLocked() {
	if p.key == p.m.cfg.DefaultKey {
		return
	}
	if p.teardownT != nil {
		p.teardownT.Stop()
	}
	p.teardownT = time.AfterFunc(p.m.cfg.IdleTeardownGrace, func() {
		p.m.teardown(p)
	})
	p.logger.Debug("idle teardown scheduled", "grace", p.m.cfg.IdleTeardownGrace)
}

// cancelTeardownLocked cancels a pending idle teardown. Caller holds m.mu.
func (p *Pool) cancelTeardownLocked() {
	if p.teardownT != nil {
		p.teardownT.Stop()
		p.teardownT = nil
	}
}

// closeLocked disposes the pool's connection and timers. Caller holds m.mu.
func (p *Pool) closeLocked() {
	if p.closed {
		return
	}
	p.closed = true
	p.cancelTeardownLocked()
	if p.cancelAttempt != nil {
		p.cancelAttempt()
		p.cancelAttempt = nil
	}
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
	p.setStatusLocked(StatusDisconnected)
}

// backoff computes min(base * 2^attempts, max).
func backoff(base, max time.Duration, attempts int) time.Duration {
	wait := base << uint(attempts)
	if wait > max || wait <= 0 {
		return max
	}
	return wait
}
