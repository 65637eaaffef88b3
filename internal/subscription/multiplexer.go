package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wareflow/realtime-go/internal/event"
	"github.com/wareflow/realtime-go/internal/pool"
	"github.com/wareflow/realtime-go/internal/transport"
)

// EventHook inspects a data payload before fan-out. Returning false drops
// the event for every listener. The cache synchronizer is wired in here.
type EventHook func(poolKey string, data json.RawMessage) bool

// listener is one attached consumer of a shared stream.
type listener struct {
	id     uuid.UUID
	policy ErrorPolicy
	fn     func(event.Result)
}

// stream is one server-side subscription shared by N listeners.
type stream struct {
	id      string
	poolKey string
	def     Definition
	vars    map[string]any

	listeners map[uuid.UUID]*listener
	lastData  *event.Result // retained for late attachers
}

type streamKey struct {
	poolKey string
	id      string
}

// Multiplexer deduplicates subscribe requests onto shared streams.
type Multiplexer struct {
	cfg    Config
	mgr    *pool.Manager
	logger *slog.Logger

	mu      sync.Mutex
	streams map[streamKey]*stream
	hook    EventHook
}

// NewMultiplexer creates a multiplexer over the pool manager and registers
// itself as the manager's frame and terminal-error handler.
func NewMultiplexer(cfg Config, mgr *pool.Manager, logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}

	mux := &Multiplexer{
		cfg:     cfg,
		mgr:     mgr,
		logger:  logger,
		streams: make(map[streamKey]*stream),
	}
	mgr.SetHandlers(mux.onMessage, mux.onTerminal)
	return mux
}

// SetEventHook wires the pre-fan-out filter/reconciliation hook.
func (x *Multiplexer) SetEventHook(hook EventHook) {
	x.mu.Lock()
	x.hook = hook
	x.mu.Unlock()
}

// Handle is one listener's attachment to a shared stream.
type Handle struct {
	// ID is the deterministic subscription identity.
	ID string

	mux        *Multiplexer
	key        streamKey
	listenerID uuid.UUID
	once       sync.Once
}

// Unsubscribe detaches this listener. The server-side subscription is
// cancelled only when the last listener detaches.
func (h *Handle) Unsubscribe() {
	h.once.Do(func() {
		h.mux.detach(h.key, h.listenerID)
	})
}

// Subscribe attaches fn to the shared stream for (definition, variables) on
// the pool selected by opts, creating the server-side subscription if this
// is the first listener. fn immediately receives a loading result, and the
// last delivered data when attaching to a warm stream.
func (x *Multiplexer) Subscribe(ctx context.Context, def Definition, variables map[string]any, opts Options, fn func(event.Result)) (*Handle, error) {
	id := ID(def.OperationName, variables)

	p, err := x.mgr.GetOrCreate(ctx, opts.PoolKey)
	if err != nil {
		return nil, fmt.Errorf("get pool: %w", err)
	}
	key := streamKey{poolKey: p.Key(), id: id}

	l := &listener{
		id:     uuid.New(),
		policy: opts.ErrorPolicy,
		fn:     fn,
	}

	x.mu.Lock()
	s, ok := x.streams[key]
	if !ok {
		s = &stream{
			id:        id,
			poolKey:   p.Key(),
			def:       def,
			vars:      variables,
			listeners: make(map[uuid.UUID]*listener),
		}
		x.streams[key] = s
	}
	s.listeners[l.id] = l
	replay := s.lastData
	x.mu.Unlock()

	if !ok {
		frame, err := subscribeFrame(id, def, variables)
		if err != nil {
			x.mu.Lock()
			delete(x.streams, key)
			x.mu.Unlock()
			return nil, err
		}
		if err := p.AddSubscription(id, frame); err != nil {
			x.mu.Lock()
			delete(x.streams, key)
			x.mu.Unlock()
			return nil, fmt.Errorf("add subscription: %w", err)
		}
		x.logger.Debug("subscription opened",
			"sub_id", id,
			"operation", def.OperationName,
			"pool", p.Key(),
		)
	}

	x.deliver(l, event.Result{Loading: true})
	if replay != nil {
		x.deliver(l, *replay)
	}

	return &Handle{ID: id, mux: x, key: key, listenerID: l.id}, nil
}

// ListenerCount returns the number of listeners attached to a subscription.
func (x *Multiplexer) ListenerCount(poolKey, id string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	s, ok := x.streams[streamKey{poolKey: poolKey, id: id}]
	if !ok {
		return 0
	}
	return len(s.listeners)
}

// StreamCount returns the number of shared streams on a pool.
func (x *Multiplexer) StreamCount(poolKey string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := 0
	for key := range x.streams {
		if key.poolKey == poolKey {
			n++
		}
	}
	return n
}

// detach removes a listener; the last one out cancels server-side.
func (x *Multiplexer) detach(key streamKey, listenerID uuid.UUID) {
	x.mu.Lock()
	s, ok := x.streams[key]
	if !ok {
		x.mu.Unlock()
		return
	}
	delete(s.listeners, listenerID)
	last := len(s.listeners) == 0
	if last {
		delete(x.streams, key)
	}
	x.mu.Unlock()

	if !last {
		return
	}

	if p, ok := x.mgr.Get(key.poolKey); ok {
		p.RemoveSubscription(key.id, completeFrame(key.id))
	}
	x.logger.Debug("subscription closed", "sub_id", key.id, "pool", key.poolKey)
}

// onMessage parses an inbound frame and fans it out to the owning stream.
func (x *Multiplexer) onMessage(poolKey string, msg transport.Message) {
	var frame event.Frame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		x.logger.Warn("unparseable frame", "pool", poolKey, "error", err)
		return
	}

	key := streamKey{poolKey: poolKey, id: frame.ID}

	switch frame.Type {
	case event.TypeData:
		var payload event.DataPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			x.logger.Warn("unparseable data payload", "sub_id", frame.ID, "error", err)
			return
		}
		if len(payload.Errors) > 0 {
			x.dispatchError(key, payload.Errors[0])
			return
		}
		x.dispatchData(key, poolKey, payload.Data)

	case event.TypeError:
		var gerr event.GatewayError
		if err := json.Unmarshal(frame.Payload, &gerr); err != nil {
			gerr = event.GatewayError{Message: string(frame.Payload)}
		}
		x.dispatchError(key, gerr)

	case event.TypeComplete:
		x.endStream(key, ErrStreamEnded)

	default:
		x.logger.Debug("skipping frame type", "type", frame.Type)
	}
}

// dispatchData runs the event hook, caches the result for late attachers,
// and delivers it to every listener in order.
func (x *Multiplexer) dispatchData(key streamKey, poolKey string, data json.RawMessage) {
	x.mu.Lock()
	hook := x.hook
	s, ok := x.streams[key]
	x.mu.Unlock()
	if !ok {
		return
	}

	if hook != nil && !hook(poolKey, data) {
		return
	}

	res := event.Result{Data: data}

	x.mu.Lock()
	s.lastData = &res
	listeners := snapshotListeners(s)
	x.mu.Unlock()

	for _, l := range listeners {
		x.deliver(l, res)
	}
}

// dispatchError applies each listener's error policy. A listener subscribed
// with ErrorPolicyNone terminates the stream for everyone; the error itself
// reaches each listener at most once.
func (x *Multiplexer) dispatchError(key streamKey, gerr event.GatewayError) {
	x.mu.Lock()
	s, ok := x.streams[key]
	if !ok {
		x.mu.Unlock()
		return
	}
	listeners := snapshotListeners(s)
	x.mu.Unlock()

	terminate := false
	for _, l := range listeners {
		switch l.policy {
		case ErrorPolicyIgnore:
			// dropped silently by explicit opt-in
		case ErrorPolicyNone:
			terminate = true
			x.deliver(l, event.Result{Err: gerr})
		default:
			x.deliver(l, event.Result{Err: gerr})
		}
	}

	if terminate {
		// Every listener already saw this error above, so tear down without
		// a second notification round.
		x.removeStream(key)
		x.logger.Info("stream ended", "sub_id", key.id, "pool", key.poolKey, "cause", gerr)
	}
}

// endStream tears a shared stream down, notifying every listener of cause.
func (x *Multiplexer) endStream(key streamKey, cause error) {
	listeners := x.removeStream(key)

	for _, l := range listeners {
		if l.policy == ErrorPolicyIgnore {
			continue
		}
		x.deliver(l, event.Result{Err: cause})
	}

	if listeners != nil {
		x.logger.Info("stream ended", "sub_id", key.id, "pool", key.poolKey, "cause", cause)
	}
}

// removeStream unregisters a stream and cancels it server-side, returning the
// listeners that were attached. Nil means the stream was already gone.
func (x *Multiplexer) removeStream(key streamKey) []*listener {
	x.mu.Lock()
	s, ok := x.streams[key]
	if !ok {
		x.mu.Unlock()
		return nil
	}
	delete(x.streams, key)
	listeners := snapshotListeners(s)
	x.mu.Unlock()

	if p, ok := x.mgr.Get(key.poolKey); ok {
		p.RemoveSubscription(key.id, nil)
	}
	return listeners
}

// onTerminal surfaces a pool's terminal failure to every stream it carried.
// Streams stay registered so a manual reconnect resumes them.
func (x *Multiplexer) onTerminal(poolKey string, cause error) {
	x.mu.Lock()
	var affected []*stream
	for key, s := range x.streams {
		if key.poolKey == poolKey {
			affected = append(affected, s)
		}
	}
	x.mu.Unlock()

	err := fmt.Errorf("%w: %w", ErrPoolFailed, cause)
	for _, s := range affected {
		x.mu.Lock()
		listeners := snapshotListeners(s)
		x.mu.Unlock()
		for _, l := range listeners {
			if l.policy == ErrorPolicyIgnore {
				continue
			}
			x.deliver(l, event.Result{Err: err})
		}
	}
}

// deliver invokes a listener callback, retrying with exponential backoff if
// the callback panics so one bad consumer never collapses the shared stream.
func (x *Multiplexer) deliver(l *listener, res event.Result) {
	for attempt := 0; ; attempt++ {
		if x.deliverOnce(l, res) {
			return
		}
		if attempt >= x.cfg.MaxDeliveryRetry {
			x.logger.Error("listener delivery failed, dropping event",
				"listener", l.id,
				"retries", attempt,
			)
			return
		}
		wait := x.cfg.DeliveryRetryBase << uint(attempt)
		if wait > x.cfg.DeliveryRetryMax || wait <= 0 {
			wait = x.cfg.DeliveryRetryMax
		}
		time.Sleep(wait)
	}
}

func (x *Multiplexer) deliverOnce(l *listener, res event.Result) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			x.logger.Warn("listener panicked", "listener", l.id, "panic", r)
			ok = false
		}
	}()
	l.fn(res)
	return true
}

func snapshotListeners(s *stream) []*listener {
	out := make([]*listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

// subscribeFrame builds the wire frame for a new server-side subscription.
func subscribeFrame(id string, def Definition, variables map[string]any) ([]byte, error) {
	payload, err := json.Marshal(event.SubscribePayload{
		Query:     def.Query,
		Variables: variables,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal subscribe payload: %w", err)
	}
	frame, err := json.Marshal(event.Frame{
		ID:      id,
		Type:    event.TypeSubscribe,
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal subscribe frame: %w", err)
	}
	return frame, nil
}

// completeFrame builds the wire frame cancelling a subscription.
func completeFrame(id string) []byte {
	frame, _ := json.Marshal(event.Frame{ID: id, Type: event.TypeComplete})
	return frame
}
