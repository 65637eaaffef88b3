package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/wareflow/realtime-go/internal/cache"
	"github.com/wareflow/realtime-go/internal/event"
	"github.com/wareflow/realtime-go/internal/pool"
	"github.com/wareflow/realtime-go/internal/subscription"
)

// SubscribeOptions configure one Subscribe call.
type SubscribeOptions struct {
	Variables   map[string]any
	PoolKey     string // scoping key, empty = default pool
	Skip        bool   // register nothing; handle stays inert
	ErrorPolicy subscription.ErrorPolicy

	// Advisory subscribe-time access requirements, re-checked per event.
	Feature    string
	Permission string

	OnData         func(json.RawMessage)
	OnError        func(error)
	OnStatusChange func(pool.Status)
}

// Subscription is a live consumer attachment with its latest snapshot.
type Subscription struct {
	c    *Client
	def  subscription.Definition
	opts SubscribeOptions

	mu      sync.Mutex
	data    json.RawMessage
	err     error
	loading bool
	skipped bool
	closed  bool

	handle       *subscription.Handle
	statusCancel func()
}

// Subscribe attaches to the shared stream for definition+variables. The
// returned Subscription carries the latest data/error/loading snapshot and
// must be released with Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, def subscription.Definition, opts SubscribeOptions) (*Subscription, error) {
	sub := &Subscription{c: c, def: def, opts: opts}

	if opts.Skip {
		sub.skipped = true
		return sub, nil
	}

	if err := cache.ValidateSubscriptionAccess(c.access, c.auth.ActiveTenant(), opts.Feature, opts.Permission); err != nil {
		return nil, err
	}

	if err := sub.attach(ctx); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *Subscription) attach(ctx context.Context) error {
	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()

	handle, err := s.c.mux.Subscribe(ctx, s.def, s.opts.Variables, subscription.Options{
		PoolKey:     s.opts.PoolKey,
		ErrorPolicy: s.opts.ErrorPolicy,
	}, s.onResult)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.def.OperationName, err)
	}

	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()

	if s.opts.OnStatusChange != nil {
		poolKey := s.opts.PoolKey
		if poolKey == "" {
			poolKey = s.c.cfg.Gateway.DefaultKey
		}
		cancel := s.c.mgr.WatchStatus(func(key string, status pool.Status) {
			if key == poolKey {
				s.opts.OnStatusChange(status)
			}
		})

		// Re-attaching replaces the watcher; the old one must go or every
		// status transition fires once per attach.
		s.mu.Lock()
		prev := s.statusCancel
		s.statusCancel = cancel
		s.mu.Unlock()
		if prev != nil {
			prev()
		}
	}

	return nil
}

// onResult folds stream deliveries into the snapshot and forwards them to
// the configured callbacks. Stale data is retained across errors so
// consumers see last-known data while reconnecting.
func (s *Subscription) onResult(res event.Result) {
	s.mu.Lock()
	switch {
	case res.Loading:
		s.loading = true
	case res.Err != nil:
		s.err = res.Err
		s.loading = false
	default:
		s.data = res.Data
		s.err = nil
		s.loading = false
	}
	onData := s.opts.OnData
	onError := s.opts.OnError
	s.mu.Unlock()

	if res.Loading {
		return
	}
	if res.Err != nil {
		if onError != nil {
			onError(res.Err)
		}
		return
	}
	if onData != nil {
		onData(res.Data)
	}
}

// Data returns the last delivered payload, retained while reconnecting.
func (s *Subscription) Data() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Err returns the last delivered error, cleared by the next data delivery.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Loading reports whether the initial delivery is still pending.
func (s *Subscription) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Skipped reports whether the subscription was created inert.
func (s *Subscription) Skipped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}

// ID returns the deterministic subscription identity, empty when skipped.
func (s *Subscription) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return ""
	}
	return s.handle.ID
}

// Refetch detaches and re-attaches the listener. When this is the only
// listener, the server-side subscription is reopened and delivers a fresh
// snapshot.
func (s *Subscription) Refetch(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.skipped {
		s.mu.Unlock()
		return nil
	}
	handle := s.handle
	s.handle = nil
	s.mu.Unlock()

	if handle != nil {
		handle.Unsubscribe()
	}
	return s.attach(ctx)
}

// Unsubscribe detaches the listener and releases the status watcher.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handle := s.handle
	statusCancel := s.statusCancel
	s.handle = nil
	s.statusCancel = nil
	s.mu.Unlock()

	if statusCancel != nil {
		statusCancel()
	}
	if handle != nil {
		handle.Unsubscribe()
	}
}

// SubscribeTenant is the tenant-scoped variant: the active tenant id is
// injected into variables and used as the pool key; with no active tenant
// the subscription is created inert.
func (c *Client) SubscribeTenant(ctx context.Context, def subscription.Definition, opts SubscribeOptions) (*Subscription, error) {
	tenant := c.auth.ActiveTenant()
	if tenant == "" {
		opts.Skip = true
		return c.Subscribe(ctx, def, opts)
	}

	vars := make(map[string]any, len(opts.Variables)+1)
	for k, v := range opts.Variables {
		vars[k] = v
	}
	vars["tenantId"] = tenant
	opts.Variables = vars
	opts.PoolKey = tenant

	return c.Subscribe(ctx, def, opts)
}

// ResilientOptions extend SubscribeOptions with a consumer-level retry
// ceiling, distinct from transport-level backoff.
type ResilientOptions struct {
	SubscribeOptions
	MaxRetries  int         // consecutive errors tolerated before giving up
	OnExhausted func(error) // fired once when the ceiling is reached
}

// SubscribeResilient tracks consecutive delivery errors and fires
// OnExhausted once the ceiling is reached. Any successful delivery resets
// the counter.
func (c *Client) SubscribeResilient(ctx context.Context, def subscription.Definition, opts ResilientOptions) (*Subscription, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}

	var mu sync.Mutex
	retries := 0
	exhausted := false

	userOnData := opts.OnData
	userOnError := opts.OnError

	opts.OnData = func(data json.RawMessage) {
		mu.Lock()
		retries = 0
		mu.Unlock()
		if userOnData != nil {
			userOnData(data)
		}
	}
	opts.OnError = func(err error) {
		mu.Lock()
		retries++
		fire := retries >= opts.MaxRetries && !exhausted
		if fire {
			exhausted = true
		}
		mu.Unlock()

		if userOnError != nil {
			userOnError(err)
		}
		if fire && opts.OnExhausted != nil {
			opts.OnExhausted(err)
		}
	}

	return c.Subscribe(ctx, def, opts.SubscribeOptions)
}
