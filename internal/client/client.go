package client

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wareflow/realtime-go/internal/auth"
	"github.com/wareflow/realtime-go/internal/cache"
	"github.com/wareflow/realtime-go/internal/config"
	"github.com/wareflow/realtime-go/internal/pool"
	"github.com/wareflow/realtime-go/internal/signal"
	"github.com/wareflow/realtime-go/internal/subscription"
)

// Options are optional collaborators; zero values get in-process defaults.
type Options struct {
	Bus    signal.Bus          // cross-cutting signal bus
	Store  cache.Store         // normalized cache engine
	Access cache.AccessChecker // feature/permission checks, nil grants all
	Logger *slog.Logger
}

// Client is an explicitly constructed engine instance owned by application
// start-up. It wires auth, pools, multiplexing, and cache reconciliation.
type Client struct {
	cfg    *config.EngineConfig
	logger *slog.Logger

	bus    signal.Bus
	auth   *auth.Handler
	mgr    *pool.Manager
	mux    *subscription.Multiplexer
	store  cache.Store
	sync   *cache.Synchronizer
	access cache.AccessChecker

	busCancel []func()
}

// New constructs a client from config and the external credential
// collaborator. Start must be called before subscribing.
func New(cfg *config.EngineConfig, source auth.TokenSource, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bus := opts.Bus
	if bus == nil {
		bus = signal.NewBus()
	}

	store := opts.Store
	if store == nil {
		var err error
		store, err = cache.NewMemory(cfg.Cache.EntityCapacity, cfg.Cache.ListCapacity)
		if err != nil {
			return nil, fmt.Errorf("create cache: %w", err)
		}
	}

	authH := auth.NewHandler(cfg.Auth, source, bus, logger)

	mgr := pool.NewManager(pool.ManagerConfig{
		URL:                  cfg.Gateway.URL,
		DefaultKey:           cfg.Gateway.DefaultKey,
		Params:               authH.ConnectionParams,
		ReconnectBaseDelay:   cfg.Connections.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Connections.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.Connections.MaxReconnectAttempts,
		IdleTeardownGrace:    cfg.Connections.IdleTeardownGrace,
		PingTimeout:          cfg.Connections.PingTimeout,
		WriteTimeout:         cfg.Connections.WriteTimeout,
		MessageBufferSize:    cfg.Connections.MessageBufferSize,
	}, logger)

	mux := subscription.NewMultiplexer(subscription.Config{
		DeliveryRetryBase: cfg.Connections.ReconnectBaseDelay,
		DeliveryRetryMax:  cfg.Connections.ReconnectMaxDelay,
		MaxDeliveryRetry:  3,
	}, mgr, logger)

	filter := &cache.Filter{
		ActiveTenant: authH.ActiveTenant,
		Access:       opts.Access,
	}
	syncer := cache.NewSynchronizer(store, filter, logger)
	mux.SetEventHook(syncer.Process)

	authH.SetReconnectFunc(func(ctx context.Context) {
		if err := mgr.Reconnect(ctx); err != nil {
			logger.Warn("identity-change reconnect failed", "error", err)
		}
	})

	return &Client{
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		auth:   authH,
		mgr:    mgr,
		mux:    mux,
		store:  store,
		sync:   syncer,
		access: opts.Access,
	}, nil
}

// Start brings the engine up: pools lazily, auth immediately.
func (c *Client) Start(ctx context.Context) error {
	if err := c.mgr.Start(ctx); err != nil {
		return fmt.Errorf("start pool manager: %w", err)
	}
	if err := c.auth.Start(ctx); err != nil {
		return fmt.Errorf("start auth handler: %w", err)
	}

	// "Connectivity restored" from the hosting application forces an
	// immediate global reconnect, bypassing backoff counters.
	c.busCancel = append(c.busCancel, c.bus.Subscribe(signal.TopicOnline, func(signal.Payload) {
		go func() {
			if err := c.mgr.Reconnect(ctx); err != nil {
				c.logger.Warn("online reconnect failed", "error", err)
			}
		}()
	}))

	c.logger.Info("realtime client started", "gateway", c.cfg.Gateway.URL)
	return nil
}

// Stop tears the engine down.
func (c *Client) Stop() {
	for _, cancel := range c.busCancel {
		cancel()
	}
	c.busCancel = nil
	c.auth.Stop()
	c.mgr.Stop()
	c.logger.Info("realtime client stopped")
}

// Reconnect manually re-establishes every pool, resetting attempt counters.
func (c *Client) Reconnect(ctx context.Context) error {
	return c.mgr.Reconnect(ctx)
}

// WatchStatus registers a deduplicated per-pool status observer.
func (c *Client) WatchStatus(fn pool.StatusHandler) (cancel func()) {
	return c.mgr.WatchStatus(fn)
}

// Stats returns aggregate pool and subscription statistics.
func (c *Client) Stats() pool.ManagerStats {
	return c.mgr.Stats()
}

// Auth exposes the auth handler (state feed, SetState, tenant).
func (c *Client) Auth() *auth.Handler {
	return c.auth
}

// Bus exposes the signal bus for the hosting application.
func (c *Client) Bus() signal.Bus {
	return c.bus
}

// Store exposes the cache engine in use.
func (c *Client) Store() cache.Store {
	return c.store
}

// RegisterList associates a list-shaped cache key with an entity type for
// change-event reconciliation.
func (c *Client) RegisterList(entityType, queryKey string) {
	c.sync.RegisterList(entityType, queryKey)
}
