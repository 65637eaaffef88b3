package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wareflow/realtime-go/internal/config"
	"github.com/wareflow/realtime-go/internal/signal"
)

// Storage keys observed for passive credential resync.
const (
	StorageKeyAccessToken = "accessToken"
	StorageKeyTenant      = "currentTenantId"
)

// ErrRefreshFailed wraps credential collaborator failures.
var ErrRefreshFailed = errors.New("token refresh failed")

// TokenSource is the external credential collaborator. Refresh failures are
// treated as fatal to the current session: state is cleared and an
// auth-required signal is published for the hosting application.
type TokenSource interface {
	// AccessToken returns the currently stored token, if any.
	AccessToken() (string, bool)

	// Refresh obtains a new token from the auth backend.
	Refresh(ctx context.Context) (Token, error)
}

// Handler owns the single auth State and keeps it current.
type Handler struct {
	cfg    config.AuthConfig
	source TokenSource
	bus    signal.Bus
	logger *slog.Logger

	// reconnect forces all pools to re-establish with fresh identity.
	// Set by the owning client before Start; may be nil in tests.
	reconnect func(context.Context)

	mu       sync.Mutex
	state    State
	watchers map[int]func(State)
	nextID   int
	refreshT *time.Timer
	rejected string // last stored token whose refresh failed; never re-adopted

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	busCancel []func()
}

// NewHandler creates an auth handler. The logger may be nil.
func NewHandler(cfg config.AuthConfig, source TokenSource, bus signal.Bus, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		cfg:      cfg,
		source:   source,
		bus:      bus,
		logger:   logger,
		watchers: make(map[int]func(State)),
	}
}

// SetReconnectFunc wires the global reconnect trigger invoked when token or
// tenant identity changes. Must be called before Start.
func (h *Handler) SetReconnectFunc(fn func(context.Context)) {
	h.reconnect = fn
}

// Start seeds state from the token source, subscribes to identity signals,
// and begins the periodic resync loop.
func (h *Handler) Start(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(ctx)

	// Seed from whatever credentials are already stored.
	h.resync()

	h.busCancel = append(h.busCancel,
		h.bus.Subscribe(signal.TopicLogin, h.onLogin),
		h.bus.Subscribe(signal.TopicLogout, func(signal.Payload) { h.Clear() }),
		h.bus.Subscribe(signal.TopicTenantSwitch, h.onTenantSwitch),
		h.bus.Subscribe(signal.TopicStorageChange, h.onStorageChange),
	)

	h.wg.Add(1)
	go h.resyncLoop()

	h.logger.Info("auth handler started",
		"refresh_lead", h.cfg.RefreshLead,
		"resync_interval", h.cfg.ResyncInterval,
	)

	return nil
}

// Stop cancels timers, bus subscriptions, and the resync loop.
func (h *Handler) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	for _, cancel := range h.busCancel {
		cancel()
	}
	h.busCancel = nil

	h.mu.Lock()
	if h.refreshT != nil {
		h.refreshT.Stop()
		h.refreshT = nil
	}
	h.mu.Unlock()

	h.wg.Wait()
}

// Current returns the current auth state.
func (h *Handler) Current() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ActiveTenant returns the active tenant id, empty when none.
func (h *Handler) ActiveTenant() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.TenantID
}

// Watch registers fn on the state feed. It is invoked immediately with the
// current state and afterwards only on actual transitions. The returned
// cancel detaches the watcher.
func (h *Handler) Watch(fn func(State)) (cancel func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.watchers[id] = fn
	current := h.state
	h.mu.Unlock()

	fn(current)

	return func() {
		h.mu.Lock()
		delete(h.watchers, id)
		h.mu.Unlock()
	}
}

// SetState merges a partial update into the current state. A token or tenant
// change triggers a global reconnect so in-flight connections pick up the new
// scoping; a new expiry reschedules the refresh timer.
func (h *Handler) SetState(p Partial) {
	h.mu.Lock()
	before := h.state
	identityChanged := h.state.merge(p)
	after := h.state
	h.mu.Unlock()

	if p.ExpiresAt != nil {
		h.scheduleRefresh(*p.ExpiresAt)
	}

	if after != before {
		h.notify(after)
	}

	if identityChanged && h.reconnect != nil {
		h.logger.Info("identity changed, reconnecting pools",
			"tenant", after.TenantID,
			"authenticated", after.IsAuthenticated,
		)
		go h.reconnect(h.runCtx())
	}
}

// Clear resets to the unauthenticated state and stops the refresh timer.
func (h *Handler) Clear() {
	h.mu.Lock()
	changed := h.state != State{}
	h.state = State{}
	if h.refreshT != nil {
		h.refreshT.Stop()
		h.refreshT = nil
	}
	h.mu.Unlock()

	if changed {
		h.notify(State{})
		if h.reconnect != nil {
			go h.reconnect(h.runCtx())
		}
	}
}

// ConnectionParams resolves connection parameters at the moment of
// connecting. The token source is consulted first so that a refresh completed
// by another component is always picked up.
func (h *Handler) ConnectionParams(ctx context.Context) (map[string]string, error) {
	token, ok := h.source.AccessToken()
	if !ok {
		h.mu.Lock()
		token = h.state.Token
		h.mu.Unlock()
	}

	authorization := ""
	if token != "" {
		authorization = "Bearer " + token
	}

	return map[string]string{
		"Authorization": authorization,
		"X-Tenant-ID":   h.ActiveTenant(),
	}, nil
}

func (h *Handler) notify(s State) {
	h.mu.Lock()
	fns := make([]func(State), 0, len(h.watchers))
	for _, fn := range h.watchers {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// scheduleRefresh (re)arms the proactive refresh timer to fire RefreshLead
// before expiry, or immediately if that point is already past.
func (h *Handler) scheduleRefresh(expiresAt time.Time) {
	if expiresAt.IsZero() {
		return
	}

	wait := time.Until(expiresAt.Add(-h.cfg.RefreshLead))
	if wait < 0 {
		wait = 0
	}

	h.mu.Lock()
	if h.refreshT != nil {
		h.refreshT.Stop()
	}
	h.refreshT = time.AfterFunc(wait, h.refreshNow)
	h.mu.Unlock()

	h.logger.Debug("token refresh scheduled", "in", wait)
}

// refreshNow performs a token refresh. On failure the state is cleared and an
// auth-required signal is published; this subsystem never retries a failed
// refresh on its own.
func (h *Handler) refreshNow() {
	ctx := h.runCtx()
	if ctx.Err() != nil {
		return
	}

	tok, err := h.source.Refresh(ctx)
	if err != nil {
		h.logger.Warn("token refresh failed", "error", fmt.Errorf("%w: %v", ErrRefreshFailed, err))
		// The stored token is now known-bad; resync must not flip-flop the
		// session by adopting it again unchanged.
		if stored, ok := h.source.AccessToken(); ok {
			h.mu.Lock()
			h.rejected = stored
			h.mu.Unlock()
		}
		h.Clear()
		h.bus.Publish(signal.TopicAuthRequired, signal.Payload{})
		return
	}

	h.mu.Lock()
	h.rejected = ""
	h.mu.Unlock()
	h.SetState(Partial{Token: Str(tok.Value), ExpiresAt: Time(tok.ExpiresAt)})
	h.logger.Debug("token refreshed", "expires_at", tok.ExpiresAt)
}

// resyncLoop periodically reconciles against credentials changed outside this
// handler (another tab logging in or out).
func (h *Handler) resyncLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.resync()
		}
	}
}

// resync reconciles state with the token source. A token whose refresh
// already failed is not adopted again until it changes.
func (h *Handler) resync() {
	token, ok := h.source.AccessToken()

	h.mu.Lock()
	current := h.state.Token
	rejected := h.rejected
	h.mu.Unlock()

	switch {
	case !ok && current != "":
		h.logger.Info("stored credentials gone, clearing auth state")
		h.Clear()
	case ok && token == rejected:
		h.logger.Debug("stored token already failed refresh, skipping")
	case ok && token != current:
		h.logger.Info("stored credentials changed, adopting")
		h.SetState(Partial{Token: Str(token)})
	}
}

func (h *Handler) onLogin(p signal.Payload) {
	// An explicit login supersedes any earlier refresh rejection.
	h.mu.Lock()
	h.rejected = ""
	h.mu.Unlock()

	partial := Partial{Token: Str(p.Token)}
	if p.ExpiresAt > 0 {
		partial.ExpiresAt = Time(time.Unix(p.ExpiresAt, 0))
	}
	if p.TenantID != "" {
		partial.TenantID = Str(p.TenantID)
	}
	h.SetState(partial)
}

func (h *Handler) onTenantSwitch(p signal.Payload) {
	h.SetState(Partial{TenantID: Str(p.TenantID)})
}

func (h *Handler) onStorageChange(p signal.Payload) {
	switch p.Key {
	case StorageKeyAccessToken:
		h.resync()
	case StorageKeyTenant:
		if p.TenantID != "" {
			h.SetState(Partial{TenantID: Str(p.TenantID)})
		}
	}
}

// runCtx returns the handler's lifecycle context, or a background context if
// Start has not been called (tests).
func (h *Handler) runCtx() context.Context {
	if h.ctx != nil {
		return h.ctx
	}
	return context.Background()
}
