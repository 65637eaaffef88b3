package pool

import (
	"errors"
	"time"

	"github.com/wareflow/realtime-go/internal/transport"
)

// Errors
var (
	ErrMaxRetriesExceeded = errors.New("max reconnect attempts exceeded")
	ErrPoolClosed         = errors.New("pool closed")
)

// Status is the connection status of a single pool.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
	StatusReconnecting
	StatusError
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// MessageHandler receives every inbound frame from a pool's connection.
type MessageHandler func(poolKey string, msg transport.Message)

// TerminalHandler is invoked when a pool gives up reconnecting.
type TerminalHandler func(poolKey string, err error)

// StatusHandler observes deduplicated pool status transitions.
type StatusHandler func(poolKey string, status Status)

// ManagerConfig configures the pool manager.
type ManagerConfig struct {
	URL                  string                  // Gateway WebSocket URL
	DefaultKey           string                  // Scoping key of the default pool (never torn down)
	Params               transport.ParamProvider // Connection parameter provider
	ReconnectBaseDelay   time.Duration           // Base backoff delay
	ReconnectMaxDelay    time.Duration           // Backoff cap
	MaxReconnectAttempts int                     // Failed attempts before terminal error
	IdleTeardownGrace    time.Duration           // Grace before disposing an empty non-default pool
	PingTimeout          time.Duration
	WriteTimeout         time.Duration
	MessageBufferSize    int
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		DefaultKey:           "default",
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
		IdleTeardownGrace:    30 * time.Second,
		PingTimeout:          60 * time.Second,
		WriteTimeout:         5 * time.Second,
		MessageBufferSize:    1000,
	}
}

// PoolStat holds statistics for a single pool.
type PoolStat struct {
	Key               string `json:"key"`
	Status            string `json:"status"`
	Subscriptions     int    `json:"subscriptions"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
}

// ManagerStats aggregates statistics across all pools.
type ManagerStats struct {
	TotalPools         int
	TotalSubscriptions int
	Pools              []PoolStat
}
