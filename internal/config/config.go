package config

import "time"

// EngineConfig is the root configuration for the realtime engine.
type EngineConfig struct {
	Instance    InstanceConfig    `yaml:"instance"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Connections ConnectionsConfig `yaml:"connections"`
	Auth        AuthConfig        `yaml:"auth"`
	Cache       CacheConfig       `yaml:"cache"`
}

// InstanceConfig identifies this engine instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// GatewayConfig holds event gateway settings.
type GatewayConfig struct {
	URL        string `yaml:"url"`         // WebSocket URL (e.g., wss://gateway.wareflow.io/events)
	DefaultKey string `yaml:"default_key"` // scoping key for the default pool
}

// ConnectionsConfig holds connection pool and resilience settings.
type ConnectionsConfig struct {
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	IdleTeardownGrace    time.Duration `yaml:"idle_teardown_grace"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	MessageBufferSize    int           `yaml:"message_buffer_size"`
}

// AuthConfig holds credential handling settings.
type AuthConfig struct {
	RefreshLead    time.Duration `yaml:"refresh_lead"`    // refresh this long before token expiry
	ResyncInterval time.Duration `yaml:"resync_interval"` // periodic passive credential resync
}

// CacheConfig holds local cache sizing.
type CacheConfig struct {
	EntityCapacity int `yaml:"entity_capacity"`
	ListCapacity   int `yaml:"list_capacity"`
}
