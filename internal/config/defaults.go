package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultGatewayKey           = "default"
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultIdleTeardownGrace    = 30 * time.Second
	DefaultPingTimeout          = 60 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultMessageBufferSize    = 1000
	DefaultRefreshLead          = 5 * time.Minute
	DefaultResyncInterval       = 60 * time.Second
	DefaultEntityCapacity       = 10000
	DefaultListCapacity         = 1000
)

func (c *EngineConfig) applyDefaults() {
	if c.Gateway.DefaultKey == "" {
		c.Gateway.DefaultKey = DefaultGatewayKey
	}

	if c.Connections.ReconnectBaseDelay == 0 {
		c.Connections.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connections.ReconnectMaxDelay == 0 {
		c.Connections.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Connections.MaxReconnectAttempts == 0 {
		c.Connections.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Connections.IdleTeardownGrace == 0 {
		c.Connections.IdleTeardownGrace = DefaultIdleTeardownGrace
	}
	if c.Connections.PingTimeout == 0 {
		c.Connections.PingTimeout = DefaultPingTimeout
	}
	if c.Connections.WriteTimeout == 0 {
		c.Connections.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connections.MessageBufferSize == 0 {
		c.Connections.MessageBufferSize = DefaultMessageBufferSize
	}

	if c.Auth.RefreshLead == 0 {
		c.Auth.RefreshLead = DefaultRefreshLead
	}
	if c.Auth.ResyncInterval == 0 {
		c.Auth.ResyncInterval = DefaultResyncInterval
	}

	if c.Cache.EntityCapacity == 0 {
		c.Cache.EntityCapacity = DefaultEntityCapacity
	}
	if c.Cache.ListCapacity == 0 {
		c.Cache.ListCapacity = DefaultListCapacity
	}
}
