package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultWSURL            = "wss://api.hyperliquid.xyz/ws"
	DefaultPingInterval     = 50 * time.Second
	DefaultStaleTimeout     = 2 * time.Minute
	DefaultConnectTimeout   = 15 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultDialsPerMinute   = 60
	DefaultSocketBuffer     = 1000
	DefaultMailboxSize      = 1000
	DefaultDBPort           = 5432
	DefaultDBSSLMode        = "prefer"
	DefaultMaxConns         = 10
	DefaultMinConns         = 2
	DefaultBatchSize        = 500
	DefaultFlushInterval    = 1 * time.Second
	DefaultBufferSize       = 10000
	DefaultHealthPort       = 8080
	DefaultLogLevel         = "info"
)

// DefaultBackoff is the reconnect delay sequence.
func DefaultBackoff() []time.Duration {
	return []time.Duration{
		1 * time.Second,
		2 * time.Second,
		5 * time.Second,
		10 * time.Second,
		30 * time.Second,
		60 * time.Second,
	}
}

func (c *StreamerConfig) applyDefaults() {
	if c.API.WSURL == "" {
		c.API.WSURL = DefaultWSURL
	}

	// Connections defaults
	if c.Connections.PingInterval == 0 {
		c.Connections.PingInterval = DefaultPingInterval
	}
	if c.Connections.StaleTimeout == 0 {
		c.Connections.StaleTimeout = DefaultStaleTimeout
	}
	if c.Connections.ConnectTimeout == 0 {
		c.Connections.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Connections.HandshakeTimeout == 0 {
		c.Connections.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Connections.WriteTimeout == 0 {
		c.Connections.WriteTimeout = DefaultWriteTimeout
	}
	if len(c.Connections.Backoff) == 0 {
		c.Connections.Backoff = DefaultBackoff()
	}
	if c.Connections.DialsPerMinute == 0 {
		c.Connections.DialsPerMinute = DefaultDialsPerMinute
	}
	if c.Connections.BufferSize == 0 {
		c.Connections.BufferSize = DefaultSocketBuffer
	}
	if c.Connections.MailboxSize == 0 {
		c.Connections.MailboxSize = DefaultMailboxSize
	}

	if c.Database.Enabled() {
		applyDBDefaults(&c.Database)
	}

	// Writers defaults
	if c.Writers.BatchSize == 0 {
		c.Writers.BatchSize = DefaultBatchSize
	}
	if c.Writers.FlushInterval == 0 {
		c.Writers.FlushInterval = DefaultFlushInterval
	}
	if c.Writers.BufferSize == 0 {
		c.Writers.BufferSize = DefaultBufferSize
	}

	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
