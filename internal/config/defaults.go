package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultShutdownTimeout      = 10 * time.Second
	DefaultNamespace            = "/slots"
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultPingInterval         = 25 * time.Second
	DefaultPingTimeout          = 60 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultBufferSize           = 10000
	DefaultAPITimeout           = 30 * time.Second
	DefaultMaxRetries           = 3
	DefaultRetryBackoff         = 1 * time.Second
	DefaultReservationTTL       = 5 * time.Minute
	DefaultResyncConcurrency    = 4
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 4
	DefaultMinConns             = 1
	DefaultBatchSize            = 100
	DefaultFlushInterval        = 1 * time.Second
	DefaultJournalBufferSize    = 1024
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
)

// ApplyDefaults fills every unset optional field.
func (c *Config) ApplyDefaults() {
	// Session defaults
	if c.Session.ShutdownTimeout == 0 {
		c.Session.ShutdownTimeout = DefaultShutdownTimeout
	}

	// Realtime defaults
	if c.Realtime.Namespace == "" {
		c.Realtime.Namespace = DefaultNamespace
	}
	if c.Realtime.HandshakeTimeout == 0 {
		c.Realtime.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Realtime.PingInterval == 0 {
		c.Realtime.PingInterval = DefaultPingInterval
	}
	if c.Realtime.PingTimeout == 0 {
		c.Realtime.PingTimeout = DefaultPingTimeout
	}
	if c.Realtime.WriteTimeout == 0 {
		c.Realtime.WriteTimeout = DefaultWriteTimeout
	}
	if c.Realtime.ReconnectBaseDelay == 0 {
		c.Realtime.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Realtime.MaxReconnectAttempts == 0 {
		c.Realtime.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Realtime.BufferSize == 0 {
		c.Realtime.BufferSize = DefaultBufferSize
	}

	// API defaults
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}
	if c.API.RetryBackoff == 0 {
		c.API.RetryBackoff = DefaultRetryBackoff
	}

	// Reservation defaults
	if c.Reservation.TTL == 0 {
		c.Reservation.TTL = DefaultReservationTTL
	}

	// Resync defaults
	if c.Resync.Concurrency == 0 {
		c.Resync.Concurrency = DefaultResyncConcurrency
	}

	// Journal defaults
	applyDBDefaults(&c.Journal.Database)
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultFlushInterval
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = DefaultJournalBufferSize
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
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
