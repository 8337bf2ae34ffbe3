package config

import "time"

// Config is the root configuration for a slotsync session.
type Config struct {
	Session     SessionConfig     `yaml:"session"`
	Realtime    RealtimeConfig    `yaml:"realtime"`
	API         APIConfig         `yaml:"api"`
	Reservation ReservationConfig `yaml:"reservation"`
	Providers   []string          `yaml:"providers"`
	Resync      ResyncConfig      `yaml:"resync"`
	Journal     JournalConfig     `yaml:"journal"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// SessionConfig identifies this client session.
type SessionConfig struct {
	ID              string        `yaml:"id"` // Generated when empty
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RealtimeConfig holds the real-time connection settings.
type RealtimeConfig struct {
	URL                  string        `yaml:"url"`       // ws:// or wss:// base address
	Namespace            string        `yaml:"namespace"` // Path of the slots channel
	Token                string        `yaml:"token"`
	TokenPath            string        `yaml:"token_path"` // File holding the token (used when token is empty)
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	BufferSize           int           `yaml:"buffer_size"`
}

// APIConfig holds the REST collaborator settings. An empty rest_url
// disables the REST fallback and resync.
type APIConfig struct {
	RestURL      string        `yaml:"rest_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// ReservationConfig holds reservation controller settings.
type ReservationConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	RESTFallback bool          `yaml:"rest_fallback"` // Use POST /reservations while disconnected
}

// ResyncConfig holds catch-up settings.
type ResyncConfig struct {
	OnConnect   *bool         `yaml:"on_connect"` // Default true
	Interval    time.Duration `yaml:"interval"`   // 0 disables periodic resync
	Concurrency int           `yaml:"concurrency"`
}

// Enabled reports whether resync runs after each connect.
func (r ResyncConfig) Enabled() bool {
	return r.OnConnect == nil || *r.OnConnect
}

// JournalConfig holds the session journal settings.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}
