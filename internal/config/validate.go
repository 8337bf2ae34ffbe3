package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Realtime.URL == "" {
		return errors.New("realtime.url is required")
	}
	u, err := url.Parse(c.Realtime.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("realtime.url must be a ws:// or wss:// address, got %q", c.Realtime.URL)
	}
	if !strings.HasPrefix(c.Realtime.Namespace, "/") {
		return fmt.Errorf("realtime.namespace must start with /, got %q", c.Realtime.Namespace)
	}
	if c.Realtime.ReconnectBaseDelay <= 0 {
		return errors.New("realtime.reconnect_base_delay must be positive")
	}
	if c.Realtime.MaxReconnectAttempts < 1 {
		return errors.New("realtime.max_reconnect_attempts must be >= 1")
	}
	if c.Realtime.PingTimeout < c.Realtime.PingInterval {
		return fmt.Errorf("realtime.ping_timeout (%s) cannot be shorter than ping_interval (%s)",
			c.Realtime.PingTimeout, c.Realtime.PingInterval)
	}
	if c.Realtime.BufferSize < 1 {
		return errors.New("realtime.buffer_size must be >= 1")
	}

	if c.API.RestURL != "" {
		u, err := url.Parse(c.API.RestURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("api.rest_url must be an http(s) address, got %q", c.API.RestURL)
		}
	}
	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must be >= 0")
	}
	if c.API.RetryBackoff <= 0 {
		return errors.New("api.retry_backoff must be positive")
	}

	if c.Reservation.TTL <= 0 {
		return errors.New("reservation.ttl must be positive")
	}
	if c.Reservation.RESTFallback && c.API.RestURL == "" {
		return errors.New("reservation.rest_fallback requires api.rest_url")
	}

	for i, p := range c.Providers {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("providers[%d] is empty", i)
		}
	}

	if c.Resync.Concurrency < 1 {
		return errors.New("resync.concurrency must be >= 1")
	}
	if c.Resync.Interval < 0 {
		return errors.New("resync.interval must be >= 0")
	}

	if c.Journal.Enabled {
		if err := c.Journal.Database.validate("journal.database"); err != nil {
			return err
		}
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
		if c.Journal.BufferSize < 1 {
			return errors.New("journal.buffer_size must be >= 1")
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
