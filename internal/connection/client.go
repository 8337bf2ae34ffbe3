package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/miravisor/slotsync/internal/version"
)

// Client is one websocket session with the slot server. It is not reusable:
// after the connection ends the manager builds a fresh Client.
type Client interface {
	// Connect performs the handshake.
	Connect(ctx context.Context) error

	// Close sends a normal close frame and releases the socket.
	Close() error

	// Send writes one text frame.
	Send(data []byte) error

	// Messages returns inbound frames stamped with their receive time.
	Messages() <-chan TimestampedMessage

	// Errors yields the error that ended the connection, at most once.
	Errors() <-chan error

	// IsConnected reports whether the socket is up.
	IsConnected() bool
}

type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn *websocket.Conn

	messages chan TimestampedMessage
	errs     chan error

	// stop is closed by Close; the read and keepalive goroutines exit on it.
	stop     chan struct{}
	stopOnce sync.Once

	// writeMu guards every write on conn, control frames included.
	writeMu sync.Mutex

	up       atomic.Bool
	closed   atomic.Bool
	lastSeen atomic.Int64 // unix nanos of the last ping or pong from the server
}

// NewClient creates a Client for cfg.URL.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &client{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan TimestampedMessage, cfg.BufferSize),
		errs:     make(chan error, 1),
		stop:     make(chan struct{}),
	}
}

// handshakeHeader builds the upgrade request headers.
func handshakeHeader(cfg ClientConfig) http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("User-Agent", version.UserAgent())
	if cfg.Token != "" {
		h.Set("Authorization", "Bearer "+cfg.Token)
	}
	if cfg.ClientID != "" {
		h.Set("X-Client-ID", cfg.ClientID)
	}
	return h
}

// Connect dials the server, then starts receiving and, if configured, pinging.
func (c *client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrAlreadyClosed
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, handshakeHeader(c.cfg))
	switch {
	case err != nil && resp != nil:
		return fmt.Errorf("handshake rejected (%s): %w", resp.Status, err)
	case err != nil:
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.conn = conn
	c.touch()
	c.up.Store(true)

	// Either direction of the ping exchange proves the peer is alive.
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})
	conn.SetPingHandler(func(payload string) error {
		c.touch()
		return c.writeControl(websocket.PongMessage, []byte(payload), time.Second)
	})

	go c.receive()
	if c.cfg.PingInterval > 0 {
		go c.keepalive()
	}

	c.logger.Debug("websocket connected", "url", c.cfg.URL)
	return nil
}

// Close is idempotent.
func (c *client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.up.Store(false)
	c.halt()

	if c.conn == nil {
		return nil
	}
	c.writeControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Second)
	return c.conn.Close()
}

func (c *client) Send(data []byte) error {
	if !c.up.Load() {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) Messages() <-chan TimestampedMessage {
	return c.messages
}

func (c *client) Errors() <-chan error {
	return c.errs
}

func (c *client) IsConnected() bool {
	return c.up.Load()
}

// receive forwards frames until the socket fails or Close is called. A full
// buffer drops the frame rather than stalling the socket.
func (c *client) receive() {
	defer c.up.Store(false)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.halted() {
				c.fail(err)
			}
			return
		}

		select {
		case c.messages <- TimestampedMessage{Data: data, ReceivedAt: time.Now()}:
		case <-c.stop:
			return
		default:
			c.logger.Warn("message buffer full, dropping message", "bytes", len(data))
		}
	}
}

// keepalive pings every PingInterval and fails the connection once the
// server has been silent for longer than PingTimeout.
func (c *client) keepalive() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			if err := c.writeControl(websocket.PingMessage, []byte("keepalive"), c.cfg.WriteTimeout); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}

			silent := now.Sub(time.Unix(0, c.lastSeen.Load()))
			if c.cfg.PingTimeout <= 0 || silent <= c.cfg.PingTimeout {
				continue
			}
			c.logger.Warn("no pong received, connection stale",
				"silent_for", silent,
				"timeout", c.cfg.PingTimeout,
			)
			c.fail(ErrStaleConnection)
			c.conn.Close() // unblocks receive
			return
		}
	}
}

func (c *client) writeControl(kind int, payload []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(kind, payload, time.Now().Add(timeout))
}

func (c *client) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *client) halt() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *client) halted() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// fail records the error that ended the connection. Only the first is kept.
func (c *client) fail(err error) {
	select {
	case c.errs <- err:
	default:
	}
}

// isServerClose reports whether err is a close frame sent by the server.
func isServerClose(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce)
}
