package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miravisor/slotsync/internal/watch"
)

// Manager owns the session's real-time connection.
type Manager interface {
	// Connect starts the connection supervisor. No-op if already running.
	// Connection failures are retried in the background, never returned.
	Connect(ctx context.Context) error

	// Disconnect tears the connection down and resets retry state.
	Disconnect(ctx context.Context) error

	// Emit sends a fire-and-forget intent. Returns ErrNotConnected without a live connection.
	Emit(event string, payload any) error

	// JoinRoom subscribes to a provider's slot traffic, now and after every reconnect.
	JoinRoom(providerID string) error

	// LeaveRoom unsubscribes from a provider's slot traffic.
	LeaveRoom(providerID string) error

	// Messages returns inbound frames for the router. The channel stays open
	// across Connect/Disconnect cycles.
	Messages() <-chan RawMessage

	// State returns the current connection state.
	State() State

	// IsConnected reports whether a live connection exists.
	IsConnected() bool

	// Watch returns the current state and a channel of later transitions.
	Watch() (State, <-chan State, func())

	// Diagnostic returns the terminal failure report, if retries ran out.
	Diagnostic() Diagnostic

	// Stats returns current connection statistics.
	Stats() ManagerStats
}

// manager implements the Manager interface.
type manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	// Overridable in tests.
	newClient func(ClientConfig, *slog.Logger) Client
	wait      func(ctx context.Context, d time.Duration) error
	now       func() time.Time

	out   chan RawMessage
	state *watch.Value[State]

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	client   Client
	epoch    uint64
	attempts int
	diag     Diagnostic
	rooms    map[string]struct{}

	received atomic.Int64
	dropped  atomic.Int64
}

// NewManager creates a new Connection Manager.
func NewManager(cfg ManagerConfig, logger *slog.Logger) Manager {
	return newManager(cfg, logger)
}

func newManager(cfg ManagerConfig, logger *slog.Logger) *manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MessageBufferSize <= 0 {
		cfg.MessageBufferSize = DefaultManagerConfig().MessageBufferSize
	}

	return &manager{
		cfg:       cfg,
		logger:    logger,
		newClient: NewClient,
		wait:      sleepContext,
		now:       time.Now,
		out:       make(chan RawMessage, cfg.MessageBufferSize),
		state:     watch.NewValue(StateUninitialized),
		rooms:     make(map[string]struct{}),
	}
}

// Connect starts the supervisor goroutine.
func (m *manager) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	if m.cfg.Token == "" {
		m.logger.Warn("no bearer credential configured, connecting anonymously",
			"url", m.endpoint(),
		)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	m.attempts = 0
	m.diag = Diagnostic{}

	go m.run(runCtx, m.done)

	return nil
}

// Disconnect stops the supervisor and closes the connection.
func (m *manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	running := m.running
	cancel := m.cancel
	done := m.done
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	if running && cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			m.logger.Warn("disconnect timed out waiting for connection supervisor")
		}
	}

	m.mu.Lock()
	m.attempts = 0
	m.diag = Diagnostic{}
	m.mu.Unlock()

	m.setState(StateClosed)
	m.logger.Info("real-time connection closed")
	return nil
}

// Emit sends {"event": event, "data": payload}.
func (m *manager) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", event, err)
	}

	m.mu.Lock()
	c := m.client
	m.mu.Unlock()

	if c == nil {
		return ErrNotConnected
	}
	if err := c.Send(frame); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}

	m.logger.Debug("intent sent", "event", event)
	return nil
}

// JoinRoom remembers the room and joins it if connected.
func (m *manager) JoinRoom(providerID string) error {
	if providerID == "" {
		return ErrEmptyRoom
	}

	m.mu.Lock()
	m.rooms[providerID] = struct{}{}
	connected := m.client != nil
	m.mu.Unlock()

	if !connected {
		// Joined on connect.
		return nil
	}
	return m.Emit(EventJoinRoom, RoomParams{ProviderID: providerID})
}

// LeaveRoom forgets the room and leaves it if connected.
func (m *manager) LeaveRoom(providerID string) error {
	m.mu.Lock()
	_, ok := m.rooms[providerID]
	delete(m.rooms, providerID)
	connected := m.client != nil
	m.mu.Unlock()

	if !ok || !connected {
		return nil
	}
	return m.Emit(EventLeaveRoom, RoomParams{ProviderID: providerID})
}

// Messages returns the output channel for the router.
func (m *manager) Messages() <-chan RawMessage {
	return m.out
}

// State returns the current state.
func (m *manager) State() State {
	return m.state.Get()
}

// IsConnected reports whether the state is connected.
func (m *manager) IsConnected() bool {
	return m.State() == StateConnected
}

// Watch exposes the state signal.
func (m *manager) Watch() (State, <-chan State, func()) {
	return m.state.Subscribe()
}

// Diagnostic returns the last terminal diagnostic.
func (m *manager) Diagnostic() Diagnostic {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.diag
	d.Causes = append([]string(nil), m.diag.Causes...)
	return d
}

// Stats returns current statistics.
func (m *manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return ManagerStats{
		State:            m.state.Get(),
		Epoch:            m.epoch,
		Attempts:         m.attempts,
		Rooms:            len(m.rooms),
		MessagesReceived: m.received.Load(),
		MessagesDropped:  m.dropped.Load(),
	}
}

// run dials, pumps and redials until ctx is cancelled or retries run out.
func (m *manager) run(ctx context.Context, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		if m.done == done {
			m.running = false
		}
		m.mu.Unlock()
		close(done)
	}()

	state := StateConnecting
	for {
		m.setState(state)

		client := m.newClient(m.clientConfig(), m.logger.With("component", "ws_client"))
		if err := client.Connect(ctx); err != nil {
			client.Close()
			if ctx.Err() != nil {
				return
			}
			if !m.backoff(ctx, err) {
				return
			}
			state = StateReconnecting
			continue
		}

		epoch := m.onConnected(client)
		err := m.pump(ctx, client, epoch)
		m.onDisconnected(client)
		client.Close()

		if ctx.Err() != nil {
			return
		}

		// Unexpected drop: one immediate retry, then backoff on connect errors.
		m.logger.Warn("connection lost, reconnecting immediately",
			"error", err,
			"server_close", isServerClose(err),
			"epoch", epoch,
		)
		state = StateReconnecting
	}
}

// backoff waits before the next attempt. Returns false when retries are
// exhausted or ctx is cancelled.
func (m *manager) backoff(ctx context.Context, err error) bool {
	m.mu.Lock()
	attempt := m.attempts
	if attempt >= m.cfg.MaxReconnectAttempts {
		m.diag = Diagnostic{
			Terminal:  true,
			Attempts:  attempt,
			LastError: err.Error(),
			URL:       m.endpoint(),
			HasToken:  m.cfg.Token != "",
			At:        m.now(),
			Causes:    append([]string(nil), likelyCauses...),
		}
		m.mu.Unlock()

		m.setState(StateDisconnected)
		m.logger.Error("real-time connection failed, giving up",
			"attempts", attempt,
			"url", m.endpoint(),
			"error", err,
			"likely_causes", strings.Join(likelyCauses, "; "),
		)
		return false
	}
	m.attempts++
	m.mu.Unlock()

	delay := m.cfg.ReconnectBaseWait * time.Duration(1<<attempt)
	m.setState(StateDisconnected)
	m.logger.Warn("connect failed, retrying",
		"attempt", attempt+1,
		"max_attempts", m.cfg.MaxReconnectAttempts,
		"delay", delay,
		"error", err,
	)

	return m.wait(ctx, delay) == nil
}

// onConnected publishes the new client and re-joins remembered rooms.
func (m *manager) onConnected(c Client) uint64 {
	m.mu.Lock()
	m.client = c
	m.epoch++
	epoch := m.epoch
	m.attempts = 0
	m.diag = Diagnostic{}
	rooms := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		rooms = append(rooms, id)
	}
	m.mu.Unlock()

	sort.Strings(rooms)

	m.setState(StateConnected)
	m.logger.Info("real-time connection established",
		"url", m.endpoint(),
		"epoch", epoch,
		"rooms", len(rooms),
	)

	for _, id := range rooms {
		if err := m.Emit(EventJoinRoom, RoomParams{ProviderID: id}); err != nil {
			m.logger.Warn("failed to rejoin room", "provider_id", id, "error", err)
		}
	}

	return epoch
}

// onDisconnected clears the published client.
func (m *manager) onDisconnected(c Client) {
	m.mu.Lock()
	if m.client == c {
		m.client = nil
	}
	m.mu.Unlock()

	m.setState(StateDisconnected)
}

// pump forwards frames until the client reports an error or ctx ends.
func (m *manager) pump(ctx context.Context, c Client, epoch uint64) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-c.Errors():
			m.drain(ctx, c, epoch)
			return err

		case msg, ok := <-c.Messages():
			if !ok {
				return ErrNotConnected
			}
			m.forward(ctx, msg, epoch)
		}
	}
}

// drain forwards frames that were read before the connection ended.
func (m *manager) drain(ctx context.Context, c Client, epoch uint64) {
	for {
		select {
		case msg, ok := <-c.Messages():
			if !ok {
				return
			}
			m.forward(ctx, msg, epoch)
		default:
			return
		}
	}
}

func (m *manager) forward(ctx context.Context, msg TimestampedMessage, epoch uint64) {
	m.received.Add(1)

	raw := RawMessage{
		Data:       msg.Data,
		ReceivedAt: msg.ReceivedAt,
		Epoch:      epoch,
	}

	select {
	case m.out <- raw:
	case <-ctx.Done():
	default:
		m.dropped.Add(1)
		m.logger.Warn("message buffer full, dropping", "epoch", epoch)
	}
}

func (m *manager) setState(s State) {
	if m.state.Get() == s {
		return
	}
	m.state.Set(s)
	m.logger.Debug("connection state changed", "state", s.String())
}

func (m *manager) clientConfig() ClientConfig {
	cfg := m.cfg.Client
	cfg.URL = m.endpoint()
	cfg.Token = m.cfg.Token
	cfg.ClientID = m.cfg.ClientID
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultClientConfig().BufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultClientConfig().WriteTimeout
	}
	return cfg
}

func (m *manager) endpoint() string {
	return EndpointURL(m.cfg.BaseURL, m.cfg.Namespace)
}

// EndpointURL joins the base address and the namespace path.
func EndpointURL(base, namespace string) string {
	if namespace == "" || namespace == "/" {
		return base
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" {
		return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(namespace, "/")
	}
	u.Path = path.Join("/", u.Path, namespace)
	return u.String()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
