package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/miravisor/slotsync/internal/api"
	"github.com/miravisor/slotsync/internal/auth"
	"github.com/miravisor/slotsync/internal/clock"
	"github.com/miravisor/slotsync/internal/config"
	"github.com/miravisor/slotsync/internal/connection"
	"github.com/miravisor/slotsync/internal/database"
	"github.com/miravisor/slotsync/internal/journal"
	"github.com/miravisor/slotsync/internal/reconcile"
	"github.com/miravisor/slotsync/internal/reservation"
	"github.com/miravisor/slotsync/internal/resync"
	"github.com/miravisor/slotsync/internal/router"
	"github.com/miravisor/slotsync/internal/slot"
)

// Errors
var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrStopped        = errors.New("session stopped")
)

// Deps overrides collaborators. Zero values select the production defaults.
type Deps struct {
	Logger  *slog.Logger
	Clock   clock.Clock
	Manager connection.Manager
}

// Stats aggregates component statistics.
type Stats struct {
	Connection connection.ManagerStats
	Router     router.RouterStats
	Engine     reconcile.EngineStats
	Resync     *resync.Stats
	Journal    *journal.WriterMetrics
}

// Session owns one client's connection, slot state and reservation.
type Session struct {
	cfg    config.Config
	id     string
	logger *slog.Logger
	clock  clock.Clock
	creds  *auth.Credentials

	manager    connection.Manager
	router     router.Router
	store      *slot.Store
	controller *reservation.Controller
	engine     *reconcile.Engine
	api        *api.Client
	resync     *resync.Resyncer

	writer atomic.Pointer[journal.Writer]
	pool   *pgxpool.Pool

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires a session from cfg. Nothing touches the network until Start.
func New(cfg config.Config, deps Deps) (*Session, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}

	id := cfg.Session.ID
	if id == "" {
		id = uuid.NewString()
	}
	logger = logger.With("session_id", id)

	creds, err := auth.LoadCredentials(cfg.Realtime.Token, cfg.Realtime.TokenPath)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if creds.Expired(clk.Now()) {
		exp, _ := creds.ExpiresAt()
		logger.Warn("bearer token has expired; the server will likely reject the handshake", "expired_at", exp)
	}

	s := &Session{
		cfg:    cfg,
		id:     id,
		logger: logger,
		clock:  clk,
		creds:  creds,
		store:  slot.NewStore(clk),
	}

	s.manager = deps.Manager
	if s.manager == nil {
		s.manager = connection.NewManager(managerConfig(cfg, creds, id), logger.With("component", "connection"))
	}

	s.router = router.NewRouter(router.RouterConfig{QueueSize: router.DefaultRouterConfig().QueueSize}, s.manager.Messages(), logger.With("component", "router"))

	if cfg.API.RestURL != "" {
		s.api = api.NewClient(cfg.API.RestURL, creds.Token,
			api.WithLogger(logger.With("component", "api")),
			api.WithTimeout(cfg.API.Timeout),
			api.WithRetries(cfg.API.MaxRetries, cfg.API.RetryBackoff),
			api.WithClientID(id),
		)
	}

	rec := journal.RecorderFunc(s.record)
	opts := []reservation.Option{
		reservation.WithClock(clk),
		reservation.WithJournal(rec),
		reservation.WithLogger(logger),
	}
	if cfg.Reservation.RESTFallback && s.api != nil {
		opts = append(opts, reservation.WithFallback(s.api))
	}
	s.controller = reservation.NewController(reservation.Config{TTL: cfg.Reservation.TTL}, s.manager, s.store, opts...)

	s.engine = reconcile.NewEngine(s.store, s.controller, rec, logger)

	if s.api != nil {
		s.resync = resync.New(resync.Config{
			Interval:    cfg.Resync.Interval,
			Concurrency: cfg.Resync.Concurrency,
			Clock:       clk,
		}, s.api, resync.ProvidersFunc(s.Providers), s.router.Events(), logger)
	}

	return s, nil
}

func managerConfig(cfg config.Config, creds *auth.Credentials, id string) connection.ManagerConfig {
	rt := cfg.Realtime
	return connection.ManagerConfig{
		BaseURL:              rt.URL,
		Namespace:            rt.Namespace,
		Token:                creds.Token,
		ClientID:             id,
		ReconnectBaseWait:    rt.ReconnectBaseDelay,
		MaxReconnectAttempts: rt.MaxReconnectAttempts,
		MessageBufferSize:    rt.BufferSize,
		Client: connection.ClientConfig{
			HandshakeTimeout: rt.HandshakeTimeout,
			PingInterval:     rt.PingInterval,
			PingTimeout:      rt.PingTimeout,
			WriteTimeout:     rt.WriteTimeout,
			BufferSize:       rt.BufferSize,
		},
	}
}

// Start opens the journal, starts the pipeline, connects and joins every
// configured provider room. Connection failures are retried in the background.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	if s.cfg.Journal.Enabled {
		if err := s.openJournal(ctx, runCtx); err != nil {
			cancel()
			return err
		}
	}

	if err := s.router.Start(runCtx); err != nil {
		cancel()
		s.closeJournal(context.Background())
		return fmt.Errorf("start router: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.engine.Run(runCtx, s.router.Events()); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("reconcile engine stopped", "error", err)
		}
	}()

	if s.resync != nil {
		s.resync.Start(runCtx)
	}

	_, states, unsubscribe := s.manager.Watch()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.watchConnection(runCtx, states)
	}()

	if err := s.manager.Connect(runCtx); err != nil {
		s.abortStart(cancel)
		return fmt.Errorf("connect: %w", err)
	}
	for _, p := range s.cfg.Providers {
		if err := s.manager.JoinRoom(p); err != nil {
			s.logger.Warn("join room failed", "provider_id", p, "error", err)
		}
	}

	s.cancel = cancel
	s.started = true

	s.logger.Info("session started",
		"realtime_url", connection.EndpointURL(s.cfg.Realtime.URL, s.cfg.Realtime.Namespace),
		"providers", len(s.cfg.Providers),
		"anonymous", s.creds.Anonymous(),
		"rest_fallback", s.cfg.Reservation.RESTFallback && s.api != nil,
		"journal", s.cfg.Journal.Enabled,
	)
	return nil
}

// abortStart unwinds a Start that failed after the pipeline was running.
// The session cannot be started again. Must be called with mu held.
func (s *Session) abortStart(cancel context.CancelFunc) {
	ctx, stop := context.WithTimeout(context.Background(), s.cfg.Session.ShutdownTimeout)
	defer stop()

	if s.resync != nil {
		s.resync.Stop(ctx)
	}
	s.router.Stop(ctx)
	cancel()
	s.wg.Wait()
	s.closeJournal(ctx)

	s.controller.Close()
	s.stopped = true
}

// closeJournal flushes the writer and closes the pool, if a journal is open.
func (s *Session) closeJournal(ctx context.Context) error {
	w := s.writer.Swap(nil)
	if w == nil {
		return nil
	}
	err := w.Stop(ctx)
	s.pool.Close()
	s.pool = nil
	return err
}

func (s *Session) openJournal(ctx, runCtx context.Context) error {
	db := s.cfg.Journal.Database
	s.logger.Info("connecting to journal database",
		"host", db.Host,
		"port", db.Port,
		"database", db.Name,
	)

	pool, err := database.Connect(ctx, db)
	if err != nil {
		return fmt.Errorf("connect journal database: %w", err)
	}
	if err := database.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return fmt.Errorf("ensure journal schema: %w", err)
	}

	w := journal.NewWriter(journal.WriterConfig{
		SessionID:     s.id,
		BatchSize:     s.cfg.Journal.BatchSize,
		FlushInterval: s.cfg.Journal.FlushInterval,
		BufferSize:    s.cfg.Journal.BufferSize,
	}, pool, s.logger.With("component", "journal"))
	w.Start(runCtx)

	s.pool = pool
	s.writer.Store(w)
	return nil
}

// watchConnection journals connects and terminal failures and triggers resync.
func (s *Session) watchConnection(ctx context.Context, states <-chan connection.State) {
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-states:
			switch st {
			case connection.StateConnected:
				epoch := s.manager.Stats().Epoch
				s.record(journal.Entry{Kind: journal.KindConnected, Epoch: epoch})
				if s.resync != nil && s.cfg.Resync.Enabled() {
					s.resync.Trigger()
				}
			case connection.StateDisconnected:
				if d := s.manager.Diagnostic(); d.Terminal {
					s.logger.Error("real-time connection gave up",
						"attempts", d.Attempts,
						"last_error", d.LastError,
						"url", d.URL,
						"has_token", d.HasToken,
						"likely_causes", d.Causes,
					)
					s.record(journal.Entry{Kind: journal.KindGaveUp, Detail: d.LastError})
				}
			}
		}
	}
}

// Stop tears the session down: release the held slot, leave rooms,
// disconnect, drain the pipeline and flush the journal. Safe to call more than once.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true

	s.controller.Close()

	if !s.started {
		return nil
	}

	for _, p := range s.cfg.Providers {
		if err := s.manager.LeaveRoom(p); err != nil {
			s.logger.Debug("leave room failed", "provider_id", p, "error", err)
		}
	}

	var errs []error
	if err := s.manager.Disconnect(ctx); err != nil {
		errs = append(errs, fmt.Errorf("disconnect: %w", err))
	}
	if s.resync != nil {
		if err := s.resync.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop resync: %w", err))
		}
	}
	if err := s.router.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop router: %w", err))
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("session pipeline stop timed out")
	}
	s.cancel()

	if err := s.closeJournal(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush journal: %w", err))
	}

	s.logger.Info("session stopped")
	return errors.Join(errs...)
}

func (s *Session) record(e journal.Entry) {
	if w := s.writer.Load(); w != nil {
		w.Record(e)
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Providers returns the provider rooms this session follows.
func (s *Session) Providers() []string {
	return s.cfg.Providers
}

// Store returns the slot store.
func (s *Session) Store() *slot.Store {
	return s.store
}

// Controller returns the reservation controller.
func (s *Session) Controller() *reservation.Controller {
	return s.controller
}

// Manager returns the connection manager.
func (s *Session) Manager() connection.Manager {
	return s.manager
}

// Reserve reserves slotID for the configured TTL.
func (s *Session) Reserve(ctx context.Context, slotID string) error {
	return s.controller.Reserve(ctx, slotID, 0)
}

// Release releases slotID if this session holds it.
func (s *Session) Release(slotID string) {
	s.controller.Release(slotID)
}

// Notices subscribes to user-facing notices.
func (s *Session) Notices() (<-chan reconcile.Notice, func()) {
	return s.engine.Notices()
}

// WaitConnected blocks until the connection is up, ctx is done or retries run out.
func (s *Session) WaitConnected(ctx context.Context) error {
	cur, states, cancel := s.manager.Watch()
	defer cancel()

	for {
		switch cur {
		case connection.StateConnected:
			return nil
		case connection.StateDisconnected:
			if d := s.manager.Diagnostic(); d.Terminal {
				return fmt.Errorf("%w: %s", connection.ErrNotConnected, d.LastError)
			}
		case connection.StateClosed:
			return connection.ErrNotConnected
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case cur = <-states:
		case <-time.After(time.Second):
			cur = s.manager.State()
		}
	}
}

// Stats returns aggregated statistics.
func (s *Session) Stats() Stats {
	st := Stats{
		Connection: s.manager.Stats(),
		Router:     s.router.Stats(),
		Engine:     s.engine.Stats(),
	}
	if s.resync != nil {
		rs := s.resync.Stats()
		st.Resync = &rs
	}
	if w := s.writer.Load(); w != nil {
		js := w.Stats()
		st.Journal = &js
	}
	return st
}
