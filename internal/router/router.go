package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/miravisor/slotsync/internal/connection"
)

// Router normalizes raw frames from the Connection Manager into typed
// events for the reconciliation engine.
type Router interface {
	// Start begins routing messages from the input channel.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the router and closes the event queue.
	Stop(ctx context.Context) error

	// Events returns the output queue.
	Events() *Queue[Event]

	// Stats returns current router statistics.
	Stats() RouterStats
}

// router is the internal implementation.
type router struct {
	cfg    RouterConfig
	logger *slog.Logger

	// Input from Connection Manager
	input <-chan connection.RawMessage

	// Output to the engine
	events *Queue[Event]

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	received  int64
	routed    int64
	malformed int64
	unknown   int64
}

// NewRouter creates a new Router.
func NewRouter(cfg RouterConfig, input <-chan connection.RawMessage, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}

	return &router{
		cfg:    cfg,
		logger: logger,
		input:  input,
		events: NewQueue[Event](cfg.QueueSize),
	}
}

// Start begins routing messages.
func (r *router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.routeLoop()

	r.logger.Info("event router started", "queue_size", r.cfg.QueueSize)

	return nil
}

// Stop gracefully shuts down the router.
func (r *router) Stop(ctx context.Context) error {
	r.logger.Info("stopping event router")

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("event router stopped")
	case <-ctx.Done():
		r.logger.Warn("event router stop timed out")
	}

	r.events.Close()

	return nil
}

// Events returns the output queue.
func (r *router) Events() *Queue[Event] {
	return r.events
}

// Stats returns current statistics.
func (r *router) Stats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RouterStats{
		MessagesReceived: r.received,
		EventsRouted:     r.routed,
		MalformedEvents:  r.malformed,
		UnknownEvents:    r.unknown,
		Queue:            r.events.Stats(),
	}
}

// routeLoop is the main routing goroutine.
func (r *router) routeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case raw, ok := <-r.input:
			if !ok {
				r.logger.Info("input channel closed")
				return
			}
			r.route(raw)
		}
	}
}

// route normalizes and queues a single frame.
func (r *router) route(raw connection.RawMessage) {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()

	ev, err := Normalize(raw)
	if err != nil {
		r.mu.Lock()
		if errors.Is(err, ErrUnknownEvent) {
			r.unknown++
		} else {
			r.malformed++
		}
		r.mu.Unlock()

		if errors.Is(err, ErrUnknownEvent) {
			r.logger.Debug("skipping event", "error", err)
		} else {
			r.logger.Warn("dropping malformed event", "error", err, "epoch", raw.Epoch)
		}
		return
	}

	if b, ok := ev.(BatchUpdated); ok && b.Dropped > 0 {
		r.mu.Lock()
		r.malformed += int64(b.Dropped)
		r.mu.Unlock()
		r.logger.Warn("dropped malformed batch members",
			"dropped", b.Dropped,
			"applied", len(b.Records),
		)
	}

	r.mu.Lock()
	if r.events.Send(ev) {
		r.routed++
	}
	r.mu.Unlock()
}
