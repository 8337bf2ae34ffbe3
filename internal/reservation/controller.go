package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/miravisor/slotsync/internal/api"
	"github.com/miravisor/slotsync/internal/clock"
	"github.com/miravisor/slotsync/internal/connection"
	"github.com/miravisor/slotsync/internal/journal"
	"github.com/miravisor/slotsync/internal/slot"
	"github.com/miravisor/slotsync/internal/watch"
)

// Controller owns this session's reservation intent.
type Controller struct {
	cfg      Config
	emitter  Emitter
	fallback Fallback
	store    StatusReader
	clock    clock.Clock
	journal  journal.Recorder
	logger   *slog.Logger

	// mu serializes hold changes. It is never held across network calls.
	mu     sync.Mutex
	closed bool
	hold   Hold
	timer  clock.Timer
	gen    uint64

	// pending is the slot of an in-flight REST reservation.
	pending string

	holds *watch.Value[Hold]
}

// Option configures a Controller.
type Option func(*Controller)

// WithFallback enables the REST path for reservations made while disconnected.
func WithFallback(f Fallback) Option {
	return func(c *Controller) {
		c.fallback = f
	}
}

// WithClock sets the clock used for expiry timers.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithJournal records intents and outcomes.
func WithJournal(r journal.Recorder) Option {
	return func(c *Controller) {
		if r != nil {
			c.journal = r
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewController creates a Controller.
func NewController(cfg Config, emitter Emitter, store StatusReader, opts ...Option) *Controller {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}

	c := &Controller{
		cfg:     cfg,
		emitter: emitter,
		store:   store,
		clock:   clock.Real(),
		journal: journal.Nop{},
		logger:  slog.Default(),
		holds:   watch.NewValue(Hold{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "reservation")

	return c
}

// Reserve asks the server for slotID, held for ttl (the configured TTL if ttl <= 0).
// It returns once the intent is sent; the outcome arrives through the engine.
// The REST fallback runs without holding the controller lock.
func (c *Controller) Reserve(ctx context.Context, slotID string, ttl time.Duration) error {
	if slotID == "" {
		return ErrEmptySlotID
	}
	if ttl <= 0 {
		ttl = c.cfg.TTL
	}

	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if (c.hold.Active() && c.hold.SlotID == slotID) || c.pending == slotID {
		c.mu.Unlock()
		return nil
	}

	if status := c.store.Status(slotID); status == slot.StatusBooked || status == slot.StatusReserved {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrSlotUnavailable, slotID, status)
	}
	if !c.store.Reservable(slotID) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s cannot be reserved", ErrSlotUnavailable, slotID)
	}

	if c.hold.Active() {
		c.releaseLocked("replaced")
	}

	now := c.clock.Now()
	req := api.ReservationRequest{
		SlotID:    slotID,
		Duration:  ttl.Milliseconds(),
		Timestamp: now.UnixMilli(),
	}

	if c.emitter.IsConnected() {
		err := c.emitter.Emit(connection.EventReserveSlot, req)
		if err == nil {
			c.pending = ""
			c.startLocked(Hold{SlotID: slotID, Phase: PhasePending, RequestedAt: now, Via: "socket"}, ttl)
			c.mu.Unlock()
			c.logger.Info("reservation requested", "slot_id", slotID, "ttl", ttl)
			return nil
		}
		if !errors.Is(err, connection.ErrNotConnected) {
			c.mu.Unlock()
			return fmt.Errorf("emit reserve: %w", err)
		}
	}

	if c.fallback == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: not connected", ErrNoTransport)
	}

	// Any hold change while the request is in flight supersedes it.
	c.gen++
	gen := c.gen
	c.pending = slotID
	c.mu.Unlock()

	return c.reserveREST(ctx, req, now, ttl, gen)
}

// reserveREST creates the reservation through the REST collaborator and
// installs the hold if nothing superseded it in the meantime.
func (c *Controller) reserveREST(ctx context.Context, req api.ReservationRequest, now time.Time, ttl time.Duration, gen uint64) error {
	res, err := c.fallback.CreateReservation(ctx, req)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen == c.gen {
		c.pending = ""
	}
	if err != nil {
		var apiErr *api.APIError
		if errors.As(err, &apiErr) && apiErr.IsConflict() {
			c.record(journal.KindRejected, req.SlotID, apiErr.Message)
			return fmt.Errorf("%w: %s", ErrReservationRejected, apiErr.Message)
		}
		c.logger.Warn("rest reservation failed", "slot_id", req.SlotID, "error", err)
		return fmt.Errorf("%w: %w", ErrNoTransport, err)
	}

	if c.closed || gen != c.gen {
		// The server holds a slot nobody wants any more.
		if err := c.emitter.Emit(connection.EventReleaseSlot, releasePayload{SlotID: req.SlotID}); err != nil {
			c.logger.Debug("release not sent", "slot_id", req.SlotID, "error", err)
		}
		c.record(journal.KindRelease, req.SlotID, "superseded")
		c.logger.Info("rest reservation superseded", "slot_id", req.SlotID, "reservation_id", res.ID)
		if c.closed {
			return ErrClosed
		}
		return fmt.Errorf("%w: %s", ErrSuperseded, req.SlotID)
	}

	h := Hold{SlotID: req.SlotID, Phase: PhaseConfirmed, RequestedAt: now, Via: "rest"}
	if !res.ExpiresAt.IsZero() {
		ttl = res.ExpiresAt.Sub(c.clock.Now())
	}
	c.startLocked(h, ttl)
	c.record(journal.KindReserve, req.SlotID, "rest")
	c.logger.Info("reservation created over rest",
		"slot_id", req.SlotID,
		"reservation_id", res.ID,
		"expires_at", res.ExpiresAt,
	)
	return nil
}

// Release gives up slotID. It never fails: the local hold is cleared at once
// whether or not the intent reaches the server. No-op if slotID is not held.
func (c *Controller) Release(slotID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != "" && c.pending == slotID {
		// The in-flight REST reservation is released when it lands.
		c.pending = ""
		c.gen++
		return
	}
	if !c.hold.Active() || c.hold.SlotID != slotID {
		return
	}
	c.releaseLocked("requested")
}

// Close releases any held slot and rejects later reservations. Safe to call more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.pending = ""

	if c.hold.Active() {
		c.releaseLocked("teardown")
	}
	c.logger.Info("reservation controller closed")
	return nil
}

// Current returns the active hold, if any.
func (c *Controller) Current() (Hold, bool) {
	h := c.holds.Get()
	return h, h.Active()
}

// Selected reports whether slotID is held by this session.
func (c *Controller) Selected(slotID string) bool {
	h := c.holds.Get()
	return h.Active() && h.SlotID == slotID
}

// Holds is Selected, named for the engine's point of view.
func (c *Controller) Holds(slotID string) bool {
	return c.Selected(slotID)
}

// Subscribe returns the current hold and a channel of later changes.
func (c *Controller) Subscribe() (Hold, <-chan Hold, func()) {
	return c.holds.Subscribe()
}

// Confirm marks slotID as confirmed by the server. A non-nil until replaces
// the local expiry with the server's deadline; otherwise the hold stays until
// released, booked or cleared. Returns false if slotID is not held.
func (c *Controller) Confirm(slotID string, until *time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hold.Active() || c.hold.SlotID != slotID {
		return false
	}

	h := c.hold
	h.Phase = PhaseConfirmed
	if until != nil {
		c.startLocked(h, until.Sub(c.clock.Now()))
	} else {
		c.stopTimerLocked()
		h.ExpiresAt = time.Time{}
		c.setLocked(h)
	}

	c.record(journal.KindConfirmed, slotID, "")
	c.logger.Info("reservation confirmed", "slot_id", slotID, "reserved_until", until)
	return true
}

// Reject clears a hold the server refused. Returns false if slotID is not held.
func (c *Controller) Reject(slotID, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hold.Active() || c.hold.SlotID != slotID {
		return false
	}
	c.clearLocked()
	c.record(journal.KindRejected, slotID, reason)
	c.logger.Info("reservation rejected", "slot_id", slotID, "reason", reason)
	return true
}

// Clear drops the hold on slotID without emitting anything. Used when the
// server booked, released or gave the slot away. Returns false if slotID is not held.
func (c *Controller) Clear(slotID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hold.Active() || c.hold.SlotID != slotID {
		return false
	}
	c.clearLocked()
	c.logger.Debug("hold cleared", "slot_id", slotID)
	return true
}

// releaseLocked emits release-slot for the current hold and clears it. Must be called with mu held.
func (c *Controller) releaseLocked(why string) {
	slotID := c.hold.SlotID
	if err := c.emitter.Emit(connection.EventReleaseSlot, releasePayload{SlotID: slotID}); err != nil {
		c.logger.Debug("release not sent", "slot_id", slotID, "error", err)
	}
	c.clearLocked()
	c.record(journal.KindRelease, slotID, why)
	c.logger.Info("reservation released", "slot_id", slotID, "reason", why)
}

// startLocked installs h with a fresh expiry timer. Must be called with mu held.
func (c *Controller) startLocked(h Hold, ttl time.Duration) {
	c.stopTimerLocked()

	c.gen++
	gen := c.gen
	slotID := h.SlotID
	h.ExpiresAt = c.clock.Now().Add(ttl)
	c.timer = c.clock.AfterFunc(ttl, func() {
		c.expire(slotID, gen)
	})
	c.setLocked(h)
	if h.Phase == PhasePending {
		c.record(journal.KindReserve, slotID, h.Via)
	}
}

// expire clears the hold if the timer that fired is still the current one.
func (c *Controller) expire(slotID string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || !c.hold.Active() || c.hold.SlotID != slotID {
		return
	}
	phase := c.hold.Phase
	c.timer = nil
	c.clearLocked()
	c.record(journal.KindExpired, slotID, phase.String())
	c.logger.Info("reservation expired", "slot_id", slotID, "phase", phase)
}

func (c *Controller) clearLocked() {
	c.stopTimerLocked()
	c.gen++
	c.setLocked(Hold{})
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) setLocked(h Hold) {
	c.hold = h
	c.holds.Set(h)
}

func (c *Controller) record(kind journal.Kind, slotID, detail string) {
	c.journal.Record(journal.Entry{Kind: kind, SlotID: slotID, Detail: detail})
}
