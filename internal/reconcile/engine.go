package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miravisor/slotsync/internal/journal"
	"github.com/miravisor/slotsync/internal/reservation"
	"github.com/miravisor/slotsync/internal/router"
	"github.com/miravisor/slotsync/internal/slot"
)

// Engine reconciles server events into local state.
type Engine struct {
	store   Store
	holds   Holder
	journal journal.Recorder
	logger  *slog.Logger
	now     func() time.Time

	epoch   atomic.Uint64
	applied atomic.Int64
	notices atomic.Int64
	dropped atomic.Int64

	mu     sync.Mutex
	subs   map[int]chan Notice
	nextID int
}

// NewEngine creates an Engine. A nil recorder disables journalling.
func NewEngine(store Store, holds Holder, rec journal.Recorder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = journal.Nop{}
	}

	return &Engine{
		store:   store,
		holds:   holds,
		journal: rec,
		logger:  logger.With("component", "reconcile"),
		now:     time.Now,
		subs:    make(map[int]chan Notice),
	}
}

// Run applies events from q until q is closed and drained or ctx is done.
func (e *Engine) Run(ctx context.Context, q *router.Queue[router.Event]) error {
	e.logger.Info("reconcile engine started")
	defer e.logger.Info("reconcile engine stopped")

	for {
		ev, err := q.Receive(ctx)
		if err != nil {
			if errors.Is(err, router.ErrQueueClosed) {
				return nil
			}
			return err
		}
		e.Apply(ev)
	}
}

// Apply reconciles a single event. Only one goroutine may call it at a time.
func (e *Engine) Apply(ev router.Event) {
	meta := ev.EventMeta()
	e.trackEpoch(meta)

	switch ev := ev.(type) {
	case router.StatusUpdated:
		e.upsert(ev.Record)
		e.afterStatus(ev.Record, meta)

	case router.BatchUpdated:
		recs := ev.Records
		if !ev.SnapshotAt.IsZero() {
			recs = e.newerThanStore(recs, ev.SnapshotAt)
		}
		n := e.store.UpdateMany(recs)
		for _, rec := range recs {
			// A snapshot may lag our own confirmation, so it only settles bookings.
			if !ev.SnapshotAt.IsZero() && rec.Status != slot.StatusBooked {
				continue
			}
			e.afterStatus(rec, meta)
		}
		e.logger.Debug("batch applied",
			"applied", n,
			"records", len(ev.Records),
			"stale", len(ev.Records)-len(recs),
			"epoch", meta.Epoch,
		)

	case router.Reserved:
		e.onReserved(ev, meta)

	case router.ReservationConfirmed:
		e.upsert(ev.Record)
		e.holds.Confirm(ev.Record.SlotID, ev.Record.Info.ReservedUntil)

	case router.ReservationFailed:
		e.holds.Reject(ev.SlotID, ev.Reason)
		e.publish(NoticeReservationRejected, ev.SlotID, ev.Reason)

	case router.Booked:
		e.upsert(ev.Record)
		if e.holds.Clear(ev.Record.SlotID) {
			e.record(journal.KindBooked, ev.Record.SlotID, meta, "")
			e.publish(NoticeSlotBooked, ev.Record.SlotID, ev.Record.Info.StatusMessage)
		}

	case router.Released:
		e.upsert(ev.Record)
		e.holds.Clear(ev.Record.SlotID)

	case router.ReleaseFailed:
		e.record(journal.KindReleaseFailed, ev.SlotID, meta, ev.Reason)
		e.publish(NoticeReleaseFailed, ev.SlotID, ev.Reason)

	case router.RoomAck:
		e.logger.Debug("room acknowledged", "provider_id", ev.ProviderID, "joined", ev.Joined)
		return
	}

	e.applied.Add(1)
}

// onReserved separates our own confirmation from a third party taking the slot.
func (e *Engine) onReserved(ev router.Reserved, meta router.Meta) {
	rec := ev.Record
	rec.Info.CanBeReserved = false
	e.upsert(rec)

	if e.holds.Holds(rec.SlotID) {
		e.holds.Confirm(rec.SlotID, rec.Info.ReservedUntil)
		return
	}

	e.record(journal.KindTaken, rec.SlotID, meta, "")
	e.publish(NoticeSlotTaken, rec.SlotID, "slot was reserved by another client")
}

// afterStatus keeps the hold consistent with a plain status update.
func (e *Engine) afterStatus(rec slot.Record, meta router.Meta) {
	switch rec.Status {
	case slot.StatusBooked:
		if e.holds.Clear(rec.SlotID) {
			e.record(journal.KindBooked, rec.SlotID, meta, "")
		}
	case slot.StatusAvailable:
		if h, ok := e.holds.Current(); ok && h.SlotID == rec.SlotID && h.Phase == reservation.PhaseConfirmed {
			e.holds.Clear(rec.SlotID)
		}
	}
}

// newerThanStore drops snapshot records for slots the store updated after the snapshot was taken.
func (e *Engine) newerThanStore(recs []slot.Record, at time.Time) []slot.Record {
	out := make([]slot.Record, 0, len(recs))
	for _, rec := range recs {
		if sl, ok := e.store.Get(rec.SlotID); ok && sl.UpdatedAt.After(at) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (e *Engine) upsert(rec slot.Record) {
	if err := e.store.Update(rec); err != nil {
		e.logger.Warn("store rejected record", "slot_id", rec.SlotID, "status", rec.Status, "error", err)
	}
}

func (e *Engine) trackEpoch(meta router.Meta) {
	if meta.Epoch == 0 {
		return
	}
	if prev := e.epoch.Swap(meta.Epoch); prev != meta.Epoch {
		e.logger.Info("events from new connection", "epoch", meta.Epoch, "previous_epoch", prev)
	}
}

func (e *Engine) record(kind journal.Kind, slotID string, meta router.Meta, detail string) {
	e.journal.Record(journal.Entry{Kind: kind, SlotID: slotID, Detail: detail, Epoch: meta.Epoch})
}

// Notices subscribes to user-facing notices. Call cancel to unsubscribe.
// A subscriber that falls behind loses notices rather than blocking the engine.
func (e *Engine) Notices() (<-chan Notice, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	ch := make(chan Notice, noticeBuffer)
	e.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
	return ch, cancel
}

func (e *Engine) publish(kind NoticeKind, slotID, msg string) {
	n := Notice{Kind: kind, SlotID: slotID, Message: msg, At: e.now()}
	e.notices.Add(1)

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ch := range e.subs {
		select {
		case ch <- n:
		default:
			e.dropped.Add(1)
		}
	}
	e.logger.Info("notice", "kind", kind, "slot_id", slotID, "message", msg)
}

// Stats returns current statistics.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Applied:        e.applied.Load(),
		Notices:        e.notices.Load(),
		NoticesDropped: e.dropped.Load(),
		Epoch:          e.epoch.Load(),
	}
}
