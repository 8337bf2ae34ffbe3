package reconcile

import (
	"time"

	"github.com/miravisor/slotsync/internal/reservation"
	"github.com/miravisor/slotsync/internal/slot"
)

// NoticeKind identifies a user-facing notice.
type NoticeKind string

const (
	NoticeSlotTaken           NoticeKind = "slot_taken"
	NoticeReservationRejected NoticeKind = "reservation_rejected"
	NoticeReleaseFailed       NoticeKind = "release_failed"
	NoticeSlotBooked          NoticeKind = "slot_booked"
)

// Notice tells the UI something happened to a slot it may care about.
type Notice struct {
	Kind    NoticeKind
	SlotID  string
	Message string
	At      time.Time
}

// Store is the slot state the engine writes to.
type Store interface {
	Get(slotID string) (slot.Slot, bool)
	Update(rec slot.Record) error
	UpdateMany(recs []slot.Record) int
}

// Holder is the reservation state the engine drives.
type Holder interface {
	Current() (reservation.Hold, bool)
	Holds(slotID string) bool
	Confirm(slotID string, until *time.Time) bool
	Reject(slotID, reason string) bool
	Clear(slotID string) bool
}

// EngineStats contains runtime statistics.
type EngineStats struct {
	Applied        int64
	Notices        int64
	NoticesDropped int64
	Epoch          uint64
}

// noticeBuffer is the per-subscriber notice backlog.
const noticeBuffer = 64
