package router

import (
	"errors"
	"time"

	"github.com/miravisor/slotsync/internal/slot"
)

// Errors
var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrUnknownEvent   = errors.New("unknown event")
	ErrQueueClosed    = errors.New("queue closed")
)

// Server -> client event names.
const (
	EventStatusUpdated        = "slot-status-updated"
	EventBatchUpdated         = "multiple-slots-updated"
	EventReserved             = "slot-reserved"
	EventReservationConfirmed = "slot-reservation-confirmed"
	EventReservationFailed    = "slot-reservation-failed"
	EventBooked               = "slot-booked"
	EventRemoved              = "slot-removed"
	EventReleased             = "slot-released"
	EventReleaseFailed        = "slot-release-failed"
	EventRoomJoined           = "room-joined"
	EventRoomLeft             = "room-left"
)

// Meta is carried by every normalized event.
type Meta struct {
	Name       string    // Wire event name
	ReceivedAt time.Time // Local receive timestamp
	Epoch      uint64    // Connection epoch the frame arrived on (0 = synthesized)
}

// EventMeta returns m. Embedding Meta satisfies half of Event.
func (m Meta) EventMeta() Meta { return m }

// Event is a normalized server event. The set of implementations is closed:
// StatusUpdated, BatchUpdated, Reserved, ReservationConfirmed,
// ReservationFailed, Booked, Released, ReleaseFailed and RoomAck.
type Event interface {
	EventMeta() Meta
	isEvent()
}

// StatusUpdated is a single authoritative status change.
type StatusUpdated struct {
	Meta
	Record slot.Record
}

// BatchUpdated is a set of status changes applied together.
type BatchUpdated struct {
	Meta
	Records []slot.Record
	Dropped int // members without a usable identifier or status

	// SnapshotAt is set on batches rebuilt from a REST snapshot: the time the
	// fetch started. Zero for batches pushed by the server.
	SnapshotAt time.Time
}

// Reserved reports a reservation by any client.
type Reserved struct {
	Meta
	Record slot.Record
}

// ReservationConfirmed confirms a reservation this client requested.
type ReservationConfirmed struct {
	Meta
	Record slot.Record
}

// ReservationFailed rejects a reservation this client requested.
type ReservationFailed struct {
	Meta
	SlotID string
	Reason string
}

// Booked reports a slot that is no longer bookable.
type Booked struct {
	Meta
	Record  slot.Record
	Removed bool // slot-removed rather than slot-booked
}

// Released reports a slot returned to availability.
type Released struct {
	Meta
	Record slot.Record
}

// ReleaseFailed reports a release the server refused.
type ReleaseFailed struct {
	Meta
	SlotID string
	Reason string
}

// RoomAck acknowledges a join-room or leave-room.
type RoomAck struct {
	Meta
	ProviderID string
	Joined     bool
}

func (StatusUpdated) isEvent()        {}
func (BatchUpdated) isEvent()         {}
func (Reserved) isEvent()             {}
func (ReservationConfirmed) isEvent() {}
func (ReservationFailed) isEvent()    {}
func (Booked) isEvent()               {}
func (Released) isEvent()             {}
func (ReleaseFailed) isEvent()        {}
func (RoomAck) isEvent()              {}

// RouterConfig configures the router.
type RouterConfig struct {
	QueueSize int // Initial event queue capacity (grows on demand)
}

// DefaultRouterConfig returns sensible defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		QueueSize: 1024,
	}
}

// RouterStats contains runtime statistics.
type RouterStats struct {
	MessagesReceived int64
	EventsRouted     int64
	MalformedEvents  int64
	UnknownEvents    int64
	Queue            QueueStats
}
