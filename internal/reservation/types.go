package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/miravisor/slotsync/internal/api"
	"github.com/miravisor/slotsync/internal/slot"
)

// Errors
var (
	ErrClosed              = errors.New("reservation controller closed")
	ErrEmptySlotID         = errors.New("slot id is required")
	ErrSlotUnavailable     = errors.New("slot unavailable")
	ErrNoTransport         = errors.New("no transport available for reservation")
	ErrReservationRejected = errors.New("reservation rejected")
	ErrSuperseded          = errors.New("reservation superseded")
)

// DefaultTTL is how long a hold lives without confirmation.
const DefaultTTL = 5 * time.Minute

// Phase is the local lifecycle of a hold.
type Phase int

const (
	PhaseNone Phase = iota
	PhasePending
	PhaseConfirmed
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhasePending:
		return "pending"
	case PhaseConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Hold is the slot this session is reserving. The zero Hold means nothing is held.
type Hold struct {
	SlotID      string
	Phase       Phase
	RequestedAt time.Time
	ExpiresAt   time.Time // local deadline; zero once confirmed without a server deadline
	Via         string    // "socket" or "rest"
}

// Active reports whether h holds a slot.
func (h Hold) Active() bool {
	return h.SlotID != "" && h.Phase != PhaseNone
}

// Emitter sends intents over the real-time connection.
type Emitter interface {
	Emit(event string, payload any) error
	IsConnected() bool
}

// Fallback creates reservations out of band when the socket is down.
type Fallback interface {
	CreateReservation(ctx context.Context, req api.ReservationRequest) (*api.Reservation, error)
}

// StatusReader reports the server-authoritative status of a slot.
type StatusReader interface {
	Status(slotID string) slot.Status
	Reservable(slotID string) bool
}

// Config configures the controller.
type Config struct {
	TTL time.Duration
}

// releasePayload is the body of release-slot.
type releasePayload struct {
	SlotID string `json:"slotId"`
}
