package slot

import (
	"strings"
	"time"
)

// Status is the server-authoritative state of a slot.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusAvailable Status = "available"
	StatusReserved  Status = "reserved"
	StatusBooked    Status = "booked"
)

// ParseStatus converts a wire status (any case) to a Status.
// Unrecognized values map to StatusUnknown.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "available", "free":
		return StatusAvailable
	case "reserved", "held":
		return StatusReserved
	case "booked", "removed":
		return StatusBooked
	default:
		return StatusUnknown
	}
}

// Known reports whether s is one of the three modelled states.
func (s Status) Known() bool {
	return s == StatusAvailable || s == StatusReserved || s == StatusBooked
}

// StatusInfo is the UI-facing projection of a slot's status.
type StatusInfo struct {
	IsAvailable   bool       `json:"isAvailable"`
	IsReserved    bool       `json:"isReserved"`
	IsBooked      bool       `json:"isBooked"`
	CanBeReserved bool       `json:"canBeReserved"`
	ReservedUntil *time.Time `json:"reservedUntil,omitempty"`
	StatusMessage string     `json:"statusMessage,omitempty"`
}

// StatusFromFlags derives a Status from the projection flags.
// Booked wins over reserved, reserved over available.
func (i StatusInfo) StatusFromFlags() Status {
	switch {
	case i.IsBooked:
		return StatusBooked
	case i.IsReserved:
		return StatusReserved
	case i.IsAvailable:
		return StatusAvailable
	default:
		return StatusUnknown
	}
}

// InfoFor synthesizes the default projection for a status.
func InfoFor(status Status) StatusInfo {
	return Record{Status: status, Info: StatusInfo{CanBeReserved: true}}.Canonical().Info
}

// Record is a normalized status change for one slot.
type Record struct {
	SlotID    string
	Status    Status
	Info      StatusInfo
	StartTime time.Time // zero if the event did not carry it
	EndTime   time.Time
}

// Canonical returns r with the projection forced to agree with Status:
// exactly one of the three flags is set, only an available slot can be
// reserved, and only a reserved slot carries a deadline.
// If Status is unknown it is derived from the flags first.
func (r Record) Canonical() Record {
	if !r.Status.Known() {
		r.Status = r.Info.StatusFromFlags()
	}

	r.Info.IsAvailable = r.Status == StatusAvailable
	r.Info.IsReserved = r.Status == StatusReserved
	r.Info.IsBooked = r.Status == StatusBooked

	if r.Status != StatusAvailable {
		r.Info.CanBeReserved = false
	}
	if r.Status != StatusReserved {
		r.Info.ReservedUntil = nil
	}
	if r.Info.StatusMessage == "" {
		r.Info.StatusMessage = defaultMessage(r.Status)
	}
	return r
}

func defaultMessage(s Status) string {
	switch s {
	case StatusAvailable:
		return "Available for booking"
	case StatusReserved:
		return "Temporarily reserved"
	case StatusBooked:
		return "Already booked"
	default:
		return ""
	}
}

// Slot is the stored state of a bookable interval.
type Slot struct {
	ID        string     `json:"slotId"`
	Status    Status     `json:"status"`
	Info      StatusInfo `json:"statusInfo"`
	StartTime time.Time  `json:"startTime,omitzero"`
	EndTime   time.Time  `json:"endTime,omitzero"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// EffectiveStatus returns the status as seen at now. A reservation whose
// deadline has passed reads as available.
func (s Slot) EffectiveStatus(now time.Time) Status {
	if s.Status == StatusReserved && s.Info.ReservedUntil != nil && !now.Before(*s.Info.ReservedUntil) {
		return StatusAvailable
	}
	return s.Status
}

// Reservable reports whether the slot can be reserved at now.
func (s Slot) Reservable(now time.Time) bool {
	switch s.EffectiveStatus(now) {
	case StatusAvailable:
		return s.Status != StatusAvailable || s.Info.CanBeReserved
	default:
		return false
	}
}
