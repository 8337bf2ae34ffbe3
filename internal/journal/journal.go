// Package journal records what this client did during a session:
// reservation intents and their outcomes, plus connection diagnostics.
// It never stores slot state.
package journal

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies a journal entry.
type Kind string

const (
	KindReserve       Kind = "reserve"
	KindRelease       Kind = "release"
	KindConfirmed     Kind = "confirmed"
	KindRejected      Kind = "rejected"
	KindExpired       Kind = "expired"
	KindTaken         Kind = "taken"
	KindBooked        Kind = "booked"
	KindReleaseFailed Kind = "release_failed"
	KindConnected     Kind = "connected"
	KindGaveUp        Kind = "gave_up"
)

// Entry is one journal row.
type Entry struct {
	ID         uuid.UUID
	SessionID  string
	Kind       Kind
	SlotID     string
	ProviderID string
	Detail     string
	Epoch      uint64
	At         time.Time
}

// Recorder accepts entries. Record must not block.
type Recorder interface {
	Record(e Entry)
}

// Nop discards every entry.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(Entry) {}

// RecorderFunc adapts a function to a Recorder.
type RecorderFunc func(Entry)

// Record implements Recorder.
func (f RecorderFunc) Record(e Entry) { f(e) }
