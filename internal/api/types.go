package api

import (
	"encoding/json"
	"time"
)

// ReservationRequest is the body of POST /reservations.
type ReservationRequest struct {
	SlotID    string `json:"slotId"`
	Duration  int64  `json:"duration"`  // TTL in milliseconds
	Timestamp int64  `json:"timestamp"` // Client time in epoch milliseconds
}

// Reservation is a server-side reservation.
type Reservation struct {
	ID        string    `json:"id"`
	SlotID    string    `json:"slotId"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ReservationResponse from POST /reservations
type ReservationResponse struct {
	Reservation Reservation `json:"reservation"`
}

// SlotsResponse from GET /providers/{providerId}/slots
// Records share the push payload shape and are normalized by the caller.
type SlotsResponse struct {
	Slots []json.RawMessage `json:"slots"`
}

// errorBody is the error shape the service answers with.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
