package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/miravisor/slotsync/internal/connection"
	"github.com/miravisor/slotsync/internal/slot"
)

// slotPayload is the union of every slot-related push payload shape.
type slotPayload struct {
	SlotID        json.RawMessage `json:"slotId"`
	Slot          *nestedSlot     `json:"slot"`
	ID            json.RawMessage `json:"id"`
	Status        string          `json:"status"`
	StatusInfo    *statusInfoWire `json:"statusInfo"`
	StartTime     json.RawMessage `json:"startTime"`
	EndTime       json.RawMessage `json:"endTime"`
	ReservedUntil json.RawMessage `json:"reservedUntil"`
	Reason        string          `json:"reason"`
	Message       string          `json:"message"`
}

type nestedSlot struct {
	ID         json.RawMessage `json:"id"`
	Status     string          `json:"status"`
	StatusInfo *statusInfoWire `json:"statusInfo"`
	StartTime  json.RawMessage `json:"startTime"`
	EndTime    json.RawMessage `json:"endTime"`
}

type statusInfoWire struct {
	IsAvailable   *bool           `json:"isAvailable"`
	IsReserved    *bool           `json:"isReserved"`
	IsBooked      *bool           `json:"isBooked"`
	CanBeReserved *bool           `json:"canBeReserved"`
	ReservedUntil json.RawMessage `json:"reservedUntil"`
	StatusMessage string          `json:"statusMessage"`
}

type batchPayload struct {
	Records []json.RawMessage `json:"records"`
	Slots   []json.RawMessage `json:"slots"`
}

type roomPayload struct {
	ProviderID string `json:"providerId"`
}

// Normalize converts one inbound frame into a typed Event.
// Returns an error wrapping ErrMalformedEvent or ErrUnknownEvent when the
// frame cannot be used; it never panics on payload shape.
func Normalize(raw connection.RawMessage) (Event, error) {
	var env connection.Envelope
	if err := json.Unmarshal(raw.Data, &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", ErrMalformedEvent, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrMalformedEvent)
	}

	meta := Meta{Name: env.Event, ReceivedAt: raw.ReceivedAt, Epoch: raw.Epoch}

	switch env.Event {
	case EventStatusUpdated:
		rec, err := decodeRecord(env.Data, slot.StatusUnknown)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", env.Event, err)
		}
		return StatusUpdated{Meta: meta, Record: rec}, nil

	case EventBatchUpdated:
		recs, dropped, err := decodeBatch(env.Data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", env.Event, err)
		}
		return BatchUpdated{Meta: meta, Records: recs, Dropped: dropped}, nil

	case EventReserved:
		rec, err := decodeRecord(env.Data, slot.StatusReserved)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", env.Event, err)
		}
		return Reserved{Meta: meta, Record: rec}, nil

	case EventReservationConfirmed:
		rec, err := decodeRecord(env.Data, slot.StatusReserved)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", env.Event, err)
		}
		return ReservationConfirmed{Meta: meta, Record: rec}, nil

	case EventReservationFailed:
		id, reason, err := decodeFailure(env.Data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", env.Event, err)
		}
		return ReservationFailed{Meta: meta, SlotID: id, Reason: reason}, nil

	case EventBooked, EventRemoved:
		rec, err := decodeRecord(env.Data, slot.StatusBooked)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", env.Event, err)
		}
		return Booked{Meta: meta, Record: rec, Removed: env.Event == EventRemoved}, nil

	case EventReleased:
		rec, err := decodeRecord(env.Data, slot.StatusAvailable)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", env.Event, err)
		}
		return Released{Meta: meta, Record: rec}, nil

	case EventReleaseFailed:
		id, reason, err := decodeFailure(env.Data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", env.Event, err)
		}
		return ReleaseFailed{Meta: meta, SlotID: id, Reason: reason}, nil

	case EventRoomJoined, EventRoomLeft:
		var p roomPayload
		if len(env.Data) > 0 {
			// Acks are informational; a bad payload is not worth dropping.
			_ = json.Unmarshal(env.Data, &p)
		}
		return RoomAck{Meta: meta, ProviderID: p.ProviderID, Joined: env.Event == EventRoomJoined}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, env.Event)
	}
}

// DecodeRecord normalizes one record in the push shape. Used for REST
// catch-up payloads, which share it.
func DecodeRecord(data []byte) (slot.Record, error) {
	return decodeRecord(data, slot.StatusUnknown)
}

// decodeRecord builds a canonical record. implied is the status the event
// kind stands for; StatusUnknown means the payload must say.
func decodeRecord(data []byte, implied slot.Status) (slot.Record, error) {
	var p slotPayload
	if err := unmarshalObject(data, &p); err != nil {
		return slot.Record{}, err
	}

	id := extractSlotID(p)
	if id == "" {
		return slot.Record{}, fmt.Errorf("%w: no slotId, slot.id or id", ErrMalformedEvent)
	}

	info := p.StatusInfo
	status := p.Status
	startRaw, endRaw := p.StartTime, p.EndTime
	if p.Slot != nil {
		if info == nil {
			info = p.Slot.StatusInfo
		}
		if status == "" {
			status = p.Slot.Status
		}
		if len(startRaw) == 0 {
			startRaw = p.Slot.StartTime
		}
		if len(endRaw) == 0 {
			endRaw = p.Slot.EndTime
		}
	}

	rec := slot.Record{SlotID: id, Status: implied}
	if !rec.Status.Known() {
		rec.Status = slot.ParseStatus(status)
	}
	if !rec.Status.Known() && info != nil {
		rec.Status = info.flags().StatusFromFlags()
	}
	if !rec.Status.Known() {
		return slot.Record{}, fmt.Errorf("%w: slot %s has no status", ErrMalformedEvent, id)
	}

	rec.Info = slot.InfoFor(rec.Status)
	if info != nil {
		if info.CanBeReserved != nil {
			rec.Info.CanBeReserved = *info.CanBeReserved
		}
		if info.StatusMessage != "" {
			rec.Info.StatusMessage = info.StatusMessage
		}
		if t, ok := parseInstant(info.ReservedUntil); ok {
			rec.Info.ReservedUntil = &t
		}
	}
	if rec.Info.ReservedUntil == nil {
		if t, ok := parseInstant(p.ReservedUntil); ok {
			rec.Info.ReservedUntil = &t
		}
	}

	rec.StartTime, _ = parseInstant(startRaw)
	rec.EndTime, _ = parseInstant(endRaw)

	return rec.Canonical(), nil
}

// decodeBatch accepts {"records": [...]}, {"slots": [...]} or a bare array.
func decodeBatch(data []byte) ([]slot.Record, int, error) {
	var members []json.RawMessage

	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		return nil, 0, fmt.Errorf("%w: empty batch", ErrMalformedEvent)
	case trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &members); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
	default:
		var p batchPayload
		if err := unmarshalObject(trimmed, &p); err != nil {
			return nil, 0, err
		}
		members = p.Records
		if members == nil {
			members = p.Slots
		}
	}

	recs := make([]slot.Record, 0, len(members))
	dropped := 0
	for _, m := range members {
		rec, err := decodeRecord(m, slot.StatusUnknown)
		if err != nil {
			dropped++
			continue
		}
		recs = append(recs, rec)
	}
	return recs, dropped, nil
}

func decodeFailure(data []byte) (string, string, error) {
	var p slotPayload
	if err := unmarshalObject(data, &p); err != nil {
		return "", "", err
	}
	id := extractSlotID(p)
	if id == "" {
		return "", "", fmt.Errorf("%w: no slotId, slot.id or id", ErrMalformedEvent)
	}
	reason := p.Reason
	if reason == "" {
		reason = p.Message
	}
	return id, reason, nil
}

// extractSlotID checks slotId, then slot.id, then id.
func extractSlotID(p slotPayload) string {
	if id := parseID(p.SlotID); id != "" {
		return id
	}
	if p.Slot != nil {
		if id := parseID(p.Slot.ID); id != "" {
			return id
		}
	}
	return parseID(p.ID)
}

// parseID accepts a JSON string or number.
func parseID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return strings.TrimSpace(s)
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return ""
		}
		return n.String()
	default:
		return ""
	}
}

// parseInstant accepts an RFC 3339 string or epoch milliseconds.
func parseInstant(raw json.RawMessage) (time.Time, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, false
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || s == "" {
			return time.Time{}, false
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}

	var ms json.Number
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, false
	}
	n, err := ms.Int64()
	if err != nil {
		f, ferr := ms.Float64()
		if ferr != nil {
			return time.Time{}, false
		}
		n = int64(f)
	}
	return time.UnixMilli(n).UTC(), true
}

func (w *statusInfoWire) flags() slot.StatusInfo {
	var info slot.StatusInfo
	if w.IsAvailable != nil {
		info.IsAvailable = *w.IsAvailable
	}
	if w.IsReserved != nil {
		info.IsReserved = *w.IsReserved
	}
	if w.IsBooked != nil {
		info.IsBooked = *w.IsBooked
	}
	return info
}

// unmarshalObject decodes a JSON object, mapping absent or non-object
// payloads to ErrMalformedEvent.
func unmarshalObject(data []byte, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%w: payload is not an object", ErrMalformedEvent)
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}
