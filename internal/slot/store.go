package slot

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/miravisor/slotsync/internal/clock"
	"github.com/miravisor/slotsync/internal/watch"
)

// ErrInvalidRecord is returned for records without an id or a known status.
var ErrInvalidRecord = errors.New("invalid slot record")

// Snapshot is an immutable view of every known slot.
type Snapshot struct {
	Version uint64
	slots   map[string]Slot
}

// Get looks up a slot by id.
func (s Snapshot) Get(id string) (Slot, bool) {
	sl, ok := s.slots[id]
	return sl, ok
}

// Len returns the number of known slots.
func (s Snapshot) Len() int {
	return len(s.slots)
}

// All returns every slot ordered by start time, then id.
func (s Snapshot) All() []Slot {
	out := make([]Slot, 0, len(s.slots))
	for _, sl := range s.slots {
		out = append(out, sl)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Store holds the authoritative slot map.
//
// Readers load the current snapshot atomically and never block. Writes copy
// the map, apply changes and publish the copy, so a batch is observed either
// entirely or not at all.
type Store struct {
	clock clock.Clock

	cur     atomic.Pointer[Snapshot]
	writeMu sync.Mutex // serializes writers; readers never take it
	changes *watch.Value[Snapshot]
}

// NewStore creates an empty Store.
func NewStore(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	empty := Snapshot{slots: map[string]Slot{}}
	s := &Store{
		clock:   clk,
		changes: watch.NewValue(empty),
	}
	s.cur.Store(&empty)
	return s
}

// Snapshot returns the current view.
func (s *Store) Snapshot() Snapshot {
	return *s.cur.Load()
}

// Get looks up a slot by id in the current view.
func (s *Store) Get(id string) (Slot, bool) {
	return s.Snapshot().Get(id)
}

// Status returns the effective status of a slot, or StatusUnknown if it was never seen.
func (s *Store) Status(id string) Status {
	sl, ok := s.Get(id)
	if !ok {
		return StatusUnknown
	}
	return sl.EffectiveStatus(s.clock.Now())
}

// Reservable reports whether id can be reserved right now. Unknown slots are
// reservable: the server decides.
func (s *Store) Reservable(id string) bool {
	sl, ok := s.Get(id)
	if !ok {
		return true
	}
	return sl.Reservable(s.clock.Now())
}

// Update upserts a single slot.
func (s *Store) Update(rec Record) error {
	if n := s.UpdateMany([]Record{rec}); n == 0 {
		return ErrInvalidRecord
	}
	return nil
}

// UpdateMany upserts a batch of slots in one atomic publish and returns the
// number of records applied. Invalid records are skipped.
func (s *Store) UpdateMany(recs []Record) int {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev := s.cur.Load()
	next := make(map[string]Slot, len(prev.slots)+len(recs))
	for id, sl := range prev.slots {
		next[id] = sl
	}

	now := s.clock.Now()
	applied := 0
	for _, rec := range recs {
		rec = rec.Canonical()
		if rec.SlotID == "" || !rec.Status.Known() {
			continue
		}

		sl := next[rec.SlotID]
		sl.ID = rec.SlotID
		sl.Status = rec.Status
		sl.Info = rec.Info
		sl.UpdatedAt = now
		if !rec.StartTime.IsZero() {
			sl.StartTime = rec.StartTime
		}
		if !rec.EndTime.IsZero() {
			sl.EndTime = rec.EndTime
		}
		next[rec.SlotID] = sl
		applied++
	}

	if applied == 0 {
		return 0
	}

	snap := &Snapshot{Version: prev.Version + 1, slots: next}
	s.cur.Store(snap)
	s.changes.Set(*snap)
	return applied
}

// Subscribe returns the current snapshot and a channel of later snapshots.
// Call cancel to stop receiving.
func (s *Store) Subscribe() (Snapshot, <-chan Snapshot, func()) {
	_, ch, cancel := s.changes.Subscribe()
	return s.Snapshot(), ch, cancel
}
