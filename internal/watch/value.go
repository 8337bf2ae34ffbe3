// Package watch provides a latest-value broadcast used for connection state,
// slot snapshots and reservation holds.
//
// Subscribers receive the current value synchronously on Subscribe, then every
// later value. A slow subscriber only ever misses intermediate values: its
// channel always ends up holding the most recent one.
package watch

import "sync"

// Value holds a value of type T and fans out changes to subscribers.
type Value[T any] struct {
	mu     sync.Mutex
	cur    T
	subs   map[int]chan T
	nextID int
}

// NewValue creates a Value holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{
		cur:  initial,
		subs: make(map[int]chan T),
	}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur
}

// Set stores val and notifies all subscribers without blocking.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.cur = val
	for _, ch := range v.subs {
		offerLatest(ch, val)
	}
}

// Subscribe returns the current value and a channel of subsequent values.
// The returned cancel func closes the channel and is safe to call more than once.
func (v *Value[T]) Subscribe() (T, <-chan T, func()) {
	v.mu.Lock()
	defer v.mu.Unlock()

	id := v.nextID
	v.nextID++
	ch := make(chan T, 1)
	v.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			delete(v.subs, id)
			close(ch)
		})
	}

	return v.cur, ch, cancel
}

// offerLatest replaces any undelivered value in ch with val.
func offerLatest[T any](ch chan T, val T) {
	for {
		select {
		case ch <- val:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
