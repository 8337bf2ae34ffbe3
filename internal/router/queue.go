package router

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO between the router and the reconciliation
// engine. It starts at the given capacity and doubles when full, so
// producers never block and never drop.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []T
	head   int
	count  int
	closed bool

	enqueued int64
	dequeued int64
	resizes  int
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Len      int
	Cap      int
	Enqueued int64
	Dequeued int64
	Resizes  int
}

// NewQueue creates a queue with the given initial capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{buf: make([]T, capacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Send appends item. Returns false if the queue is closed.
func (q *Queue[T]) Send(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.count == len(q.buf) {
		q.grow()
	}

	q.buf[(q.head+q.count)%len(q.buf)] = item
	q.count++
	q.enqueued++
	q.cond.Signal()
	return true
}

// Receive blocks until an item is available, the queue is closed and
// drained (ErrQueueClosed), or ctx is done.
func (q *Queue[T]) Receive(ctx context.Context) (T, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed && ctx.Err() == nil {
		q.cond.Wait()
	}

	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if q.count == 0 {
		return zero, ErrQueueClosed
	}
	return q.pop(), nil
}

// TryReceive returns the next item without blocking.
func (q *Queue[T]) TryReceive() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.pop(), true
}

// DrainTo removes up to max items (all if max <= 0).
func (q *Queue[T]) DrainTo(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}

	out := make([]T, n)
	for i := range out {
		out[i] = q.pop()
	}
	return out
}

// Close stops accepting items. Receivers still get what is queued.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Len:      q.count,
		Cap:      len(q.buf),
		Enqueued: q.enqueued,
		Dequeued: q.dequeued,
		Resizes:  q.resizes,
	}
}

// pop removes the head item. Must be called with lock held and count > 0.
func (q *Queue[T]) pop() T {
	var zero T
	item := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.dequeued++
	return item
}

// grow doubles the capacity, unwrapping the ring. Must be called with lock held.
func (q *Queue[T]) grow() {
	buf := make([]T, len(q.buf)*2)
	n := copy(buf, q.buf[q.head:])
	copy(buf[n:], q.buf[:q.head])

	q.buf = buf
	q.head = 0
	q.resizes++
}
