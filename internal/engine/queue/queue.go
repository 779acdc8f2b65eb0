package queue

import (
	"errors"
	"sort"
	"sync"

	"github.com/pulseops/pulse-engine/pkg/types"
)

var (
	ErrQueueFull   = errors.New("event queue is full")
	ErrQueueClosed = errors.New("event queue is closed")
)

// Queue is a bounded, priority-ordered staging area for events awaiting a
// worker. Higher priority dequeues first; equal priorities dequeue in
// submission order. Enqueue on a full queue fails immediately - there is
// no blocking, eviction or retry on the submit path.
//
// The signal channel (buffered, size 1) coalesces enqueue notifications so
// consumers can wait context-aware:
//
//	select {
//	case <-ctx.Done():
//	    return
//	case <-q.Wait():
//	    // TryDequeue until empty
//	}
type Queue struct {
	mu       sync.Mutex
	capacity int
	items    []entry
	seq      uint64
	dropped  uint64
	closed   bool
	signal   chan struct{}
}

// entry pairs an event with a monotonic sequence number so that ties
// within a priority keep submission order even when CreatedAt timestamps
// collide.
type entry struct {
	event *types.Event
	seq   uint64
}

// New creates a queue holding at most capacity events.
func New(capacity int) (*Queue, error) {
	if capacity <= 0 {
		return nil, errors.New("queue capacity must be positive")
	}
	return &Queue{
		capacity: capacity,
		items:    make([]entry, 0, capacity),
		signal:   make(chan struct{}, 1),
	}, nil
}

// Enqueue admits an event or rejects it. A full queue returns ErrQueueFull
// and increments the drop counter; the event leaves no other trace.
func (q *Queue) Enqueue(event *types.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if len(q.items) >= q.capacity {
		q.dropped++
		return ErrQueueFull
	}

	q.seq++
	e := entry{event: event, seq: q.seq}

	// Insertion point: after every item of >= priority, so equal
	// priorities stay FIFO.
	idx := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].event.Priority < event.Priority
	})
	q.items = append(q.items, entry{})
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = e

	select {
	case q.signal <- struct{}{}:
	default:
	}

	return nil
}

// TryDequeue removes the highest-priority event without blocking.
// Returns (nil, false) when the queue is empty.
func (q *Queue) TryDequeue() (*types.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}

	e := q.items[0]
	// Nil the slot so the backing array does not retain the event.
	q.items[0] = entry{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}

	// Wake another waiter if a backlog remains.
	if len(q.items) > 0 && !q.closed {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}

	return e.event, true
}

// Wait returns the signal channel. It is closed when the queue closes, so
// waiters never hang on shutdown.
func (q *Queue) Wait() <-chan struct{} {
	return q.signal
}

// Depth returns the number of queued events.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the maximum depth.
func (q *Queue) Capacity() int {
	return q.capacity
}

// Dropped returns how many submissions were rejected for lack of space.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Closed reports whether the queue has been closed.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close rejects future enqueues and wakes all waiters. Already-queued
// events remain dequeueable for draining.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
