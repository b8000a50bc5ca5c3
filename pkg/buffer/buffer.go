// Package buffer provides a generic, thread-safe circular buffer with
// configurable overflow policies. It backs the sent-line history kept by the
// streaming engine and bounds per-listener event queues so a slow consumer
// can never grow memory without limit.
package buffer

import "sync"

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called with each item dropped due to the overflow policy.
type DropCallback[T any] func(item T)

// Option configures a Ring.
type Option[T any] func(*Ring[T])

// WithOverflowPolicy sets the overflow policy. Default is DropOldest.
func WithOverflowPolicy[T any](p OverflowPolicy) Option[T] {
	return func(r *Ring[T]) { r.policy = p }
}

// WithDropCallback registers a callback invoked for every dropped item.
func WithDropCallback[T any](cb DropCallback[T]) Option[T] {
	return func(r *Ring[T]) { r.onDrop = cb }
}

// Ring is a fixed-capacity circular buffer. All methods are safe for
// concurrent use.
type Ring[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	policy   OverflowPolicy
	onDrop   DropCallback[T]
	dropped  uint64
}

// NewRing creates a ring buffer with the given capacity and options.
// Capacity below 1 is raised to 1.
func NewRing[T any](capacity int, opts ...Option[T]) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	r := &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		policy:   DropOldest,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Push adds an item according to the overflow policy. It returns false when
// the push caused an item (old or new) to be dropped.
func (r *Ring[T]) Push(item T) bool {
	r.mu.Lock()

	if r.size == r.capacity {
		switch r.policy {
		case DropOldest:
			droppedItem := r.items[r.tail]
			r.tail = (r.tail + 1) % r.capacity
			r.size--
			r.dropped++
			r.writeLocked(item)
			r.mu.Unlock()
			if r.onDrop != nil {
				r.onDrop(droppedItem)
			}
			return false
		case DropNewest:
			r.dropped++
			r.mu.Unlock()
			if r.onDrop != nil {
				r.onDrop(item)
			}
			return false
		}
	}

	r.writeLocked(item)
	r.mu.Unlock()
	return true
}

func (r *Ring[T]) writeLocked(item T) {
	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++
}

// Pop retrieves and removes the oldest item.
func (r *Ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	item := r.items[r.tail]
	r.items[r.tail] = zero
	r.tail = (r.tail + 1) % r.capacity
	r.size--
	return item, true
}

// Peek retrieves the oldest item without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.items[r.tail], true
}

// Snapshot returns the buffered items oldest-first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(r.tail+i)%r.capacity])
	}
	return out
}

// Len returns the current number of buffered items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the buffer capacity.
func (r *Ring[T]) Cap() int { return r.capacity }

// Dropped returns the total number of items dropped so far.
func (r *Ring[T]) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Clear removes all buffered items.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head, r.tail, r.size = 0, 0, 0
}
