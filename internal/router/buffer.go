package router

import (
	"sync"
)

// GrowableBuffer is an unbounded, thread-safe FIFO queue. Send never blocks;
// the backing ring doubles its capacity when it reaches 70% full.
//
// It is used as a mailbox wherever a producer must not be slowed down by its
// consumer: manager and connection inboxes, bus subscribers, the event writer.
type GrowableBuffer[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ring   []T
	head   int
	tail   int
	count  int
	closed bool

	enqueued int64
	dequeued int64
	resizes  int
}

// BufferStats describes a buffer's fill and lifetime throughput.
type BufferStats struct {
	Len      int   `json:"len"`
	Cap      int   `json:"cap"`
	Enqueued int64 `json:"enqueued"`
	Dequeued int64 `json:"dequeued"`
	Resizes  int   `json:"resizes"`
}

// growAt is the fill percentage that triggers a resize.
const growAt = 70

// NewGrowableBuffer returns an empty buffer; capacities below one become one.
func NewGrowableBuffer[T any](initialCapacity int) *GrowableBuffer[T] {
	b := &GrowableBuffer[T]{ring: make([]T, max(initialCapacity, 1))}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Send appends an item. Returns false if the buffer is closed.
func (b *GrowableBuffer[T]) Send(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	if (b.count+1)*100 >= len(b.ring)*growAt {
		b.grow()
	}

	b.ring[b.tail] = item
	b.tail = (b.tail + 1) % len(b.ring)
	b.count++
	b.enqueued++

	b.cond.Signal()
	return true
}

// Receive removes and returns the oldest item, blocking until one is
// available. Returns false once the buffer is closed and empty.
func (b *GrowableBuffer[T]) Receive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}

	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.pop(), true
}

// TryReceive is the non-blocking form of Receive.
func (b *GrowableBuffer[T]) TryReceive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.pop(), true
}

// DrainTo removes up to limit items (all when limit <= 0) without blocking.
func (b *GrowableBuffer[T]) DrainTo(limit int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.count
	if limit > 0 {
		n = min(n, limit)
	}
	if n == 0 {
		return nil
	}

	out := make([]T, n)
	for i := range out {
		out[i] = b.pop()
	}
	return out
}

// Pipe forwards items to the returned channel so the buffer can be used in a
// select. The channel is closed once the buffer is closed and drained.
// Closing done closes the buffer and stops forwarding.
func (b *GrowableBuffer[T]) Pipe(done <-chan struct{}) <-chan T {
	out := make(chan T)
	exited := make(chan struct{})
	go func() {
		select {
		case <-done:
			b.Close()
		case <-exited:
		}
	}()
	go func() {
		defer close(out)
		defer close(exited)
		for {
			item, ok := b.Receive()
			if !ok {
				return
			}
			select {
			case out <- item:
			case <-done:
				return
			}
		}
	}()
	return out
}

// Close closes the buffer. Send returns false afterwards; receivers drain
// what is left and then observe the close.
func (b *GrowableBuffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.cond.Broadcast()
}

// Len returns the number of queued items.
func (b *GrowableBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the size of the backing ring.
func (b *GrowableBuffer[T]) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ring)
}

// Stats returns a snapshot of the buffer counters.
func (b *GrowableBuffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Len:      b.count,
		Cap:      len(b.ring),
		Enqueued: b.enqueued,
		Dequeued: b.dequeued,
		Resizes:  b.resizes,
	}
}

// pop removes the head item. Callers hold mu and ensure count > 0.
func (b *GrowableBuffer[T]) pop() T {
	var zero T
	item := b.ring[b.head]
	b.ring[b.head] = zero
	b.head = (b.head + 1) % len(b.ring)
	b.count--
	b.dequeued++
	return item
}

// grow doubles the ring, unwrapping queued items to the front. Callers hold mu.
func (b *GrowableBuffer[T]) grow() {
	ring := make([]T, len(b.ring)*2)
	for i := 0; i < b.count; i++ {
		ring[i] = b.ring[(b.head+i)%len(b.ring)]
	}
	b.ring = ring
	b.head = 0
	b.tail = b.count
	b.resizes++
}
