// Package ringchan provides a bounded channel-like buffer with
// overwrite-oldest semantics, used to hand characteristic notifications
// to application callbacks without ever stalling a session's serial
// context behind a slow consumer.
package ringchan

import "sync"

// RingChannel wraps a buffered channel and guarantees producers never
// block: if the buffer is full, the oldest element is discarded.
//
// Writers use Send. Readers range over C() until it is closed. Send and
// Close serialize on one mutex, so a Send racing Close can never hit a
// closed channel.
type RingChannel[T any] struct {
	mu      sync.Mutex
	ch      chan T
	closed  bool
	dropped uint64
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Consumers can range
// over it until the RingChannel is closed.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element if the buffer is full.
// Never blocks. Sending after Close is a no-op.
func (rc *RingChannel[T]) Send(v T) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	select {
	case rc.ch <- v:
		return
	default:
	}
	select {
	case <-rc.ch: // drop oldest
		rc.dropped++
	default:
	}
	// Senders hold the mutex and receivers only free space, so one
	// slot is guaranteed here.
	rc.ch <- v
}

// Dropped reports how many elements were discarded to make room.
func (rc *RingChannel[T]) Dropped() uint64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.dropped
}

// Len reports the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.ch)
}

// Close closes the channel, signaling EOF to consumers. Idempotent.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	rc.closed = true
	close(rc.ch)
}
