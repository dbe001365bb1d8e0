// Package buffer provides a bounded, thread-safe FIFO with configurable overflow
// behaviour.
//
// The dedicated dispatcher queues callbacks in a CircularBuffer using the Block
// policy and drains it with Take from a single goroutine.
package buffer

import (
	"context"
)

// Buffer is a bounded FIFO of items of type T.
type Buffer[T any] interface {
	// Write adds an item. Behaviour on a full buffer depends on the overflow policy.
	Write(item T) error

	// WriteWithContext is Write that gives up when ctx ends while blocked.
	WriteWithContext(ctx context.Context, item T) error

	// Read removes the oldest item without blocking.
	Read() (T, bool)

	// Take removes the oldest item, blocking until one is available, the buffer
	// is closed and drained, or ctx ends.
	Take(ctx context.Context) (T, error)

	Size() int
	Capacity() int
	Stats() Snapshot

	// Close wakes all blocked callers. Items already queued remain readable.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest

	// Block causes Write operations to block until space is available.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// DropCallback is called, outside the buffer lock, with each item dropped by
// the overflow policy.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a buffer holding at most capacity items.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := &bufferOptions[T]{overflowPolicy: DropOldest}
	for _, o := range options {
		o(opts)
	}
	return newCircularBuffer(capacity, opts)
}
