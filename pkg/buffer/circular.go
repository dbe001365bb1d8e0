package buffer

import (
	"context"
	"sync"

	"github.com/c360/duplexbus/errors"
)

type circularBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	closed   bool

	// changed is closed and replaced whenever an item is added, removed or the
	// buffer is closed, so waiters can also select on a context.
	changed chan struct{}

	stats   statistics
	metrics *bufferMetrics
	opts    *bufferOptions[T]
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*circularBuffer[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	cb := &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		changed:  make(chan struct{}),
		opts:     opts,
	}

	if opts.metricsReg != nil && opts.metricsName != "" {
		m, err := newBufferMetrics(opts.metricsReg, opts.metricsName)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newCircularBuffer", "metrics registration")
		}
		cb.metrics = m
	}
	return cb, nil
}

// signal wakes every waiter. Caller holds mu.
func (cb *circularBuffer[T]) signal() {
	close(cb.changed)
	cb.changed = make(chan struct{})
}

func (cb *circularBuffer[T]) Write(item T) error {
	return cb.WriteWithContext(context.Background(), item)
}

func (cb *circularBuffer[T]) WriteWithContext(ctx context.Context, item T) error {
	cb.mu.Lock()

	for {
		if cb.closed {
			cb.mu.Unlock()
			return errors.WrapInvalid(errors.ErrClosed, "Buffer", "Write", "write to buffer")
		}
		if cb.size < cb.capacity {
			break
		}

		switch cb.opts.overflowPolicy {
		case DropNewest:
			cb.mu.Unlock()
			cb.dropped(item)
			return nil

		case DropOldest:
			oldest := cb.pop()
			cb.push(item)
			cb.mu.Unlock()
			cb.dropped(oldest)
			return nil

		default:
			wait := cb.changed
			cb.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return errors.WrapTransient(ctx.Err(), "Buffer", "Write", "wait for space")
			}
			cb.mu.Lock()
		}
	}

	cb.push(item)
	cb.mu.Unlock()
	return nil
}

// push appends item. Caller holds mu and has checked capacity.
func (cb *circularBuffer[T]) push(item T) {
	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++
	cb.stats.writes.Add(1)
	cb.stats.updateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.depth.Set(float64(cb.size))
	}
	cb.signal()
}

// pop removes the oldest item. Caller holds mu and has checked size.
func (cb *circularBuffer[T]) pop() T {
	var zero T
	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--
	cb.stats.reads.Add(1)
	cb.stats.updateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.depth.Set(float64(cb.size))
	}
	cb.signal()
	return item
}

func (cb *circularBuffer[T]) dropped(item T) {
	cb.stats.drops.Add(1)
	if cb.metrics != nil {
		cb.metrics.drops.Inc()
	}
	if cb.opts.dropCallback != nil {
		cb.opts.dropCallback(item)
	}
}

func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.size == 0 {
		var zero T
		return zero, false
	}
	return cb.pop(), true
}

func (cb *circularBuffer[T]) Take(ctx context.Context) (T, error) {
	var zero T
	cb.mu.Lock()
	for cb.size == 0 {
		if cb.closed {
			cb.mu.Unlock()
			return zero, errors.ErrClosed
		}
		wait := cb.changed
		cb.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		cb.mu.Lock()
	}
	item := cb.pop()
	cb.mu.Unlock()
	return item, nil
}

func (cb *circularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

func (cb *circularBuffer[T]) Stats() Snapshot {
	return cb.stats.snapshot(cb.capacity)
}

func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.closed {
		cb.closed = true
		cb.signal()
	}
	return nil
}
