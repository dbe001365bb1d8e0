// Package observer provides typed events with explicit subscription handles.
//
// Raise copies the handler list under a lock and invokes the copy after the lock
// is released, so handlers may subscribe, unsubscribe or raise again without
// deadlocking. A panicking handler is logged and does not stop delivery to the
// remaining handlers.
package observer

import (
	"log/slog"
	"sync"
)

// Handle identifies one subscription.
type Handle uint64

type entry[T any] struct {
	handle Handle
	fn     func(T)
}

// Event is a multicast event. The zero value is ready to use.
type Event[T any] struct {
	mu       sync.Mutex
	next     Handle
	handlers []entry[T]
	name     string
	logger   *slog.Logger
}

// New returns an event whose handler panics are logged under name.
func New[T any](name string, logger *slog.Logger) *Event[T] {
	return &Event[T]{name: name, logger: logger}
}

// Subscribe registers fn and returns a handle for Unsubscribe.
func (e *Event[T]) Subscribe(fn func(T)) Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	e.handlers = append(e.handlers, entry[T]{handle: e.next, fn: fn})
	return e.next
}

// Unsubscribe removes the handler registered under h. It reports whether a
// handler was removed.
func (e *Event[T]) Unsubscribe(h Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, en := range e.handlers {
		if en.handle == h {
			// Copy-on-write keeps snapshots handed to Raise intact.
			handlers := make([]entry[T], 0, len(e.handlers)-1)
			handlers = append(handlers, e.handlers[:i]...)
			e.handlers = append(handlers, e.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered handlers.
func (e *Event[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers)
}

// Raise invokes every handler registered at the time of the call.
func (e *Event[T]) Raise(v T) {
	e.mu.Lock()
	snapshot := e.handlers
	e.mu.Unlock()

	for _, en := range snapshot {
		e.invoke(en, v)
	}
}

func (e *Event[T]) invoke(en entry[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			logger := e.logger
			if logger == nil {
				logger = slog.Default()
			}
			logger.Warn("Event handler panicked", "event", e.name, "handle", en.handle, "panic", r)
		}
	}()
	en.fn(v)
}
