package testutil

import (
	"sync"
	"time"

	"github.com/c360/duplexbus/connector"
	"github.com/c360/duplexbus/protocol"
)

// Recorder collects message contexts delivered to a handler.
type Recorder struct {
	mu      sync.Mutex
	items   []*connector.MessageContext
	changed chan struct{}
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{changed: make(chan struct{})}
}

// Handle records ctx. It matches both connector.ResponseHandler and
// connector.MessageHandler; nil end-of-connection contexts are recorded too.
func (r *Recorder) Handle(ctx *connector.MessageContext) {
	r.mu.Lock()
	r.items = append(r.items, ctx)
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
}

// All returns a copy of everything recorded.
func (r *Recorder) All() []*connector.MessageContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*connector.MessageContext(nil), r.items...)
}

// Len returns the number of recorded contexts.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Payloads returns the payloads of recorded data frames in order.
func (r *Recorder) Payloads() []any {
	var out []any
	for _, item := range r.All() {
		if item != nil && item.Message.Kind == protocol.KindData {
			out = append(out, item.Message.Payload)
		}
	}
	return out
}

// Kinds returns the frame kinds recorded, with nil contexts omitted.
func (r *Recorder) Kinds() []protocol.Kind {
	var out []protocol.Kind
	for _, item := range r.All() {
		if item != nil {
			out = append(out, item.Message.Kind)
		}
	}
	return out
}

// Ended reports how many nil end-of-connection contexts were recorded.
func (r *Recorder) Ended() int {
	n := 0
	for _, item := range r.All() {
		if item == nil {
			n++
		}
	}
	return n
}

// WaitFor blocks until cond holds for the recorded contexts or timeout elapses.
// It reports whether cond held.
func (r *Recorder) WaitFor(timeout time.Duration, cond func([]*connector.MessageContext) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		r.mu.Lock()
		ok := cond(r.items)
		wait := r.changed
		r.mu.Unlock()
		if ok {
			return true
		}
		select {
		case <-wait:
		case <-deadline.C:
			r.mu.Lock()
			defer r.mu.Unlock()
			return cond(r.items)
		}
	}
}

// WaitLen blocks until at least n contexts were recorded.
func (r *Recorder) WaitLen(n int, timeout time.Duration) bool {
	return r.WaitFor(timeout, func(items []*connector.MessageContext) bool { return len(items) >= n })
}

// WaitPayloads blocks until at least n data frames were recorded.
func (r *Recorder) WaitPayloads(n int, timeout time.Duration) bool {
	return r.WaitFor(timeout, func(items []*connector.MessageContext) bool {
		count := 0
		for _, item := range items {
			if item != nil && item.Message.Kind == protocol.KindData {
				count++
			}
		}
		return count >= n
	})
}
