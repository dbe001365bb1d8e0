package buffer

import (
	"github.com/c360/duplexbus/metric"
)

// Option configures buffer behavior.
type Option[T any] func(*bufferOptions[T])

type bufferOptions[T any] struct {
	overflowPolicy OverflowPolicy
	dropCallback   DropCallback[T]
	metricsReg     *metric.MetricsRegistry
	metricsName    string
}

// WithOverflowPolicy sets the overflow behavior. Defaults to DropOldest.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(opts *bufferOptions[T]) {
		opts.overflowPolicy = policy
	}
}

// WithDropCallback registers fn to receive dropped items.
func WithDropCallback[T any](fn DropCallback[T]) Option[T] {
	return func(opts *bufferOptions[T]) {
		opts.dropCallback = fn
	}
}

// WithMetrics exports the buffer depth and drop count under name. A nil registry
// leaves metrics disabled.
func WithMetrics[T any](registry *metric.MetricsRegistry, name string) Option[T] {
	return func(opts *bufferOptions[T]) {
		opts.metricsReg = registry
		opts.metricsName = name
	}
}
