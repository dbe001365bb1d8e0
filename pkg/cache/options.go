package cache

import (
	"github.com/c360/duplexbus/metric"
)

// Option configures a cache.
type Option[V any] func(*settings[V])

type settings[V any] struct {
	registry  *metric.MetricsRegistry
	component string
	onEvict   EvictCallback[V]
}

// WithMetrics exports counters labelled with component. Ignored when registry
// is nil or component is empty.
func WithMetrics[V any](registry *metric.MetricsRegistry, component string) Option[V] {
	return func(s *settings[V]) {
		if registry == nil || component == "" {
			return
		}
		s.registry, s.component = registry, component
	}
}

// WithEvictionCallback sets the callback invoked for removed entries.
func WithEvictionCallback[V any](callback EvictCallback[V]) Option[V] {
	return func(s *settings[V]) { s.onEvict = callback }
}

func collect[V any](options []Option[V]) settings[V] {
	var s settings[V]
	for _, opt := range options {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}
