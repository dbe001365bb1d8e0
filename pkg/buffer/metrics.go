package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/duplexbus/errors"
	"github.com/c360/duplexbus/metric"
)

type bufferMetrics struct {
	depth prometheus.Gauge
	drops prometheus.Counter
}

func newBufferMetrics(registry *metric.MetricsRegistry, name string) (*bufferMetrics, error) {
	m := &bufferMetrics{
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "duplexbus",
			Subsystem:   "buffer",
			Name:        "depth",
			ConstLabels: prometheus.Labels{"buffer": name},
			Help:        "Items currently queued",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "duplexbus",
			Subsystem:   "buffer",
			Name:        "drops_total",
			ConstLabels: prometheus.Labels{"buffer": name},
			Help:        "Items dropped by the overflow policy",
		}),
	}
	if err := registry.Register("buffer_"+name, "depth", m.depth); err != nil {
		return nil, errors.Wrap(err, "buffer", "newBufferMetrics", "register depth gauge")
	}
	if err := registry.Register("buffer_"+name, "drops", m.drops); err != nil {
		registry.Unregister("buffer_"+name, "depth")
		return nil, errors.Wrap(err, "buffer", "newBufferMetrics", "register drop counter")
	}
	return m, nil
}
