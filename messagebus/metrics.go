package messagebus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/duplexbus/metric"
)

type busMetrics struct {
	services prometheus.Gauge
	clients  prometheus.Gauge
	relayed  *prometheus.CounterVec
	rejected *prometheus.CounterVec
}

func newBusMetrics(registry *metric.MetricsRegistry) *busMetrics {
	if registry == nil {
		return nil
	}
	m := &busMetrics{
		services: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duplexbus",
			Subsystem: "messagebus",
			Name:      "services",
			Help:      "Registered services",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duplexbus",
			Subsystem: "messagebus",
			Name:      "clients",
			Help:      "Clients bound to a service",
		}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duplexbus",
			Subsystem: "messagebus",
			Name:      "relayed_total",
			Help:      "Messages relayed by direction",
		}, []string{"direction"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duplexbus",
			Subsystem: "messagebus",
			Name:      "rejected_total",
			Help:      "Sessions disconnected by the bus, by reason",
		}, []string{"reason"}),
	}

	_ = registry.Register("messagebus", "services", m.services)
	_ = registry.Register("messagebus", "clients", m.clients)
	_ = registry.Register("messagebus", "relayed_total", m.relayed)
	_ = registry.Register("messagebus", "rejected_total", m.rejected)
	return m
}

func (m *busMetrics) setCounts(services, clients int) {
	if m == nil {
		return
	}
	m.services.Set(float64(services))
	m.clients.Set(float64(clients))
}

func (m *busMetrics) relay(direction string) {
	if m != nil {
		m.relayed.WithLabelValues(direction).Inc()
	}
}

func (m *busMetrics) reject(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}
