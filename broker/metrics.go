package broker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/duplexbus/metric"
)

type brokerMetrics struct {
	subscriptions *prometheus.GaugeVec
	published     prometheus.Counter
	delivered     prometheus.Counter
	failures      *prometheus.CounterVec
}

func newBrokerMetrics(registry *metric.MetricsRegistry) *brokerMetrics {
	if registry == nil {
		return nil
	}
	m := &brokerMetrics{
		subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "duplexbus",
			Subsystem: "broker",
			Name:      "subscriptions",
			Help:      "Active subscriptions by type",
		}, []string{"type"}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duplexbus",
			Subsystem: "broker",
			Name:      "published_total",
			Help:      "Messages published",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duplexbus",
			Subsystem: "broker",
			Name:      "delivered_total",
			Help:      "Messages delivered to subscribers",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duplexbus",
			Subsystem: "broker",
			Name:      "failures_total",
			Help:      "Failed deliveries, matches and requests by reason",
		}, []string{"reason"}),
	}

	_ = registry.Register("broker", "subscriptions", m.subscriptions)
	_ = registry.Register("broker", "published_total", m.published)
	_ = registry.Register("broker", "delivered_total", m.delivered)
	_ = registry.Register("broker", "failures_total", m.failures)
	return m
}

func (m *brokerMetrics) setSubscriptions(exact, regex int) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues("exact").Set(float64(exact))
	m.subscriptions.WithLabelValues("regexp").Set(float64(regex))
}

func (m *brokerMetrics) publish() {
	if m != nil {
		m.published.Inc()
	}
}

func (m *brokerMetrics) deliver() {
	if m != nil {
		m.delivered.Inc()
	}
}

func (m *brokerMetrics) fail(reason string) {
	if m != nil {
		m.failures.WithLabelValues(reason).Inc()
	}
}
