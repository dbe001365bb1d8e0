package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "duplexbus"

// Metrics holds the transport level metrics shared by all connectors.
type Metrics struct {
	Sessions       *prometheus.GaugeVec
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	Errors         *prometheus.CounterVec
}

// NewMetrics creates the transport metrics without registering them.
func NewMetrics() *Metrics {
	return &Metrics{
		Sessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "connector",
				Name:      "sessions",
				Help:      "Open duplex sessions per transport and side",
			},
			[]string{"transport", "side"},
		),
		FramesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connector",
				Name:      "frames_sent_total",
				Help:      "Frames written by connectors",
			},
			[]string{"transport", "kind"},
		),
		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connector",
				Name:      "frames_received_total",
				Help:      "Frames decoded by connectors",
			},
			[]string{"transport", "kind"},
		),
		Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connector",
				Name:      "errors_total",
				Help:      "Connector errors by transport and class",
			},
			[]string{"transport", "class"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.Sessions, m.FramesSent, m.FramesReceived, m.Errors}
}

// SessionOpened increments the open session gauge. Safe on a nil receiver.
func (m *Metrics) SessionOpened(transport, side string) {
	if m != nil {
		m.Sessions.WithLabelValues(transport, side).Inc()
	}
}

// SessionClosed decrements the open session gauge. Safe on a nil receiver.
func (m *Metrics) SessionClosed(transport, side string) {
	if m != nil {
		m.Sessions.WithLabelValues(transport, side).Dec()
	}
}

// FrameSent counts one written frame. Safe on a nil receiver.
func (m *Metrics) FrameSent(transport, kind string) {
	if m != nil {
		m.FramesSent.WithLabelValues(transport, kind).Inc()
	}
}

// FrameReceived counts one decoded frame. Safe on a nil receiver.
func (m *Metrics) FrameReceived(transport, kind string) {
	if m != nil {
		m.FramesReceived.WithLabelValues(transport, kind).Inc()
	}
}

// Error counts one error of the given class. Safe on a nil receiver.
func (m *Metrics) Error(transport, class string) {
	if m != nil {
		m.Errors.WithLabelValues(transport, class).Inc()
	}
}
