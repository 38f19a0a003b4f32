// Package metrics holds the Prometheus collectors for the graph host and its
// producer bridges. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"graphhost/internal/domain"
)

const namespace = "graphhost"

type Metrics struct {
	connections         prometheus.Gauge
	connectionsAccepted prometheus.Counter
	disconnects         *prometheus.CounterVec
	samplesPublished    prometheus.Counter
	seriesKnown         prometheus.Gauge
	framesSent          *prometheus.CounterVec
	bytesSent           prometheus.Counter
	framesDropped       *prometheus.CounterVec
	protocolErrors      prometheus.Counter
	bridgeMessages      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. It returns nil when
// reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "host", Name: "connections",
			Help: "Number of live client connections",
		}),
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "host", Name: "connections_accepted_total",
			Help: "Total accepted client connections",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "host", Name: "disconnects_total",
			Help: "Client connections closed, by reason",
		}, []string{"reason"}),
		samplesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "host", Name: "samples_published_total",
			Help: "Samples accepted by the publish API",
		}),
		seriesKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "host", Name: "series_known",
			Help: "Number of distinct series published so far",
		}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "host", Name: "frames_sent_total",
			Help: "Frames fully written to clients, by kind",
		}, []string{"kind"}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "host", Name: "bytes_sent_total",
			Help: "Bytes written to clients",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "host", Name: "frames_dropped_total",
			Help: "Queued frames discarded before delivery, by reason",
		}, []string{"reason"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "host", Name: "protocol_errors_total",
			Help: "Command frames ignored because of an unknown tag",
		}),
		bridgeMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "messages_total",
			Help: "Messages handled by producer bridges, by bridge and outcome",
		}, []string{"bridge", "outcome"}),
	}
	reg.MustRegister(
		m.connections,
		m.connectionsAccepted,
		m.disconnects,
		m.samplesPublished,
		m.seriesKnown,
		m.framesSent,
		m.bytesSent,
		m.framesDropped,
		m.protocolErrors,
		m.bridgeMessages,
	)
	return m
}

func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.connectionsAccepted.Inc()
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed(reason domain.DisconnectReason) {
	if m == nil {
		return
	}
	m.connections.Dec()
	m.disconnects.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) SamplePublished(newSeries bool) {
	if m == nil {
		return
	}
	m.samplesPublished.Inc()
	if newSeries {
		m.seriesKnown.Inc()
	}
}

func (m *Metrics) FrameSent(kind string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) BytesSent(n int) {
	if m == nil {
		return
	}
	m.bytesSent.Add(float64(n))
}

func (m *Metrics) FramesDropped(reason domain.DropReason, n int) {
	if m == nil || n == 0 {
		return
	}
	m.framesDropped.WithLabelValues(string(reason)).Add(float64(n))
}

func (m *Metrics) ProtocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

// BridgeMessage records one message handled by a producer bridge. Outcome is
// one of "published", "rejected" or "retry".
func (m *Metrics) BridgeMessage(bridge, outcome string) {
	if m == nil {
		return
	}
	m.bridgeMessages.WithLabelValues(bridge, outcome).Inc()
}
