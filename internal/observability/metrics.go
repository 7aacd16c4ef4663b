package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics of the client and the demo server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Request metrics
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   prometheus.Histogram
	BytesReceived     prometheus.Counter
	WorkUnitsInState  *prometheus.GaugeVec

	// Connection metrics
	QUICConnectionsTotal   *prometheus.CounterVec
	QUICConnectionsActive  prometheus.Gauge
	QUICConnectionDuration prometheus.Histogram
	QUICStreamsActive      prometheus.Gauge
	QUICHandshakesTotal    *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics creates all metrics on reg. A nil reg uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quicreq_requests_total",
				Help: "Requests finished, by final state and error kind",
			},
			[]string{"state", "kind"},
		),

		RequestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "quicreq_request_duration_seconds",
				Help:    "Time from scheduling to terminal state",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
		),

		BytesReceived: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "quicreq_bytes_received_total",
				Help: "Response body bytes received",
			},
		),

		WorkUnitsInState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quicreq_work_units",
				Help: "Work units currently in each state",
			},
			[]string{"state"},
		),

		QUICConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quicreq_quic_connections_total",
				Help: "QUIC connection attempts",
			},
			[]string{"result"},
		),

		QUICConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "quicreq_quic_connections_active",
				Help: "Active QUIC connections",
			},
		),

		QUICConnectionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "quicreq_quic_connection_duration_seconds",
				Help:    "QUIC connection lifetime",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
		),

		QUICStreamsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "quicreq_quic_streams_active",
				Help: "Active QUIC streams",
			},
		),

		QUICHandshakesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quicreq_quic_handshakes_total",
				Help: "Completed handshakes, by resumption",
			},
			[]string{"resumed"},
		),

		gatherer: gatherer,
	}
}

// RecordRequest records a terminal work unit.
func (m *Metrics) RecordRequest(state, kind string, bytes int64, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(state, kind).Inc()
	m.RequestDuration.Observe(durationSeconds)
	m.BytesReceived.Add(float64(bytes))
}

// RecordTransition moves one work unit between state gauges. An empty from
// only increments to.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.WorkUnitsInState.WithLabelValues(from).Dec()
	}
	m.WorkUnitsInState.WithLabelValues(to).Inc()
}

// RecordQUICConnection records QUIC connection attempts.
func (m *Metrics) RecordQUICConnection(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.QUICConnectionsTotal.WithLabelValues(result).Inc()

	if success {
		m.QUICConnectionsActive.Inc()
	}
}

// RecordQUICConnectionClose updates metrics for closed QUIC connections.
func (m *Metrics) RecordQUICConnectionClose(durationSeconds float64) {
	if m == nil {
		return
	}
	m.QUICConnectionsActive.Dec()
	m.QUICConnectionDuration.Observe(durationSeconds)
}

// RecordHandshake counts a completed handshake.
func (m *Metrics) RecordHandshake(resumed bool) {
	if m == nil {
		return
	}
	label := "false"
	if resumed {
		label = "true"
	}
	m.QUICHandshakesTotal.WithLabelValues(label).Inc()
}

// StreamOpened and StreamClosed track active streams.
func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.QUICStreamsActive.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.QUICStreamsActive.Dec()
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
