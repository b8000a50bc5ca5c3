// Package metric provides Prometheus instrumentation for the streaming core.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics (not component-specific).
type Metrics struct {
	// Connection metrics
	ConnectionState  *prometheus.GaugeVec
	ConnectsTotal    *prometheus.CounterVec
	DisconnectsTotal *prometheus.CounterVec

	// Streaming metrics
	LinesSent         *prometheus.CounterVec
	BytesSent         *prometheus.CounterVec
	AcksReceived      *prometheus.CounterVec
	PendingBytes      *prometheus.GaugeVec
	BufferUtilization *prometheus.GaugeVec

	// Protocol metrics
	AlarmsTotal     *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec

	// DrainBatchSize observes how many commands each drain pass admitted.
	DrainBatchSize *prometheus.HistogramVec

	// Detection metrics
	DetectDuration *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance with all platform metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "gcodekit",
				Subsystem: "connection",
				Name:      "state",
				Help:      "Connection state (0=disconnected, 1=connecting, 2=connected, 3=error)",
			},
			[]string{"machine"},
		),

		ConnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gcodekit",
				Subsystem: "connection",
				Name:      "connects_total",
				Help:      "Total number of successful connection attempts",
			},
			[]string{"machine", "transport"},
		),

		DisconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gcodekit",
				Subsystem: "connection",
				Name:      "disconnects_total",
				Help:      "Total number of disconnections",
			},
			[]string{"machine", "reason"},
		),

		LinesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gcodekit",
				Subsystem: "stream",
				Name:      "lines_sent_total",
				Help:      "Total number of G-code lines written to the controller",
			},
			[]string{"machine"},
		),

		BytesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gcodekit",
				Subsystem: "stream",
				Name:      "bytes_sent_total",
				Help:      "Total number of bytes written to the controller",
			},
			[]string{"machine"},
		),

		AcksReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gcodekit",
				Subsystem: "stream",
				Name:      "acks_received_total",
				Help:      "Total number of acknowledgements consumed",
			},
			[]string{"machine"},
		),

		PendingBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "gcodekit",
				Subsystem: "stream",
				Name:      "pending_bytes",
				Help:      "Bytes currently outstanding in the controller input buffer",
			},
			[]string{"machine"},
		),

		BufferUtilization: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "gcodekit",
				Subsystem: "stream",
				Name:      "buffer_utilization_ratio",
				Help:      "Controller buffer usage (0-1) showing flow-control pressure",
			},
			[]string{"machine"},
		),

		AlarmsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gcodekit",
				Subsystem: "protocol",
				Name:      "alarms_total",
				Help:      "Total number of alarms reported by the controller",
			},
			[]string{"machine", "code"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gcodekit",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"machine", "type"},
		),

		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gcodekit",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Total number of events delivered to listeners",
			},
			[]string{"machine", "type"},
		),

		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gcodekit",
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Events dropped because a listener queue was full",
			},
			[]string{"machine"},
		),

		DrainBatchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gcodekit",
				Subsystem: "stream",
				Name:      "drain_batch_size",
				Help:      "Commands admitted per drain pass",
				Buckets:   []float64{0, 1, 2, 4, 8, 16, 32},
			},
			[]string{"machine"},
		),

		DetectDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gcodekit",
				Subsystem: "firmware",
				Name:      "detect_duration_seconds",
				Help:      "Firmware detection duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"result"},
		),
	}
}

// RecordConnectionState updates the connection state gauge.
func (m *Metrics) RecordConnectionState(machine string, state int) {
	m.ConnectionState.WithLabelValues(machine).Set(float64(state))
}

// RecordConnect increments the successful-connect counter.
func (m *Metrics) RecordConnect(machine, transport string) {
	m.ConnectsTotal.WithLabelValues(machine, transport).Inc()
}

// RecordDisconnect increments the disconnect counter.
func (m *Metrics) RecordDisconnect(machine, reason string) {
	m.DisconnectsTotal.WithLabelValues(machine, reason).Inc()
}

// RecordLineSent records one line and its byte length written to the wire.
func (m *Metrics) RecordLineSent(machine string, bytes int) {
	m.LinesSent.WithLabelValues(machine).Inc()
	m.BytesSent.WithLabelValues(machine).Add(float64(bytes))
}

// RecordAck increments the acknowledgement counter.
func (m *Metrics) RecordAck(machine string) {
	m.AcksReceived.WithLabelValues(machine).Inc()
}

// RecordPendingBytes updates the flow-control gauges.
func (m *Metrics) RecordPendingBytes(machine string, pending, capacity int) {
	m.PendingBytes.WithLabelValues(machine).Set(float64(pending))
	if capacity > 0 {
		m.BufferUtilization.WithLabelValues(machine).Set(float64(pending) / float64(capacity))
	}
}

// RecordAlarm increments the alarm counter.
func (m *Metrics) RecordAlarm(machine, code string) {
	m.AlarmsTotal.WithLabelValues(machine, code).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(machine, errorType string) {
	m.ErrorsTotal.WithLabelValues(machine, errorType).Inc()
}

// RecordEventPublished increments the published-event counter.
func (m *Metrics) RecordEventPublished(machine, eventType string) {
	m.EventsPublished.WithLabelValues(machine, eventType).Inc()
}

// RecordEventDropped increments the dropped-event counter.
func (m *Metrics) RecordEventDropped(machine string) {
	m.EventsDropped.WithLabelValues(machine).Inc()
}

// RecordDrainBatch observes how many commands one drain pass admitted.
func (m *Metrics) RecordDrainBatch(machine string, admitted int) {
	m.DrainBatchSize.WithLabelValues(machine).Observe(float64(admitted))
}

// RecordDetectDuration records how long firmware detection took.
func (m *Metrics) RecordDetectDuration(result string, duration time.Duration) {
	m.DetectDuration.WithLabelValues(result).Observe(duration.Seconds())
}
