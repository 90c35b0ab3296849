package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aeolun/chatdrop/pkg/protocol"
)

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected prometheus.Counter
	authResults          *prometheus.CounterVec

	// Envelope metrics
	envelopesReceived *prometheus.CounterVec // by kind
	envelopesSent     *prometheus.CounterVec // by kind

	// Broadcast metrics
	broadcastFanout   *prometheus.HistogramVec
	broadcastDuration *prometheus.HistogramVec

	// Transfer metrics
	bytesUploaded   prometheus.Counter
	bytesDownloaded prometheus.Counter
}

// NewMetrics registers the server metrics (plus Go runtime and process
// collectors) on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)
	return &Metrics{
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatdrop_active_sessions",
				Help: "Current number of connected sessions",
			},
		),
		sessionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatdrop_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),
		sessionsDisconnected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatdrop_sessions_disconnected_total",
				Help: "Total number of sessions disconnected",
			},
		),
		authResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatdrop_auth_results_total",
				Help: "Login attempts by outcome",
			},
			[]string{"outcome"},
		),
		envelopesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatdrop_envelopes_received_total",
				Help: "Total number of envelopes received from clients by kind",
			},
			[]string{"kind"},
		),
		envelopesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatdrop_envelopes_sent_total",
				Help: "Total number of envelopes sent to clients by kind",
			},
			[]string{"kind"},
		),
		broadcastFanout: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatdrop_broadcast_fanout",
				Help:    "Number of sessions that received each broadcast",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"kind"},
		),
		broadcastDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatdrop_broadcast_duration_seconds",
				Help:    "Time taken to deliver a broadcast to every recipient",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		bytesUploaded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatdrop_upload_bytes_total",
				Help: "Total file bytes stored from uploads",
			},
		),
		bytesDownloaded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatdrop_download_bytes_total",
				Help: "Total file bytes sent to downloaders",
			},
		),
	}
}

// RecordActiveSessions updates the active session count
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated increments the session creation counter
func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

// RecordSessionDisconnected increments the session disconnection counter
func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsDisconnected.Inc()
}

// RecordAuthResult counts a login attempt ("success", "failure", "error")
func (m *Metrics) RecordAuthResult(outcome string) {
	m.authResults.WithLabelValues(outcome).Inc()
}

// RecordEnvelopeReceived increments the received counter for a kind
func (m *Metrics) RecordEnvelopeReceived(kind protocol.Kind) {
	m.envelopesReceived.WithLabelValues(kind.String()).Inc()
}

// RecordEnvelopesSent adds n to the sent counter for a kind
func (m *Metrics) RecordEnvelopesSent(kind protocol.Kind, n int) {
	m.envelopesSent.WithLabelValues(kind.String()).Add(float64(n))
}

// RecordBroadcast records fan-out and duration of one broadcast
func (m *Metrics) RecordBroadcast(kind protocol.Kind, recipients int, durationSeconds float64) {
	m.broadcastFanout.WithLabelValues(kind.String()).Observe(float64(recipients))
	m.broadcastDuration.WithLabelValues(kind.String()).Observe(durationSeconds)
}

// RecordUpload adds stored upload bytes
func (m *Metrics) RecordUpload(n int64) {
	m.bytesUploaded.Add(float64(n))
}

// RecordDownload adds sent download bytes
func (m *Metrics) RecordDownload(n int64) {
	m.bytesDownloaded.Add(float64(n))
}
