package server

import (
	"net/http"
	"time"

	"github.com/aeolun/talkative/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each Metrics owns its own
// registry so several servers can run in one process (tests do).
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions   prometheus.Gauge
	openConnections  prometheus.Gauge
	connections      *prometheus.CounterVec
	envelopesIn      *prometheus.CounterVec
	envelopesOut     *prometheus.CounterVec
	authOutcomes     *prometheus.CounterVec
	evictions        prometheus.Counter
	broadcastFanout  prometheus.Histogram
	handlerDurations *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "talkative_active_sessions",
			Help: "Authenticated sessions in the registry",
		}),
		openConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "talkative_open_connections",
			Help: "Open client connections, authenticated or not",
		}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talkative_connections_total",
			Help: "Accepted connections by transport",
		}, []string{"transport"}),
		envelopesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talkative_envelopes_received_total",
			Help: "Inbound envelopes by dispatch key",
		}, []string{"key"}),
		envelopesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talkative_envelopes_sent_total",
			Help: "Outbound envelopes by dispatch key",
		}, []string{"key"}),
		authOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talkative_auth_total",
			Help: "Handshake outcomes",
		}, []string{"outcome"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "talkative_evictions_total",
			Help: "Sessions evicted after a failed write",
		}),
		broadcastFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "talkative_broadcast_fanout",
			Help:    "Recipients per broadcast",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		handlerDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "talkative_handler_duration_seconds",
			Help:    "Time spent in a handler by dispatch key",
			Buckets: prometheus.DefBuckets,
		}, []string{"key"}),
	}

	m.registry.MustRegister(
		m.activeSessions,
		m.openConnections,
		m.connections,
		m.envelopesIn,
		m.envelopesOut,
		m.authOutcomes,
		m.evictions,
		m.broadcastFanout,
		m.handlerDurations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordOpenConnections(n int) {
	if m == nil {
		return
	}
	m.openConnections.Set(float64(n))
}

func (m *Metrics) RecordConnection(transport string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordEnvelopeReceived(key string) {
	if m == nil {
		return
	}
	m.envelopesIn.WithLabelValues(metricKey(key)).Inc()
}

func (m *Metrics) RecordEnvelopeSent(key string) {
	if m == nil {
		return
	}
	m.envelopesOut.WithLabelValues(metricKey(key)).Inc()
}

// RecordAuth counts a handshake outcome: ok, failed, rejected or timeout.
func (m *Metrics) RecordAuth(outcome string) {
	if m == nil {
		return
	}
	m.authOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *Metrics) RecordBroadcastFanout(recipients int) {
	if m == nil {
		return
	}
	m.broadcastFanout.Observe(float64(recipients))
}

func (m *Metrics) RecordHandlerDuration(key string, d time.Duration) {
	if m == nil {
		return
	}
	m.handlerDurations.WithLabelValues(metricKey(key)).Observe(d.Seconds())
}

// metricKey bounds label cardinality: clients choose the action names they
// send, so anything unknown collapses into one label.
func metricKey(key string) string {
	if knownKeys[key] {
		return key
	}
	return "other"
}

var knownKeys = map[string]bool{
	protocol.ActionPresence: true, protocol.ActionAuth: true,
	protocol.ActionGetUsers: true, protocol.ActionGetContacts: true,
	protocol.ActionAddContact: true, protocol.ActionRemoveContact: true,
	protocol.ActionMessage: true, protocol.ActionPubKeyNeed: true,
	protocol.ActionEditAvatar: true, protocol.ActionExit: true,
	protocol.ActionGetChats: true, protocol.ActionEditChat: true,
	protocol.ActionGetMessages: true,
	"200": true, "202": true, "205": true, "206": true, "212": true,
	"400": true, "412": true, "511": true,
}
