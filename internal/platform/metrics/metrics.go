package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the relay. Every method is safe on
// a nil receiver so components can run without metrics in tests.
type Metrics struct {
	ActiveConnections   prometheus.Gauge
	Admissions          *prometheus.CounterVec
	Notifications       *prometheus.CounterVec
	MalformedPayloads   prometheus.Counter
	BroadcastRecipients prometheus.Histogram
	DeliveryFailures    prometheus.Counter
	IndexSyncs          *prometheus.CounterVec
	UpstreamEvents      *prometheus.CounterVec
}

// New creates the relay metrics and registers them with reg. Passing a fresh
// prometheus.NewRegistry() keeps multiple relays in one process independent.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "contactr_relay_active_connections",
			Help: "Number of admitted subscriber connections currently registered",
		}),
		Admissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "contactr_relay_admissions_total",
			Help: "Connection admission attempts by outcome",
		}, []string{"outcome"}), // outcome: "admitted", "rejected", "draining"
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "contactr_relay_notifications_total",
			Help: "Upstream notifications received by channel",
		}, []string{"channel"}),
		MalformedPayloads: f.NewCounter(prometheus.CounterOpts{
			Name: "contactr_relay_malformed_payloads_total",
			Help: "Upstream notifications dropped because the payload was not valid JSON",
		}),
		BroadcastRecipients: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "contactr_relay_broadcast_recipients",
			Help:    "Number of connections handed each broadcast frame",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500},
		}),
		DeliveryFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "contactr_relay_delivery_failures_total",
			Help: "Broadcast frames that could not be handed to a connection",
		}),
		IndexSyncs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "contactr_relay_index_syncs_total",
			Help: "Search index sync attempts by action and outcome",
		}, []string{"action", "outcome"}), // outcome: "ok", "failed", "skipped", "ignored"
		UpstreamEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "contactr_relay_upstream_events_total",
			Help: "Upstream subscription connection events by type",
		}, []string{"event"}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.ActiveConnections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.ActiveConnections.Dec()
	}
}

func (m *Metrics) IncAdmission(outcome string) {
	if m != nil {
		m.Admissions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncNotification(channel string) {
	if m != nil {
		m.Notifications.WithLabelValues(channel).Inc()
	}
}

func (m *Metrics) IncMalformedPayload() {
	if m != nil {
		m.MalformedPayloads.Inc()
	}
}

// ObserveBroadcast records how many connections a broadcast reached and how
// many hand-offs failed.
func (m *Metrics) ObserveBroadcast(delivered, failed int) {
	if m != nil {
		m.BroadcastRecipients.Observe(float64(delivered))
		m.DeliveryFailures.Add(float64(failed))
	}
}

func (m *Metrics) IncIndexSync(action, outcome string) {
	if m != nil {
		m.IndexSyncs.WithLabelValues(action, outcome).Inc()
	}
}

func (m *Metrics) IncUpstreamEvent(event string) {
	if m != nil {
		m.UpstreamEvents.WithLabelValues(event).Inc()
	}
}
