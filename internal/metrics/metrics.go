// Package metrics provides Prometheus metrics for the access agent.
//
// Every Record/Set method is safe to call on a nil *Metrics so components can
// run without instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the agent.
type Metrics struct {
	APIRequestsTotal     *prometheus.CounterVec
	APIRequestDuration   *prometheus.HistogramVec
	QueueDepth           *prometheus.GaugeVec
	QueueDispatchTotal   *prometheus.CounterVec
	RealtimeMessages     *prometheus.CounterVec
	RealtimeConnected    prometheus.Gauge
	LockContentionTotal  *prometheus.CounterVec
	EmergencyTransitions *prometheus.CounterVec
	StaleStatusFlips     *prometheus.CounterVec
	DuplicatesRemoved    *prometheus.CounterVec
	ErrorsTotal          *prometheus.CounterVec
	DBSizeBytes          prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "access_agent_api_requests_total",
				Help: "Backend REST calls by method, route and status class.",
			},
			[]string{"method", "route", "status"},
		),
		APIRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "access_agent_api_request_duration_seconds",
				Help:    "Backend REST call duration by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "access_agent_offline_queue_entries",
				Help: "Offline queue entries by sync status.",
			},
			[]string{"status"},
		),
		QueueDispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "access_agent_offline_queue_dispatch_total",
				Help: "Offline queue dispatch attempts by operation type and result.",
			},
			[]string{"type", "result"},
		),
		RealtimeMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "access_agent_realtime_messages_total",
				Help: "Realtime messages by channel and outcome (applied, dropped, invalid).",
			},
			[]string{"channel", "outcome"},
		),
		RealtimeConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "access_agent_realtime_connected",
				Help: "1 while the realtime link is connected.",
			},
		),
		LockContentionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "access_agent_operation_lock_contention_total",
				Help: "Mutations rejected because an operation lock was already held.",
			},
			[]string{"operation"},
		),
		EmergencyTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "access_agent_emergency_transitions_total",
				Help: "Emergency mode transitions by target mode and result.",
			},
			[]string{"mode", "result"},
		),
		StaleStatusFlips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "access_agent_stale_status_flips_total",
				Help: "Access point online flags rewritten by the staleness rule, by runner.",
			},
			[]string{"runner"},
		),
		DuplicatesRemoved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "access_agent_duplicates_removed_total",
				Help: "Duplicate entries removed by reconciliation, by collection.",
			},
			[]string{"collection"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "access_agent_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		DBSizeBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "access_agent_db_size_bytes",
				Help: "Size of the local sqlite database.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.APIRequestsTotal,
		m.APIRequestDuration,
		m.QueueDepth,
		m.QueueDispatchTotal,
		m.RealtimeMessages,
		m.RealtimeConnected,
		m.LockContentionTotal,
		m.EmergencyTransitions,
		m.StaleStatusFlips,
		m.DuplicatesRemoved,
		m.ErrorsTotal,
		m.DBSizeBytes,
	)

	return m
}

// Registry exposes the underlying registry (for testing).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAPIRequest counts a backend call and observes its duration.
func (m *Metrics) RecordAPIRequest(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.APIRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.APIRequestDuration.WithLabelValues(route).Observe(seconds)
}

// SetQueueDepth publishes per-status queue counts.
func (m *Metrics) SetQueueDepth(pending, failed int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues("pending").Set(float64(pending))
	m.QueueDepth.WithLabelValues("failed").Set(float64(failed))
}

// RecordDispatch counts one queue dispatch attempt.
func (m *Metrics) RecordDispatch(opType, result string) {
	if m == nil {
		return
	}
	m.QueueDispatchTotal.WithLabelValues(opType, result).Inc()
}

// RecordRealtime counts one inbound realtime message.
func (m *Metrics) RecordRealtime(channel, outcome string) {
	if m == nil {
		return
	}
	m.RealtimeMessages.WithLabelValues(channel, outcome).Inc()
}

// SetRealtimeConnected flips the connection gauge.
func (m *Metrics) SetRealtimeConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.RealtimeConnected.Set(1)
		return
	}
	m.RealtimeConnected.Set(0)
}

// RecordLockContention counts a mutation rejected by the lock table.
func (m *Metrics) RecordLockContention(op string) {
	if m == nil {
		return
	}
	m.LockContentionTotal.WithLabelValues(op).Inc()
}

// RecordEmergency counts an emergency transition attempt.
func (m *Metrics) RecordEmergency(mode, result string) {
	if m == nil {
		return
	}
	m.EmergencyTransitions.WithLabelValues(mode, result).Inc()
}

// RecordStaleFlips adds n staleness rewrites for a runner.
func (m *Metrics) RecordStaleFlips(runner string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.StaleStatusFlips.WithLabelValues(runner).Add(float64(n))
}

// RecordDuplicates adds n removed duplicates for a collection.
func (m *Metrics) RecordDuplicates(collection string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.DuplicatesRemoved.WithLabelValues(collection).Add(float64(n))
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}

// SetDBSize publishes the database size.
func (m *Metrics) SetDBSize(bytes int64) {
	if m == nil {
		return
	}
	m.DBSizeBytes.Set(float64(bytes))
}
