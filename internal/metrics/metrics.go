// Package metrics exposes Prometheus instrumentation for the lethe server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lazypower/lethe/internal/audit"
)

var httpBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

// Manager owns a private registry and every lethe collector. A nil
// *Manager is valid and records nothing.
type Manager struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	engineOps     *prometheus.CounterVec
	recordsSeen   *prometheus.CounterVec
	auditEntries  *prometheus.CounterVec
	policyReloads *prometheus.CounterVec
}

// New registers the runtime collectors plus lethe's own.
func New() *Manager {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Manager{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: httpBuckets,
		}, []string{"method", "path"}),
		engineOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lethe_engine_operations_total",
			Help: "Engine calls by operation",
		}, []string{"op"}),
		recordsSeen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lethe_records_processed_total",
			Help: "Records passed to the engine by operation",
		}, []string{"op"}),
		auditEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lethe_audit_entries_total",
			Help: "Audit entries produced, by entry type",
		}, []string{"type"}),
		policyReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lethe_policy_reloads_total",
			Help: "Policy replacements by source",
		}, []string{"source"}),
	}
	reg.MustRegister(m.httpRequests, m.httpDuration, m.engineOps, m.recordsSeen, m.auditEntries, m.policyReloads)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Manager) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Manager) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordHTTPRequest counts a served request. path should be the route
// pattern, not the raw URL, to bound label cardinality.
func (m *Manager) RecordHTTPRequest(method, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// RecordEngineOp counts one engine call over n records.
func (m *Manager) RecordEngineOp(op string, n int) {
	if m == nil {
		return
	}
	m.engineOps.WithLabelValues(op).Inc()
	m.recordsSeen.WithLabelValues(op).Add(float64(n))
}

// RecordAudit counts entries by type.
func (m *Manager) RecordAudit(entries []audit.Entry) {
	if m == nil {
		return
	}
	for _, e := range entries {
		m.auditEntries.WithLabelValues(e.Type).Inc()
	}
}

// RecordPolicyReload counts a policy replacement ("api" or "watch").
func (m *Manager) RecordPolicyReload(source string) {
	if m == nil {
		return
	}
	m.policyReloads.WithLabelValues(source).Inc()
}
