package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "workorder"

// Metrics holds the engine's collectors on a private registry so that
// several instances (one per test) can coexist in one process.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	permissionDecisions *prometheus.CounterVec
	auditRecords        *prometheus.CounterVec
	cascadeRows         *prometheus.CounterVec
	operationDuration   *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		permissionDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_decisions_total",
			Help:      "Permission decisions by resource, operation and outcome",
		}, []string{"resource", "operation", "allowed"}),
		auditRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_records_total",
			Help:      "Audit records by outcome (written, failed, skipped, dropped)",
		}, []string{"outcome"}),
		cascadeRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cascade_rows_deleted_total",
			Help:      "Dependent rows removed by cascade deletes, per table",
		}, []string{"table"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "entity_operation_duration_seconds",
			Help:      "Generic entity service call latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entity", "operation"}),
	}
	m.registry.MustRegister(
		m.permissionDecisions,
		m.auditRecords,
		m.cascadeRows,
		m.operationDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObservePermission(resource, operation string, allowed bool) {
	if m == nil {
		return
	}
	m.permissionDecisions.WithLabelValues(resource, operation, strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) IncAudit(outcome string) {
	if m == nil {
		return
	}
	m.auditRecords.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddCascadeRows(table string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.cascadeRows.WithLabelValues(table).Add(float64(n))
}

func (m *Metrics) ObserveOperation(entity, operation string, seconds float64) {
	if m == nil {
		return
	}
	m.operationDuration.WithLabelValues(entity, operation).Observe(seconds)
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
