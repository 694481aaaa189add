package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.ObservePermission("roles", "delete", true)
	m.ObservePermission("roles", "delete", true)
	m.ObservePermission("roles", "delete", false)
	m.IncAudit("written")
	m.AddCascadeRows("audit_logs", 5)
	m.AddCascadeRows("user_sessions", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.permissionDecisions.WithLabelValues("roles", "delete", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.permissionDecisions.WithLabelValues("roles", "delete", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditRecords.WithLabelValues("written")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.cascadeRows.WithLabelValues("audit_logs")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObservePermission("roles", "read", true)
		m.IncAudit("failed")
		m.AddCascadeRows("audit_logs", 3)
		m.ObserveOperation("role", "read", 0.1)
	})
}

func TestInstancesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		New()
		New()
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.IncAudit("skipped")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `workorder_audit_records_total{outcome="skipped"} 1`))
}
