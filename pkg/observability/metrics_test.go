package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.GateRequestsTotal.WithLabelValues(OutcomeAllowed).Inc()
	m.GateRequestsTotal.WithLabelValues(OutcomeForbidden).Add(2)
	m.AuditRecordsTotal.WithLabelValues("confidential").Inc()
	m.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.GateRequestsTotal.WithLabelValues(OutcomeAllowed)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.GateRequestsTotal.WithLabelValues(OutcomeForbidden)))

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "bastion_gate_requests_total")
	assert.Contains(t, names, "bastion_audit_records_total")
	assert.Contains(t, names, "bastion_webhook_deliveries_total")
}

func TestNewMetrics_NilRegistry(t *testing.T) {
	m := NewMetrics(nil)
	require.NotNil(t, m)
	m.RateLimitErrorsTotal.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RateLimitErrorsTotal))
}

func TestHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.UsageRecordFailuresTotal.Inc()

	rec := httptest.NewRecorder()
	Handler(registry).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "bastion_usage_record_failures_total 1"))
}
