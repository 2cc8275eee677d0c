package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gate outcomes used as the "outcome" label
const (
	OutcomeBypassed     = "bypassed"
	OutcomeAllowed      = "allowed"
	OutcomeUnauthorized = "unauthorized"
	OutcomeRateLimited  = "rate_limited"
	OutcomeForbidden    = "forbidden"
	OutcomeError        = "error"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Gate metrics
	GateRequestsTotal   *prometheus.CounterVec
	GateRequestDuration *prometheus.HistogramVec

	// Rate limiter metrics
	RateLimitRejectionsTotal *prometheus.CounterVec
	RateLimitErrorsTotal     prometheus.Counter

	// Usage metrics
	UsageRecordFailuresTotal prometheus.Counter

	// Audit metrics
	AuditRecordsTotal *prometheus.CounterVec

	// Webhook metrics
	WebhookDeliveriesTotal *prometheus.CounterVec
	WebhookAttempts        prometheus.Histogram
	WebhookDeadLettered    prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics. A nil registry
// leaves the collectors unregistered, which tests rely on.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		GateRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_gate_requests_total",
				Help: "Requests seen by the access-control gate, by outcome",
			},
			[]string{"outcome"},
		),
		GateRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bastion_gate_request_duration_seconds",
				Help:    "Latency of requests passing through the gate",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		RateLimitRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_ratelimit_rejections_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"backend"},
		),
		RateLimitErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bastion_ratelimit_errors_total",
				Help: "Shared-store errors during rate-limit checks (request allowed)",
			},
		),
		UsageRecordFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bastion_usage_record_failures_total",
				Help: "Usage records that could not be persisted",
			},
		),
		AuditRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_audit_records_total",
				Help: "Audit records persisted, by sensitivity level",
			},
			[]string{"sensitivity"},
		),
		WebhookDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_webhook_deliveries_total",
				Help: "Webhook deliveries by final status",
			},
			[]string{"status"},
		),
		WebhookAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bastion_webhook_delivery_attempts",
				Help:    "Attempts needed per webhook delivery",
				Buckets: []float64{1, 2, 3, 4, 5},
			},
		),
		WebhookDeadLettered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bastion_webhook_dead_lettered_total",
				Help: "Webhook deliveries pushed to the dead-letter queue",
			},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.GateRequestsTotal,
			m.GateRequestDuration,
			m.RateLimitRejectionsTotal,
			m.RateLimitErrorsTotal,
			m.UsageRecordFailuresTotal,
			m.AuditRecordsTotal,
			m.WebhookDeliveriesTotal,
			m.WebhookAttempts,
			m.WebhookDeadLettered,
		)
	}

	return m
}

// Handler returns the Prometheus scrape handler for registry
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
