// Package observability provides structured logging, Prometheus metrics,
// health checks, and OpenTelemetry tracing.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("user_id", 42).Warn("high sensitivity action logged")
//
// The logger writes JSON through logrus. Components accept a *Logger in their
// constructors; request handlers can fetch the request-scoped one with
// FromContext.
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.GateRequestsTotal.WithLabelValues(observability.OutcomeAllowed).Inc()
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(mux, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, cfg, logger)
//	defer observability.ShutdownOTel(ctx, providers)
//	ctx, span := observability.Tracer().Start(ctx, "gate.authorize")
package observability
