// Package middleware provides the access-control gate and its rate limiter.
//
// # Gate Pipeline
//
// Every request that is not on the bypass allow-list runs through:
//
//  1. Authenticate: X-API-Key, then Authorization: Bearer (401 on failure)
//  2. Rate limit: the API key's own ceiling, else the subscription tier,
//     else the fallback ceiling (429 with rate_limit metadata)
//  3. Authorize: the route table names the permissions a method and path
//     require; routes without an entry are not access-controlled (403)
//  4. Forward with the principal, API key and rate-limit info in context
//  5. Record usage; failures are logged and never fail the request
//  6. X-RateLimit-* headers on the response
//
// Wiring:
//
//	gate := middleware.NewGate(middleware.DefaultGateConfig(), authn, limiter, resolver,
//		routes, tiers, middleware.NewSQLUsageStore(db), logger,
//		middleware.WithMetrics(metrics),
//		middleware.WithAccessLogger(auditRecorder),
//		middleware.WithEventEmitter(dispatcher),
//	)
//	router.Use(gate.Handler)
//
// # Rate Limiting
//
// Limits are sliding windows. RedisSlidingWindow shares counts across
// replicas through a sorted set per key; MemorySlidingWindow is the
// single-process fallback chosen by NewLimiter when Redis is unreachable at
// startup. Redis errors during a live check allow the request.
//
// Default hourly ceilings: free 100, pro 1000, premium 1000,
// enterprise 10000, fallback 100.
//
// # Policy Files
//
// The route and tier tables can be loaded from YAML and hot reloaded:
//
//	routes, err := middleware.LoadRouteTable("routes.yaml")
//	err = middleware.WatchFile(ctx, "routes.yaml", routes, logger)
package middleware
