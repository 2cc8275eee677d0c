// Package contextkeys provides centralized context key definitions
//
// All request-scoped values set by the access-control gate and read by
// protected handlers are keyed here so that packages never collide.
//
// USAGE PATTERN:
//
//	ctx = contextkeys.WithAuth(ctx, authCtx)
//	authCtx, _ := ctx.Value(contextkeys.AuthKey).(*auth.AuthContext)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// AuthKey contains *auth.AuthContext (principal plus optional API key)
	// Set by: middleware.Gate after authentication
	AuthKey Key = "auth_context"

	// RateLimitKey contains middleware.RateLimitInfo
	// Set by: middleware.Gate after the rate-limit stage
	RateLimitKey Key = "rate_limit_info"

	// PermissionsKey contains rbac.EffectiveSet
	// Set by: middleware.Gate when the authorize stage resolved permissions
	PermissionsKey Key = "effective_permissions"

	// RequestIDKey contains the request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger
	LoggerKey Key = "logger"

	// RequestStartTimeKey contains time.Time
	// Set by: middleware.Gate, used for usage latency
	RequestStartTimeKey Key = "request_start_time"
)

// WithAuth adds authentication context to the context
func WithAuth(ctx context.Context, authCtx interface{}) context.Context {
	return context.WithValue(ctx, AuthKey, authCtx)
}

// WithRateLimit adds rate limit metadata to the context
func WithRateLimit(ctx context.Context, info interface{}) context.Context {
	return context.WithValue(ctx, RateLimitKey, info)
}

// WithPermissions adds the resolved permission set to the context
func WithPermissions(ctx context.Context, set interface{}) context.Context {
	return context.WithValue(ctx, PermissionsKey, set)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// WithRequestStartTime adds request start time to the context
func WithRequestStartTime(ctx context.Context, startTime interface{}) context.Context {
	return context.WithValue(ctx, RequestStartTimeKey, startTime)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
