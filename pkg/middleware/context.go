package middleware

import (
	"context"
	"time"

	"github.com/platinummonkey/bastion/pkg/auth"
	"github.com/platinummonkey/bastion/pkg/contextkeys"
)

// PrincipalFromContext returns the authenticated principal, or nil
func PrincipalFromContext(ctx context.Context) *auth.Principal {
	if ac := auth.FromContext(ctx); ac != nil {
		return ac.Principal
	}
	return nil
}

// APIKeyFromContext returns the API key used for the request, or nil for
// bearer-token requests
func APIKeyFromContext(ctx context.Context) *auth.APIKey {
	if ac := auth.FromContext(ctx); ac != nil {
		return ac.APIKey
	}
	return nil
}

// RateLimitInfoFromContext returns the rate-limit position for the request
func RateLimitInfoFromContext(ctx context.Context) (RateLimitInfo, bool) {
	info, ok := ctx.Value(contextkeys.RateLimitKey).(RateLimitInfo)
	return info, ok
}

// RequestStartFromContext returns when the gate started handling the request
func RequestStartFromContext(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(contextkeys.RequestStartTimeKey).(time.Time)
	return t, ok
}
