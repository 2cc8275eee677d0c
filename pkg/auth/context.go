package auth

import (
	"context"

	"github.com/platinummonkey/bastion/pkg/contextkeys"
)

// NewContext returns ctx carrying ac
func NewContext(ctx context.Context, ac *AuthContext) context.Context {
	return contextkeys.WithAuth(ctx, ac)
}

// FromContext returns the AuthContext stored by the gate, or nil
func FromContext(ctx context.Context) *AuthContext {
	ac, _ := ctx.Value(contextkeys.AuthKey).(*AuthContext)
	return ac
}
