package rbac

import (
	"context"
	"net/http"
	"strings"

	"github.com/platinummonkey/bastion/pkg/auth"
	"github.com/platinummonkey/bastion/pkg/contextkeys"
	"github.com/platinummonkey/bastion/pkg/httputil"
	"github.com/platinummonkey/bastion/pkg/observability"
)

// ForbiddenResponse is the 403 body naming the permissions that were required
type ForbiddenResponse struct {
	httputil.ErrorResponse
	RequiredPermissions []Permission `json:"required_permissions"`
}

// WriteForbidden writes a 403 naming missing in the detail and the full
// required list in required_permissions
func WriteForbidden(w http.ResponseWriter, missing string, required []Permission) {
	httputil.WriteJSON(w, http.StatusForbidden, ForbiddenResponse{
		ErrorResponse: httputil.ErrorResponse{
			Error:  "Insufficient permissions",
			Detail: "Required permission: " + missing,
		},
		RequiredPermissions: required,
	})
}

// NewContext stores a resolved set so downstream checks skip the resolver
func NewContext(ctx context.Context, set EffectiveSet) context.Context {
	return contextkeys.WithPermissions(ctx, set)
}

// FromContext returns the set stored by the gate
func FromContext(ctx context.Context) (EffectiveSet, bool) {
	set, ok := ctx.Value(contextkeys.PermissionsKey).(EffectiveSet)
	return set, ok
}

// PermissionMiddleware guards handlers with permission checks
type PermissionMiddleware struct {
	checker Checker
	logger  *observability.Logger
}

// NewPermissionMiddleware creates a new permission middleware
func NewPermissionMiddleware(checker Checker, logger *observability.Logger) *PermissionMiddleware {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &PermissionMiddleware{checker: checker, logger: logger}
}

// RequirePermission requires a single permission
func (pm *PermissionMiddleware) RequirePermission(perm Permission) func(http.Handler) http.Handler {
	return pm.RequireAllPermissions(perm)
}

// RequireAnyPermission requires at least one of perms
func (pm *PermissionMiddleware) RequireAnyPermission(perms ...Permission) func(http.Handler) http.Handler {
	return pm.guard(perms, func(set EffectiveSet) (string, bool) {
		if set.HasAny(perms...) {
			return "", true
		}
		return joinPermissions(perms, " or "), false
	})
}

// RequireAllPermissions requires every one of perms
func (pm *PermissionMiddleware) RequireAllPermissions(perms ...Permission) func(http.Handler) http.Handler {
	return pm.guard(perms, func(set EffectiveSet) (string, bool) {
		missing, ok := set.FirstMissing(perms)
		return string(missing), !ok
	})
}

// RequireExternalAccess allows read or write access to external integrations
func (pm *PermissionMiddleware) RequireExternalAccess() func(http.Handler) http.Handler {
	return pm.RequireAnyPermission(PermExternalRead, PermExternalWrite)
}

// RequireSensitiveDataAccess requires read_sensitive
func (pm *PermissionMiddleware) RequireSensitiveDataAccess() func(http.Handler) http.Handler {
	return pm.RequirePermission(PermReadSensitive)
}

// RequireWebhookAccess requires webhook_access
func (pm *PermissionMiddleware) RequireWebhookAccess() func(http.Handler) http.Handler {
	return pm.RequirePermission(PermWebhookAccess)
}

func (pm *PermissionMiddleware) guard(required []Permission, allowed func(EffectiveSet) (string, bool)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac := auth.FromContext(r.Context())
			if ac == nil || ac.Principal == nil {
				msg, detail := auth.RejectionMessage(auth.ErrMissingCredentials)
				httputil.WriteUnauthorized(w, msg, detail)
				return
			}

			set, ok := FromContext(r.Context())
			if !ok {
				var err error
				set, err = pm.checker.EffectivePermissions(r.Context(), ac.Principal)
				if err != nil {
					observability.FromContext(r.Context(), pm.logger).WithError(err).Error("permission check failed")
					httputil.WriteInternalError(w)
					return
				}
			}

			if missing, ok := allowed(set); !ok {
				WriteForbidden(w, missing, required)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func joinPermissions(perms []Permission, sep string) string {
	names := make([]string, len(perms))
	for i, p := range perms {
		names[i] = string(p)
	}
	return strings.Join(names, sep)
}
