package rbac

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/bastion/pkg/auth"
	"github.com/platinummonkey/bastion/pkg/httputil"
	"github.com/platinummonkey/bastion/pkg/observability"
)

// Handlers provides HTTP handlers for grant administration
type Handlers struct {
	service *Service
	logger  *observability.Logger
}

// NewHandlers creates new RBAC handlers
func NewHandlers(service *Service, logger *observability.Logger) *Handlers {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Handlers{service: service, logger: logger}
}

// RegisterRoutes registers the grant routes. Callers protect them with the
// gate's route table or RequirePermission(PermAdminAll).
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/users/{id}/permissions", h.ListUserPermissions).Methods("GET")
	router.HandleFunc("/users/{id}/permissions", h.GrantPermission).Methods("POST")
	router.HandleFunc("/users/{id}/permissions/{permission}", h.RevokePermission).Methods("DELETE")
	router.HandleFunc("/roles/{role}/permissions/{permission}", h.GrantRolePermission).Methods("PUT")
	router.HandleFunc("/roles/{role}/permissions/{permission}", h.RevokeRolePermission).Methods("DELETE")
}

// GrantRequest is the body of POST /users/{id}/permissions
type GrantRequest struct {
	Permission Permission `json:"permission"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// ListUserPermissions returns stored grants for a user
func (h *Handlers) ListUserPermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	grants, err := h.service.Grants(r.Context(), userID)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if grants == nil {
		grants = []UserGrant{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"user_id": userID,
		"grants":  grants,
	})
}

// GrantPermission grants a permission to a user
func (h *Handlers) GrantPermission(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req GrantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !req.Permission.Valid() {
		httputil.WriteBadRequest(w, "unknown permission: "+string(req.Permission))
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		httputil.WriteBadRequest(w, "expires_at must be in the future")
		return
	}

	if err := h.service.Grant(r.Context(), actorID(r), userID, req.Permission, req.ExpiresAt); err != nil {
		h.internalError(w, r, err)
		return
	}
	httputil.WriteCreated(w, UserGrant{
		UserID:     userID,
		Permission: req.Permission,
		GrantedBy:  actorID(r),
		GrantedAt:  time.Now().UTC(),
		ExpiresAt:  req.ExpiresAt,
	})
}

// RevokePermission removes a user grant
func (h *Handlers) RevokePermission(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	perm := Permission(mux.Vars(r)["permission"])
	if !perm.Valid() {
		httputil.WriteBadRequest(w, "unknown permission: "+string(perm))
		return
	}

	err := h.service.Revoke(r.Context(), actorID(r), userID, perm)
	if errors.Is(err, ErrGrantNotFound) {
		httputil.WriteNotFound(w, "permission grant not found")
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	httputil.WriteMessage(w, "permission revoked")
}

// GrantRolePermission adds a permission to a role
func (h *Handlers) GrantRolePermission(w http.ResponseWriter, r *http.Request) {
	role, perm, ok := rolePermission(w, r)
	if !ok {
		return
	}
	if err := h.service.GrantRole(r.Context(), actorID(r), role, perm); err != nil {
		h.internalError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, RoleGrant{Role: role, Permission: perm})
}

// RevokeRolePermission removes a permission from a role
func (h *Handlers) RevokeRolePermission(w http.ResponseWriter, r *http.Request) {
	role, perm, ok := rolePermission(w, r)
	if !ok {
		return
	}
	err := h.service.RevokeRole(r.Context(), actorID(r), role, perm)
	if errors.Is(err, ErrGrantNotFound) {
		httputil.WriteNotFound(w, "role permission not found")
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	httputil.WriteMessage(w, "role permission revoked")
}

func rolePermission(w http.ResponseWriter, r *http.Request) (auth.Role, Permission, bool) {
	vars := mux.Vars(r)
	role, perm := auth.Role(vars["role"]), Permission(vars["permission"])
	if !role.Valid() {
		httputil.WriteBadRequest(w, "unknown role: "+string(role))
		return "", "", false
	}
	if !perm.Valid() {
		httputil.WriteBadRequest(w, "unknown permission: "+string(perm))
		return "", "", false
	}
	return role, perm, true
}

func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, err error) {
	observability.FromContext(r.Context(), h.logger).WithError(err).Error("permission handler failed")
	httputil.WriteInternalError(w)
}

func actorID(r *http.Request) *int64 {
	if ac := auth.FromContext(r.Context()); ac != nil && ac.Principal != nil {
		id := ac.Principal.ID
		return &id
	}
	return nil
}
