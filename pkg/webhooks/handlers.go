package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/bastion/pkg/audit"
	"github.com/platinummonkey/bastion/pkg/auth"
	"github.com/platinummonkey/bastion/pkg/httputil"
	"github.com/platinummonkey/bastion/pkg/observability"
	"github.com/platinummonkey/bastion/pkg/protection"
)

const (
	resourceIntegration  = "external_integration"
	defaultDeliveryLimit = 50
	maxDeliveryLimit     = 1000
)

// ChangeLogger records integration changes. *audit.Recorder satisfies it.
type ChangeLogger interface {
	Log(ctx context.Context, e audit.Entry) (*audit.Record, error)
}

// Handlers provides HTTP handlers for integration management and delivery
// history. Non-admin callers only see integrations they created.
type Handlers struct {
	store      IntegrationStore
	dispatcher *Dispatcher
	changes    ChangeLogger
	logger     *observability.Logger
}

// NewHandlers creates integration handlers. changes may be nil.
func NewHandlers(store IntegrationStore, dispatcher *Dispatcher, changes ChangeLogger, logger *observability.Logger) *Handlers {
	return &Handlers{store: store, dispatcher: dispatcher, changes: changes, logger: logger}
}

// RegisterRoutes registers integration routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/integrations", h.createIntegration).Methods("POST")
	router.HandleFunc("/api/v1/integrations", h.listIntegrations).Methods("GET")
	router.HandleFunc("/api/v1/integrations/{id}", h.getIntegration).Methods("GET")
	router.HandleFunc("/api/v1/integrations/{id}", h.updateIntegration).Methods("PUT")
	router.HandleFunc("/api/v1/integrations/{id}", h.deleteIntegration).Methods("DELETE")
	router.HandleFunc("/api/v1/integrations/{id}/deliveries", h.listDeliveries).Methods("GET")
	router.HandleFunc("/api/v1/integrations/{id}/test", h.testIntegration).Methods("POST")
}

// integrationRequest is the create and update body. Absent fields are left
// unchanged on update.
type integrationRequest struct {
	Name             *string `json:"name"`
	IntegrationType  *string `json:"integration_type"`
	APIEndpoint      *string `json:"api_endpoint"`
	WebhookURL       *string `json:"webhook_url"`
	WebhookSecret    *string `json:"webhook_secret"`
	IsActive         *bool   `json:"is_active"`
	SensitivityLevel *string `json:"sensitivity_level"`
}

func (req integrationRequest) apply(in *Integration) {
	if req.Name != nil {
		in.Name = *req.Name
	}
	if req.IntegrationType != nil {
		in.Category = protection.IntegrationCategory(*req.IntegrationType)
	}
	if req.APIEndpoint != nil {
		in.APIEndpoint = *req.APIEndpoint
	}
	if req.WebhookURL != nil {
		in.WebhookURL = *req.WebhookURL
	}
	if req.WebhookSecret != nil {
		in.WebhookSecret = *req.WebhookSecret
	}
	if req.IsActive != nil {
		in.IsActive = *req.IsActive
	}
	if req.SensitivityLevel != nil {
		in.Sensitivity = protection.SensitivityLevel(*req.SensitivityLevel)
	}
}

// createIntegration handles POST /api/v1/integrations
func (h *Handlers) createIntegration(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req integrationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.IntegrationType == nil {
		httputil.WriteBadRequest(w, "integration_type is required")
		return
	}

	owner := caller.ID
	in := Integration{IsActive: true, CreatedBy: &owner}
	req.apply(&in)
	if err := in.Validate(); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.store.Create(r.Context(), &in); err != nil {
		h.internalError(w, r, err)
		return
	}

	h.logChange(r, caller, "create", in.ID, nil, map[string]interface{}{
		"name": in.Name,
		"type": string(in.Category),
	})
	httputil.WriteCreated(w, in)
}

// listIntegrations handles GET /api/v1/integrations
func (h *Handlers) listIntegrations(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var createdBy *int64
	if caller.Role != auth.RoleAdmin {
		createdBy = &caller.ID
	}

	integrations, err := h.store.List(r.Context(), createdBy)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if integrations == nil {
		integrations = []Integration{}
	}
	httputil.WriteSuccess(w, integrations)
}

// getIntegration handles GET /api/v1/integrations/{id}
func (h *Handlers) getIntegration(w http.ResponseWriter, r *http.Request) {
	in, _, ok := h.load(w, r)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, in)
}

// updateIntegration handles PUT /api/v1/integrations/{id}
func (h *Handlers) updateIntegration(w http.ResponseWriter, r *http.Request) {
	in, caller, ok := h.load(w, r)
	if !ok {
		return
	}

	var req integrationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	old := map[string]interface{}{
		"name":        in.Name,
		"webhook_url": in.WebhookURL,
		"is_active":   in.IsActive,
	}

	req.apply(in)
	if err := in.Validate(); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.store.Update(r.Context(), in); err != nil {
		if errors.Is(err, ErrIntegrationNotFound) {
			httputil.WriteNotFound(w, "Integration not found")
			return
		}
		h.internalError(w, r, err)
		return
	}

	h.logChange(r, caller, "update", in.ID, old, map[string]interface{}{
		"name":        in.Name,
		"webhook_url": in.WebhookURL,
		"is_active":   in.IsActive,
	})
	httputil.WriteSuccess(w, in)
}

// deleteIntegration handles DELETE /api/v1/integrations/{id}
func (h *Handlers) deleteIntegration(w http.ResponseWriter, r *http.Request) {
	in, caller, ok := h.load(w, r)
	if !ok {
		return
	}

	if err := h.store.Delete(r.Context(), in.ID); err != nil {
		if errors.Is(err, ErrIntegrationNotFound) {
			httputil.WriteNotFound(w, "Integration not found")
			return
		}
		h.internalError(w, r, err)
		return
	}
	h.dispatcher.Forget(in.ID)

	h.logChange(r, caller, "delete", in.ID, map[string]interface{}{
		"name": in.Name,
		"type": string(in.Category),
	}, nil)
	httputil.WriteMessage(w, "Integration deleted successfully")
}

// listDeliveries handles GET /api/v1/integrations/{id}/deliveries
func (h *Handlers) listDeliveries(w http.ResponseWriter, r *http.Request) {
	in, _, ok := h.load(w, r)
	if !ok {
		return
	}

	limit, err := httputil.ParseQueryInt(r, "limit", defaultDeliveryLimit)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if limit < 1 || limit > maxDeliveryLimit {
		httputil.WriteBadRequest(w, fmt.Sprintf("limit must be between 1 and %d", maxDeliveryLimit))
		return
	}

	log := h.dispatcher.Deliveries()
	httputil.WriteSuccess(w, map[string]interface{}{
		"integration_id": in.ID,
		"deliveries":     log.ByIntegration(in.ID, limit),
		"stats":          log.Stats(in.ID),
	})
}

// testIntegration handles POST /api/v1/integrations/{id}/test
func (h *Handlers) testIntegration(w http.ResponseWriter, r *http.Request) {
	in, caller, ok := h.load(w, r)
	if !ok {
		return
	}
	if in.WebhookURL == "" {
		httputil.WriteBadRequest(w, "No webhook URL configured for this integration")
		return
	}

	userID := caller.ID
	entry := h.dispatcher.SendTest(r.Context(), *in, &userID)
	if entry.Status != DeliveryStatusSuccess {
		httputil.WriteJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":    "Webhook test failed",
			"detail":   entry.ErrorMessage,
			"delivery": entry,
		})
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"message":  "Test webhook sent successfully",
		"delivery": entry,
	})
}

// load resolves the {id} integration and enforces ownership. Integrations
// owned by someone else are reported as missing.
func (h *Handlers) load(w http.ResponseWriter, r *http.Request) (*Integration, *auth.Principal, bool) {
	caller, ok := h.caller(w, r)
	if !ok {
		return nil, nil, false
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return nil, nil, false
	}

	in, err := h.store.Get(r.Context(), id)
	if errors.Is(err, ErrIntegrationNotFound) {
		httputil.WriteNotFound(w, "Integration not found")
		return nil, nil, false
	}
	if err != nil {
		h.internalError(w, r, err)
		return nil, nil, false
	}

	if caller.Role != auth.RoleAdmin && (in.CreatedBy == nil || *in.CreatedBy != caller.ID) {
		httputil.WriteNotFound(w, "Integration not found")
		return nil, nil, false
	}
	return in, caller, true
}

func (h *Handlers) caller(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	ac := auth.FromContext(r.Context())
	if ac == nil || ac.Principal == nil {
		httputil.WriteUnauthorized(w, "Authentication required", "no authenticated principal")
		return nil, false
	}
	return ac.Principal, true
}

func (h *Handlers) logChange(r *http.Request, caller *auth.Principal, action string, id int64, old, updated map[string]interface{}) {
	if h.changes == nil {
		return
	}
	userID, integrationID := caller.ID, id
	_, err := h.changes.Log(context.WithoutCancel(r.Context()), audit.Entry{
		UserID:        &userID,
		Action:        action,
		ResourceType:  resourceIntegration,
		ResourceID:    strconv.FormatInt(id, 10),
		OldValues:     old,
		NewValues:     updated,
		IPAddress:     httputil.ClientIP(r),
		UserAgent:     r.UserAgent(),
		IntegrationID: &integrationID,
	})
	if err != nil {
		observability.FromContext(r.Context(), h.logger).WithError(err).Warn("failed to audit integration change")
	}
}

func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, err error) {
	observability.FromContext(r.Context(), h.logger).WithError(err).Error("integration handler failed")
	httputil.WriteInternalError(w)
}
