package audit

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/bastion/pkg/auth"
	"github.com/platinummonkey/bastion/pkg/httputil"
	"github.com/platinummonkey/bastion/pkg/observability"
	"github.com/platinummonkey/bastion/pkg/protection"
)

const (
	defaultPageLimit = 50
	defaultDays      = 30
	maxDays          = 365
	maxExportDays    = 365
)

// Handlers provides HTTP handlers for the audit log API
type Handlers struct {
	recorder *Recorder
	logger   *observability.Logger
}

// NewHandlers creates new audit handlers
func NewHandlers(recorder *Recorder, logger *observability.Logger) *Handlers {
	return &Handlers{recorder: recorder, logger: logger}
}

// RegisterRoutes registers audit log routes. Permission checks happen in the
// gate; handlers only scope non-admin callers to their own records.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit/logs", h.listLogs).Methods("GET")
	router.HandleFunc("/audit/logs/cleanup", h.cleanup).Methods("DELETE")
	router.HandleFunc("/audit/logs/{id}", h.getLog).Methods("GET")
	router.HandleFunc("/audit/users/{id}/activity", h.userActivity).Methods("GET")
	router.HandleFunc("/audit/stats", h.stats).Methods("GET")
	router.HandleFunc("/audit/export", h.export).Methods("GET")
}

// listLogs handles GET /audit/logs
func (h *Handlers) listLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if filter.Limit == 0 {
		filter.Limit = defaultPageLimit
	}
	if filter.Limit < 1 || filter.Limit > MaxQueryLimit {
		httputil.WriteBadRequest(w, fmt.Sprintf("limit must be between 1 and %d", MaxQueryLimit))
		return
	}

	caller := principal(r)
	if caller == nil {
		httputil.WriteUnauthorized(w, "Authentication required", "no authenticated principal")
		return
	}
	if caller.Role != auth.RoleAdmin {
		if filter.UserID != nil && *filter.UserID != caller.ID {
			httputil.WriteForbidden(w, "You can only view your own audit logs")
			return
		}
		id := caller.ID
		filter.UserID = &id
	}

	records, err := h.recorder.Query(r.Context(), filter)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"items":  records,
		"count":  len(records),
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// getLog handles GET /audit/logs/{id}
func (h *Handlers) getLog(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	caller := principal(r)
	if caller == nil {
		httputil.WriteUnauthorized(w, "Authentication required", "no authenticated principal")
		return
	}

	rec, err := h.recorder.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "Audit log entry not found")
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	if caller.Role != auth.RoleAdmin && (rec.UserID == nil || *rec.UserID != caller.ID) {
		httputil.WriteForbidden(w, "You can only view your own audit logs")
		return
	}

	httputil.WriteSuccess(w, rec)
}

// userActivity handles GET /audit/users/{id}/activity
func (h *Handlers) userActivity(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	days, ok := parseDays(w, r)
	if !ok {
		return
	}

	caller := principal(r)
	if caller == nil {
		httputil.WriteUnauthorized(w, "Authentication required", "no authenticated principal")
		return
	}
	if caller.Role != auth.RoleAdmin && caller.ID != userID {
		httputil.WriteForbidden(w, "You can only view your own activity")
		return
	}

	summary, err := h.recorder.UserActivitySummary(r.Context(), userID, days)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"user_id":              userID,
		"analysis_period_days": days,
		"summary":              summary,
	})
}

// stats handles GET /audit/stats
func (h *Handlers) stats(w http.ResponseWriter, r *http.Request) {
	days, ok := parseDays(w, r)
	if !ok {
		return
	}

	stats, err := h.recorder.Stats(r.Context(), days)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, stats)
}

// export handles GET /audit/export
func (h *Handlers) export(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if filter.StartTime != nil && filter.EndTime != nil {
		if !filter.EndTime.After(*filter.StartTime) {
			httputil.WriteBadRequest(w, "End date must be after start date")
			return
		}
		if filter.EndTime.Sub(*filter.StartTime) > maxExportDays*24*time.Hour {
			httputil.WriteBadRequest(w, fmt.Sprintf("Export period cannot exceed %d days", maxExportDays))
			return
		}
	}

	format := ExportFormat(strings.ToLower(httputil.ParseQueryString(r, "format", string(ExportFormatJSON))))
	if !format.Valid() {
		httputil.WriteBadRequest(w, "format must be one of json, ndjson, csv")
		return
	}

	data, err := h.recorder.Export(r.Context(), actorID(r), filter, format)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	contentType, ext := format.ContentType()
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename=audit-logs."+ext)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// cleanup handles DELETE /audit/logs/cleanup
func (h *Handlers) cleanup(w http.ResponseWriter, r *http.Request) {
	days, err := httputil.ParseQueryInt(r, "days_to_keep", DefaultRetentionDays)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if days < MinRetentionDays || days > MaxRetentionDays {
		httputil.WriteBadRequest(w, fmt.Sprintf("days_to_keep must be between %d and %d", MinRetentionDays, MaxRetentionDays))
		return
	}

	result, err := h.recorder.Cleanup(r.Context(), actorID(r), days)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"message": fmt.Sprintf("Successfully deleted %d audit log entries older than %d days", result.Deleted, result.DaysKept),
		"result":  result,
	})
}

// parseFilter parses the query filter shared by list and export
func parseFilter(r *http.Request) (Filter, error) {
	var (
		filter Filter
		err    error
	)

	if filter.UserID, err = httputil.ParseQueryInt64Ptr(r, "user_id"); err != nil {
		return filter, err
	}
	if filter.StartTime, err = httputil.ParseQueryTime(r, "start_date"); err != nil {
		return filter, err
	}
	if filter.EndTime, err = httputil.ParseQueryTime(r, "end_date"); err != nil {
		return filter, err
	}

	filter.ResourceType = r.URL.Query().Get("resource_type")
	if actions := r.URL.Query().Get("action"); actions != "" {
		filter.Actions = parseCommaSeparated(actions)
	}

	if level := r.URL.Query().Get("sensitivity_level"); level != "" {
		if filter.Sensitivity, err = protection.ParseSensitivityLevel(level); err != nil {
			return filter, fmt.Errorf("invalid sensitivity level: %s", level)
		}
	}

	if filter.Limit, err = httputil.ParseQueryInt(r, "limit", 0); err != nil {
		return filter, err
	}
	if filter.Offset, err = httputil.ParseQueryInt(r, "offset", 0); err != nil {
		return filter, err
	}
	if filter.Offset < 0 {
		return filter, fmt.Errorf("offset must not be negative")
	}
	return filter, nil
}

func parseDays(w http.ResponseWriter, r *http.Request) (int, bool) {
	days, err := httputil.ParseQueryInt(r, "days", defaultDays)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return 0, false
	}
	if days < 1 || days > maxDays {
		httputil.WriteBadRequest(w, fmt.Sprintf("days must be between 1 and %d", maxDays))
		return 0, false
	}
	return days, true
}

// parseCommaSeparated splits a comma-separated list, dropping blanks
func parseCommaSeparated(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func principal(r *http.Request) *auth.Principal {
	if ac := auth.FromContext(r.Context()); ac != nil {
		return ac.Principal
	}
	return nil
}

func actorID(r *http.Request) *int64 {
	if p := principal(r); p != nil {
		id := p.ID
		return &id
	}
	return nil
}

func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, err error) {
	observability.FromContext(r.Context(), h.logger).WithError(err).Error("audit handler failed")
	httputil.WriteInternalError(w)
}
