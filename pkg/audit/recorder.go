package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/bastion/pkg/observability"
	"github.com/platinummonkey/bastion/pkg/protection"
)

// sensitiveEndpoints are the path prefixes whose request bodies are kept
var sensitiveEndpoints = []string{
	"/external/",
	"/api/users/",
	"/api/auth/",
	"/api/subscriptions/",
	"/webhook",
	"/sync",
	"/integrations",
}

// IsSensitiveEndpoint reports whether path starts with a sensitive prefix
func IsSensitiveEndpoint(path string) bool {
	for _, prefix := range sensitiveEndpoints {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// maxExportRecords bounds a single export
const maxExportRecords = 100000

// Archiver stores cleanup archives. *postgres.S3Client satisfies it.
type Archiver interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

// Recorder writes sanitized audit records and serves the query surface
type Recorder struct {
	store         Store
	publisher     Publisher
	archiver      Archiver
	archivePrefix string
	metrics       *observability.Metrics
	logger        *observability.Logger
	now           func() time.Time
}

// Option configures a Recorder
type Option func(*Recorder)

// WithPublisher streams every persisted record to p
func WithPublisher(p Publisher) Option {
	return func(r *Recorder) { r.publisher = p }
}

// WithArchiver archives records to a before Cleanup deletes them
func WithArchiver(a Archiver, prefix string) Option {
	return func(r *Recorder) {
		r.archiver = a
		r.archivePrefix = prefix
	}
}

// WithMetrics counts persisted records by sensitivity
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// NewRecorder creates a recorder over store
func NewRecorder(store Store, logger *observability.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Log sanitizes and persists an entry. Confidential and restricted records
// are also written to the application log at WARN.
func (r *Recorder) Log(ctx context.Context, e Entry) (*Record, error) {
	if e.Action == "" || e.ResourceType == "" {
		return nil, fmt.Errorf("audit entry requires action and resource type")
	}

	oldValues := Sanitize(e.OldValues)
	newValues := Sanitize(e.NewValues)

	rec := &Record{
		UserID:        e.UserID,
		Action:        e.Action,
		ResourceType:  e.ResourceType,
		ResourceID:    e.ResourceID,
		OldValues:     oldValues,
		NewValues:     newValues,
		IPAddress:     e.IPAddress,
		UserAgent:     e.UserAgent,
		APIKeyID:      e.APIKeyID,
		IntegrationID: e.IntegrationID,
		Sensitivity:   Level(e.Action, e.ResourceType, newValues),
		Context:       e.Context,
		Timestamp:     r.now().UTC(),
	}
	if rec.Context == nil {
		rec.Context = map[string]interface{}{}
	}

	if err := r.store.Insert(ctx, rec); err != nil {
		return nil, err
	}

	if r.metrics != nil {
		r.metrics.AuditRecordsTotal.WithLabelValues(string(rec.Sensitivity)).Inc()
	}

	if rec.Sensitivity.AtLeast(protection.Confidential) {
		fields := map[string]interface{}{
			"audit_id":      rec.ID,
			"action":        rec.Action,
			"resource_type": rec.ResourceType,
			"sensitivity":   rec.Sensitivity,
		}
		if rec.UserID != nil {
			fields["user_id"] = *rec.UserID
		}
		observability.FromContext(ctx, r.logger).WithFields(fields).Warn("high sensitivity action recorded")
	}

	if r.publisher != nil {
		r.publisher.Publish(ctx, rec)
	}

	return rec, nil
}

// LogAPIAccess records one gated request. Bodies are kept only for sensitive
// endpoints, and the response body only when the status is an error.
func (r *Recorder) LogAPIAccess(ctx context.Context, a APIAccess) error {
	sensitive := IsSensitiveEndpoint(a.Path)

	details := map[string]interface{}{
		"endpoint":              a.Path,
		"method":                a.Method,
		"status_code":           a.StatusCode,
		"response_time":         a.Duration.Seconds(),
		"is_sensitive_endpoint": sensitive,
	}

	if sensitive {
		if body := decodeObject(a.RequestBody); body != nil {
			details["request_data"] = Sanitize(body)
		}
		if a.StatusCode >= 400 {
			if body := decodeObject(a.ResponseBody); body != nil {
				details["response_data"] = Sanitize(body)
			}
		}
	}

	_, err := r.Log(ctx, Entry{
		UserID:       a.UserID,
		APIKeyID:     a.APIKeyID,
		Action:       ActionAPIAccess,
		ResourceType: ResourceAPIEndpoint,
		IPAddress:    a.IPAddress,
		UserAgent:    a.UserAgent,
		Context:      details,
	})
	return err
}

// decodeObject returns body as a JSON object, or nil when it is not one
func decodeObject(body []byte) map[string]interface{} {
	if len(body) == 0 {
		return nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil
	}
	return obj
}

// LogDataAccess records field-level access to a resource
func (r *Recorder) LogDataAccess(ctx context.Context, a DataAccess) error {
	fields := a.Fields
	if fields == nil {
		fields = []string{}
	}
	sensitiveFields := []string{}
	for _, field := range fields {
		if protection.ClassifyName(field) != protection.Unclassified {
			sensitiveFields = append(sensitiveFields, field)
		}
	}

	userID := a.UserID
	_, err := r.Log(ctx, Entry{
		UserID:       &userID,
		Action:       "data_" + a.AccessType,
		ResourceType: a.ResourceType,
		ResourceID:   a.ResourceID,
		IPAddress:    a.IPAddress,
		Context: map[string]interface{}{
			"access_type":      a.AccessType,
			"fields_accessed":  fields,
			"sensitive_fields": sensitiveFields,
		},
	})
	return err
}

// LogPermissionChange records a grant or revoke made by actorID
func (r *Recorder) LogPermissionChange(ctx context.Context, actorID *int64, targetUserID int64, permission string, granted bool) error {
	action, verb := ActionPermissionRevoke, "revoke"
	if granted {
		action, verb = ActionPermissionGrant, "grant"
	}

	_, err := r.Log(ctx, Entry{
		UserID:       actorID,
		Action:       action,
		ResourceType: ResourceUserPermission,
		ResourceID:   strconv.FormatInt(targetUserID, 10),
		Context: map[string]interface{}{
			"target_user_id":    targetUserID,
			"permission":        permission,
			"permission_action": verb,
		},
	})
	return err
}

// LogRolePermissionChange records a permission added to or removed from role
func (r *Recorder) LogRolePermissionChange(ctx context.Context, actorID *int64, role string, permission string, granted bool) error {
	action, verb := ActionPermissionRevoke, "revoke"
	if granted {
		action, verb = ActionPermissionGrant, "grant"
	}

	_, err := r.Log(ctx, Entry{
		UserID:       actorID,
		Action:       action,
		ResourceType: ResourceRolePermission,
		ResourceID:   role,
		Context: map[string]interface{}{
			"role":              role,
			"permission":        permission,
			"permission_action": verb,
		},
	})
	return err
}

// Query returns matching records, newest first
func (r *Recorder) Query(ctx context.Context, filter Filter) ([]*Record, error) {
	return r.store.Query(ctx, filter.Normalize())
}

// Get returns one record or ErrNotFound
func (r *Recorder) Get(ctx context.Context, id int64) (*Record, error) {
	return r.store.Get(ctx, id)
}

// UserActivitySummary aggregates userID's records over the last days
func (r *Recorder) UserActivitySummary(ctx context.Context, userID int64, days int) (*ActivitySummary, error) {
	since := r.now().UTC().AddDate(0, 0, -days)
	facts, err := r.store.Facts(ctx, &userID, since)
	if err != nil {
		return nil, err
	}
	return summarize(facts), nil
}

// Stats aggregates every record over the last days
func (r *Recorder) Stats(ctx context.Context, days int) (*Stats, error) {
	since := r.now().UTC().AddDate(0, 0, -days)
	facts, err := r.store.Facts(ctx, nil, since)
	if err != nil {
		return nil, err
	}
	return aggregate(facts, days), nil
}

// Cleanup deletes records older than daysToKeep days, clamped to the
// retention bounds. With an archiver configured the doomed records are
// written as NDJSON first and nothing is deleted if that fails. The cleanup
// itself is recorded.
func (r *Recorder) Cleanup(ctx context.Context, actorID *int64, daysToKeep int) (*CleanupResult, error) {
	days := ClampRetention(daysToKeep)
	now := r.now().UTC()
	result := &CleanupResult{
		Cutoff:   now.AddDate(0, 0, -days),
		DaysKept: days,
	}

	logger := observability.FromContext(ctx, r.logger).WithFields(map[string]interface{}{
		"cutoff_date": result.Cutoff.Format(time.RFC3339),
		"days_kept":   days,
	})

	if r.archiver != nil {
		key, err := r.archive(ctx, result.Cutoff, now)
		if err != nil {
			return nil, err
		}
		result.ArchiveKey = key
	}

	deleted, err := r.store.DeleteBefore(ctx, result.Cutoff)
	if err != nil {
		return nil, err
	}
	result.Deleted = deleted

	details := map[string]interface{}{
		"cutoff_date":  result.Cutoff.Format(time.RFC3339),
		"days_kept":    days,
		"logs_deleted": deleted,
	}
	if result.ArchiveKey != "" {
		details["archive_key"] = result.ArchiveKey
	}

	if _, err := r.Log(ctx, Entry{
		UserID:       actorID,
		Action:       ActionAuditCleanup,
		ResourceType: ResourceAuditLog,
		Context:      details,
	}); err != nil {
		return nil, fmt.Errorf("failed to record audit cleanup: %w", err)
	}

	logger.WithField("logs_deleted", deleted).Info("audit retention cleanup complete")
	return result, nil
}

func (r *Recorder) archive(ctx context.Context, cutoff, now time.Time) (string, error) {
	records, err := r.store.Before(ctx, cutoff)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", nil
	}

	data, err := exportNDJSON(records)
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("%saudit-logs-before-%s-%d.ndjson", r.archivePrefix, cutoff.Format("20060102"), now.Unix())
	if err := r.archiver.PutObject(ctx, key, data, "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("failed to archive audit logs: %w", err)
	}
	return key, nil
}

// Export encodes every record matching filter. The filter's limit and offset
// are ignored. The export is itself recorded before any data is read.
func (r *Recorder) Export(ctx context.Context, actorID *int64, filter Filter, format ExportFormat) ([]byte, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("unsupported export format %q", format)
	}

	details := map[string]interface{}{"format": string(format)}
	if filter.StartTime != nil {
		details["start_date"] = filter.StartTime.Format(time.RFC3339)
	}
	if filter.EndTime != nil {
		details["end_date"] = filter.EndTime.Format(time.RFC3339)
	}
	if filter.UserID != nil {
		details["filter_user_id"] = *filter.UserID
	}
	if filter.ResourceType != "" {
		details["filter_resource_type"] = filter.ResourceType
	}

	if _, err := r.Log(ctx, Entry{
		UserID:       actorID,
		Action:       ActionAuditExport,
		ResourceType: ResourceAuditLog,
		Context:      details,
	}); err != nil {
		return nil, fmt.Errorf("failed to record audit export: %w", err)
	}

	records := make([]*Record, 0)
	filter.Limit = MaxQueryLimit
	for filter.Offset = 0; filter.Offset < maxExportRecords; filter.Offset += MaxQueryLimit {
		page, err := r.store.Query(ctx, filter)
		if err != nil {
			return nil, err
		}
		records = append(records, page...)
		if len(page) < MaxQueryLimit {
			break
		}
	}

	return encode(records, format)
}
