package audit

import (
	"errors"
	"time"

	"github.com/platinummonkey/bastion/pkg/protection"
)

// Action names with fixed meaning in the recorder
const (
	ActionAPIAccess        = "api_access"
	ActionAuditCleanup     = "audit_cleanup"
	ActionAuditExport      = "audit_export"
	ActionPermissionGrant  = "permission_grant"
	ActionPermissionRevoke = "permission_revoke"
)

// Resource types written by the recorder itself
const (
	ResourceAPIEndpoint    = "api_endpoint"
	ResourceAuditLog       = "audit_log"
	ResourceRolePermission = "role_permission"
	ResourceUserPermission = "user_permission"
)

// RedactedValue replaces secrets in old/new values
const RedactedValue = "[REDACTED]"

// ErrNotFound is returned by Get when no record has the requested id
var ErrNotFound = errors.New("audit record not found")

// Record is a persisted, immutable audit entry. OldValues and NewValues are
// already sanitized when a Record exists.
type Record struct {
	ID            int64                       `json:"id"`
	UserID        *int64                      `json:"user_id"`
	Action        string                      `json:"action"`
	ResourceType  string                      `json:"resource_type"`
	ResourceID    string                      `json:"resource_id,omitempty"`
	OldValues     map[string]interface{}      `json:"old_values,omitempty"`
	NewValues     map[string]interface{}      `json:"new_values,omitempty"`
	IPAddress     string                      `json:"ip_address,omitempty"`
	UserAgent     string                      `json:"user_agent,omitempty"`
	APIKeyID      *int64                      `json:"api_key_id,omitempty"`
	IntegrationID *int64                      `json:"integration_id,omitempty"`
	Sensitivity   protection.SensitivityLevel `json:"sensitivity_level"`
	Context       map[string]interface{}      `json:"additional_context,omitempty"`
	Timestamp     time.Time                   `json:"timestamp"`
}

// Entry is what callers hand to Recorder.Log. Values are sanitized before
// they are stored.
type Entry struct {
	UserID        *int64
	Action        string
	ResourceType  string
	ResourceID    string
	OldValues     map[string]interface{}
	NewValues     map[string]interface{}
	IPAddress     string
	UserAgent     string
	APIKeyID      *int64
	IntegrationID *int64
	Context       map[string]interface{}
}

// APIAccess describes one request that passed the gate
type APIAccess struct {
	UserID       *int64
	APIKeyID     *int64
	Method       string
	Path         string
	StatusCode   int
	Duration     time.Duration
	IPAddress    string
	UserAgent    string
	RequestBody  []byte
	ResponseBody []byte
}

// DataAccess describes a read, write or delete of specific fields
type DataAccess struct {
	UserID       int64
	ResourceType string
	ResourceID   string
	AccessType   string
	Fields       []string
	IPAddress    string
}

// Filter selects records for Query and Export
type Filter struct {
	UserID       *int64
	ResourceType string
	Actions      []string
	StartTime    *time.Time
	EndTime      *time.Time
	Sensitivity  protection.SensitivityLevel
	Limit        int
	Offset       int
}

// Query pagination bounds
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// Normalize applies the default limit and clamps limit and offset
func (f Filter) Normalize() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit > MaxQueryLimit {
		f.Limit = MaxQueryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// ActivitySummary aggregates one principal's recent records
type ActivitySummary struct {
	TotalActions      int            `json:"total_actions"`
	ActionsByType     map[string]int `json:"actions_by_type"`
	ResourcesAccessed map[string]int `json:"resources_accessed"`
	SensitiveActions  int            `json:"sensitive_actions"`
	FailedActions     int            `json:"failed_actions"`
	LastActivity      *time.Time     `json:"last_activity"`
}

// UserCount pairs a principal with a record count
type UserCount struct {
	UserID int64 `json:"user_id"`
	Count  int   `json:"count"`
}

// Stats summarises all records in a period
type Stats struct {
	PeriodDays           int            `json:"period_days"`
	TotalActions         int            `json:"total_actions"`
	UniqueUsers          int            `json:"unique_users"`
	ActionsByType        map[string]int `json:"actions_by_type"`
	ResourcesByType      map[string]int `json:"resources_by_type"`
	SensitivityBreakdown map[string]int `json:"sensitivity_breakdown"`
	FailedActions        int            `json:"failed_actions"`
	TopUsers             []UserCount    `json:"top_users"`
	HourlyDistribution   map[string]int `json:"hourly_distribution"`
}

// CleanupResult reports what a retention pass did
type CleanupResult struct {
	Cutoff     time.Time `json:"cutoff_date"`
	DaysKept   int       `json:"days_kept"`
	Deleted    int64     `json:"logs_deleted"`
	ArchiveKey string    `json:"archive_key,omitempty"`
}

// Retention bounds in days
const (
	MinRetentionDays     = 30
	MaxRetentionDays     = 2555
	DefaultRetentionDays = 365
)

// ClampRetention bounds days to [MinRetentionDays, MaxRetentionDays]
func ClampRetention(days int) int {
	if days < MinRetentionDays {
		return MinRetentionDays
	}
	if days > MaxRetentionDays {
		return MaxRetentionDays
	}
	return days
}

// ExportFormat selects the Export encoding
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatNDJSON ExportFormat = "ndjson"
	ExportFormatCSV    ExportFormat = "csv"
)

// Valid reports whether f is a supported format
func (f ExportFormat) Valid() bool {
	switch f {
	case ExportFormatJSON, ExportFormatNDJSON, ExportFormatCSV:
		return true
	}
	return false
}
