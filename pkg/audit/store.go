package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/bastion/pkg/protection"
)

// Store persists and reads audit records
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	Query(ctx context.Context, filter Filter) ([]*Record, error)
	Get(ctx context.Context, id int64) (*Record, error)
	// Facts returns the aggregation columns of every record at or after
	// since, optionally restricted to one principal
	Facts(ctx context.Context, userID *int64, since time.Time) ([]Fact, error)
	// Before returns every record older than cutoff, oldest first
	Before(ctx context.Context, cutoff time.Time) ([]*Record, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Fact is the slice of a record that summaries aggregate over
type Fact struct {
	UserID       *int64
	Action       string
	ResourceType string
	Sensitivity  protection.SensitivityLevel
	Timestamp    time.Time
}

// SQLStore stores records in PostgreSQL. Writes go to the primary, reads to
// the replica when one is configured.
type SQLStore struct {
	primary *sql.DB
	replica *sql.DB
}

// NewSQLStore creates a store. replica may be nil.
func NewSQLStore(primary, replica *sql.DB) *SQLStore {
	if replica == nil {
		replica = primary
	}
	return &SQLStore{primary: primary, replica: replica}
}

// EnsureSchema creates the audit_logs table and its indexes
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_logs (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT,
		action VARCHAR(100) NOT NULL,
		resource_type VARCHAR(100) NOT NULL,
		resource_id VARCHAR(255),
		old_values JSONB,
		new_values JSONB,
		ip_address VARCHAR(45),
		user_agent TEXT,
		api_key_id BIGINT,
		integration_id BIGINT,
		sensitivity_level VARCHAR(20) NOT NULL,
		additional_context JSONB,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_user_id ON audit_logs(user_id);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs(action);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_resource ON audit_logs(resource_type, resource_id);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_sensitivity ON audit_logs(sensitivity_level);
	`

	if _, err := s.primary.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure audit_logs table: %w", err)
	}
	return nil
}

const recordColumns = `
	id, user_id, action, resource_type, resource_id,
	old_values, new_values, ip_address, user_agent,
	api_key_id, integration_id, sensitivity_level, additional_context, timestamp`

// Insert writes rec and sets its ID
func (s *SQLStore) Insert(ctx context.Context, rec *Record) error {
	oldJSON, err := marshalNullable(rec.OldValues)
	if err != nil {
		return fmt.Errorf("failed to marshal old values: %w", err)
	}
	newJSON, err := marshalNullable(rec.NewValues)
	if err != nil {
		return fmt.Errorf("failed to marshal new values: %w", err)
	}
	contextJSON, err := marshalNullable(rec.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}

	query := `
		INSERT INTO audit_logs (
			user_id, action, resource_type, resource_id,
			old_values, new_values, ip_address, user_agent,
			api_key_id, integration_id, sensitivity_level, additional_context, timestamp
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12, $13
		) RETURNING id
	`

	err = s.primary.QueryRowContext(ctx, query,
		rec.UserID, rec.Action, rec.ResourceType, nullString(rec.ResourceID),
		oldJSON, newJSON, nullString(rec.IPAddress), nullString(rec.UserAgent),
		rec.APIKeyID, rec.IntegrationID, string(rec.Sensitivity), contextJSON, rec.Timestamp,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// Query returns records matching filter, newest first
func (s *SQLStore) Query(ctx context.Context, filter Filter) ([]*Record, error) {
	filter = filter.Normalize()

	query := "SELECT" + recordColumns + " FROM audit_logs WHERE 1=1"
	args := []interface{}{}
	argCount := 1

	if filter.UserID != nil {
		query += fmt.Sprintf(" AND user_id = $%d", argCount)
		args = append(args, *filter.UserID)
		argCount++
	}

	if filter.ResourceType != "" {
		query += fmt.Sprintf(" AND resource_type = $%d", argCount)
		args = append(args, filter.ResourceType)
		argCount++
	}

	if len(filter.Actions) > 0 {
		query += fmt.Sprintf(" AND action = ANY($%d)", argCount)
		args = append(args, pq.Array(filter.Actions))
		argCount++
	}

	if filter.StartTime != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", argCount)
		args = append(args, *filter.StartTime)
		argCount++
	}

	if filter.EndTime != nil {
		query += fmt.Sprintf(" AND timestamp <= $%d", argCount)
		args = append(args, *filter.EndTime)
		argCount++
	}

	if filter.Sensitivity != "" {
		query += fmt.Sprintf(" AND sensitivity_level = $%d", argCount)
		args = append(args, string(filter.Sensitivity))
		argCount++
	}

	query += fmt.Sprintf(" ORDER BY timestamp DESC, id DESC LIMIT $%d OFFSET $%d", argCount, argCount+1)
	args = append(args, filter.Limit, filter.Offset)

	return s.queryRecords(ctx, s.replica, query, args...)
}

// Get returns one record or ErrNotFound
func (s *SQLStore) Get(ctx context.Context, id int64) (*Record, error) {
	records, err := s.queryRecords(ctx, s.replica, "SELECT"+recordColumns+" FROM audit_logs WHERE id = $1", id)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records[0], nil
}

// Before returns records older than cutoff. It reads from the primary so an
// archive never misses rows a lagging replica has not seen yet.
func (s *SQLStore) Before(ctx context.Context, cutoff time.Time) ([]*Record, error) {
	return s.queryRecords(ctx, s.primary,
		"SELECT"+recordColumns+" FROM audit_logs WHERE timestamp < $1 ORDER BY timestamp ASC, id ASC", cutoff)
}

// DeleteBefore removes records older than cutoff
func (s *SQLStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.primary.ExecContext(ctx, "DELETE FROM audit_logs WHERE timestamp < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit logs: %w", err)
	}
	return result.RowsAffected()
}

// Facts returns aggregation columns for records since the given time
func (s *SQLStore) Facts(ctx context.Context, userID *int64, since time.Time) ([]Fact, error) {
	query := "SELECT user_id, action, resource_type, sensitivity_level, timestamp FROM audit_logs WHERE timestamp >= $1"
	args := []interface{}{since}
	if userID != nil {
		query += " AND user_id = $2"
		args = append(args, *userID)
	}

	rows, err := s.replica.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit facts: %w", err)
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		var (
			f     Fact
			uid   sql.NullInt64
			level string
		)
		if err := rows.Scan(&uid, &f.Action, &f.ResourceType, &level, &f.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit fact: %w", err)
		}
		if uid.Valid {
			id := uid.Int64
			f.UserID = &id
		}
		f.Sensitivity = protection.SensitivityLevel(level)
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit facts: %w", err)
	}
	return facts, nil
}

func (s *SQLStore) queryRecords(ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]*Record, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	records := make([]*Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}
	return records, nil
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	var (
		rec                             Record
		userID, apiKeyID, integrationID sql.NullInt64
		resourceID, ipAddress, agent    sql.NullString
		oldJSON, newJSON, contextJSON   []byte
		level                           string
	)

	err := rows.Scan(
		&rec.ID, &userID, &rec.Action, &rec.ResourceType, &resourceID,
		&oldJSON, &newJSON, &ipAddress, &agent,
		&apiKeyID, &integrationID, &level, &contextJSON, &rec.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit log: %w", err)
	}

	rec.UserID = int64Ptr(userID)
	rec.APIKeyID = int64Ptr(apiKeyID)
	rec.IntegrationID = int64Ptr(integrationID)
	rec.ResourceID = resourceID.String
	rec.IPAddress = ipAddress.String
	rec.UserAgent = agent.String
	rec.Sensitivity = protection.SensitivityLevel(level)

	if rec.OldValues, err = unmarshalNullable(oldJSON); err != nil {
		return nil, fmt.Errorf("failed to unmarshal old values: %w", err)
	}
	if rec.NewValues, err = unmarshalNullable(newJSON); err != nil {
		return nil, fmt.Errorf("failed to unmarshal new values: %w", err)
	}
	if rec.Context, err = unmarshalNullable(contextJSON); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context: %w", err)
	}
	return &rec, nil
}

// marshalNullable encodes m for a JSONB column, mapping nil to SQL NULL
func marshalNullable(m map[string]interface{}) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func unmarshalNullable(data []byte) (map[string]interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}

// IsNotFound reports whether err is ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
