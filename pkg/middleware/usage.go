package middleware

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/bastion/pkg/auth"
)

// Usage is one recorded request against the protected API
type Usage struct {
	UserID       int64         `json:"user_id"`
	APIKeyID     *int64        `json:"api_key_id,omitempty"`
	Endpoint     string        `json:"endpoint"`
	Method       string        `json:"method"`
	StatusCode   int           `json:"status_code"`
	ResponseTime time.Duration `json:"response_time"`
	IPAddress    string        `json:"ip_address"`
	UserAgent    string        `json:"user_agent"`
	Timestamp    time.Time     `json:"timestamp"`
}

// UsageRecorder persists usage rows
type UsageRecorder interface {
	RecordUsage(ctx context.Context, u Usage) error
}

// SQLUsageStore writes usage rows and bumps the API key counters in one
// transaction
type SQLUsageStore struct {
	db *sql.DB
}

// NewSQLUsageStore creates a usage store over db
func NewSQLUsageStore(db *sql.DB) *SQLUsageStore {
	return &SQLUsageStore{db: db}
}

const usageSchema = `
CREATE TABLE IF NOT EXISTS usage (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL,
	api_key_id BIGINT,
	endpoint VARCHAR(500) NOT NULL,
	method VARCHAR(10) NOT NULL,
	status_code INTEGER NOT NULL,
	response_time DOUBLE PRECISION NOT NULL,
	ip_address VARCHAR(64),
	user_agent TEXT,
	timestamp TIMESTAMP NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_usage_user_id_timestamp ON usage(user_id, timestamp DESC);
`

// EnsureSchema creates the usage table if it does not exist
func (s *SQLUsageStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, usageSchema); err != nil {
		return fmt.Errorf("failed to create usage table: %w", err)
	}
	return nil
}

// RecordUsage inserts u and, for API-key requests, increments the key's
// usage_count and last_used
func (s *SQLUsageStore) RecordUsage(ctx context.Context, u Usage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage (user_id, api_key_id, endpoint, method, status_code, response_time, ip_address, user_agent, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, u.UserID, u.APIKeyID, u.Endpoint, u.Method, u.StatusCode, u.ResponseTime.Seconds(), u.IPAddress, u.UserAgent, u.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert usage: %w", err)
	}

	if u.APIKeyID != nil {
		if err := auth.TouchAPIKey(ctx, tx, *u.APIKeyID, u.Timestamp); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit usage: %w", err)
	}
	return nil
}
