package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CredentialStore resolves presented credentials to stored records
type CredentialStore interface {
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error)
	GetPrincipal(ctx context.Context, id int64) (*Principal, error)
}

// SQLCredentialStore reads users, api_keys and subscriptions from PostgreSQL.
// The tables are owned by the account service; EnsureSchema exists for
// local development and integration tests.
type SQLCredentialStore struct {
	db *sql.DB
}

// NewSQLCredentialStore creates a credential store over db
func NewSQLCredentialStore(db *sql.DB) *SQLCredentialStore {
	return &SQLCredentialStore{db: db}
}

const credentialSchema = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	email VARCHAR(255) NOT NULL UNIQUE,
	username VARCHAR(255) NOT NULL UNIQUE,
	role VARCHAR(50) NOT NULL DEFAULT 'user',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMP NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	plan VARCHAR(50) NOT NULL,
	status VARCHAR(50) NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS api_keys (
	id BIGSERIAL PRIMARY KEY,
	name VARCHAR(255) NOT NULL,
	key_hash VARCHAR(64) NOT NULL UNIQUE,
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	project_id BIGINT,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	rate_limit INTEGER NOT NULL DEFAULT 0,
	usage_count BIGINT NOT NULL DEFAULT 0,
	last_used TIMESTAMP,
	expires_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_subscriptions_user_id ON subscriptions(user_id, created_at DESC);
`

// EnsureSchema creates the credential tables if they do not exist
func (s *SQLCredentialStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, credentialSchema); err != nil {
		return fmt.Errorf("failed to create credential tables: %w", err)
	}
	return nil
}

// GetAPIKeyByHash looks up an API key by its SHA256 hex hash
func (s *SQLCredentialStore) GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	query := `
		SELECT id, name, key_hash, user_id, project_id, is_active, rate_limit, usage_count, last_used, expires_at
		FROM api_keys
		WHERE key_hash = $1
	`

	var key APIKey
	var projectID sql.NullInt64
	var lastUsed, expiresAt sql.NullTime

	err := s.db.QueryRowContext(ctx, query, keyHash).Scan(
		&key.ID,
		&key.Name,
		&key.KeyHash,
		&key.UserID,
		&projectID,
		&key.IsActive,
		&key.RateLimit,
		&key.UsageCount,
		&lastUsed,
		&expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get API key: %w", err)
	}

	if projectID.Valid {
		key.ProjectID = &projectID.Int64
	}
	if lastUsed.Valid {
		key.LastUsed = &lastUsed.Time
	}
	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	return &key, nil
}

// GetPrincipal loads a user together with their most recent subscription
func (s *SQLCredentialStore) GetPrincipal(ctx context.Context, id int64) (*Principal, error) {
	query := `
		SELECT u.id, u.email, u.username, u.role, u.is_active, s.plan, s.status
		FROM users u
		LEFT JOIN LATERAL (
			SELECT plan, status FROM subscriptions
			WHERE user_id = u.id
			ORDER BY created_at DESC
			LIMIT 1
		) s ON TRUE
		WHERE u.id = $1
	`

	var p Principal
	var role string
	var plan, status sql.NullString

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID,
		&p.Email,
		&p.Username,
		&role,
		&p.IsActive,
		&plan,
		&status,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get principal: %w", err)
	}

	p.Role = Role(role)
	p.Plan = plan.String
	p.PlanStatus = status.String
	return &p, nil
}

// Execer runs a statement. *sql.DB and *sql.Tx satisfy it.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// TouchAPIKey increments usage_count and sets last_used. Usage recording
// passes its transaction so the counter moves with the usage row.
func TouchAPIKey(ctx context.Context, db Execer, keyID int64, at time.Time) error {
	_, err := db.ExecContext(ctx,
		`UPDATE api_keys SET usage_count = usage_count + 1, last_used = $2 WHERE id = $1`,
		keyID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to touch API key: %w", err)
	}
	return nil
}
