package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/platinummonkey/bastion/pkg/auth"
)

// ErrGrantNotFound is returned when revoking a grant that does not exist
var ErrGrantNotFound = errors.New("permission grant not found")

// Store reads and writes permission grants
type Store interface {
	RoleGrants(ctx context.Context, role auth.Role) ([]Permission, error)
	ActiveUserGrants(ctx context.Context, userID int64, now time.Time) ([]UserGrant, error)
	ListUserGrants(ctx context.Context, userID int64) ([]UserGrant, error)
	GrantUserPermission(ctx context.Context, grant UserGrant) error
	RevokeUserPermission(ctx context.Context, userID int64, perm Permission) error
	GrantRolePermission(ctx context.Context, role auth.Role, perm Permission) error
	RevokeRolePermission(ctx context.Context, role auth.Role, perm Permission) error
	SeedDefaults(ctx context.Context) (int, error)
}

// SQLStore handles grant persistence in PostgreSQL
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new grant store
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const grantSchema = `
CREATE TABLE IF NOT EXISTS role_permissions (
	role VARCHAR(50) NOT NULL,
	permission VARCHAR(50) NOT NULL,
	PRIMARY KEY (role, permission)
);

CREATE TABLE IF NOT EXISTS user_permissions (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL,
	permission VARCHAR(50) NOT NULL,
	granted_by BIGINT,
	granted_at TIMESTAMP NOT NULL DEFAULT NOW(),
	expires_at TIMESTAMP,
	UNIQUE (user_id, permission)
);

CREATE INDEX IF NOT EXISTS idx_user_permissions_user_id ON user_permissions(user_id);
`

// EnsureTables creates the grant tables if they do not exist
func (s *SQLStore) EnsureTables(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, grantSchema); err != nil {
		return fmt.Errorf("failed to create permission tables: %w", err)
	}
	return nil
}

// RoleGrants returns the permissions granted to role
func (s *SQLStore) RoleGrants(ctx context.Context, role auth.Role) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT permission FROM role_permissions WHERE role = $1`, string(role))
	if err != nil {
		return nil, fmt.Errorf("failed to query role permissions: %w", err)
	}
	defer rows.Close()

	return scanPermissions(rows)
}

// ActiveUserGrants returns user grants that have not expired at now.
// A grant whose expiry equals now is expired.
func (s *SQLStore) ActiveUserGrants(ctx context.Context, userID int64, now time.Time) ([]UserGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT permission, expires_at FROM user_permissions
		WHERE user_id = $1 AND (expires_at IS NULL OR expires_at > $2)
	`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query user permissions: %w", err)
	}
	defer rows.Close()

	var grants []UserGrant
	for rows.Next() {
		g := UserGrant{UserID: userID}
		var perm string
		var expiresAt sql.NullTime
		if err := rows.Scan(&perm, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan user permission: %w", err)
		}
		g.Permission = Permission(perm)
		if expiresAt.Valid {
			g.ExpiresAt = &expiresAt.Time
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// ListUserGrants returns every grant for userID including expired ones
func (s *SQLStore) ListUserGrants(ctx context.Context, userID int64) ([]UserGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, permission, granted_by, granted_at, expires_at
		FROM user_permissions
		WHERE user_id = $1
		ORDER BY granted_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user permissions: %w", err)
	}
	defer rows.Close()

	var grants []UserGrant
	for rows.Next() {
		var g UserGrant
		var perm string
		var grantedBy sql.NullInt64
		var expiresAt sql.NullTime
		if err := rows.Scan(&g.UserID, &perm, &grantedBy, &g.GrantedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan user permission: %w", err)
		}
		g.Permission = Permission(perm)
		if grantedBy.Valid {
			g.GrantedBy = &grantedBy.Int64
		}
		if expiresAt.Valid {
			g.ExpiresAt = &expiresAt.Time
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// GrantUserPermission upserts a user grant. Re-granting replaces the grantor
// and expiry.
func (s *SQLStore) GrantUserPermission(ctx context.Context, grant UserGrant) error {
	if grant.GrantedAt.IsZero() {
		grant.GrantedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_permissions (user_id, permission, granted_by, granted_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, permission)
		DO UPDATE SET granted_by = EXCLUDED.granted_by, granted_at = EXCLUDED.granted_at, expires_at = EXCLUDED.expires_at
	`, grant.UserID, string(grant.Permission), grant.GrantedBy, grant.GrantedAt, grant.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to grant permission: %w", err)
	}
	return nil
}

// RevokeUserPermission deletes a user grant
func (s *SQLStore) RevokeUserPermission(ctx context.Context, userID int64, perm Permission) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM user_permissions WHERE user_id = $1 AND permission = $2`,
		userID, string(perm))
	if err != nil {
		return fmt.Errorf("failed to revoke permission: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to revoke permission: %w", err)
	}
	if affected == 0 {
		return ErrGrantNotFound
	}
	return nil
}

// GrantRolePermission adds perm to role. Granting an existing pair is a
// no-op.
func (s *SQLStore) GrantRolePermission(ctx context.Context, role auth.Role, perm Permission) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO role_permissions (role, permission) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		string(role), string(perm))
	if err != nil {
		return fmt.Errorf("failed to grant role permission: %w", err)
	}
	return nil
}

// RevokeRolePermission removes perm from role
func (s *SQLStore) RevokeRolePermission(ctx context.Context, role auth.Role, perm Permission) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM role_permissions WHERE role = $1 AND permission = $2`,
		string(role), string(perm))
	if err != nil {
		return fmt.Errorf("failed to revoke role permission: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to revoke role permission: %w", err)
	}
	if affected == 0 {
		return ErrGrantNotFound
	}
	return nil
}

// SeedDefaults inserts every missing default role grant in one transaction
// and returns how many rows were added
func (s *SQLStore) SeedDefaults(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for _, g := range DefaultGrants() {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO role_permissions (role, permission) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			string(g.Role), string(g.Permission))
		if err != nil {
			return 0, fmt.Errorf("failed to seed %s/%s: %w", g.Role, g.Permission, err)
		}
		if n, err := result.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit default grants: %w", err)
	}
	return inserted, nil
}

// DefaultGrants flattens DefaultRolePermissions in role-name order
func DefaultGrants() []RoleGrant {
	roles := make([]string, 0, len(DefaultRolePermissions))
	for role := range DefaultRolePermissions {
		roles = append(roles, string(role))
	}
	sort.Strings(roles)

	var grants []RoleGrant
	for _, role := range roles {
		for _, p := range DefaultRolePermissions[auth.Role(role)] {
			grants = append(grants, RoleGrant{Role: auth.Role(role), Permission: p})
		}
	}
	return grants
}

func scanPermissions(rows *sql.Rows) ([]Permission, error) {
	var perms []Permission
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, Permission(p))
	}
	return perms, rows.Err()
}
