package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/platinummonkey/bastion/pkg/protection"
)

// ErrIntegrationNotFound is returned when an integration id does not exist
var ErrIntegrationNotFound = errors.New("integration not found")

// Integration is an external system that receives webhook deliveries
type Integration struct {
	ID            int64                          `json:"id"`
	Name          string                         `json:"name"`
	Category      protection.IntegrationCategory `json:"integration_type"`
	APIEndpoint   string                         `json:"api_endpoint"`
	WebhookURL    string                         `json:"webhook_url,omitempty"`
	WebhookSecret string                         `json:"-"`
	IsActive      bool                           `json:"is_active"`
	Sensitivity   protection.SensitivityLevel    `json:"sensitivity_level"`
	CreatedBy     *int64                         `json:"created_by,omitempty"`
	CreatedAt     time.Time                      `json:"created_at"`
	UpdatedAt     *time.Time                     `json:"updated_at,omitempty"`
}

// Signed reports whether deliveries to the integration carry a signature
func (in Integration) Signed() bool {
	return in.WebhookSecret != ""
}

// Validate checks the fields a caller may set
func (in Integration) Validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(string(in.Category)) == "" {
		return fmt.Errorf("integration_type is required")
	}
	if in.WebhookURL != "" {
		u, err := url.Parse(in.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook_url must be an absolute http(s) URL")
		}
	}
	if in.Sensitivity != "" && !in.Sensitivity.Valid() {
		return fmt.Errorf("unknown sensitivity level %q", in.Sensitivity)
	}
	return nil
}

// IntegrationSource lists the integrations a trigger fans out to
type IntegrationSource interface {
	// ActiveIntegrations returns active integrations with a webhook URL
	ActiveIntegrations(ctx context.Context) ([]Integration, error)
}

// IntegrationStore is the full integration persistence surface
type IntegrationStore interface {
	IntegrationSource
	Create(ctx context.Context, in *Integration) error
	Get(ctx context.Context, id int64) (*Integration, error)
	List(ctx context.Context, createdBy *int64) ([]Integration, error)
	Update(ctx context.Context, in *Integration) error
	Delete(ctx context.Context, id int64) error
}

// SQLIntegrationStore keeps integrations in PostgreSQL. Webhook secrets are
// encrypted at rest when an encryptor is configured; values written before
// encryption was enabled are read back unchanged.
type SQLIntegrationStore struct {
	primary *sql.DB
	replica *sql.DB
	enc     *protection.Encryptor
}

// NewSQLIntegrationStore creates a store. replica and enc may be nil.
func NewSQLIntegrationStore(primary, replica *sql.DB, enc *protection.Encryptor) *SQLIntegrationStore {
	if replica == nil {
		replica = primary
	}
	return &SQLIntegrationStore{primary: primary, replica: replica, enc: enc}
}

// EnsureSchema creates the external_integrations table
func (s *SQLIntegrationStore) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS external_integrations (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		integration_type VARCHAR(50) NOT NULL,
		api_endpoint TEXT NOT NULL DEFAULT '',
		webhook_url TEXT,
		webhook_secret TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		sensitivity_level VARCHAR(20) NOT NULL DEFAULT 'internal',
		created_by BIGINT,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE
	);

	CREATE INDEX IF NOT EXISTS idx_external_integrations_active ON external_integrations(is_active);
	CREATE INDEX IF NOT EXISTS idx_external_integrations_created_by ON external_integrations(created_by);
	`

	if _, err := s.primary.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure external_integrations table: %w", err)
	}
	return nil
}

const integrationColumns = `
	id, name, integration_type, api_endpoint, webhook_url, webhook_secret,
	is_active, sensitivity_level, created_by, created_at, updated_at`

// ActiveIntegrations reads the primary so that activation changes apply to
// the very next trigger.
func (s *SQLIntegrationStore) ActiveIntegrations(ctx context.Context) ([]Integration, error) {
	query := "SELECT" + integrationColumns + `
		FROM external_integrations
		WHERE is_active = TRUE AND webhook_url IS NOT NULL AND webhook_url <> ''
		ORDER BY id`

	rows, err := s.primary.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active integrations: %w", err)
	}
	defer rows.Close()
	return s.scanAll(rows)
}

// Create inserts in and sets its ID and CreatedAt
func (s *SQLIntegrationStore) Create(ctx context.Context, in *Integration) error {
	secret, err := s.seal(in.WebhookSecret)
	if err != nil {
		return err
	}
	if in.Sensitivity == "" {
		in.Sensitivity = protection.Internal
	}

	query := `
		INSERT INTO external_integrations (
			name, integration_type, api_endpoint, webhook_url, webhook_secret,
			is_active, sensitivity_level, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`

	err = s.primary.QueryRowContext(ctx, query,
		in.Name, string(in.Category), in.APIEndpoint, nullString(in.WebhookURL), secret,
		in.IsActive, string(in.Sensitivity), in.CreatedBy,
	).Scan(&in.ID, &in.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert integration: %w", err)
	}
	return nil
}

// Get returns one integration. It reads the primary so an integration is
// visible to the request right after the one that created it.
func (s *SQLIntegrationStore) Get(ctx context.Context, id int64) (*Integration, error) {
	query := "SELECT" + integrationColumns + " FROM external_integrations WHERE id = $1"

	in, err := s.scan(s.primary.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIntegrationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}
	return in, nil
}

// List returns integrations, optionally only those created by one principal
func (s *SQLIntegrationStore) List(ctx context.Context, createdBy *int64) ([]Integration, error) {
	query := "SELECT" + integrationColumns + " FROM external_integrations"
	var args []interface{}
	if createdBy != nil {
		query += " WHERE created_by = $1"
		args = append(args, *createdBy)
	}
	query += " ORDER BY id"

	rows, err := s.replica.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	defer rows.Close()
	return s.scanAll(rows)
}

// Update rewrites the mutable columns of in
func (s *SQLIntegrationStore) Update(ctx context.Context, in *Integration) error {
	secret, err := s.seal(in.WebhookSecret)
	if err != nil {
		return err
	}

	query := `
		UPDATE external_integrations SET
			name = $1, integration_type = $2, api_endpoint = $3, webhook_url = $4,
			webhook_secret = $5, is_active = $6, sensitivity_level = $7, updated_at = NOW()
		WHERE id = $8
		RETURNING updated_at
	`

	var updated time.Time
	err = s.primary.QueryRowContext(ctx, query,
		in.Name, string(in.Category), in.APIEndpoint, nullString(in.WebhookURL),
		secret, in.IsActive, string(in.Sensitivity), in.ID,
	).Scan(&updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrIntegrationNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update integration: %w", err)
	}
	in.UpdatedAt = &updated
	return nil
}

// Delete removes an integration
func (s *SQLIntegrationStore) Delete(ctx context.Context, id int64) error {
	res, err := s.primary.ExecContext(ctx, "DELETE FROM external_integrations WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete integration: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete integration: %w", err)
	}
	if n == 0 {
		return ErrIntegrationNotFound
	}
	return nil
}

func (s *SQLIntegrationStore) seal(secret string) (interface{}, error) {
	if secret == "" {
		return nil, nil
	}
	if s.enc == nil {
		return secret, nil
	}
	sealed, err := s.enc.Encrypt(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt webhook secret: %w", err)
	}
	return sealed, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLIntegrationStore) scan(row rowScanner) (*Integration, error) {
	var (
		in          Integration
		category    string
		webhookURL  sql.NullString
		secret      sql.NullString
		sensitivity string
		createdBy   sql.NullInt64
		updatedAt   sql.NullTime
	)

	err := row.Scan(
		&in.ID, &in.Name, &category, &in.APIEndpoint, &webhookURL, &secret,
		&in.IsActive, &sensitivity, &createdBy, &in.CreatedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	in.Category = protection.IntegrationCategory(category)
	in.WebhookURL = webhookURL.String
	in.WebhookSecret = secret.String
	if s.enc != nil && in.WebhookSecret != "" {
		in.WebhookSecret = s.enc.DecryptOrOriginal(in.WebhookSecret)
	}
	in.Sensitivity = protection.SensitivityLevel(sensitivity)
	if createdBy.Valid {
		id := createdBy.Int64
		in.CreatedBy = &id
	}
	if updatedAt.Valid {
		t := updatedAt.Time
		in.UpdatedAt = &t
	}
	return &in, nil
}

func (s *SQLIntegrationStore) scanAll(rows *sql.Rows) ([]Integration, error) {
	var out []Integration
	for rows.Next() {
		in, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan integration: %w", err)
		}
		out = append(out, *in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate integrations: %w", err)
	}
	return out, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
