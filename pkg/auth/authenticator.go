package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/platinummonkey/bastion/pkg/observability"
)

// TokenValidator validates a bearer token and returns the principal id it
// names
type TokenValidator interface {
	Validate(ctx context.Context, token string) (int64, error)
}

// Authenticator resolves the credentials on a request. X-API-Key takes
// precedence over an Authorization bearer token.
type Authenticator struct {
	store     CredentialStore
	validator TokenValidator
	logger    *observability.Logger
	now       func() time.Time
}

// NewAuthenticator creates an authenticator. validator may be nil, in which
// case bearer tokens are rejected.
func NewAuthenticator(store CredentialStore, validator TokenValidator, logger *observability.Logger) *Authenticator {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Authenticator{
		store:     store,
		validator: validator,
		logger:    logger,
		now:       time.Now,
	}
}

// Authenticate returns the AuthContext for r or one of the package's
// rejection errors. Store failures are returned wrapped and are not
// rejection errors.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*AuthContext, error) {
	if raw := r.Header.Get("X-API-Key"); raw != "" {
		return a.authenticateAPIKey(ctx, raw)
	}

	if token, ok := bearerToken(r); ok {
		return a.authenticateBearer(ctx, token)
	}

	return nil, ErrMissingCredentials
}

func (a *Authenticator) authenticateAPIKey(ctx context.Context, raw string) (*AuthContext, error) {
	key, err := a.store.GetAPIKeyByHash(ctx, HashAPIKey(raw))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, err
	}
	if !key.IsActive {
		return nil, ErrInvalidAPIKey
	}
	if key.Expired(a.now()) {
		return nil, ErrAPIKeyExpired
	}

	principal, err := a.loadActivePrincipal(ctx, key.UserID, ErrInvalidAPIKey)
	if err != nil {
		return nil, err
	}

	return &AuthContext{Principal: principal, APIKey: key, Method: MethodAPIKey}, nil
}

func (a *Authenticator) authenticateBearer(ctx context.Context, token string) (*AuthContext, error) {
	if a.validator == nil {
		return nil, ErrInvalidToken
	}

	id, err := a.validator.Validate(ctx, token)
	if err != nil {
		a.logger.WithError(err).Debug("bearer token rejected")
		return nil, ErrInvalidToken
	}

	principal, err := a.loadActivePrincipal(ctx, id, ErrInvalidToken)
	if err != nil {
		return nil, err
	}

	return &AuthContext{Principal: principal, Method: MethodBearer}, nil
}

func (a *Authenticator) loadActivePrincipal(ctx context.Context, id int64, missing error) (*Principal, error) {
	principal, err := a.store.GetPrincipal(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, missing
	}
	if err != nil {
		return nil, err
	}
	if !principal.IsActive {
		return nil, ErrInactivePrincipal
	}
	return principal, nil
}

// IsRejection reports whether err is a credential rejection rather than an
// infrastructure failure
func IsRejection(err error) bool {
	for _, target := range []error{ErrMissingCredentials, ErrInvalidAPIKey, ErrAPIKeyExpired, ErrInactivePrincipal, ErrInvalidToken} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
