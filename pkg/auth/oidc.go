package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// PrincipalIDClaim carries the Bastion principal id in identity-provider
// tokens whose subject is not numeric
const PrincipalIDClaim = "bastion_user_id"

// OIDCValidator validates ID tokens issued by an external identity provider
type OIDCValidator struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCValidator discovers issuerURL and builds a verifier for clientID
func NewOIDCValidator(ctx context.Context, issuerURL, clientID string) (*OIDCValidator, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	return NewOIDCValidatorFromVerifier(provider.Verifier(&oidc.Config{ClientID: clientID})), nil
}

// NewOIDCValidatorFromVerifier wraps an existing verifier
func NewOIDCValidatorFromVerifier(verifier *oidc.IDTokenVerifier) *OIDCValidator {
	return &OIDCValidator{verifier: verifier}
}

// Validate verifies the ID token signature, audience and expiry
func (v *OIDCValidator) Validate(ctx context.Context, token string) (int64, error) {
	idToken, err := v.verifier.Verify(ctx, token)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if raw, ok := claims[PrincipalIDClaim]; ok {
		if f, ok := raw.(float64); ok && f > 0 {
			return int64(f), nil
		}
	}

	return parseSubject(idToken.Subject)
}
