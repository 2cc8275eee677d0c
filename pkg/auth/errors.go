package auth

import "errors"

var (
	// ErrMissingCredentials means neither X-API-Key nor a bearer token was sent
	ErrMissingCredentials = errors.New("authentication required")
	// ErrInvalidAPIKey means the key hash is unknown or the key is inactive
	ErrInvalidAPIKey = errors.New("invalid API key")
	// ErrAPIKeyExpired means the key's expiry has passed
	ErrAPIKeyExpired = errors.New("API key expired")
	// ErrInactivePrincipal means the owning account is deactivated
	ErrInactivePrincipal = errors.New("user account is inactive")
	// ErrInvalidToken means a bearer token failed validation
	ErrInvalidToken = errors.New("invalid token")
	// ErrNotFound is returned by stores for missing rows
	ErrNotFound = errors.New("not found")
)

// RejectionMessage maps an authentication error to the client-facing error
// and detail strings
func RejectionMessage(err error) (message, detail string) {
	switch {
	case errors.Is(err, ErrInvalidAPIKey):
		return "Invalid API key", "The provided API key is not valid or has been deactivated"
	case errors.Is(err, ErrAPIKeyExpired):
		return "API key expired", "The provided API key has expired"
	case errors.Is(err, ErrInactivePrincipal):
		return "User account is inactive", "The account that owns this credential is deactivated"
	case errors.Is(err, ErrInvalidToken):
		return "Invalid token", "The bearer token could not be validated"
	default:
		return "Authentication required", "Provide an X-API-Key header or an Authorization: Bearer token"
	}
}
