package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTValidator validates HS256 session tokens whose subject is the
// principal id
type JWTValidator struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewJWTValidator creates a validator for the shared secret. An empty issuer
// disables the issuer check.
func NewJWTValidator(secret, issuer string, ttl time.Duration) (*JWTValidator, error) {
	if secret == "" {
		return nil, errors.New("JWT secret is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTValidator{secret: []byte(secret), issuer: issuer, ttl: ttl}, nil
}

// Issue signs a token for principalID
func (v *JWTValidator) Issue(principalID int64, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(principalID, 10),
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Validate parses and verifies token, returning the subject as a principal id
func (v *JWTValidator) Validate(_ context.Context, token string) (int64, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, opts...)
	if err != nil || !tok.Valid {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return parseSubject(claims.Subject)
}

func parseSubject(sub string) (int64, error) {
	id, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: subject %q is not a principal id", ErrInvalidToken, sub)
	}
	return id, nil
}

// ChainValidator tries each validator in order and returns the first success
type ChainValidator []TokenValidator

func (c ChainValidator) Validate(ctx context.Context, token string) (int64, error) {
	var errs []error
	for _, v := range c {
		id, err := v.Validate(ctx, token)
		if err == nil {
			return id, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return 0, ErrInvalidToken
	}
	return 0, errors.Join(errs...)
}
