package webhooks

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/bastion/pkg/protection"
)

// Delivery headers
const (
	HeaderEvent     = "X-Webhook-Event"
	HeaderID        = "X-Webhook-ID"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"

	UserAgent = "Bastion-Webhook/1.0"

	signaturePrefix = "sha256="
)

// ErrInvalidSignature is returned by VerifyRequest on a missing or wrong signature
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Envelope is the JSON body delivered to an integration
type Envelope struct {
	ID              string                         `json:"id"`
	Event           Event                          `json:"event"`
	Data            map[string]interface{}         `json:"data"`
	UserID          *int64                         `json:"user_id"`
	Timestamp       time.Time                      `json:"timestamp"`
	IntegrationType protection.IntegrationCategory `json:"integration_type"`
}

// NewEnvelope builds an envelope with a fresh id. data is stored as given;
// callers pass an already sanitized copy.
func NewEnvelope(event Event, data map[string]interface{}, userID *int64, category protection.IntegrationCategory, now time.Time) Envelope {
	var uid *int64
	if userID != nil {
		id := *userID
		uid = &id
	}
	return Envelope{
		ID:              uuid.New().String(),
		Event:           event,
		Data:            data,
		UserID:          uid,
		Timestamp:       now.UTC(),
		IntegrationType: category,
	}
}

// Sign returns the signature header value for body
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the HMAC over body and compares it in constant
// time. An empty secret never verifies.
func VerifySignature(body []byte, signature, secret string) bool {
	if secret == "" || !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(Sign(body, secret)))
}

// VerifyRequest reads and verifies an inbound delivery. The body is returned
// and also restored on r so later handlers can decode it.
func VerifyRequest(r *http.Request, secret string) ([]byte, error) {
	if r.Body == nil {
		return nil, ErrInvalidSignature
	}
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if !VerifySignature(body, r.Header.Get(HeaderSignature), secret) {
		return nil, ErrInvalidSignature
	}
	return body, nil
}
