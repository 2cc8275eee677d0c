package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	// KeyPrefix identifies Bastion API keys
	KeyPrefix = "bst_"
	// KeyLength is the number of random bytes (32 bytes = 256 bits)
	KeyLength = 32
)

// GenerateAPIKey creates a new raw API key and its storage hash.
// Format: bst_<base64url(32 random bytes)>
// The raw key is shown to its owner once and never stored.
func GenerateAPIKey() (raw string, hash string, err error) {
	randomBytes := make([]byte, KeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	raw = KeyPrefix + base64.RawURLEncoding.EncodeToString(randomBytes)
	return raw, HashAPIKey(raw), nil
}

// HashAPIKey computes the SHA256 hex digest used for lookup
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
