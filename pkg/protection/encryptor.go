package protection

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/platinummonkey/bastion/pkg/observability"
)

// ErrInvalidKey is returned for a configured key that is not base64 of 32 bytes
var ErrInvalidKey = errors.New("encryption key must be base64 of 32 bytes")

// DecryptStatus tags the outcome of Decrypt
type DecryptStatus int

const (
	// Decrypted means Value is the recovered plaintext
	Decrypted DecryptStatus = iota
	// NotEncrypted means the input could not have been produced by Encrypt
	// (not base64 or too short); Value is the input
	NotEncrypted
	// Corrupted means the input looked like ciphertext but failed
	// authentication (wrong key or tampering); Value is the input
	Corrupted
)

func (s DecryptStatus) String() string {
	switch s {
	case Decrypted:
		return "decrypted"
	case NotEncrypted:
		return "not_encrypted"
	default:
		return "corrupted"
	}
}

// DecryptResult is the tagged result of Decrypt
type DecryptResult struct {
	Value  string
	Status DecryptStatus
}

// Encryptor performs authenticated symmetric encryption of single values
// with XChaCha20-Poly1305 under a process-wide key. Ciphertext is
// base64url(nonce || sealed). It carries no marker, so callers must know from
// the schema which fields are encrypted.
type Encryptor struct {
	key       []byte
	generated bool
}

// GenerateKey returns a fresh base64-encoded key suitable for NewEncryptor
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// NewEncryptor builds an Encryptor from a base64 key. An empty key generates
// an ephemeral one and logs a warning: data encrypted with it cannot be
// recovered after a restart unless the key is persisted. A malformed key is
// an error.
func NewEncryptor(key string, logger *observability.Logger) (*Encryptor, error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	if key == "" {
		generated, err := GenerateKey()
		if err != nil {
			return nil, err
		}
		raw, _ := base64.StdEncoding.DecodeString(generated)
		logger.Warn("no encryption key configured; generated an ephemeral key. " +
			"Set BASTION_ENCRYPTION_KEY (bastion -generate-key) or previously encrypted data becomes unrecoverable after restart")
		return &Encryptor{key: raw, generated: true}, nil
	}

	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(raw) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	return &Encryptor{key: raw}, nil
}

// Generated reports whether the key was generated at startup
func (e *Encryptor) Generated() bool {
	return e.generated
}

// Encrypt seals plaintext. The empty string encrypts to itself.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return "", fmt.Errorf("failed to init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens ciphertext. It never fails: values that are not ciphertext,
// or that fail authentication, come back unchanged with the matching status.
func (e *Encryptor) Decrypt(ciphertext string) DecryptResult {
	if ciphertext == "" {
		return DecryptResult{Value: "", Status: NotEncrypted}
	}

	raw, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil || len(raw) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return DecryptResult{Value: ciphertext, Status: NotEncrypted}
	}

	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return DecryptResult{Value: ciphertext, Status: Corrupted}
	}

	nonce, sealed := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return DecryptResult{Value: ciphertext, Status: Corrupted}
	}
	return DecryptResult{Value: string(plain), Status: Decrypted}
}

// DecryptOrOriginal returns the plaintext, or the input when it does not decrypt
func (e *Encryptor) DecryptOrOriginal(value string) string {
	return e.Decrypt(value).Value
}
