package credential

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeyEnv is the env var holding the credential sealing key.
	// #nosec G101 -- not a credential; it's an environment variable name.
	KeyEnv = "FRUGAL_CREDENTIAL_KEY"
)

var (
	ErrKeyMissing = errors.New("credential: sealing key missing")
	ErrKeyInvalid = errors.New("credential: sealing key must decode to 32 bytes (base64 or hex)")
	ErrUnseal     = errors.New("credential: unseal failed")
)

// Sealer encrypts API keys at rest with XChaCha20-Poly1305.
//
// The user id is bound as additional data, so a sealed value copied to
// another user's row does not open.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeyInvalid
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("credential: init aead: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// SealerFromEnv reads KeyEnv.
func SealerFromEnv() (*Sealer, error) {
	key, err := ParseKey(os.Getenv(KeyEnv))
	if err != nil {
		return nil, err
	}
	return NewSealer(key)
}

// ParseKey accepts a base64 (std or url, padded or not) or hex encoded 32-byte key.
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrKeyMissing
	}
	if len(raw) == hex.EncodedLen(chacha20poly1305.KeySize) {
		if b, err := hex.DecodeString(raw); err == nil {
			return b, nil
		}
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(raw); err == nil && len(b) == chacha20poly1305.KeySize {
			return b, nil
		}
	}
	return nil, ErrKeyInvalid
}

// Seal returns nonce || ciphertext.
func (s *Sealer) Seal(userID, plaintext string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("credential: nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(userID)), nil
}

// Open reverses Seal.
func (s *Sealer) Open(userID string, sealed []byte) (string, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns+s.aead.Overhead() {
		return "", ErrUnseal
	}
	pt, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(userID))
	if err != nil {
		return "", ErrUnseal
	}
	return string(pt), nil
}
