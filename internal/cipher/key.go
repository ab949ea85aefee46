package cipher

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	// SaltSize is the length of salts produced by NewSalt.
	SaltSize = 16

	// DefaultIterations is the PBKDF2 work factor used when Params leaves it unset.
	DefaultIterations = 210000

	// MinIterations is the lowest work factor DeriveKey accepts.
	MinIterations = 1000
)

// Params tunes key derivation.
type Params struct {
	Iterations int
}

// DefaultParams returns the production key derivation parameters.
func DefaultParams() Params {
	return Params{Iterations: DefaultIterations}
}

// Key is a derived symmetric key. The zero Key is unusable: Encrypt rejects
// it with ErrEncryptionFailure.
type Key struct {
	b []byte
}

// NewKey wraps raw key material. raw must be exactly KeySize bytes.
func NewKey(raw []byte) (Key, error) {
	if len(raw) != KeySize {
		return Key{}, fmt.Errorf("key must be %d bytes for AES-256, got %d", KeySize, len(raw))
	}
	b := make([]byte, KeySize)
	copy(b, raw)
	return Key{b: b}, nil
}

// IsZero reports whether the key carries no material.
func (k Key) IsZero() bool {
	return len(k.b) == 0
}

// Equal compares two keys in constant time.
func (k Key) Equal(other Key) bool {
	return subtle.ConstantTimeCompare(k.b, other.b) == 1
}

// Fingerprint returns a short identifier that is safe to log.
func (k Key) Fingerprint() string {
	if k.IsZero() {
		return "none"
	}
	h := sha256.New()
	h.Write([]byte("budgethist/key-fingerprint/v1"))
	h.Write([]byte{0x00})
	h.Write(k.b)
	return hex.EncodeToString(h.Sum(nil))[:8]
}

// String never prints key material.
func (k Key) String() string {
	return "cipher.Key(" + k.Fingerprint() + ")"
}

// NewSalt returns SaltSize random bytes for DeriveKey.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey runs PBKDF2-HMAC-SHA256 over the passphrase.
// The same passphrase and salt always produce the same key.
func DeriveKey(passphrase string, salt []byte, p Params) (Key, error) {
	if passphrase == "" {
		return Key{}, fmt.Errorf("passphrase must not be empty")
	}
	if len(salt) == 0 {
		return Key{}, fmt.Errorf("salt must not be empty")
	}
	iter := p.Iterations
	if iter == 0 {
		iter = DefaultIterations
	}
	if iter < MinIterations {
		return Key{}, fmt.Errorf("iterations must be at least %d, got %d", MinIterations, iter)
	}
	return Key{b: pbkdf2.Key([]byte(passphrase), salt, iter, KeySize, sha256.New)}, nil
}
