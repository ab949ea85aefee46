package cipher

import (
	"bytes"
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// Magic prefixes every sealed payload. The trailing digit versions the format.
var Magic = []byte("BHE1")

const (
	nonceSize = 12
	tagSize   = 16

	// Overhead is the number of bytes Encrypt adds to the plaintext.
	Overhead = 4 + nonceSize + tagSize
)

var (
	// ErrEncryptionFailure means the payload could not be sealed.
	ErrEncryptionFailure = errors.New("encryption failure")

	// ErrDecryptionFailure means the payload did not authenticate under the
	// key, or is not a sealed payload at all.
	ErrDecryptionFailure = errors.New("decryption failure")
)

func newAEAD(k Key) (stdcipher.AEAD, error) {
	if len(k.b) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(k.b))
	}
	block, err := aes.NewCipher(k.b)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := stdcipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext under k with a fresh random nonce.
// The magic prefix is bound as additional data.
func Encrypt(k Key, plaintext []byte) ([]byte, error) {
	gcm, err := newAEAD(k)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}

	out := make([]byte, len(Magic)+nonceSize, len(Magic)+nonceSize+len(plaintext)+tagSize)
	copy(out, Magic)
	nonce := out[len(Magic):]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: failed to generate nonce: %v", ErrEncryptionFailure, err)
	}
	return gcm.Seal(out, nonce, plaintext, Magic), nil
}

// Decrypt opens a payload produced by Encrypt.
// Any failure, including a wrong key, is reported as ErrDecryptionFailure.
func Decrypt(k Key, payload []byte) ([]byte, error) {
	if len(payload) < Overhead || !bytes.Equal(payload[:len(Magic)], Magic) {
		return nil, fmt.Errorf("%w: not a sealed payload", ErrDecryptionFailure)
	}
	gcm, err := newAEAD(k)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}

	nonce := payload[len(Magic) : len(Magic)+nonceSize]
	plaintext, err := gcm.Open(nil, nonce, payload[len(Magic)+nonceSize:], Magic)
	if err != nil {
		return nil, fmt.Errorf("%w: payload did not authenticate", ErrDecryptionFailure)
	}
	return plaintext, nil
}
