// Package cipher seals commit payloads with AES-256-GCM under a key derived
// from the user's passphrase.
//
// Payload envelope:
//
//	"BHE1" (4 bytes) || nonce (12 bytes) || ciphertext || GCM tag (16 bytes)
//
// A payload that does not authenticate under the supplied key yields
// ErrDecryptionFailure. Garbage plaintext is never returned.
package cipher
