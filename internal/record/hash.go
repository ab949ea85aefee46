package record

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

// DomainCommit is the domain-separation prefix for commit hashes.
// The version suffix allows a future algorithm migration.
const DomainCommit = "budgethist/commit/v1"

// TimestampLayout is the timestamp encoding used inside the hash preimage.
// Timestamps are always converted to UTC first.
const TimestampLayout = time.RFC3339Nano

// hashWithDomain computes SHA256(domain || 0x00 || data).
// The null byte prevents ambiguity at the domain/data boundary.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Preimage returns the canonical bytes a commit hash is computed over.
// Seq and Hash are excluded.
func Preimage(c Commit) ([]byte, error) {
	obj := Object{
		"author":      String(c.Author),
		"message":     String(c.Message),
		"parent_hash": String(c.ParentHash),
		"payload":     String(base64.StdEncoding.EncodeToString(c.Payload)),
		"timestamp":   String(c.Timestamp.UTC().Format(TimestampLayout)),
	}
	data, err := MarshalCanonical(obj)
	if err != nil {
		return nil, fmt.Errorf("commit preimage: %w", err)
	}
	return data, nil
}

// ComputeHash returns the content address of c.
// It is a pure function of every field except Seq and Hash.
func ComputeHash(c Commit) (string, error) {
	pre, err := Preimage(c)
	if err != nil {
		return "", err
	}
	return hashWithDomain(DomainCommit, pre), nil
}

// VerifyHash reports whether c.Hash matches the recomputed hash.
func VerifyHash(c Commit) (bool, string, error) {
	computed, err := ComputeHash(c)
	if err != nil {
		return false, "", err
	}
	return computed == c.Hash, computed, nil
}

// Seal computes and sets the hash on c.
func Seal(c Commit) (Commit, error) {
	hash, err := ComputeHash(c)
	if err != nil {
		return Commit{}, err
	}
	c.Hash = hash
	return c, nil
}

// MustSeal is like Seal but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustSeal(c Commit) Commit {
	sealed, err := Seal(c)
	if err != nil {
		panic(err)
	}
	return sealed
}
