package record

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes history engine errors.
type ErrorCode string

const (
	// ErrCodeConcurrentWrite means the tip moved on every CAS attempt.
	// Retryable by the caller.
	ErrCodeConcurrentWrite ErrorCode = "CONCURRENT_WRITE_CONFLICT"

	// ErrCodeEncryption means the payload could not be encrypted (bad key).
	ErrCodeEncryption ErrorCode = "ENCRYPTION_FAILURE"

	// ErrCodeDecryption means a payload did not authenticate under the key.
	// The caller must re-prompt for credentials.
	ErrCodeDecryption ErrorCode = "DECRYPTION_FAILURE"

	// ErrCodeSerialization means a change list could not be canonicalized.
	ErrCodeSerialization ErrorCode = "SERIALIZATION_FAILURE"

	// ErrCodeChainCorruption means stored data failed hash or linkage checks.
	// Fatal for the affected range; never repaired automatically.
	ErrCodeChainCorruption ErrorCode = "CHAIN_CORRUPTION"

	// ErrCodeUnknownTarget means a referenced commit hash is not in the store.
	ErrCodeUnknownTarget ErrorCode = "UNKNOWN_TARGET"
)

// Error is the structured error returned by append, restore and detail
// operations. Integrity and tamper findings are never reported as errors.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Hash identifies the commit involved, when there is one.
	Hash string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Hash != "" {
		msg = fmt.Sprintf("%s (commit=%s)", msg, ShortHash(e.Hash))
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error with the given code.
func NewError(code ErrorCode, hash, message string, err error) *Error {
	return &Error{Code: code, Message: message, Hash: hash, Err: err}
}

// CodeOf returns the ErrorCode of err, or "" if err is not an *Error.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsConflict returns true for ConcurrentWriteConflict errors.
func IsConflict(err error) bool {
	return CodeOf(err) == ErrCodeConcurrentWrite
}

// IsEncryptionFailure returns true for EncryptionFailure errors.
func IsEncryptionFailure(err error) bool {
	return CodeOf(err) == ErrCodeEncryption
}

// IsDecryptionFailure returns true for DecryptionFailure errors.
func IsDecryptionFailure(err error) bool {
	return CodeOf(err) == ErrCodeDecryption
}

// IsSerializationFailure returns true for SerializationFailure errors.
func IsSerializationFailure(err error) bool {
	return CodeOf(err) == ErrCodeSerialization
}

// IsChainCorruption returns true for ChainCorruption errors.
func IsChainCorruption(err error) bool {
	return CodeOf(err) == ErrCodeChainCorruption
}

// IsUnknownTarget returns true for UnknownTarget errors.
func IsUnknownTarget(err error) bool {
	return CodeOf(err) == ErrCodeUnknownTarget
}
