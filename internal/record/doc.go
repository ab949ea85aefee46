// Package record defines the budget history data model and its canonical
// serialization.
//
// This package is the foundation layer: every other internal package imports
// record, and record imports nothing internal.
//
// Key design constraints:
//   - NO float types anywhere. Amounts are int64 minor units.
//   - Canonical bytes follow RFC 8785 and are the only input to hashing.
//   - Commit hashes are SHA-256 with domain separation (see hash.go).
//   - Author and ChangeType are closed sets validated on every append.
//   - All JSON tags use snake_case.
package record
