// Package store provides durable, append-only storage for budget history
// commits.
//
// Two backends implement Backend:
//   - MemoryStore: process-local, used by tests and short-lived tools
//   - SQLiteStore: a single SQLite file, used by the CLI
//
// # Append Contract
//
// Append is a compare-and-swap on the chain tip. The caller passes the tip it
// built the commit against; if the tip moved in the meantime Append returns
// ErrTipMoved and nothing is written. The commit's ParentHash must equal the
// expected tip. Seq is assigned by the store (0 for genesis) and is the only
// ordering used by readers. Timestamps are never used for ordering.
//
// The hash column is not unique. A store that was edited outside the engine
// may hold duplicate hashes, and the tamper scanner needs to see them.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - A single connection serializes writers
package store
