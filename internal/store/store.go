package store

import (
	"context"
	"errors"
	"time"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/record"
)

var (
	// ErrNotFound is returned when a commit or snapshot does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTipMoved is returned by Append when the chain tip is no longer the
	// expected one. The caller should rebuild the commit and retry.
	ErrTipMoved = errors.New("chain tip moved")

	// ErrDuplicateHash is returned by Append when a commit with the same hash
	// is already stored.
	ErrDuplicateHash = errors.New("duplicate commit hash")

	// ErrInvalidCommit is returned by Append for commits that can never be
	// stored, such as a missing hash or a parent that is not the expected tip.
	ErrInvalidCommit = errors.New("invalid commit")

	// ErrSaltExists is returned by InitSalt when a salt is already stored.
	ErrSaltExists = errors.New("kdf salt already initialized")
)

// Head is a point-in-time view of the chain: the tip hash and the number of
// commits, read atomically.
type Head struct {
	Hash string
	Len  int64
}

// Empty reports whether the chain has no commits.
func (h Head) Empty() bool {
	return h.Len == 0
}

// Store is the commit log.
type Store interface {
	// GetByHash returns the commit with the given hash, or ErrNotFound.
	// If tampering left several commits with one hash, the earliest wins.
	GetByHash(ctx context.Context, hash string) (record.Commit, error)

	// Tip returns the hash of the newest commit, or "" for an empty chain.
	Tip(ctx context.Context) (string, error)

	// Head returns the tip and length as one consistent snapshot.
	Head(ctx context.Context) (Head, error)

	// Append stores c if the tip still equals expectedTip and returns it with
	// Seq assigned.
	Append(ctx context.Context, expectedTip string, c record.Commit) (record.Commit, error)

	// ScanRange returns commits with from <= Seq < to in Seq order.
	// A negative to means "through the end".
	ScanRange(ctx context.Context, from, to int64) ([]record.Commit, error)

	// ScanAfter returns up to limit stored commits with Seq > after, in Seq
	// order. A limit <= 0 means no limit. Unlike ScanRange it follows stored
	// rows, so a gap left by a removed commit is skipped rather than
	// returned short.
	ScanAfter(ctx context.Context, after int64, limit int) ([]record.Commit, error)

	// Len returns the number of stored commits.
	Len(ctx context.Context) (int64, error)
}

// MetaStore persists the key derivation salt next to the log so that the
// same passphrase derives the same key across sessions.
type MetaStore interface {
	// Salt returns the stored salt, or ErrNotFound.
	Salt(ctx context.Context) ([]byte, error)

	// InitSalt stores salt once. A second call returns ErrSaltExists.
	InitSalt(ctx context.Context, salt []byte) error
}

// Snapshot is an encrypted materialized state at a commit.
type Snapshot struct {
	ID         string
	Seq        int64
	CommitHash string
	Payload    []byte
	CreatedAt  time.Time
}

// SnapshotStore persists materialized state checkpoints.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	// LatestSnapshot returns the snapshot with the highest Seq that is
	// <= atOrBeforeSeq, or ErrNotFound.
	LatestSnapshot(ctx context.Context, atOrBeforeSeq int64) (Snapshot, error)
}

// Backend is everything the history service needs from storage.
type Backend interface {
	Store
	MetaStore
	SnapshotStore
	Close() error
}

// checkAppend validates the parts of the append contract that do not depend
// on backend state.
func checkAppend(expectedTip string, c record.Commit) error {
	if c.Hash == "" {
		return errors.Join(ErrInvalidCommit, errors.New("commit has no hash"))
	}
	if c.ParentHash != expectedTip {
		return errors.Join(ErrInvalidCommit, errors.New("parent hash is not the expected tip"))
	}
	return nil
}

// normalizeRange clamps [from, to) against n stored commits.
func normalizeRange(from, to, n int64) (int64, int64) {
	if from < 0 {
		from = 0
	}
	if to < 0 || to > n {
		to = n
	}
	if from > to {
		from = to
	}
	return from, to
}
