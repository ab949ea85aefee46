package store

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/record"
)

// MemoryStore keeps the log in process memory.
// Tip reads are lock-free; appends are serialized by mu and publish the new
// tip only after the commit is visible to readers.
type MemoryStore struct {
	mu        sync.RWMutex
	commits   []record.Commit
	byHash    map[string]int64
	tip       atomic.Pointer[string]
	salt      []byte
	snapshots []Snapshot
}

var _ Backend = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{byHash: make(map[string]int64)}
	empty := ""
	s.tip.Store(&empty)
	return s
}

// LoadMemoryStore builds a store over an existing log without validating it.
// Commits are renumbered by position and the last one becomes the tip.
// It exists for inspecting logs that came from elsewhere, such as an export
// bundle, before trusting them.
func LoadMemoryStore(commits []record.Commit) *MemoryStore {
	s := NewMemoryStore()
	for i, c := range commits {
		c.Seq = int64(i)
		s.commits = append(s.commits, c)
		if _, seen := s.byHash[c.Hash]; !seen {
			s.byHash[c.Hash] = c.Seq
		}
	}
	if n := len(commits); n > 0 {
		tip := commits[n-1].Hash
		s.tip.Store(&tip)
	}
	return s
}

// GetByHash implements Store.
func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (record.Commit, error) {
	if err := ctx.Err(); err != nil {
		return record.Commit{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, ok := s.byHash[hash]
	if !ok {
		return record.Commit{}, fmt.Errorf("commit %s: %w", record.ShortHash(hash), ErrNotFound)
	}
	return cloneCommit(s.commits[seq]), nil
}

// Tip implements Store.
func (s *MemoryStore) Tip(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return *s.tip.Load(), nil
}

// Head implements Store.
func (s *MemoryStore) Head(ctx context.Context) (Head, error) {
	if err := ctx.Err(); err != nil {
		return Head{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Head{Hash: *s.tip.Load(), Len: int64(len(s.commits))}, nil
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, expectedTip string, c record.Commit) (record.Commit, error) {
	if err := ctx.Err(); err != nil {
		return record.Commit{}, err
	}
	if err := checkAppend(expectedTip, c); err != nil {
		return record.Commit{}, fmt.Errorf("append: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.tip.Load()
	if *current != expectedTip {
		return record.Commit{}, fmt.Errorf("append: expected tip %q, found %q: %w",
			record.ShortHash(expectedTip), record.ShortHash(*current), ErrTipMoved)
	}
	if _, exists := s.byHash[c.Hash]; exists {
		return record.Commit{}, fmt.Errorf("append %s: %w", record.ShortHash(c.Hash), ErrDuplicateHash)
	}

	c = cloneCommit(c)
	c.Seq = int64(len(s.commits))
	s.commits = append(s.commits, c)
	s.byHash[c.Hash] = c.Seq

	next := c.Hash
	if !s.tip.CompareAndSwap(current, &next) {
		// Only writers holding mu swap the tip.
		panic("store: tip changed while holding the write lock")
	}
	return cloneCommit(c), nil
}

// ScanRange implements Store.
func (s *MemoryStore) ScanRange(ctx context.Context, from, to int64) ([]record.Commit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	from, to = normalizeRange(from, to, int64(len(s.commits)))
	out := make([]record.Commit, 0, to-from)
	for _, c := range s.commits[from:to] {
		out = append(out, cloneCommit(c))
	}
	return out, nil
}

// ScanAfter implements Store. Memory commits have no gaps, so Seq is the
// slice index.
func (s *MemoryStore) ScanAfter(ctx context.Context, after int64, limit int) ([]record.Commit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := int64(len(s.commits))
	from := min(max(after+1, 0), n)
	to := n
	if limit > 0 {
		to = min(from+int64(limit), n)
	}
	out := make([]record.Commit, 0, to-from)
	for _, c := range s.commits[from:to] {
		out = append(out, cloneCommit(c))
	}
	return out, nil
}

// Len implements Store.
func (s *MemoryStore) Len(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.commits)), nil
}

// Salt implements MetaStore.
func (s *MemoryStore) Salt(ctx context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.salt == nil {
		return nil, fmt.Errorf("kdf salt: %w", ErrNotFound)
	}
	return bytes.Clone(s.salt), nil
}

// InitSalt implements MetaStore.
func (s *MemoryStore) InitSalt(ctx context.Context, salt []byte) error {
	if len(salt) == 0 {
		return fmt.Errorf("init salt: salt must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.salt != nil {
		return ErrSaltExists
	}
	s.salt = bytes.Clone(salt)
	return nil
}

// SaveSnapshot implements SnapshotStore.
func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.Payload = bytes.Clone(snap.Payload)
	s.snapshots = append(s.snapshots, snap)
	return nil
}

// LatestSnapshot implements SnapshotStore.
func (s *MemoryStore) LatestSnapshot(ctx context.Context, atOrBeforeSeq int64) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	best := -1
	for i, snap := range s.snapshots {
		if snap.Seq > atOrBeforeSeq {
			continue
		}
		if best < 0 || snap.Seq >= s.snapshots[best].Seq {
			best = i
		}
	}
	if best < 0 {
		return Snapshot{}, fmt.Errorf("snapshot at or before seq %d: %w", atOrBeforeSeq, ErrNotFound)
	}
	snap := s.snapshots[best]
	snap.Payload = bytes.Clone(snap.Payload)
	return snap, nil
}

// Close implements Backend. It is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

func cloneCommit(c record.Commit) record.Commit {
	c.Payload = bytes.Clone(c.Payload)
	return c
}
