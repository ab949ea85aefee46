package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/record"
)

// createTestStore creates a new SQLite store in a temp directory.
func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachBackend runs fn against every Backend implementation.
func forEachBackend(t *testing.T, fn func(t *testing.T, s Backend)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, createTestStore(t)) })
}

var testEpoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// createTestCommit returns a sealed commit on top of parent.
func createTestCommit(parent string, n int) record.Commit {
	return record.MustSeal(record.Commit{
		ParentHash: parent,
		Author:     record.AuthorUser,
		Timestamp:  testEpoch.Add(time.Duration(n) * time.Second),
		Message:    fmt.Sprintf("commit %d", n),
		Payload:    []byte(fmt.Sprintf("payload-%d", n)),
	})
}
