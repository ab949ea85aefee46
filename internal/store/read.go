package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/record"
)

const commitColumns = `seq, hash, parent_hash, author, timestamp, message, payload`

// GetByHash implements Store.
func (s *SQLiteStore) GetByHash(ctx context.Context, hash string) (record.Commit, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+commitColumns+`
		FROM commits
		WHERE hash = ?
		ORDER BY seq ASC
		LIMIT 1
	`, hash)
	c, err := scanCommit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Commit{}, fmt.Errorf("commit %s: %w", record.ShortHash(hash), ErrNotFound)
	}
	if err != nil {
		return record.Commit{}, fmt.Errorf("get commit %s: %w", record.ShortHash(hash), err)
	}
	return c, nil
}

// Tip implements Store.
func (s *SQLiteStore) Tip(ctx context.Context) (string, error) {
	var tip string
	if err := s.db.QueryRowContext(ctx, `SELECT hash FROM chain_tip WHERE id = 1`).Scan(&tip); err != nil {
		return "", fmt.Errorf("read tip: %w", err)
	}
	return tip, nil
}

// Head implements Store. Tip and count come from a single statement so they
// always describe the same state.
func (s *SQLiteStore) Head(ctx context.Context) (Head, error) {
	var h Head
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT hash FROM chain_tip WHERE id = 1), (SELECT COUNT(*) FROM commits)
	`).Scan(&h.Hash, &h.Len)
	if err != nil {
		return Head{}, fmt.Errorf("read head: %w", err)
	}
	return h, nil
}

// ScanRange implements Store.
// Returns an empty slice (not nil) when the range holds no commits.
func (s *SQLiteStore) ScanRange(ctx context.Context, from, to int64) ([]record.Commit, error) {
	if from < 0 {
		from = 0
	}
	var (
		rows *sql.Rows
		err  error
	)
	if to < 0 {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+commitColumns+`
			FROM commits
			WHERE seq >= ?
			ORDER BY seq ASC
		`, from)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+commitColumns+`
			FROM commits
			WHERE seq >= ? AND seq < ?
			ORDER BY seq ASC
		`, from, to)
	}
	if err != nil {
		return nil, fmt.Errorf("query commits: %w", err)
	}
	defer rows.Close()

	commits := []record.Commit{}
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commits: %w", err)
	}
	return commits, nil
}

// ScanAfter implements Store with keyset pagination on seq.
func (s *SQLiteStore) ScanAfter(ctx context.Context, after int64, limit int) ([]record.Commit, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commitColumns+`
		FROM commits
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query commits after %d: %w", after, err)
	}
	defer rows.Close()

	commits := []record.Commit{}
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commits: %w", err)
	}
	return commits, nil
}

// Len implements Store.
func (s *SQLiteStore) Len(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM commits`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count commits: %w", err)
	}
	return n, nil
}

// Salt implements MetaStore.
func (s *SQLiteStore) Salt(ctx context.Context) ([]byte, error) {
	var salt []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaKeySalt).Scan(&salt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("kdf salt: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read kdf salt: %w", err)
	}
	return bytes.Clone(salt), nil
}

// LatestSnapshot implements SnapshotStore.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context, atOrBeforeSeq int64) (Snapshot, error) {
	var (
		snap    Snapshot
		created string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, seq, commit_hash, payload, created_at
		FROM snapshots
		WHERE seq <= ?
		ORDER BY seq DESC, created_at DESC
		LIMIT 1
	`, atOrBeforeSeq).Scan(&snap.ID, &snap.Seq, &snap.CommitHash, &snap.Payload, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("snapshot at or before seq %d: %w", atOrBeforeSeq, ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	if snap.CreatedAt, err = parseTime(created); err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	return snap, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommit(r rowScanner) (record.Commit, error) {
	var (
		c      record.Commit
		author string
		ts     string
	)
	if err := r.Scan(&c.Seq, &c.Hash, &c.ParentHash, &author, &ts, &c.Message, &c.Payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return record.Commit{}, err
		}
		return record.Commit{}, fmt.Errorf("scan commit: %w", err)
	}
	c.Author = record.Author(author)
	t, err := parseTime(ts)
	if err != nil {
		return record.Commit{}, fmt.Errorf("commit seq %d: %w", c.Seq, err)
	}
	c.Timestamp = t
	return c, nil
}
