package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/record"
)

const metaKeySalt = "kdf_salt"

// Append implements Store.
//
// The tip check, the duplicate check, the insert and the tip update run in
// one transaction. The tip update is itself conditional on the old value, so
// a concurrent writer on another connection cannot slip in between.
func (s *SQLiteStore) Append(ctx context.Context, expectedTip string, c record.Commit) (record.Commit, error) {
	if err := checkAppend(expectedTip, c); err != nil {
		return record.Commit{}, fmt.Errorf("append: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return record.Commit{}, fmt.Errorf("append: begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT hash FROM chain_tip WHERE id = 1`).Scan(&current); err != nil {
		return record.Commit{}, fmt.Errorf("append: read tip: %w", err)
	}
	if current != expectedTip {
		return record.Commit{}, fmt.Errorf("append: expected tip %q, found %q: %w",
			record.ShortHash(expectedTip), record.ShortHash(current), ErrTipMoved)
	}

	var dup int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM commits WHERE hash = ?`, c.Hash).Scan(&dup); err != nil {
		return record.Commit{}, fmt.Errorf("append: check duplicate: %w", err)
	}
	if dup > 0 {
		return record.Commit{}, fmt.Errorf("append %s: %w", record.ShortHash(c.Hash), ErrDuplicateHash)
	}

	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq) + 1, 0) FROM commits`).Scan(&c.Seq); err != nil {
		return record.Commit{}, fmt.Errorf("append: next seq: %w", err)
	}

	payload := c.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO commits (seq, hash, parent_hash, author, timestamp, message, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		c.Seq,
		c.Hash,
		c.ParentHash,
		string(c.Author),
		formatTime(c.Timestamp),
		c.Message,
		payload,
	)
	if err != nil {
		return record.Commit{}, fmt.Errorf("append: insert commit: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE chain_tip SET hash = ? WHERE id = 1 AND hash = ?`, c.Hash, expectedTip)
	if err != nil {
		return record.Commit{}, fmt.Errorf("append: update tip: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return record.Commit{}, fmt.Errorf("append: update tip: %w", err)
	} else if n != 1 {
		return record.Commit{}, fmt.Errorf("append: tip update lost the race: %w", ErrTipMoved)
	}

	if err := tx.Commit(); err != nil {
		return record.Commit{}, fmt.Errorf("append: commit tx: %w", err)
	}
	return c, nil
}

// InitSalt implements MetaStore.
func (s *SQLiteStore) InitSalt(ctx context.Context, salt []byte) error {
	if len(salt) == 0 {
		return fmt.Errorf("init salt: salt must not be empty")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO NOTHING
	`, metaKeySalt, salt)
	if err != nil {
		return fmt.Errorf("init salt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("init salt: %w", err)
	}
	if n == 0 {
		return ErrSaltExists
	}
	return nil
}

// SaveSnapshot implements SnapshotStore.
// Saving a snapshot with an existing ID is a no-op.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.ID == "" {
		return errors.New("save snapshot: id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, seq, commit_hash, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		snap.ID,
		snap.Seq,
		snap.CommitHash,
		snap.Payload,
		formatTime(snap.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(record.TimestampLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(record.TimestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
