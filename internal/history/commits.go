package history

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/cipher"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/record"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/restore"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/store"
)

const listPageSize = 256

// Filter narrows ListCommits and ExportHistory.
type Filter struct {
	// Author keeps only commits by this author. Empty means any.
	Author record.Author

	// Limit caps the number of commits, newest first. Zero means no cap.
	Limit int
}

func (f Filter) match(c record.Commit) bool {
	return f.Author == "" || c.Author == f.Author
}

// Detail is a commit with its decrypted change list.
type Detail struct {
	Commit  record.Commit   `json:"commit"`
	Changes []record.Change `json:"changes"`
}

// Commit appends changes on top of the tip. An empty change list is a
// SERIALIZATION_FAILURE wrapping ErrEmptyCommit; only genesis carries no
// changes. Every snapshot interval a snapshot of the new state is captured;
// a failed capture is logged and does not fail the commit.
func (s *Service) Commit(ctx context.Context, author record.Author, message string, changes []record.Change, key cipher.Key) (record.Commit, error) {
	if len(changes) == 0 {
		return record.Commit{}, record.NewError(record.ErrCodeSerialization, "", "commit has no changes", ErrEmptyCommit)
	}
	c, err := s.builder.Append(ctx, author, message, changes, key)
	if err != nil {
		return record.Commit{}, err
	}
	s.maybeSnapshot(ctx, c, key)
	return c, nil
}

func (s *Service) maybeSnapshot(ctx context.Context, c record.Commit, key cipher.Key) {
	if s.snapshotInterval <= 0 || c.Seq == 0 || c.Seq%s.snapshotInterval != 0 {
		return
	}
	snap, err := s.restorer.Capture(ctx, c.Hash, key)
	if err != nil {
		s.logger.Warn("snapshot capture failed", zap.String("commit", c.ShortHash()), zap.Error(err))
		return
	}
	s.logger.Info("snapshot captured", zap.String("id", snap.ID), zap.Int64("seq", snap.Seq))
}

// Ingest appends a commit built elsewhere. See chain.Builder.Ingest.
func (s *Service) Ingest(ctx context.Context, c record.Commit) (record.Commit, error) {
	return s.builder.Ingest(ctx, c)
}

// ListCommits returns commits newest first.
func (s *Service) ListCommits(ctx context.Context, f Filter) ([]record.Commit, error) {
	head, err := s.store.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	return s.collect(ctx, head, f)
}

// collect walks backwards from head in pages.
func (s *Service) collect(ctx context.Context, head store.Head, f Filter) ([]record.Commit, error) {
	out := []record.Commit{}
	for end := head.Len; end > 0; {
		start := max(end-listPageSize, 0)
		page, err := s.store.ScanRange(ctx, start, end)
		if err != nil {
			return nil, fmt.Errorf("list commits: %w", err)
		}
		for i := len(page) - 1; i >= 0; i-- {
			if !f.match(page[i]) {
				continue
			}
			out = append(out, page[i])
			if f.Limit > 0 && len(out) == f.Limit {
				return out, nil
			}
		}
		end = start
	}
	return out, nil
}

// GetCommitDetail returns a commit and its decrypted changes.
func (s *Service) GetCommitDetail(ctx context.Context, hash string, key cipher.Key) (Detail, error) {
	c, err := s.lookup(ctx, hash)
	if err != nil {
		return Detail{}, err
	}
	plaintext, err := cipher.Decrypt(key, c.Payload)
	if err != nil {
		return Detail{}, record.NewError(record.ErrCodeDecryption, c.Hash, "payload did not decrypt under the supplied key", err)
	}
	changes, err := record.UnmarshalChanges(plaintext)
	if err != nil {
		return Detail{}, record.NewError(record.ErrCodeChainCorruption, c.Hash, "payload is not a valid change list", err)
	}
	return Detail{Commit: c, Changes: changes}, nil
}

// lookup resolves a full hash, or a unique prefix of at least four
// characters as printed by short hashes.
func (s *Service) lookup(ctx context.Context, ref string) (record.Commit, error) {
	c, err := s.store.GetByHash(ctx, ref)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return record.Commit{}, fmt.Errorf("lookup %s: %w", record.ShortHash(ref), err)
	}
	if len(ref) < 4 || len(ref) >= 64 {
		return record.Commit{}, record.NewError(record.ErrCodeUnknownTarget, ref, "commit not found", err)
	}

	all, err := s.store.ScanRange(ctx, 0, -1)
	if err != nil {
		return record.Commit{}, fmt.Errorf("lookup %s: %w", ref, err)
	}
	var found []record.Commit
	for _, c := range all {
		if len(c.Hash) >= len(ref) && c.Hash[:len(ref)] == ref {
			found = append(found, c)
		}
	}
	switch len(found) {
	case 0:
		return record.Commit{}, record.NewError(record.ErrCodeUnknownTarget, ref, "commit not found", store.ErrNotFound)
	case 1:
		return found[0], nil
	default:
		return record.Commit{}, record.NewError(record.ErrCodeUnknownTarget, ref,
			fmt.Sprintf("prefix matches %d commits", len(found)), nil)
	}
}

// Materialize returns the state right after the referenced commit.
func (s *Service) Materialize(ctx context.Context, ref string, key cipher.Key) (restore.State, error) {
	c, err := s.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.restorer.Materialize(ctx, c.Hash, key, nil)
}

// MaterializeAsync runs Materialize in the background. Cancel ctx to stop
// it; the store is never written.
func (s *Service) MaterializeAsync(ctx context.Context, ref string, key cipher.Key) <-chan restore.Result {
	c, err := s.lookup(ctx, ref)
	if err != nil {
		out := make(chan restore.Result, 1)
		out <- restore.Result{Err: err}
		close(out)
		return out
	}
	return s.restorer.Go(ctx, c.Hash, key)
}

// Restore derives the key for passphrase and materializes the referenced
// commit. History is not modified.
func (s *Service) Restore(ctx context.Context, ref, passphrase string) (restore.State, error) {
	key, err := s.Key(ctx, passphrase)
	if err != nil {
		return nil, err
	}
	return s.Materialize(ctx, ref, key)
}

// Snapshot captures an encrypted snapshot at the referenced commit.
func (s *Service) Snapshot(ctx context.Context, ref string, key cipher.Key) (store.Snapshot, error) {
	c, err := s.lookup(ctx, ref)
	if err != nil {
		return store.Snapshot{}, err
	}
	return s.restorer.Capture(ctx, c.Hash, key)
}

// Revert appends a commit that brings the tip state back to the state right
// after ref. The revert is computed against the current tip and is rejected
// with CONCURRENT_WRITE_CONFLICT if the tip moves before it lands.
func (s *Service) Revert(ctx context.Context, ref string, key cipher.Key, message string) (record.Commit, error) {
	target, err := s.lookup(ctx, ref)
	if err != nil {
		return record.Commit{}, err
	}
	tip, err := s.store.Tip(ctx)
	if err != nil {
		return record.Commit{}, fmt.Errorf("revert: %w", err)
	}

	want, err := s.restorer.Materialize(ctx, target.Hash, key, nil)
	if err != nil {
		return record.Commit{}, err
	}
	have, err := s.restorer.Materialize(ctx, tip, key, nil)
	if err != nil {
		return record.Commit{}, err
	}

	changes := restore.Diff(have, want)
	if len(changes) == 0 {
		return record.Commit{}, ErrNoChanges
	}
	if message == "" {
		message = fmt.Sprintf("Revert to %s", target.ShortHash())
	}

	c, err := s.builder.AppendOnto(ctx, tip, record.AuthorUser, message, changes, key)
	if err != nil {
		return record.Commit{}, err
	}
	s.logger.Info("reverted",
		zap.String("target", target.ShortHash()),
		zap.String("commit", c.ShortHash()),
		zap.Int("changes", len(changes)),
	)
	s.maybeSnapshot(ctx, c, key)
	return c, nil
}
