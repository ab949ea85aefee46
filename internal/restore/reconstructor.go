// Package restore materializes the budget state as of any commit.
//
// Materialize replays decrypted change lists from genesis, or from a
// snapshot, up to the target. Every replayed commit is re-verified on the
// way, so a corrupted chain is reported as ChainCorruption rather than
// producing a silently wrong state. Restoring never writes history; rolling
// back is done by appending a new commit built from Diff.
package restore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/cipher"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/ids"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/integrity"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/metrics"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/record"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/store"
)

const replayPageSize = 256

// Snapshot is a decrypted checkpoint: the state right after CommitHash.
type Snapshot struct {
	CommitHash string
	Seq        int64
	State      State
}

// Reconstructor rebuilds state from the commit log.
type Reconstructor struct {
	store     store.Store
	snapshots store.SnapshotStore
	ids       ids.Generator
	now       func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// Option configures a Reconstructor.
type Option func(*Reconstructor)

// WithSnapshots enables loading and saving encrypted snapshots.
func WithSnapshots(s store.SnapshotStore) Option {
	return func(r *Reconstructor) { r.snapshots = s }
}

// WithIDGenerator sets the snapshot ID source.
func WithIDGenerator(g ids.Generator) Option {
	return func(r *Reconstructor) { r.ids = g }
}

// WithNow sets the clock used for snapshot creation times.
func WithNow(now func() time.Time) Option {
	return func(r *Reconstructor) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reconstructor) { r.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconstructor) { r.metrics = m }
}

// NewReconstructor creates a Reconstructor over s.
func NewReconstructor(s store.Store, opts ...Option) *Reconstructor {
	r := &Reconstructor{store: s, ids: ids.UUIDv7Generator{}, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// Materialize returns the state right after target.
//
// If snap is non-nil and usable (at or before target, and matching the
// stored commit at its Seq) replay starts from it. Otherwise the latest
// stored snapshot is tried, then a full replay from genesis.
//
// Errors are *record.Error with codes UNKNOWN_TARGET, DECRYPTION_FAILURE or
// CHAIN_CORRUPTION, or the context's error. No partial state is returned.
func (r *Reconstructor) Materialize(ctx context.Context, target string, key cipher.Key, snap *Snapshot) (State, error) {
	start := time.Now()

	tc, err := r.store.GetByHash(ctx, target)
	if errors.Is(err, store.ErrNotFound) {
		return nil, record.NewError(record.ErrCodeUnknownTarget, target, "commit not found", err)
	}
	if err != nil {
		return nil, fmt.Errorf("materialize: %w", err)
	}

	base := r.pickSnapshot(ctx, tc, key, snap)

	state := NewState()
	from := int64(0)
	var prev *record.Commit
	if base != nil {
		anchor, err := r.commitAt(ctx, base.Seq)
		if err != nil {
			return nil, err
		}
		state = base.State.Clone()
		prev = &anchor
		from = base.Seq + 1
	}

	for pos := from; pos <= tc.Seq; {
		end := min(pos+replayPageSize, tc.Seq+1)
		page, err := r.store.ScanRange(ctx, pos, end)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("materialize: %w", err)
		}
		if int64(len(page)) != end-pos {
			return nil, record.NewError(record.ErrCodeChainCorruption, "",
				fmt.Sprintf("expected %d commits from seq %d, found %d", end-pos, pos, len(page)), nil)
		}
		for i := range page {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := replayOne(state, page[i], prev, key); err != nil {
				return nil, err
			}
			prev = &page[i]
		}
		pos = end
	}

	if prev == nil || prev.Hash != tc.Hash {
		return nil, record.NewError(record.ErrCodeChainCorruption, target,
			"replay did not end at the target commit", nil)
	}

	// A snapshot taken at the target leaves nothing to replay; the key must
	// still open the target's payload.
	if base != nil && base.Seq == tc.Seq {
		if _, err := cipher.Decrypt(key, tc.Payload); err != nil {
			return nil, record.NewError(record.ErrCodeDecryption, tc.Hash, "payload did not decrypt under the supplied key", err)
		}
	}

	d := time.Since(start)
	r.metrics.RecordMaterialize(d)
	r.logger.Debug("state materialized",
		zap.String("target", tc.ShortHash()),
		zap.Int64("seq", tc.Seq),
		zap.Int64("from", from),
		zap.Int("entities", state.Len()),
		zap.Duration("took", d),
	)
	return state, nil
}

func replayOne(state State, c record.Commit, prev *record.Commit, key cipher.Key) error {
	b, err := integrity.CheckCommit(c, prev)
	if err != nil {
		return record.NewError(record.ErrCodeChainCorruption, c.Hash, "commit could not be hashed", err)
	}
	if b != nil {
		return record.NewError(record.ErrCodeChainCorruption, c.Hash, b.String(), nil)
	}

	plaintext, err := cipher.Decrypt(key, c.Payload)
	if err != nil {
		return record.NewError(record.ErrCodeDecryption, c.Hash, "payload did not decrypt under the supplied key", err)
	}
	changes, err := record.UnmarshalChanges(plaintext)
	if err != nil {
		return record.NewError(record.ErrCodeChainCorruption, c.Hash, "payload is not a valid change list", err)
	}
	if err := state.ApplyAll(changes); err != nil {
		return record.NewError(record.ErrCodeChainCorruption, c.Hash, "changes could not be applied", err)
	}
	return nil
}

// pickSnapshot returns a snapshot to start from, or nil for a full replay.
func (r *Reconstructor) pickSnapshot(ctx context.Context, target record.Commit, key cipher.Key, supplied *Snapshot) *Snapshot {
	if supplied != nil {
		if r.usable(ctx, target, supplied) {
			return supplied
		}
		r.logger.Info("ignoring supplied snapshot",
			zap.String("snapshot", record.ShortHash(supplied.CommitHash)),
			zap.Int64("seq", supplied.Seq),
		)
	}
	if r.snapshots == nil {
		return nil
	}

	stored, err := r.snapshots.LatestSnapshot(ctx, target.Seq)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("snapshot lookup failed, replaying from genesis", zap.Error(err))
		}
		return nil
	}
	snap, err := OpenSnapshot(stored, key)
	if err != nil {
		r.logger.Warn("stored snapshot unusable, replaying from genesis",
			zap.String("id", stored.ID), zap.Error(err))
		return nil
	}
	if !r.usable(ctx, target, snap) {
		r.logger.Warn("stored snapshot does not match the chain, replaying from genesis",
			zap.String("id", stored.ID))
		return nil
	}
	return snap
}

func (r *Reconstructor) usable(ctx context.Context, target record.Commit, snap *Snapshot) bool {
	if snap.State == nil || snap.Seq < 0 || snap.Seq > target.Seq {
		return false
	}
	anchor, err := r.commitAt(ctx, snap.Seq)
	return err == nil && anchor.Hash == snap.CommitHash
}

func (r *Reconstructor) commitAt(ctx context.Context, seq int64) (record.Commit, error) {
	page, err := r.store.ScanRange(ctx, seq, seq+1)
	if err != nil {
		return record.Commit{}, fmt.Errorf("read commit %d: %w", seq, err)
	}
	if len(page) != 1 {
		return record.Commit{}, record.NewError(record.ErrCodeChainCorruption, "",
			fmt.Sprintf("commit %d is missing", seq), nil)
	}
	return page[0], nil
}

// Capture materializes hash and persists the result as an encrypted
// snapshot under key.
func (r *Reconstructor) Capture(ctx context.Context, hash string, key cipher.Key) (store.Snapshot, error) {
	if r.snapshots == nil {
		return store.Snapshot{}, errors.New("capture: no snapshot store configured")
	}
	state, err := r.Materialize(ctx, hash, key, nil)
	if err != nil {
		return store.Snapshot{}, err
	}
	c, err := r.store.GetByHash(ctx, hash)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("capture: %w", err)
	}
	sealed, err := SealSnapshot(Snapshot{CommitHash: c.Hash, Seq: c.Seq, State: state}, key)
	if err != nil {
		return store.Snapshot{}, err
	}
	sealed.ID = r.ids.Generate()
	sealed.CreatedAt = r.now().UTC()
	if err := r.snapshots.SaveSnapshot(ctx, sealed); err != nil {
		return store.Snapshot{}, fmt.Errorf("capture: %w", err)
	}
	r.logger.Debug("snapshot captured", zap.String("id", sealed.ID), zap.Int64("seq", sealed.Seq))
	return sealed, nil
}

// SealSnapshot encrypts a snapshot for storage. ID and CreatedAt are left
// for the caller.
func SealSnapshot(snap Snapshot, key cipher.Key) (store.Snapshot, error) {
	plaintext, err := snap.State.MarshalCanonical()
	if err != nil {
		return store.Snapshot{}, record.NewError(record.ErrCodeSerialization, snap.CommitHash, "state is not serializable", err)
	}
	payload, err := cipher.Encrypt(key, plaintext)
	if err != nil {
		return store.Snapshot{}, record.NewError(record.ErrCodeEncryption, snap.CommitHash, "snapshot could not be encrypted", err)
	}
	return store.Snapshot{Seq: snap.Seq, CommitHash: snap.CommitHash, Payload: payload}, nil
}

// OpenSnapshot decrypts a stored snapshot.
func OpenSnapshot(s store.Snapshot, key cipher.Key) (*Snapshot, error) {
	plaintext, err := cipher.Decrypt(key, s.Payload)
	if err != nil {
		return nil, record.NewError(record.ErrCodeDecryption, s.CommitHash, "snapshot did not decrypt under the supplied key", err)
	}
	state, err := DecodeState(plaintext)
	if err != nil {
		return nil, record.NewError(record.ErrCodeChainCorruption, s.CommitHash, "snapshot is not a valid state", err)
	}
	return &Snapshot{CommitHash: s.CommitHash, Seq: s.Seq, State: state}, nil
}

// Result is delivered by Go.
type Result struct {
	State State
	Err   error
}

// Go runs Materialize on a background goroutine. The channel receives
// exactly one Result and is then closed. Cancelling ctx stops the replay at
// the next commit; the store is never written either way.
func (r *Reconstructor) Go(ctx context.Context, target string, key cipher.Key) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		state, err := r.Materialize(ctx, target, key, nil)
		out <- Result{State: state, Err: err}
	}()
	return out
}
