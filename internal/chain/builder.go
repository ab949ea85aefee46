// Package chain appends commits to the history log.
//
// Builder turns a change list into a sealed commit: canonical bytes,
// encryption, timestamp, parent link and content hash, then a
// compare-and-swap append against the tip. A lost race is retried up to
// MaxRetries times before the caller sees ConcurrentWriteConflict.
package chain

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/cipher"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/metrics"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/record"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/store"
)

// DefaultMaxRetries bounds CAS retries per append.
const DefaultMaxRetries = 5

// Builder appends commits to a store.
// Safe for concurrent use; every append goes through the store's CAS.
type Builder struct {
	store      store.Store
	clock      Clock
	maxRetries int
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock sets the timestamp source.
func WithClock(c Clock) Option {
	return func(b *Builder) { b.clock = c }
}

// WithMaxRetries sets how many times a lost CAS is retried.
// Values below zero are treated as zero.
func WithMaxRetries(n int) Option {
	return func(b *Builder) {
		if n < 0 {
			n = 0
		}
		b.maxRetries = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Builder) { b.metrics = m }
}

// NewBuilder creates a Builder over s.
func NewBuilder(s store.Store, opts ...Option) *Builder {
	b := &Builder{
		store:      s,
		clock:      SystemClock{},
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	return b
}

// Append builds a commit for changes and appends it on top of the current tip.
//
// Errors are *record.Error with codes SERIALIZATION_FAILURE,
// ENCRYPTION_FAILURE, CONCURRENT_WRITE_CONFLICT or CHAIN_CORRUPTION. Context
// errors are returned as-is. On any error the store is unchanged.
func (b *Builder) Append(ctx context.Context, author record.Author, message string, changes []record.Change, key cipher.Key) (record.Commit, error) {
	payload, err := prepare(author, changes, key)
	if err != nil {
		return record.Commit{}, err
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return record.Commit{}, err
		}

		tip, err := b.store.Tip(ctx)
		if err != nil {
			return record.Commit{}, fmt.Errorf("append: read tip: %w", err)
		}

		c, err := record.Seal(record.Commit{
			ParentHash: tip,
			Author:     author,
			Timestamp:  stamp(b.clock),
			Message:    message,
			Payload:    payload,
		})
		if err != nil {
			return record.Commit{}, record.NewError(record.ErrCodeSerialization, "",
				"commit could not be hashed", err)
		}

		stored, err := b.store.Append(ctx, tip, c)
		switch {
		case err == nil:
			b.metrics.RecordCommit(string(author))
			b.logger.Debug("commit appended",
				zap.String("hash", stored.ShortHash()),
				zap.String("parent", record.ShortHash(stored.ParentHash)),
				zap.Int64("seq", stored.Seq),
				zap.String("author", string(author)),
				zap.Int("changes", len(changes)),
				zap.Int("attempt", attempt+1),
			)
			return stored, nil

		case errors.Is(err, store.ErrTipMoved):
			b.metrics.RecordCASConflict()
			if attempt >= b.maxRetries {
				b.logger.Warn("append gave up after losing the tip race",
					zap.Int("attempts", attempt+1))
				return record.Commit{}, record.NewError(record.ErrCodeConcurrentWrite, "",
					fmt.Sprintf("tip moved on %d consecutive attempts", attempt+1), err)
			}
			b.logger.Debug("tip moved, retrying append", zap.Int("attempt", attempt+1))

		case errors.Is(err, store.ErrDuplicateHash):
			return record.Commit{}, record.NewError(record.ErrCodeChainCorruption, c.Hash,
				"a commit with this hash already exists", err)

		default:
			return record.Commit{}, fmt.Errorf("append: %w", err)
		}
	}
}

// prepare validates and encrypts a change list. The ciphertext does not
// depend on the parent, so retries only rebuild the envelope around it.
func prepare(author record.Author, changes []record.Change, key cipher.Key) ([]byte, error) {
	if !author.Valid() {
		return nil, record.NewError(record.ErrCodeSerialization, "",
			fmt.Sprintf("unknown author %q", author), nil)
	}

	plaintext, err := record.MarshalChanges(changes)
	if err != nil {
		return nil, record.NewError(record.ErrCodeSerialization, "",
			"change list is not serializable", err)
	}

	payload, err := cipher.Encrypt(key, plaintext)
	if err != nil {
		return nil, record.NewError(record.ErrCodeEncryption, "",
			"payload could not be encrypted", err)
	}
	return payload, nil
}

// AppendOnto appends a commit only if parent is still the tip. It makes a
// single attempt: callers that computed changes against parent must not have
// them land on a different tip.
func (b *Builder) AppendOnto(ctx context.Context, parent string, author record.Author, message string, changes []record.Change, key cipher.Key) (record.Commit, error) {
	payload, err := prepare(author, changes, key)
	if err != nil {
		return record.Commit{}, err
	}
	if err := ctx.Err(); err != nil {
		return record.Commit{}, err
	}

	c, err := record.Seal(record.Commit{
		ParentHash: parent,
		Author:     author,
		Timestamp:  stamp(b.clock),
		Message:    message,
		Payload:    payload,
	})
	if err != nil {
		return record.Commit{}, record.NewError(record.ErrCodeSerialization, "",
			"commit could not be hashed", err)
	}

	stored, err := b.store.Append(ctx, parent, c)
	switch {
	case err == nil:
		b.metrics.RecordCommit(string(author))
		b.logger.Debug("commit appended onto expected parent",
			zap.String("hash", stored.ShortHash()),
			zap.Int64("seq", stored.Seq),
		)
		return stored, nil
	case errors.Is(err, store.ErrTipMoved):
		b.metrics.RecordCASConflict()
		return record.Commit{}, record.NewError(record.ErrCodeConcurrentWrite, "",
			fmt.Sprintf("tip is no longer %s", record.ShortHash(parent)), err)
	case errors.Is(err, store.ErrDuplicateHash):
		return record.Commit{}, record.NewError(record.ErrCodeChainCorruption, c.Hash,
			"a commit with this hash already exists", err)
	default:
		return record.Commit{}, fmt.Errorf("append: %w", err)
	}
}

// Ingest appends a commit that was built elsewhere, such as one received
// from another device or read from an export bundle. The commit is accepted
// only if its hash is correct and its parent is the current tip. Ingest never
// retries: a moved tip means the caller's view of the chain is stale.
func (b *Builder) Ingest(ctx context.Context, c record.Commit) (record.Commit, error) {
	if !c.Author.Valid() {
		return record.Commit{}, record.NewError(record.ErrCodeChainCorruption, c.Hash,
			fmt.Sprintf("unknown author %q", c.Author), nil)
	}
	ok, computed, err := record.VerifyHash(c)
	if err != nil {
		return record.Commit{}, record.NewError(record.ErrCodeSerialization, c.Hash,
			"commit could not be hashed", err)
	}
	if !ok {
		return record.Commit{}, record.NewError(record.ErrCodeChainCorruption, c.Hash,
			fmt.Sprintf("content hash mismatch: computed %s", record.ShortHash(computed)), nil)
	}

	tip, err := b.store.Tip(ctx)
	if err != nil {
		return record.Commit{}, fmt.Errorf("ingest: read tip: %w", err)
	}
	if c.ParentHash != tip {
		return record.Commit{}, record.NewError(record.ErrCodeConcurrentWrite, c.Hash,
			fmt.Sprintf("parent %s is not the current tip %s",
				record.ShortHash(c.ParentHash), record.ShortHash(tip)), nil)
	}

	stored, err := b.store.Append(ctx, tip, c)
	switch {
	case err == nil:
		b.metrics.RecordCommit(string(c.Author))
		b.logger.Debug("commit ingested",
			zap.String("hash", stored.ShortHash()),
			zap.Int64("seq", stored.Seq),
		)
		return stored, nil
	case errors.Is(err, store.ErrTipMoved):
		b.metrics.RecordCASConflict()
		return record.Commit{}, record.NewError(record.ErrCodeConcurrentWrite, c.Hash,
			"tip moved during ingest", err)
	case errors.Is(err, store.ErrDuplicateHash):
		return record.Commit{}, record.NewError(record.ErrCodeChainCorruption, c.Hash,
			"a commit with this hash already exists", err)
	default:
		return record.Commit{}, fmt.Errorf("ingest: %w", err)
	}
}
