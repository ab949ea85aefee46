// Package history is the consumer-facing entry point of the engine. It wires
// the commit store, chain builder, verifier, tamper scanner and state
// reconstructor behind one Service.
//
// Keys are never stored. Callers obtain a key from a passphrase with Init or
// Key and pass it to every operation that reads or writes payloads.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/cache"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/chain"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/cipher"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/ids"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/integrity"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/metrics"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/record"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/restore"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/store"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/tamper"
)

// GenesisMessage is the message of the commit written by Init.
const GenesisMessage = "Initialize budget history"

var (
	// ErrNotInitialized means the store has no key salt yet.
	ErrNotInitialized = errors.New("history is not initialized")

	// ErrAlreadyInitialized means Init was called on a non-empty history.
	ErrAlreadyInitialized = errors.New("history is already initialized")

	// ErrEmptyCommit means Commit was called without any changes.
	ErrEmptyCommit = errors.New("commit has no changes")

	// ErrNoChanges means a revert target already matches the tip state.
	ErrNoChanges = errors.New("target state matches the tip, nothing to revert")
)

// Service is safe for concurrent use.
type Service struct {
	store    store.Backend
	builder  *chain.Builder
	verifier *integrity.Verifier
	scanner  *tamper.Scanner
	restorer *restore.Reconstructor
	cache    cache.StatusCache

	kdf              cipher.Params
	snapshotInterval int64
	ids              ids.Generator
	now              func() time.Time
	logger           *zap.Logger
	metrics          *metrics.Metrics
}

type options struct {
	clock         chain.Clock
	maxRetries    int
	kdf           cipher.Params
	interval      int64
	cache         cache.StatusCache
	anomalyWindow time.Duration
	ids           ids.Generator
	now           func() time.Time
	logger        *zap.Logger
	metrics       *metrics.Metrics
}

// Option configures a Service.
type Option func(*options)

// WithClock sets the commit timestamp source.
func WithClock(c chain.Clock) Option { return func(o *options) { o.clock = c } }

// WithMaxRetries bounds CAS retries per commit.
func WithMaxRetries(n int) Option { return func(o *options) { o.maxRetries = n } }

// WithKDFParams sets key derivation parameters.
func WithKDFParams(p cipher.Params) Option { return func(o *options) { o.kdf = p } }

// WithSnapshotInterval captures an encrypted snapshot every n commits.
// Zero disables snapshots.
func WithSnapshotInterval(n int) Option { return func(o *options) { o.interval = int64(n) } }

// WithCache sets the integrity status cache.
func WithCache(c cache.StatusCache) Option { return func(o *options) { o.cache = c } }

// WithAnomalyWindow sets the tamper scanner's author anomaly window.
func WithAnomalyWindow(d time.Duration) Option { return func(o *options) { o.anomalyWindow = d } }

// WithIDGenerator sets the source of snapshot and bundle IDs.
func WithIDGenerator(g ids.Generator) Option { return func(o *options) { o.ids = g } }

// WithNow sets the wall clock used for export and scan timestamps.
func WithNow(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithLogger sets the logger shared by every component.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithMetrics sets the metrics sink shared by every component.
func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// New creates a Service over backend. The caller keeps ownership of backend.
func New(backend store.Backend, opts ...Option) *Service {
	o := options{
		clock:      chain.SystemClock{},
		maxRetries: chain.DefaultMaxRetries,
		kdf:        cipher.DefaultParams(),
		cache:      cache.Nop{},
		ids:        ids.UUIDv7Generator{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	verifier := integrity.NewVerifier(backend,
		integrity.WithLogger(o.logger.Named("integrity")),
		integrity.WithMetrics(o.metrics),
	)
	scanOpts := []tamper.Option{
		tamper.WithVerifier(verifier),
		tamper.WithNow(o.now),
		tamper.WithLogger(o.logger.Named("tamper")),
		tamper.WithMetrics(o.metrics),
	}
	if o.anomalyWindow > 0 {
		scanOpts = append(scanOpts, tamper.WithAnomalyWindow(o.anomalyWindow))
	}

	return &Service{
		store: backend,
		builder: chain.NewBuilder(backend,
			chain.WithClock(o.clock),
			chain.WithMaxRetries(o.maxRetries),
			chain.WithLogger(o.logger.Named("chain")),
			chain.WithMetrics(o.metrics),
		),
		verifier: verifier,
		scanner:  tamper.NewScanner(backend, scanOpts...),
		restorer: restore.NewReconstructor(backend,
			restore.WithSnapshots(backend),
			restore.WithIDGenerator(o.ids),
			restore.WithNow(o.now),
			restore.WithLogger(o.logger.Named("restore")),
			restore.WithMetrics(o.metrics),
		),
		cache:            o.cache,
		kdf:              o.kdf,
		snapshotInterval: o.interval,
		ids:              o.ids,
		now:              o.now,
		logger:           o.logger,
		metrics:          o.metrics,
	}
}

// Init creates the key salt and the genesis commit, and returns the derived
// key. It fails with ErrAlreadyInitialized if the history has any commits.
func (s *Service) Init(ctx context.Context, passphrase string) (record.Commit, cipher.Key, error) {
	n, err := s.store.Len(ctx)
	if err != nil {
		return record.Commit{}, cipher.Key{}, fmt.Errorf("init: %w", err)
	}
	if n > 0 {
		return record.Commit{}, cipher.Key{}, ErrAlreadyInitialized
	}

	salt, err := s.store.Salt(ctx)
	if errors.Is(err, store.ErrNotFound) {
		salt, err = s.createSalt(ctx)
	}
	if err != nil {
		return record.Commit{}, cipher.Key{}, fmt.Errorf("init: %w", err)
	}
	key, err := cipher.DeriveKey(passphrase, salt, s.kdf)
	if err != nil {
		return record.Commit{}, cipher.Key{}, fmt.Errorf("init: %w", err)
	}

	genesis, err := s.builder.AppendOnto(ctx, "", record.AuthorSystem, GenesisMessage, nil, key)
	if err != nil {
		return record.Commit{}, cipher.Key{}, err
	}
	s.logger.Info("history initialized",
		zap.String("genesis", genesis.ShortHash()),
		zap.String("key", key.Fingerprint()),
	)
	return genesis, key, nil
}

func (s *Service) createSalt(ctx context.Context) ([]byte, error) {
	salt, err := cipher.NewSalt()
	if err != nil {
		return nil, err
	}
	err = s.store.InitSalt(ctx, salt)
	if errors.Is(err, store.ErrSaltExists) {
		// Lost the race to another initializer; use theirs.
		return s.store.Salt(ctx)
	}
	if err != nil {
		return nil, err
	}
	return salt, nil
}

// Key derives the key for passphrase using the stored salt. A wrong
// passphrase is only detected when a payload fails to decrypt.
func (s *Service) Key(ctx context.Context, passphrase string) (cipher.Key, error) {
	salt, err := s.store.Salt(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return cipher.Key{}, ErrNotInitialized
	}
	if err != nil {
		return cipher.Key{}, fmt.Errorf("read salt: %w", err)
	}
	return cipher.DeriveKey(passphrase, salt, s.kdf)
}
