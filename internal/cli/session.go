package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/cache"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/cipher"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/config"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/history"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/logging"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/metrics"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/store"
)

// EnvPassphrase holds the passphrase when --passphrase-file is not given.
const EnvPassphrase = "BUDGETHIST_PASSPHRASE"

// session is everything one command invocation needs.
type session struct {
	opts     *RootOptions
	cfg      config.Config
	logger   *zap.Logger
	closeLog func() error
	metrics  *metrics.Metrics
	backend  store.Backend
	redis    *cache.Redis
	svc      *history.Service
	out      *OutputFormatter
}

func (o *RootOptions) open(ctx context.Context, cmd *cobra.Command) (*session, error) {
	cfg, err := config.Load(o.ConfigPath, nil)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Database != "" {
		cfg.Database = o.Database
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}

	logger, closeLog, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to set up logging", err)
	}

	s := &session{
		opts:     o,
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		metrics:  metrics.New(cfg.Metrics.Namespace),
		out: &OutputFormatter{
			Format:    o.Format,
			Writer:    cmd.OutOrStdout(),
			ErrWriter: cmd.ErrOrStderr(),
			Verbose:   o.Verbose,
		},
	}

	backend, err := store.Open(cfg.Database)
	if err != nil {
		s.close()
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	s.backend = backend

	s.svc = history.New(backend,
		history.WithKDFParams(cfg.KDFParams()),
		history.WithMaxRetries(cfg.Chain.MaxRetries),
		history.WithSnapshotInterval(cfg.Snapshot.Interval),
		history.WithAnomalyWindow(cfg.Tamper.AnomalyWindow),
		history.WithCache(s.statusCache(ctx)),
		history.WithLogger(logger),
		history.WithMetrics(s.metrics),
	)
	s.out.VerboseLog("database: %s", cfg.Database)
	return s, nil
}

func (s *session) statusCache(ctx context.Context) cache.StatusCache {
	switch s.cfg.Cache.Backend {
	case "none":
		return cache.Nop{}
	case "redis":
		rc, err := cache.NewRedis(ctx, cache.RedisConfig{
			Addr:      s.cfg.Cache.RedisAddr,
			TTL:       s.cfg.Cache.TTL,
			KeyPrefix: s.cfg.Cache.KeyPrefix,
		}, s.logger.Named("cache"), s.metrics)
		if err != nil {
			s.logger.Warn("redis cache unavailable, using in-process cache", zap.Error(err))
			return cache.NewMemory(s.metrics)
		}
		s.redis = rc
		return rc
	default:
		return cache.NewMemory(s.metrics)
	}
}

func (s *session) close() {
	if s.opts.MetricsFile != "" {
		if err := s.metrics.WriteTextfile(s.opts.MetricsFile); err != nil {
			s.logger.Warn("writing metrics failed", zap.Error(err))
		}
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			s.logger.Warn("closing database failed", zap.Error(err))
		}
	}
	_ = s.closeLog()
}

// passphrase reads the passphrase from --passphrase-file or the environment.
func (o *RootOptions) passphrase() (string, error) {
	if o.PassphraseFile != "" {
		data, err := os.ReadFile(o.PassphraseFile)
		if err != nil {
			return "", WrapExitError(ExitCommandError, "failed to read passphrase file", err)
		}
		if p := strings.TrimRight(string(data), "\r\n"); p != "" {
			return p, nil
		}
		return "", NewExitError(ExitCommandError, "passphrase file is empty")
	}
	if p := os.Getenv(EnvPassphrase); p != "" {
		return p, nil
	}
	return "", NewExitError(ExitCommandError,
		fmt.Sprintf("no passphrase: set %s or use --passphrase-file", EnvPassphrase))
}

// key derives the history key from the passphrase.
func (s *session) key(ctx context.Context) (cipher.Key, error) {
	p, err := s.opts.passphrase()
	if err != nil {
		return cipher.Key{}, err
	}
	k, err := s.svc.Key(ctx, p)
	if errors.Is(err, history.ErrNotInitialized) {
		return cipher.Key{}, WrapExitError(ExitCommandError, "run 'budgethist init' first", err)
	}
	if err != nil {
		return cipher.Key{}, s.fail("failed to derive key", err)
	}
	return k, nil
}

// fail reports err in the output format and returns the matching ExitError.
func (s *session) fail(message string, err error) error {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return err
	}
	if s.out.Format == "json" {
		_ = s.out.Error(ErrorCode(err), fmt.Sprintf("%s: %v", message, err), nil)
	}
	return WrapExitError(ExitCommandError, message, err)
}

// withSession opens a session, runs fn and closes the session.
func (o *RootOptions) withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := o.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.close()
	return fn(ctx, s)
}
