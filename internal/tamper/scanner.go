// Package tamper runs heuristic checks over a verified chain and produces a
// severity-scored security report.
//
// Sequential heuristics (timestamp regression, author anomaly, orphans) only
// look at the prefix the integrity verifier accepted; analyzing commits past
// a break is meaningless. Duplicate hashes are a property of the whole store
// and are checked across every stored commit.
package tamper

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/cipher"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/integrity"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/metrics"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/store"
)

// DefaultAnomalyWindow is how soon after a system commit a user commit must
// land to count as an author anomaly.
const DefaultAnomalyWindow = 2 * time.Second

// Scanner produces security reports.
type Scanner struct {
	store    store.Store
	verifier *integrity.Verifier
	window   time.Duration
	now      func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithAnomalyWindow sets the author anomaly threshold.
func WithAnomalyWindow(d time.Duration) Option {
	return func(s *Scanner) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithVerifier sets the verifier used for the integrity pass.
func WithVerifier(v *integrity.Verifier) Option {
	return func(s *Scanner) { s.verifier = v }
}

// WithNow sets the clock used for ScannedAt.
func WithNow(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scanner) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scanner) { s.metrics = m }
}

// NewScanner creates a Scanner over st.
func NewScanner(st store.Store, opts ...Option) *Scanner {
	s := &Scanner{store: st, window: DefaultAnomalyWindow, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.verifier == nil {
		s.verifier = integrity.NewVerifier(st, integrity.WithLogger(s.logger), integrity.WithMetrics(s.metrics))
	}
	return s
}

// Scan runs every heuristic without decrypting payloads. Author anomalies are
// then judged on timing alone and reported as low severity.
func (s *Scanner) Scan(ctx context.Context) (Report, error) {
	return s.scan(ctx, nil)
}

// ScanWithKey is Scan with payload access: author anomalies are confirmed by
// entity overlap and raised to medium severity.
func (s *Scanner) ScanWithKey(ctx context.Context, key cipher.Key) (Report, error) {
	return s.scan(ctx, &key)
}

func (s *Scanner) scan(ctx context.Context, key *cipher.Key) (Report, error) {
	rep := Report{
		Warnings:        []string{},
		TamperDetection: Detection{Indicators: []Indicator{}, Recommendations: []string{}},
		ScannedAt:       s.now().UTC(),
	}

	// Everything below is pinned to this head.
	head, err := s.store.Head(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Report{}, ctx.Err()
		}
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("could not read chain head: %v", err))
		rep.Integrity = integrity.Status{Partial: true, Message: "verification incomplete: chain head unavailable"}
		s.finish(&rep)
		return rep, nil
	}

	st, err := s.verifier.VerifyAt(ctx, head, integrity.All)
	if err != nil {
		return Report{}, err
	}
	rep.Integrity = st

	commits, err := store.Collect(ctx, s.store, head, integrity.DefaultPageSize)
	if err != nil {
		if ctx.Err() != nil {
			return Report{}, ctx.Err()
		}
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("could not read commits: %v", err))
		s.finish(&rep)
		return rep, nil
	}

	prefix := commits[:min(st.VerifiedCommits, int64(len(commits)))]
	rep.ScannedCommits = int64(len(prefix))

	var ind []Indicator
	if !st.Valid {
		if st.Partial {
			rep.Warnings = append(rep.Warnings, st.Message)
		} else {
			ind = append(ind, chainBreakIndicator(st))
		}
	}
	ind = append(ind, timestampRegressions(prefix)...)
	ind = append(ind, duplicateHashes(commits)...)
	ind = append(ind, orphans(prefix, commits, head.Hash)...)

	anomalies, warnings := s.authorAnomalies(prefix, key)
	ind = append(ind, anomalies...)
	rep.Warnings = append(rep.Warnings, warnings...)

	rep.TamperDetection.Indicators = append(rep.TamperDetection.Indicators, ind...)
	s.finish(&rep)
	return rep, nil
}

// finish derives the verdict fields from indicators and warnings.
func (s *Scanner) finish(rep *Report) {
	var (
		highest Severity
		seen    = make(map[IndicatorType]bool)
	)
	for _, in := range rep.TamperDetection.Indicators {
		if in.Severity.rank() > highest.rank() {
			highest = in.Severity
		}
		if !seen[in.Type] {
			seen[in.Type] = true
			rep.TamperDetection.Recommendations = append(rep.TamperDetection.Recommendations, recommendations[in.Type])
		}
		s.metrics.RecordIndicator(string(in.Type), string(in.Severity))
	}
	if highest == SeverityHigh {
		rep.TamperDetection.Recommendations = append(rep.TamperDetection.Recommendations, highSeverityAdvice)
	}

	rep.RiskLevel = riskFor(highest)
	n := len(rep.TamperDetection.Indicators)
	switch {
	case highest == SeverityHigh || (!rep.Integrity.Valid && !rep.Integrity.Partial):
		rep.OverallStatus = StatusCompromised
	case n > 0 || len(rep.Warnings) > 0:
		rep.OverallStatus = StatusWarnings
	default:
		rep.OverallStatus = StatusClean
	}

	switch {
	case n == 0 && len(rep.Warnings) == 0:
		rep.Summary = fmt.Sprintf("No tamper indicators in %d verified commits", rep.ScannedCommits)
	case n == 0:
		rep.Summary = fmt.Sprintf("No tamper indicators in %d verified commits, %d warnings", rep.ScannedCommits, len(rep.Warnings))
	default:
		rep.Summary = fmt.Sprintf("%d tamper indicators (highest severity: %s) in %d verified commits",
			n, highest, rep.ScannedCommits)
	}

	fields := []zap.Field{
		zap.String("status", string(rep.OverallStatus)),
		zap.String("risk", string(rep.RiskLevel)),
		zap.Int("indicators", n),
		zap.Int("warnings", len(rep.Warnings)),
	}
	if rep.OverallStatus == StatusClean {
		s.logger.Debug("tamper scan complete", fields...)
	} else {
		s.logger.Warn("tamper scan found issues", fields...)
	}
}
