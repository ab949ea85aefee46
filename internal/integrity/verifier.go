// Package integrity walks the commit chain and reports where, if anywhere,
// it stops being trustworthy.
//
// Findings are data, never errors: a broken chain yields a Status with
// Valid=false. Errors are reserved for cancellation.
package integrity

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/metrics"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/record"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/store"
)

// DefaultPageSize is the number of commits read per range scan.
const DefaultPageSize = 500

// Range selects commits by position: From <= Seq < To.
// To <= 0 means through the tip.
type Range struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// All selects the whole chain.
var All = Range{}

// Status is the result of a verification pass. It is derived on demand and
// never persisted as ground truth.
type Status struct {
	Valid           bool   `json:"valid"`
	TotalCommits    int64  `json:"total_commits"`
	VerifiedCommits int64  `json:"verified_commits"`
	BrokenAt        *int64 `json:"broken_at,omitempty"`
	Message         string `json:"message"`

	Kind             BreakKind      `json:"break_kind,omitempty"`
	LastValidCommit  *record.Commit `json:"last_valid_commit,omitempty"`
	SuspiciousCommit *record.Commit `json:"suspicious_commit,omitempty"`

	// Tip is the tip hash the pass was pinned to.
	Tip   string `json:"tip"`
	Range Range  `json:"range"`

	// Partial is set when the store could not be read to the end. Valid is
	// false and Message says how far verification got.
	Partial bool `json:"partial,omitempty"`
}

// AuditReport lists every break in a range, not only the first.
type AuditReport struct {
	Status Status  `json:"status"`
	Breaks []Break `json:"breaks"`
}

// Verifier checks hash and linkage integrity of a store.
type Verifier struct {
	store    store.Store
	pageSize int
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithPageSize sets how many commits are read per scan.
func WithPageSize(n int) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.pageSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

// NewVerifier creates a Verifier over s.
func NewVerifier(s store.Store, opts ...Option) *Verifier {
	v := &Verifier{store: s, pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = zap.NewNop()
	}
	return v
}

// Verify returns the first break in r, pinned to the tip at call time.
// Commits appended while Verify runs are not examined.
func (v *Verifier) Verify(ctx context.Context, r Range) (Status, error) {
	head, err := v.store.Head(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Status{}, ctx.Err()
		}
		return partialStatus(r, store.Head{}, 0, 0, err), nil
	}
	return v.VerifyAt(ctx, head, r)
}

// VerifyAt is Verify pinned to a head the caller already holds.
func (v *Verifier) VerifyAt(ctx context.Context, head store.Head, r Range) (Status, error) {
	start := time.Now()
	res, err := v.walk(ctx, head, r, true)
	if err != nil {
		return Status{}, err
	}
	v.metrics.RecordVerify(res.status.Valid, time.Since(start))
	v.log(res.status)
	return res.status, nil
}

// Audit walks r to the end and returns every break.
func (v *Verifier) Audit(ctx context.Context, r Range) (AuditReport, error) {
	head, err := v.store.Head(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return AuditReport{}, ctx.Err()
		}
		return AuditReport{Status: partialStatus(r, store.Head{}, 0, 0, err), Breaks: []Break{}}, nil
	}
	start := time.Now()
	res, err := v.walk(ctx, head, r, false)
	if err != nil {
		return AuditReport{}, err
	}
	v.metrics.RecordVerify(res.status.Valid, time.Since(start))
	v.log(res.status)
	return AuditReport{Status: res.status, Breaks: res.breaks}, nil
}

func (v *Verifier) log(st Status) {
	if st.Valid {
		v.logger.Debug("chain verified",
			zap.Int64("commits", st.TotalCommits),
			zap.String("tip", record.ShortHash(st.Tip)),
		)
		return
	}
	v.logger.Warn("chain verification failed",
		zap.String("message", st.Message),
		zap.Int64("verified", st.VerifiedCommits),
		zap.Int64("total", st.TotalCommits),
		zap.Bool("partial", st.Partial),
	)
}

type walkResult struct {
	status Status
	breaks []Break
}

// bounds resolves r against a head into absolute [from, to).
func bounds(head store.Head, r Range) (int64, int64) {
	from, to := r.From, head.Len
	if r.To > 0 && r.To < to {
		to = r.To
	}
	if from < 0 {
		from = 0
	}
	if from > to {
		from = to
	}
	return from, to
}

func (v *Verifier) walk(ctx context.Context, head store.Head, r Range, stopAtFirst bool) (walkResult, error) {
	from, to := bounds(head, r)
	total := to - from
	res := walkResult{breaks: []Break{}}

	var (
		prev       *record.Commit
		verified   int64
		firstBreak *Break
		lastValid  *record.Commit
		suspicious *record.Commit
		cutOff     bool
		stopped    bool
		checkErr   error
	)
	err := store.Walk(ctx, v.store, head, v.pageSize, func(c record.Commit) bool {
		if c.Seq < from {
			prev = &c
			return true
		}
		if r.To > 0 && c.Seq >= r.To {
			cutOff = true
			return false
		}
		b, err := CheckCommit(c, prev)
		if err != nil {
			checkErr = err
			return false
		}
		if b != nil {
			if firstBreak == nil {
				firstBreak = b
				lastValid = prev
				suspicious = &c
			}
			res.breaks = append(res.breaks, *b)
			if stopAtFirst {
				stopped = true
				return false
			}
		} else if firstBreak == nil {
			verified++
		}
		prev = &c
		return true
	})
	if err == nil {
		err = checkErr
	}
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.status = partialStatus(r, head, total, verified, err)
		return res, nil
	}

	// A walk that reached the pinned tip must end on it.
	if !cutOff && !stopped {
		if b := tipBreak(prev, head); b != nil {
			if firstBreak == nil {
				firstBreak = b
				lastValid = prev
			}
			res.breaks = append(res.breaks, *b)
		}
	}

	st := Status{
		Valid:           firstBreak == nil,
		TotalCommits:    total,
		VerifiedCommits: verified,
		Tip:             head.Hash,
		Range:           r,
	}
	switch {
	case total == 0 && firstBreak == nil:
		st.Message = "chain is empty"
	case firstBreak == nil:
		st.Message = fmt.Sprintf("verified %d of %d commits", verified, total)
	default:
		idx := firstBreak.Index
		st.BrokenAt = &idx
		st.Kind = firstBreak.Kind
		st.LastValidCommit = lastValid
		st.SuspiciousCommit = suspicious
		st.Message = fmt.Sprintf("%s: verified %d of %d commits", firstBreak, verified, total)
		if n := len(res.breaks); !stopAtFirst && n > 1 {
			st.Message = fmt.Sprintf("%s (%d breaks in total)", st.Message, n)
		}
	}
	res.status = st
	return res, nil
}

// tipBreak reports a chain whose last stored commit is not the recorded tip,
// which is what removing the newest commits leaves behind.
func tipBreak(last *record.Commit, head store.Head) *Break {
	var (
		index    int64
		lastHash string
	)
	if last != nil {
		index = last.Seq + 1
		lastHash = last.Hash
	}
	if lastHash == head.Hash {
		return nil
	}
	return &Break{Index: index, Kind: BreakTruncation, Hash: head.Hash, Expected: head.Hash, Actual: lastHash}
}

func partialStatus(r Range, head store.Head, total, verified int64, cause error) Status {
	return Status{
		Valid:           false,
		TotalCommits:    total,
		VerifiedCommits: verified,
		Tip:             head.Hash,
		Range:           r,
		Partial:         true,
		Message:         fmt.Sprintf("verification incomplete: verified %d of %d commits: %v", verified, total, cause),
	}
}
