package history

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/cipher"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/integrity"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/record"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/tamper"
)

// Verify checks the whole chain. The chain is re-hashed on every call; the
// status cache only remembers the previous result per head. If that result
// was valid and the same head now fails, a stored commit was rewritten in
// place since the last verification, and that is logged as an error.
// Partial results are never recorded.
func (s *Service) Verify(ctx context.Context) (integrity.Status, error) {
	head, err := s.store.Head(ctx)
	if err != nil {
		return integrity.Status{}, fmt.Errorf("verify: %w", err)
	}

	st, err := s.verifier.VerifyAt(ctx, head, integrity.All)
	if err != nil {
		return integrity.Status{}, err
	}
	if st.Partial {
		return st, nil
	}

	if last, ok := s.cache.Get(ctx, head); ok && last.Valid && !st.Valid {
		s.logger.Error("chain modified in place since last verification",
			zap.String("tip", record.ShortHash(head.Hash)),
			zap.Int64("commits", head.Len),
			zap.String("break", st.Message),
		)
	}
	if err := s.cache.Set(ctx, head, st); err != nil {
		s.logger.Warn("recording integrity status failed", zap.Error(err))
	}
	return st, nil
}

// VerifyRange checks a slice of the chain without caching.
func (s *Service) VerifyRange(ctx context.Context, r integrity.Range) (integrity.Status, error) {
	return s.verifier.Verify(ctx, r)
}

// Audit lists every break in r.
func (s *Service) Audit(ctx context.Context, r integrity.Range) (integrity.AuditReport, error) {
	return s.verifier.Audit(ctx, r)
}

// Scan runs the tamper heuristics without decrypting payloads.
func (s *Service) Scan(ctx context.Context) (tamper.Report, error) {
	return s.scanner.Scan(ctx)
}

// ScanWithKey runs the tamper heuristics with payload access, which sharpens
// author anomaly detection.
func (s *Service) ScanWithKey(ctx context.Context, key cipher.Key) (tamper.Report, error) {
	return s.scanner.ScanWithKey(ctx, key)
}
