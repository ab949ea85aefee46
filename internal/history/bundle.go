package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/integrity"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/record"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/store"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/tamper"
)

// BundleFormat identifies export bundles produced by ExportHistory.
const BundleFormat = "budget-history/v1"

// ErrPartialBundle means a filtered export was offered for import.
var ErrPartialBundle = errors.New("bundle holds a filtered subset of the history and cannot be imported")

// Bundle is the portable export format. Payloads stay encrypted; the salt
// travels with them so the same passphrase unlocks the imported history.
type Bundle struct {
	Format     string          `json:"format"`
	ID         string          `json:"id"`
	ExportedAt time.Time       `json:"exported_at"`
	Salt       []byte          `json:"salt"`
	Tip        string          `json:"tip"`
	Partial    bool            `json:"partial,omitempty"`
	Commits    []record.Commit `json:"commits"`
}

// ImportResult summarizes ImportHistory.
type ImportResult struct {
	BundleID string `json:"bundle_id"`
	Imported int    `json:"imported"`
	Tip      string `json:"tip"`
}

// BundleReport is the result of inspecting a bundle without importing it.
type BundleReport struct {
	BundleID   string        `json:"bundle_id"`
	ExportedAt time.Time     `json:"exported_at"`
	Commits    int           `json:"commits"`
	Partial    bool          `json:"partial"`
	TipMatches bool          `json:"tip_matches"`
	Scan       tamper.Report `json:"scan"`
}

// ExportHistory serializes the history, oldest commit first. A non-zero
// filter produces a partial bundle that can be inspected but not imported.
func (s *Service) ExportHistory(ctx context.Context, f Filter) ([]byte, error) {
	salt, err := s.store.Salt(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	head, err := s.store.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	commits, err := s.collect(ctx, head, f)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	slices.Reverse(commits)

	b := Bundle{
		Format:     BundleFormat,
		ID:         s.ids.Generate(),
		ExportedAt: s.now().UTC(),
		Salt:       salt,
		Tip:        head.Hash,
		Partial:    int64(len(commits)) != head.Len,
		Commits:    commits,
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export: encode bundle: %w", err)
	}
	s.logger.Info("history exported",
		zap.String("bundle", b.ID),
		zap.Int("commits", len(commits)),
		zap.Bool("partial", b.Partial),
	)
	return data, nil
}

// DecodeBundle parses an export bundle.
func DecodeBundle(data []byte) (Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return Bundle{}, fmt.Errorf("decode bundle: %w", err)
	}
	if b.Format != BundleFormat {
		return Bundle{}, fmt.Errorf("decode bundle: unsupported format %q", b.Format)
	}
	return b, nil
}

// InspectBundle verifies and scans a bundle in memory. Nothing is written.
func (s *Service) InspectBundle(ctx context.Context, data []byte) (BundleReport, error) {
	b, err := DecodeBundle(data)
	if err != nil {
		return BundleReport{}, err
	}
	rep, err := s.scanBundle(ctx, b)
	if err != nil {
		return BundleReport{}, err
	}
	return BundleReport{
		BundleID:   b.ID,
		ExportedAt: b.ExportedAt,
		Commits:    len(b.Commits),
		Partial:    b.Partial,
		TipMatches: bundleTip(b) == b.Tip,
		Scan:       rep,
	}, nil
}

func (s *Service) scanBundle(ctx context.Context, b Bundle) (tamper.Report, error) {
	mem := store.LoadMemoryStore(b.Commits)
	scanner := tamper.NewScanner(mem,
		tamper.WithNow(s.now),
		tamper.WithLogger(s.logger.Named("bundle")),
	)
	return scanner.Scan(ctx)
}

func bundleTip(b Bundle) string {
	if len(b.Commits) == 0 {
		return ""
	}
	return b.Commits[len(b.Commits)-1].Hash
}

// ImportHistory loads a complete bundle into an empty history. The bundle is
// verified in memory first, so a rejected bundle leaves the store untouched.
// Imported commits go through Ingest exactly like commits from any other
// origin.
func (s *Service) ImportHistory(ctx context.Context, data []byte) (ImportResult, error) {
	b, err := DecodeBundle(data)
	if err != nil {
		return ImportResult{}, err
	}
	if b.Partial {
		return ImportResult{}, ErrPartialBundle
	}
	if len(b.Salt) == 0 {
		return ImportResult{}, errors.New("import: bundle has no key salt")
	}

	n, err := s.store.Len(ctx)
	if err != nil {
		return ImportResult{}, fmt.Errorf("import: %w", err)
	}
	if n > 0 {
		return ImportResult{}, ErrAlreadyInitialized
	}

	st, err := integrity.NewVerifier(store.LoadMemoryStore(b.Commits)).Verify(ctx, integrity.All)
	if err != nil {
		return ImportResult{}, err
	}
	if !st.Valid {
		return ImportResult{}, record.NewError(record.ErrCodeChainCorruption, "", "bundle failed verification: "+st.Message, nil)
	}
	if bundleTip(b) != b.Tip {
		return ImportResult{}, record.NewError(record.ErrCodeChainCorruption, b.Tip,
			"bundle does not end at its recorded tip", nil)
	}

	salt, err := s.store.Salt(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := s.store.InitSalt(ctx, b.Salt); err != nil {
			return ImportResult{}, fmt.Errorf("import: %w", err)
		}
	case err != nil:
		return ImportResult{}, fmt.Errorf("import: %w", err)
	case !bytes.Equal(salt, b.Salt):
		return ImportResult{}, errors.New("import: bundle salt differs from this history's salt")
	}

	res := ImportResult{BundleID: b.ID}
	for _, c := range b.Commits {
		stored, err := s.builder.Ingest(ctx, c)
		if err != nil {
			return res, fmt.Errorf("import commit %d of %d: %w", res.Imported+1, len(b.Commits), err)
		}
		res.Imported++
		res.Tip = stored.Hash
	}
	s.logger.Info("history imported", zap.String("bundle", b.ID), zap.Int("commits", res.Imported))
	return res, nil
}
