package tamper

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/chain"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/cipher"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/record"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/store"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/testutil"
)

var epoch = time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return epoch.Add(24 * time.Hour) }

func seal(parent string, author record.Author, ts time.Time, msg string) record.Commit {
	return record.MustSeal(record.Commit{
		ParentHash: parent,
		Author:     author,
		Timestamp:  ts,
		Message:    msg,
		Payload:    []byte(msg),
	})
}

// linear returns n linked user commits one minute apart.
func linear(n int) []record.Commit {
	out := make([]record.Commit, 0, n)
	parent := ""
	for i := 0; i < n; i++ {
		c := seal(parent, record.AuthorUser, epoch.Add(time.Duration(i)*time.Minute), fmt.Sprintf("commit %d", i))
		out = append(out, c)
		parent = c.Hash
	}
	return out
}

func indicatorsOf(rep Report, typ IndicatorType) []Indicator {
	var out []Indicator
	for _, in := range rep.TamperDetection.Indicators {
		if in.Type == typ {
			out = append(out, in)
		}
	}
	return out
}

func TestScan_CleanChain(t *testing.T) {
	sc := NewScanner(store.LoadMemoryStore(linear(4)), WithNow(fixedNow))
	rep, err := sc.Scan(context.Background())
	require.NoError(t, err)

	assert.True(t, rep.Integrity.Valid)
	assert.Equal(t, StatusClean, rep.OverallStatus)
	assert.Equal(t, RiskNone, rep.RiskLevel)
	assert.Empty(t, rep.TamperDetection.Indicators)
	assert.Empty(t, rep.TamperDetection.Recommendations)
	assert.Empty(t, rep.Warnings)
	assert.Equal(t, int64(4), rep.ScannedCommits)
	assert.Equal(t, fixedNow(), rep.ScannedAt)
	assert.Equal(t, "No tamper indicators in 4 verified commits", rep.Summary)
}

func TestScan_EmptyChain(t *testing.T) {
	rep, err := NewScanner(store.NewMemoryStore()).Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusClean, rep.OverallStatus)
	assert.Zero(t, rep.ScannedCommits)
}

func TestScan_TamperedHashOnlyScansValidPrefix(t *testing.T) {
	commits := linear(3)
	commits[1].Hash = "1111111111111111111111111111111111111111111111111111111111111111"

	rep, err := NewScanner(store.LoadMemoryStore(commits)).Scan(context.Background())
	require.NoError(t, err)

	assert.False(t, rep.Integrity.Valid)
	require.NotNil(t, rep.Integrity.BrokenAt)
	assert.Equal(t, int64(1), *rep.Integrity.BrokenAt)
	assert.Equal(t, int64(1), rep.ScannedCommits, "only C0 is analyzed")

	breaks := indicatorsOf(rep, ChainBreak)
	require.Len(t, breaks, 1)
	assert.Equal(t, SeverityHigh, breaks[0].Severity)
	assert.Equal(t, commits[1].Hash, breaks[0].CommitHash)
	assert.Equal(t, []string{commits[0].Hash}, breaks[0].Related)

	assert.Empty(t, indicatorsOf(rep, OrphanCommit), "C0 is still referenced by C1")
	assert.Equal(t, RiskHigh, rep.RiskLevel)
	assert.Equal(t, StatusCompromised, rep.OverallStatus)
	assert.Contains(t, rep.TamperDetection.Recommendations, recommendations[ChainBreak])
	assert.Contains(t, rep.TamperDetection.Recommendations, highSeverityAdvice)
}

// sqliteLinear stores linear(n) in a fresh SQLite database.
func sqliteLinear(t *testing.T, n int) (*store.SQLiteStore, []record.Commit) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "tamper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	commits := linear(n)
	parent := ""
	for _, c := range commits {
		_, err := s.Append(context.Background(), parent, c)
		require.NoError(t, err)
		parent = c.Hash
	}
	return s, commits
}

func TestScan_SQLiteDeletedCommit(t *testing.T) {
	s, commits := sqliteLinear(t, 4)
	_, err := s.DB().Exec(`DELETE FROM commits WHERE seq = 1`)
	require.NoError(t, err)

	rep, err := NewScanner(s, WithNow(fixedNow)).Scan(context.Background())
	require.NoError(t, err)

	assert.False(t, rep.Integrity.Valid)
	assert.False(t, rep.Integrity.Partial)
	assert.Equal(t, int64(1), rep.ScannedCommits)
	breaks := indicatorsOf(rep, ChainBreak)
	require.Len(t, breaks, 1)
	assert.Equal(t, int64(2), breaks[0].Index)
	assert.Equal(t, commits[2].Hash, breaks[0].CommitHash)
	assert.Equal(t, RiskHigh, rep.RiskLevel)
	assert.Equal(t, StatusCompromised, rep.OverallStatus)
}

func TestScan_SQLiteTruncatedTip(t *testing.T) {
	s, _ := sqliteLinear(t, 4)
	_, err := s.DB().Exec(`DELETE FROM commits WHERE seq = 3`)
	require.NoError(t, err)

	rep, err := NewScanner(s, WithNow(fixedNow)).Scan(context.Background())
	require.NoError(t, err)

	assert.False(t, rep.Integrity.Valid)
	breaks := indicatorsOf(rep, ChainBreak)
	require.Len(t, breaks, 1)
	assert.Equal(t, int64(3), breaks[0].Index)
	assert.Equal(t, StatusCompromised, rep.OverallStatus)
}

func TestScan_TimestampRegression(t *testing.T) {
	c0 := seal("", record.AuthorUser, epoch, "c0")
	c1 := seal(c0.Hash, record.AuthorUser, epoch.Add(time.Hour), "c1")
	c2 := seal(c1.Hash, record.AuthorUser, epoch.Add(30*time.Minute), "c2")

	rep, err := NewScanner(store.LoadMemoryStore([]record.Commit{c0, c1, c2})).Scan(context.Background())
	require.NoError(t, err)

	assert.True(t, rep.Integrity.Valid, "a regression is a finding, not a break")
	regs := indicatorsOf(rep, TimestampRegression)
	require.Len(t, regs, 1)
	assert.Equal(t, SeverityMedium, regs[0].Severity)
	assert.Equal(t, int64(2), regs[0].Index)
	assert.Equal(t, []string{c1.Hash}, regs[0].Related)
	assert.Equal(t, RiskMedium, rep.RiskLevel)
	assert.Equal(t, StatusWarnings, rep.OverallStatus)
}

func TestScan_DuplicateHash(t *testing.T) {
	commits := linear(2)
	dup := commits[1]
	withDup := append(commits, dup)

	rep, err := NewScanner(store.LoadMemoryStore(withDup)).Scan(context.Background())
	require.NoError(t, err)

	dups := indicatorsOf(rep, DuplicateHash)
	require.Len(t, dups, 1)
	assert.Equal(t, SeverityHigh, dups[0].Severity)
	assert.Equal(t, int64(2), dups[0].Index)
	assert.Equal(t, StatusCompromised, rep.OverallStatus)
}

func TestScan_OrphanCommit(t *testing.T) {
	commits := linear(2)
	// A second child of C0 hides C1 on a side branch.
	fork := seal(commits[0].Hash, record.AuthorUser, epoch.Add(time.Hour), "fork")
	withFork := append(commits, fork)

	rep, err := NewScanner(store.LoadMemoryStore(withFork)).Scan(context.Background())
	require.NoError(t, err)

	orphans := indicatorsOf(rep, OrphanCommit)
	require.Len(t, orphans, 1)
	assert.Equal(t, commits[1].Hash, orphans[0].CommitHash)
	assert.Equal(t, SeverityHigh, orphans[0].Severity)
	assert.Len(t, indicatorsOf(rep, ChainBreak), 1, "the fork also breaks linkage")
}

func testKey(t *testing.T, pass string) cipher.Key {
	t.Helper()
	k, err := cipher.DeriveKey(pass, []byte("tamper-test-salt"), cipher.Params{Iterations: cipher.MinIterations})
	require.NoError(t, err)
	return k
}

func envelopeChange(id string, to int64) []record.Change {
	return []record.Change{{
		Type:       record.ChangeModify,
		EntityType: "envelope",
		EntityID:   id,
		Diff:       map[string]record.FieldDiff{"balance": {From: record.Int(0), To: record.Int(to)}},
	}}
}

// anomalyStore builds: genesis, a system commit, then a user commit one
// second later touching userEntity.
func anomalyStore(t *testing.T, key cipher.Key, userEntity string) store.Store {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	clock := testutil.NewStepClock(epoch, time.Second)
	b := chain.NewBuilder(s, chain.WithClock(clock))

	_, err := b.Append(ctx, record.AuthorSystem, "Initialize budget history", nil, key)
	require.NoError(t, err)
	clock.Set(epoch.Add(time.Hour))
	_, err = b.Append(ctx, record.AuthorSystem, "Scheduled transfer", envelopeChange("groceries", 100), key)
	require.NoError(t, err)
	_, err = b.Append(ctx, record.AuthorUser, "Manual fix", envelopeChange(userEntity, 50), key)
	require.NoError(t, err)
	return s
}

func TestScan_AuthorAnomaly(t *testing.T) {
	ctx := context.Background()
	key := testKey(t, "pw")

	t.Run("timing only without key", func(t *testing.T) {
		rep, err := NewScanner(anomalyStore(t, key, "groceries")).Scan(ctx)
		require.NoError(t, err)
		anomalies := indicatorsOf(rep, AuthorAnomaly)
		require.Len(t, anomalies, 1)
		assert.Equal(t, SeverityLow, anomalies[0].Severity)
		assert.Equal(t, int64(2), anomalies[0].Index)
		assert.Equal(t, RiskLow, rep.RiskLevel)
		assert.Equal(t, StatusWarnings, rep.OverallStatus)
	})

	t.Run("same entity with key", func(t *testing.T) {
		rep, err := NewScanner(anomalyStore(t, key, "groceries")).ScanWithKey(ctx, key)
		require.NoError(t, err)
		anomalies := indicatorsOf(rep, AuthorAnomaly)
		require.Len(t, anomalies, 1)
		assert.Equal(t, SeverityMedium, anomalies[0].Severity)
		assert.Contains(t, anomalies[0].Message, "envelope/groceries")
	})

	t.Run("different entity with key", func(t *testing.T) {
		rep, err := NewScanner(anomalyStore(t, key, "rent")).ScanWithKey(ctx, key)
		require.NoError(t, err)
		assert.Empty(t, indicatorsOf(rep, AuthorAnomaly))
		assert.Equal(t, StatusClean, rep.OverallStatus)
	})

	t.Run("wrong key falls back to timing", func(t *testing.T) {
		rep, err := NewScanner(anomalyStore(t, key, "groceries")).ScanWithKey(ctx, testKey(t, "wrong"))
		require.NoError(t, err)
		anomalies := indicatorsOf(rep, AuthorAnomaly)
		require.Len(t, anomalies, 1)
		assert.Equal(t, SeverityLow, anomalies[0].Severity)
		require.Len(t, rep.Warnings, 1)
		assert.Contains(t, rep.Warnings[0], "decryption failure")
	})

	t.Run("outside the window", func(t *testing.T) {
		rep, err := NewScanner(anomalyStore(t, key, "groceries"), WithAnomalyWindow(500*time.Millisecond)).Scan(ctx)
		require.NoError(t, err)
		assert.Empty(t, indicatorsOf(rep, AuthorAnomaly))
	})
}

func TestScan_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewScanner(store.LoadMemoryStore(linear(2))).Scan(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
