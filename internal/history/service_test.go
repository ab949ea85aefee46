package history

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/cache"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/cipher"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/integrity"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/record"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/restore"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/store"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/tamper"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/testutil"
)

const passphrase = "correct horse battery staple"

var epoch = time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T, backend store.Backend, opts ...Option) *Service {
	t.Helper()
	base := []Option{
		WithClock(testutil.NewStepClock(epoch, time.Minute)),
		WithKDFParams(cipher.Params{Iterations: cipher.MinIterations}),
		WithIDGenerator(testutil.NewSequentialIDGenerator("id")),
		WithNow(func() time.Time { return epoch.Add(24 * time.Hour) }),
	}
	return New(backend, append(base, opts...)...)
}

func sqliteBackend(t *testing.T) store.Backend {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func forEachBackend(t *testing.T, fn func(t *testing.T, backend store.Backend)) {
	t.Run("memory", func(t *testing.T) { fn(t, store.NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, sqliteBackend(t)) })
}

var addGroceries = []record.Change{{
	Type: record.ChangeAdd, EntityType: "envelope", EntityID: "groceries",
	Data: record.Object{"name": record.String("Groceries"), "balance": record.Int(0)},
}}

var fundGroceries = []record.Change{{
	Type: record.ChangeModify, EntityType: "envelope", EntityID: "groceries",
	Diff: map[string]record.FieldDiff{"balance": {From: record.Int(0), To: record.Int(50)}},
}}

// groceries initializes svc with C0 (genesis), C1 (add Groceries) and C2
// (balance 0 -> 50).
func groceries(t *testing.T, svc *Service) ([]record.Commit, cipher.Key) {
	t.Helper()
	ctx := context.Background()
	c0, key, err := svc.Init(ctx, passphrase)
	require.NoError(t, err)
	c1, err := svc.Commit(ctx, record.AuthorUser, "Add Groceries envelope", addGroceries, key)
	require.NoError(t, err)
	c2, err := svc.Commit(ctx, record.AuthorUser, "Fund Groceries", fundGroceries, key)
	require.NoError(t, err)
	return []record.Commit{c0, c1, c2}, key
}

func groceriesBalance(t *testing.T, s restore.State) record.Value {
	t.Helper()
	obj, ok := s.Entity("envelope", "groceries")
	require.True(t, ok)
	return obj["balance"]
}

func TestGroceriesScenario(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend store.Backend) {
		ctx := context.Background()
		svc := newService(t, backend)
		commits, _ := groceries(t, svc)

		st, err := svc.Verify(ctx)
		require.NoError(t, err)
		assert.True(t, st.Valid)
		assert.Equal(t, int64(3), st.TotalCommits)
		assert.Equal(t, st.TotalCommits, st.VerifiedCommits)

		state, err := svc.Restore(ctx, commits[2].Hash, passphrase)
		require.NoError(t, err)
		assert.Equal(t, record.Int(50), groceriesBalance(t, state))

		state, err = svc.Restore(ctx, commits[1].Hash, passphrase)
		require.NoError(t, err)
		assert.Equal(t, record.Int(0), groceriesBalance(t, state))
	})
}

func TestRestore_WrongPassphrase(t *testing.T) {
	svc := newService(t, store.NewMemoryStore())
	commits, _ := groceries(t, svc)

	state, err := svc.Restore(context.Background(), commits[2].Hash, "tr0ub4dor&3")
	require.Error(t, err)
	assert.True(t, record.IsDecryptionFailure(err))
	assert.Nil(t, state)
}

func TestInit(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryStore()
	svc := newService(t, backend)

	_, err := svc.Key(ctx, passphrase)
	assert.ErrorIs(t, err, ErrNotInitialized)

	c0, key, err := svc.Init(ctx, passphrase)
	require.NoError(t, err)
	assert.True(t, c0.IsGenesis())
	assert.Equal(t, record.AuthorSystem, c0.Author)
	assert.Equal(t, GenesisMessage, c0.Message)

	again, err := svc.Key(ctx, passphrase)
	require.NoError(t, err)
	assert.True(t, key.Equal(again), "same passphrase and salt derive the same key")

	_, _, err = svc.Init(ctx, passphrase)
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestCommit_RejectsEmptyChangeList(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryStore()
	svc := newService(t, backend)
	_, key, err := svc.Init(ctx, passphrase)
	require.NoError(t, err)

	for _, changes := range [][]record.Change{nil, {}} {
		_, err := svc.Commit(ctx, record.AuthorUser, "nothing", changes, key)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrEmptyCommit)
		assert.True(t, record.IsSerializationFailure(err))
	}

	n, err := backend.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only genesis is stored")
}

func TestListCommits(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, store.NewMemoryStore())
	commits, _ := groceries(t, svc)

	all, err := svc.ListCommits(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, commits[2].Hash, all[0].Hash, "newest first")
	assert.Equal(t, commits[0].Hash, all[2].Hash)

	users, err := svc.ListCommits(ctx, Filter{Author: record.AuthorUser})
	require.NoError(t, err)
	assert.Len(t, users, 2)

	limited, err := svc.ListCommits(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, commits[2].Hash, limited[0].Hash)

	empty, err := newService(t, store.NewMemoryStore()).ListCommits(ctx, Filter{})
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestGetCommitDetail(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, store.NewMemoryStore())
	commits, key := groceries(t, svc)

	d, err := svc.GetCommitDetail(ctx, commits[2].Hash, key)
	require.NoError(t, err)
	assert.Equal(t, commits[2].Hash, d.Commit.Hash)
	require.Len(t, d.Changes, 1)
	assert.Equal(t, record.ChangeModify, d.Changes[0].Type)

	d, err = svc.GetCommitDetail(ctx, commits[1].ShortHash(), key)
	require.NoError(t, err, "short hashes resolve")
	assert.Equal(t, commits[1].Hash, d.Commit.Hash)

	_, err = svc.GetCommitDetail(ctx, "ffffffffffff", key)
	assert.True(t, record.IsUnknownTarget(err))

	other, err := cipher.DeriveKey("nope", []byte("0123456789abcdef"), cipher.Params{Iterations: cipher.MinIterations})
	require.NoError(t, err)
	_, err = svc.GetCommitDetail(ctx, commits[1].Hash, other)
	assert.True(t, record.IsDecryptionFailure(err))
}

func TestTamperedHashScenario(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, store.NewMemoryStore())
	commits, _ := groceries(t, svc)

	tampered := append([]record.Commit(nil), commits...)
	tampered[1].Hash = "00" + tampered[1].Hash[2:]
	svc = newService(t, store.LoadMemoryStore(tampered))

	st, err := svc.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, st.Valid)
	require.NotNil(t, st.BrokenAt)
	assert.Equal(t, int64(1), *st.BrokenAt)
	require.NotNil(t, st.LastValidCommit)
	assert.Equal(t, commits[0].Hash, st.LastValidCommit.Hash)
	require.NotNil(t, st.SuspiciousCommit)
	assert.Equal(t, tampered[1].Hash, st.SuspiciousCommit.Hash)

	rep, err := svc.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, tamper.StatusCompromised, rep.OverallStatus)
	assert.Equal(t, tamper.RiskHigh, rep.RiskLevel)
	assert.Equal(t, int64(1), rep.ScannedCommits, "heuristics only see the C0 prefix")
}

func TestVerify_RecordsLastStatusPerHead(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory(nil)
	svc := newService(t, store.NewMemoryStore(), WithCache(c))
	commits, key := groceries(t, svc)

	first, err := svc.Verify(ctx)
	require.NoError(t, err)
	head := store.Head{Hash: commits[2].Hash, Len: 3}
	recorded, ok := c.Get(ctx, head)
	require.True(t, ok)
	assert.Equal(t, first, recorded)

	_, err = svc.Commit(ctx, record.AuthorUser, "Rename", []record.Change{{
		Type: record.ChangeModify, EntityType: "envelope", EntityID: "groceries",
		Diff: map[string]record.FieldDiff{"name": {From: record.String("Groceries"), To: record.String("Food")}},
	}}, key)
	require.NoError(t, err)

	second, err := svc.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), second.TotalCommits)
}

func TestVerify_InPlaceEditSeenAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	dbPath := filepath.Join(t.TempDir(), "history.db")

	// open stands in for one CLI process: its own store, Redis client and
	// service over the shared file and Redis.
	open := func(logger *zap.Logger) (*Service, *store.SQLiteStore) {
		backend, err := store.Open(dbPath)
		require.NoError(t, err)
		t.Cleanup(func() { backend.Close() })
		rc, err := cache.NewRedis(ctx, cache.RedisConfig{Addr: mr.Addr(), KeyPrefix: "budgethist:"}, nil, nil)
		require.NoError(t, err)
		t.Cleanup(func() { rc.Close() })
		return newService(t, backend, WithCache(rc), WithLogger(logger)), backend
	}

	first, backend := open(zap.NewNop())
	groceries(t, first)
	st, err := first.Verify(ctx)
	require.NoError(t, err)
	require.True(t, st.Valid)

	_, err = backend.DB().Exec(`UPDATE commits SET message = 'rewritten' WHERE seq = 1`)
	require.NoError(t, err)

	core, logs := observer.New(zap.WarnLevel)
	second, _ := open(zap.New(core))
	st, err = second.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, st.Valid)
	require.NotNil(t, st.BrokenAt)
	assert.Equal(t, int64(1), *st.BrokenAt)
	assert.Equal(t, integrity.BreakContent, st.Kind)
	assert.Equal(t, 1, logs.FilterMessage("chain modified in place since last verification").Len())

	// The same process sees the edit too.
	st, err = first.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, st.Valid)
}

func TestRevert(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend store.Backend) {
		ctx := context.Background()
		svc := newService(t, backend)
		commits, key := groceries(t, svc)

		c3, err := svc.Revert(ctx, commits[1].Hash, key, "")
		require.NoError(t, err)
		assert.Equal(t, commits[2].Hash, c3.ParentHash)
		assert.Equal(t, "Revert to "+commits[1].ShortHash(), c3.Message)

		at1, err := svc.Materialize(ctx, commits[1].Hash, key)
		require.NoError(t, err)
		at3, err := svc.Materialize(ctx, c3.Hash, key)
		require.NoError(t, err)
		assert.True(t, at1.Equal(at3))

		_, err = svc.Revert(ctx, commits[1].Hash, key, "again")
		assert.ErrorIs(t, err, ErrNoChanges)

		st, err := svc.Verify(ctx)
		require.NoError(t, err)
		assert.True(t, st.Valid)
		assert.Equal(t, int64(4), st.TotalCommits, "history grows, nothing is rewritten")
	})
}

func TestExportImport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newService(t, store.NewMemoryStore())
	commits, _ := groceries(t, src)

	blob, err := src.ExportHistory(ctx, Filter{})
	require.NoError(t, err)

	b, err := DecodeBundle(blob)
	require.NoError(t, err)
	assert.Equal(t, BundleFormat, b.Format)
	assert.Equal(t, "id-0001", b.ID)
	assert.False(t, b.Partial)
	assert.Equal(t, commits[2].Hash, b.Tip)
	require.Len(t, b.Commits, 3)
	assert.Equal(t, commits[0].Hash, b.Commits[0].Hash, "oldest first")

	dst := newService(t, sqliteBackend(t))
	res, err := dst.ImportHistory(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Imported)
	assert.Equal(t, commits[2].Hash, res.Tip)

	st, err := dst.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, st.Valid)

	state, err := dst.Restore(ctx, commits[2].Hash, passphrase)
	require.NoError(t, err)
	assert.Equal(t, record.Int(50), groceriesBalance(t, state))

	_, err = dst.ImportHistory(ctx, blob)
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestImport_RejectsPartialAndTampered(t *testing.T) {
	ctx := context.Background()
	src := newService(t, store.NewMemoryStore())
	groceries(t, src)

	partial, err := src.ExportHistory(ctx, Filter{Author: record.AuthorUser})
	require.NoError(t, err)
	_, err = newService(t, store.NewMemoryStore()).ImportHistory(ctx, partial)
	assert.ErrorIs(t, err, ErrPartialBundle)

	blob, err := src.ExportHistory(ctx, Filter{})
	require.NoError(t, err)
	var b Bundle
	require.NoError(t, json.Unmarshal(blob, &b))
	b.Commits[1].Message = "Add Groceries envelope!"
	tampered, err := json.Marshal(b)
	require.NoError(t, err)

	dstStore := store.NewMemoryStore()
	_, err = newService(t, dstStore).ImportHistory(ctx, tampered)
	require.Error(t, err)
	assert.True(t, record.IsChainCorruption(err))

	n, err := dstStore.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "rejected bundles write nothing")
	_, err = dstStore.Salt(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = DecodeBundle([]byte(`{"format":"other/v9"}`))
	assert.Error(t, err)
}

func TestInspectBundle(t *testing.T) {
	ctx := context.Background()
	src := newService(t, store.NewMemoryStore())
	groceries(t, src)

	blob, err := src.ExportHistory(ctx, Filter{})
	require.NoError(t, err)
	rep, err := src.InspectBundle(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Commits)
	assert.True(t, rep.TipMatches)
	assert.Equal(t, tamper.StatusClean, rep.Scan.OverallStatus)

	partial, err := src.ExportHistory(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	rep, err = src.InspectBundle(ctx, partial)
	require.NoError(t, err)
	assert.True(t, rep.Partial)
	assert.False(t, rep.Scan.Integrity.Valid, "a lone non-genesis commit has no parent to link to")
}

func TestExport_NotInitialized(t *testing.T) {
	_, err := newService(t, store.NewMemoryStore()).ExportHistory(context.Background(), Filter{})
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestSnapshotInterval(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryStore()
	svc := newService(t, backend, WithSnapshotInterval(2))
	commits, key := groceries(t, svc)

	snap, err := backend.LatestSnapshot(ctx, commits[2].Seq)
	require.NoError(t, err)
	assert.Equal(t, commits[2].Hash, snap.CommitHash)

	opened, err := restore.OpenSnapshot(snap, key)
	require.NoError(t, err)
	assert.Equal(t, record.Int(50), groceriesBalance(t, opened.State))

	state, err := svc.Materialize(ctx, commits[2].Hash, key)
	require.NoError(t, err)
	assert.True(t, state.Equal(opened.State))
}

func TestMaterializeAsync(t *testing.T) {
	svc := newService(t, store.NewMemoryStore())
	commits, key := groceries(t, svc)

	res := <-svc.MaterializeAsync(context.Background(), commits[2].Hash, key)
	require.NoError(t, res.Err)
	assert.Equal(t, record.Int(50), groceriesBalance(t, res.State))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res = <-svc.MaterializeAsync(ctx, commits[2].Hash, key)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Nil(t, res.State)

	res = <-svc.MaterializeAsync(context.Background(), "deadbeefdead", key)
	assert.True(t, record.IsUnknownTarget(res.Err))
}

func TestAudit(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, store.NewMemoryStore())
	commits, _ := groceries(t, svc)

	tampered := append([]record.Commit(nil), commits...)
	tampered[1].Message = "edited"
	tampered[2].Message = "edited too"
	svc = newService(t, store.LoadMemoryStore(tampered))

	rep, err := svc.Audit(ctx, integrity.All)
	require.NoError(t, err)
	assert.False(t, rep.Status.Valid)
	assert.Len(t, rep.Breaks, 2)
}
