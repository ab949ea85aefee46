package cache

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/integrity"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/metrics"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/store"
)

func setupMiniredis(t *testing.T, m *metrics.Metrics) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), DisableIndentity: true})
	c := NewRedisWithClient(client, RedisConfig{Addr: mr.Addr(), KeyPrefix: "test:", TTL: time.Minute}, nil, m)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func validStatus(tip string, n int64) integrity.Status {
	return integrity.Status{Valid: true, TotalCommits: n, VerifiedCommits: n, Tip: tip, Message: "ok"}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "abc:3", Key(store.Head{Hash: "abc", Len: 3}))
	assert.Equal(t, ":0", Key(store.Head{}))
}

func TestCaches(t *testing.T) {
	backends := map[string]func(t *testing.T) StatusCache{
		"memory": func(t *testing.T) StatusCache { return NewMemory(nil) },
		"redis": func(t *testing.T) StatusCache {
			c, _ := setupMiniredis(t, nil)
			return c
		},
	}
	for name, mk := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := mk(t)
			head := store.Head{Hash: "tip-a", Len: 2}

			_, ok := c.Get(ctx, head)
			assert.False(t, ok, "empty cache")

			require.NoError(t, c.Set(ctx, head, validStatus("tip-a", 2)))
			got, ok := c.Get(ctx, head)
			require.True(t, ok)
			assert.True(t, got.Valid)
			assert.Equal(t, int64(2), got.TotalCommits)
			assert.Equal(t, "tip-a", got.Tip)

			_, ok = c.Get(ctx, store.Head{Hash: "tip-b", Len: 3})
			assert.False(t, ok, "a new tip misses")

			_, ok = c.Get(ctx, store.Head{Hash: "tip-a", Len: 3})
			assert.False(t, ok, "same tip with a different length misses")

			require.NoError(t, c.Invalidate(ctx))
			_, ok = c.Get(ctx, head)
			assert.False(t, ok)
		})
	}
}

func TestRedis_TTL(t *testing.T) {
	ctx := context.Background()
	c, mr := setupMiniredis(t, nil)
	head := store.Head{Hash: "tip", Len: 1}

	require.NoError(t, c.Set(ctx, head, validStatus("tip", 1)))
	assert.True(t, mr.Exists("test:integrity:latest"))
	assert.Equal(t, time.Minute, mr.TTL("test:integrity:latest"))

	mr.FastForward(2 * time.Minute)
	_, ok := c.Get(ctx, head)
	assert.False(t, ok)
}

func TestRedis_CorruptEntryIsMiss(t *testing.T) {
	c, mr := setupMiniredis(t, nil)
	require.NoError(t, mr.Set("test:integrity:latest", "not json"))

	_, ok := c.Get(context.Background(), store.Head{Hash: "tip", Len: 1})
	assert.False(t, ok)
}

func TestRedis_UnavailableIsMiss(t *testing.T) {
	c, mr := setupMiniredis(t, nil)
	mr.Close()

	_, ok := c.Get(context.Background(), store.Head{Hash: "tip", Len: 1})
	assert.False(t, ok)
}

func TestNewRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewRedis(context.Background(), RedisConfig{Addr: mr.Addr()}, nil, nil)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, DefaultTTL, c.ttl)

	_, err = NewRedis(context.Background(), RedisConfig{}, nil, nil)
	assert.Error(t, err)
}

func TestCache_Metrics(t *testing.T) {
	ctx := context.Background()
	m := metrics.New("test")
	c, _ := setupMiniredis(t, m)
	head := store.Head{Hash: "tip", Len: 1}

	c.Get(ctx, head)
	require.NoError(t, c.Set(ctx, head, validStatus("tip", 1)))
	c.Get(ctx, head)
	c.Get(ctx, head)

	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(cacheCounters(2, 1)),
		"test_cache_hits_total", "test_cache_misses_total"))

	mem := NewMemory(m)
	mem.Get(ctx, head)
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(cacheCounters(2, 2)),
		"test_cache_hits_total", "test_cache_misses_total"))
}

func cacheCounters(hits, misses int) string {
	return fmt.Sprintf(`# HELP test_cache_hits_total Total number of integrity status cache hits
# TYPE test_cache_hits_total counter
test_cache_hits_total %d
# HELP test_cache_misses_total Total number of integrity status cache misses
# TYPE test_cache_misses_total counter
test_cache_misses_total %d
`, hits, misses)
}
