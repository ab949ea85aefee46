// Package cache remembers integrity verification results keyed by chain
// head.
//
// An entry records what the last verification of a head found. It is never
// an answer in itself: a commit rewritten in place leaves the head unchanged,
// so callers re-verify and compare against the entry instead of returning it.
package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/thef4tdaddy/violet-vault-sub005/internal/integrity"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/metrics"
	"github.com/thef4tdaddy/violet-vault-sub005/internal/store"
)

// StatusCache stores the latest full-chain verification result.
type StatusCache interface {
	Get(ctx context.Context, head store.Head) (integrity.Status, bool)
	Set(ctx context.Context, head store.Head, st integrity.Status) error
	Invalidate(ctx context.Context) error
}

// Key identifies a chain head.
func Key(head store.Head) string {
	return fmt.Sprintf("%s:%d", head.Hash, head.Len)
}

// Memory keeps a single entry in process memory.
type Memory struct {
	mu      sync.RWMutex
	key     string
	status  integrity.Status
	ok      bool
	metrics *metrics.Metrics
}

// NewMemory creates an empty in-process cache. m may be nil.
func NewMemory(m *metrics.Metrics) *Memory {
	return &Memory{metrics: m}
}

// Get implements StatusCache.
func (c *Memory) Get(_ context.Context, head store.Head) (integrity.Status, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ok || c.key != Key(head) {
		c.metrics.RecordCacheMiss()
		return integrity.Status{}, false
	}
	c.metrics.RecordCacheHit()
	return c.status, true
}

// Set implements StatusCache.
func (c *Memory) Set(_ context.Context, head store.Head, st integrity.Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key, c.status, c.ok = Key(head), st, true
	return nil
}

// Invalidate implements StatusCache.
func (c *Memory) Invalidate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key, c.status, c.ok = "", integrity.Status{}, false
	return nil
}

// Nop never stores anything.
type Nop struct{}

// Get implements StatusCache.
func (Nop) Get(context.Context, store.Head) (integrity.Status, bool) { return integrity.Status{}, false }

// Set implements StatusCache.
func (Nop) Set(context.Context, store.Head, integrity.Status) error { return nil }

// Invalidate implements StatusCache.
func (Nop) Invalidate(context.Context) error { return nil }
