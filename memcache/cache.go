// Package memcache implements the bounded, strictly-LRU memory tier
// used both for hot domain values (store.go) and for the freshness
// bookkeeper's metadata ledger. It wraps hashicorp/golang-lru/v2 the
// same way the teacher's TwoTierTemplateCache wraps it for its L1
// layer, adding the stored_at bookkeeping and namespace invalidation
// the specification requires on top.
package memcache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/continuumlabs/syncstore/clock"
	"github.com/continuumlabs/syncstore/key"
)

// entry is the value actually stored in the underlying LRU; it pairs
// the caller's value with the instant it was written so callers that
// need staleness-by-age (rather than recency-by-access) can compute it.
type entry[V any] struct {
	value    V
	storedAt int64 // unix nano, avoids importing time into the hot path struct
}

// Cache is a bounded, strictly-LRU map from key.Key to V. All
// operations are O(1) amortized and protected by a single mutex; no
// operation may block on anything other than that mutex, per the
// specification's concurrency model for the memory tier.
type Cache[V any] struct {
	mu    sync.Mutex
	lru   *lru.Cache[uint64, entryWithKey[V]]
	clock clock.Clock
	max   int
}

type entryWithKey[V any] struct {
	k key.Key
	e entry[V]
}

// New creates a bounded cache holding at most max entries. max must be
// positive.
func New[V any](max int, c clock.Clock) *Cache[V] {
	if max <= 0 {
		max = 1
	}
	if c == nil {
		c = clock.System{}
	}
	l, err := lru.New[uint64, entryWithKey[V]](max)
	if err != nil {
		// lru.New only errors on size <= 0, which we've guarded above.
		panic(err)
	}
	return &Cache[V]{lru: l, clock: c, max: max}
}

// Get returns the cached value for k, touching its recency, and
// whether it was present.
func (c *Cache[V]) Get(k key.Key) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	v, ok := c.lru.Get(k.StableHash())
	if !ok {
		return zero, false
	}
	return v.e.value, true
}

// Put stores value under k, touching its recency. It returns true if a
// new entry was inserted (the cache grew), false if an existing entry
// was updated in place. Eviction happens only when the cache is at
// capacity and the key is new.
func (c *Cache[V]) Put(k key.Key, v V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := k.StableHash()
	_, existed := c.lru.Peek(h)
	c.lru.Add(h, entryWithKey[V]{k: k, e: entry[V]{value: v, storedAt: c.clock.Now().UnixNano()}})
	return !existed
}

// Invalidate removes k from the cache, if present.
func (c *Cache[V]) Invalidate(k key.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(k.StableHash())
}

// InvalidateNamespace removes every entry whose key belongs to ns. The
// cache is bounded, so this is a bounded linear scan, not an unbounded
// one.
func (c *Cache[V]) InvalidateNamespace(ns string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.lru.Keys() {
		v, ok := c.lru.Peek(h)
		if ok && v.k.Namespace() == ns {
			c.lru.Remove(h)
		}
	}
}

// InvalidateAll drops every entry.
func (c *Cache[V]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Len returns the current number of entries. Exposed mainly for tests
// asserting the bound invariant.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
