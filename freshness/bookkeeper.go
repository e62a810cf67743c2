package freshness

import (
	"time"

	"github.com/continuumlabs/syncstore/clock"
	"github.com/continuumlabs/syncstore/key"
	"github.com/continuumlabs/syncstore/memcache"
	"github.com/continuumlabs/syncstore/meta"
)

// DefaultMaxEntries bounds the bookkeeper's metadata ledger the same
// way the memory cache bounds hot values: metadata for keys nobody has
// read recently is allowed to fall out.
const DefaultMaxEntries = 10_000

// Bookkeeper is the sole authority for freshness decisions: it records
// {etag?, at} on success and {error, at} on failure, and is consulted
// by Evaluate via its Context.LastStatus field.
type Bookkeeper struct {
	ledger *memcache.Cache[meta.Meta]
	clock  clock.Clock
}

// NewBookkeeper creates a Bookkeeper bounded at maxEntries distinct
// keys (DefaultMaxEntries if maxEntries <= 0).
func NewBookkeeper(maxEntries int, c clock.Clock) *Bookkeeper {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if c == nil {
		c = clock.System{}
	}
	return &Bookkeeper{ledger: memcache.New[meta.Meta](maxEntries, c), clock: c}
}

// Status returns the current metadata for k, or a zero Meta if none is
// on record yet.
func (b *Bookkeeper) Status(k key.Key) meta.Meta {
	m, ok := b.ledger.Get(k)
	if !ok {
		return meta.Meta{}
	}
	return m.Clone()
}

// RecordSuccess records a successful fetch, updating LastSuccessAt and,
// if provided, ETag, and clearing any prior error.
func (b *Bookkeeper) RecordSuccess(k key.Key, etag *string) {
	now := b.clock.Now()
	prev := b.Status(k)
	prev.LastSuccessAt = &now
	prev.LastError = nil
	if etag != nil {
		prev.ETag = etag
	}
	b.ledger.Put(k, prev)
}

// RecordNotModified updates only the success timestamp (and keeps the
// current ETag, refreshing it if the server supplied one) without
// implying a persistence write happened — callers must not write to
// persistence for a NotModified outcome, per spec.md Testable Property
// 6; the bookkeeper itself has no opinion on persistence, it only
// tracks freshness metadata.
func (b *Bookkeeper) RecordNotModified(k key.Key, etag *string) {
	b.RecordSuccess(k, etag)
}

// RecordFailure records a failed fetch attempt.
func (b *Bookkeeper) RecordFailure(k key.Key, err error) {
	now := b.clock.Now()
	prev := b.Status(k)
	prev.LastFailureAt = &now
	prev.LastError = err
	b.ledger.Put(k, prev)
}

// Now returns the bookkeeper's clock's current instant, so callers
// building a freshness.Context don't need to depend on clock directly.
func (b *Bookkeeper) Now() time.Time { return b.clock.Now() }

// Invalidate drops any recorded metadata for k, forcing the next
// evaluation to behave as if the key were never seen.
func (b *Bookkeeper) Invalidate(k key.Key) { b.ledger.Invalidate(k) }

// InvalidateNamespace drops metadata for every key in ns.
func (b *Bookkeeper) InvalidateNamespace(ns string) { b.ledger.InvalidateNamespace(ns) }

// InvalidateAll clears the entire ledger.
func (b *Bookkeeper) InvalidateAll() { b.ledger.InvalidateAll() }
