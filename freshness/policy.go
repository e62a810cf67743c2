// Package freshness implements the freshness policy evaluator and the
// metadata bookkeeper described in spec.md §4.4. The bookkeeper is the
// sole authority for freshness decisions: callers never inspect memory
// or persistence state directly to decide whether to fetch.
package freshness

import "time"

// Policy is the closed set of freshness policies a caller may request
// for a single read or pagination load.
type Policy interface {
	isPolicy()
}

// CachedOrFetch serves a cached value immediately if present and plans
// a background refresh; if no cached value exists it fetches
// unconditionally.
type CachedOrFetch struct{}

func (CachedOrFetch) isPolicy() {}

// MinAge skips fetching entirely while the last successful fetch is
// younger than Age; otherwise issues a conditional request if an ETag
// is on record, or an unconditional one otherwise.
type MinAge struct {
	Age time.Duration
}

func (MinAge) isPolicy() {}

// MustBeFresh always issues an unconditional request and never serves
// cache alone: the first emission to the subscriber waits for the
// fetch to complete (or fail).
type MustBeFresh struct{}

func (MustBeFresh) isPolicy() {}

// StaleIfError behaves like CachedOrFetch, except that when the
// background fetch fails, the subscriber still receives the cached
// value, tagged as stale, instead of an error-only outcome.
type StaleIfError struct{}

func (StaleIfError) isPolicy() {}
