package paginate

import (
	"github.com/cespare/xxhash/v2"

	"github.com/continuumlabs/syncstore/key"
)

// dirKey composes a request key.Key with a Direction so that single
// flight coalescing (flight.Registry) and rate smoothing
// (freshness.RateGate) apply per direction rather than per key: an
// APPEND load in flight must not coalesce with, or rate-gate, a
// concurrent PREPEND load for the same key.
type dirKey struct {
	inner key.Key
	dir   Direction
}

var _ key.Key = dirKey{}

func (d dirKey) Namespace() string { return d.inner.Namespace() }

func (d dirKey) String() string { return d.inner.String() + "#" + d.dir.String() }

func (d dirKey) StableHash() uint64 {
	h := xxhash.New()
	_, _ = h.Write([]byte(d.inner.String()))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(d.dir.String()))
	return h.Sum64()
}
