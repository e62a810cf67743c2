// Package key defines the request-key model used to address cached views
// and the entity-key model used to address normalized records.
//
// A Key names a request for a value, not the value itself: two distinct
// Key values may resolve to data derived from the same underlying
// entities. Keys are immutable and must be safe to use as map keys and
// to hash for de-duplication, single-flight coalescing, and lock
// acquisition.
package key

import (
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Key is the tagged-variant request identifier described in the
// specification: every implementation must produce a stable,
// order-insensitive hash and expose the namespace it belongs to so that
// bulk invalidation by namespace is possible without enumerating every
// live key.
type Key interface {
	// StableHash returns a 64-bit hash derived from every field of the
	// key. Implementations must be order-insensitive for any map-typed
	// field (sort before hashing).
	StableHash() uint64
	// Namespace returns the namespace this key belongs to, used for
	// Store.InvalidateNamespace and similar bulk operations.
	Namespace() string
	// String returns a human-readable, stable representation suitable
	// for log lines and as a map key in external stores (lock tables,
	// offline queues) that only understand strings.
	String() string
}

// Identity addresses a single entity-shaped view by id: "give me the
// User with id 42". It is the most common Key shape for by-id reads.
type Identity struct {
	NS   string
	Type string
	ID   string
}

var _ Key = Identity{}

// Namespace implements Key.
func (k Identity) Namespace() string { return k.NS }

// String implements Key.
func (k Identity) String() string {
	return "id:" + k.NS + "/" + k.Type + "/" + k.ID
}

// StableHash implements Key.
func (k Identity) StableHash() uint64 {
	d := xxhash.New()
	writeTagged(d, "identity", k.NS, k.Type, k.ID)
	return d.Sum64()
}

// Query addresses a parameterized view, e.g. a search or a filtered
// list, where Params fully determines the result set. Params is treated
// as an unordered map for hashing purposes: two Query keys with the
// same params in different insertion order hash identically.
type Query struct {
	NS     string
	Params map[string]string
}

var _ Key = Query{}

// Namespace implements Key.
func (k Query) Namespace() string { return k.NS }

// String implements Key.
func (k Query) String() string {
	keys := sortedKeys(k.Params)
	s := "query:" + k.NS + "?"
	for i, p := range keys {
		if i > 0 {
			s += "&"
		}
		s += p + "=" + k.Params[p]
	}
	return s
}

// StableHash implements Key.
func (k Query) StableHash() uint64 {
	d := xxhash.New()
	_, _ = d.Write([]byte("query|"))
	_, _ = d.Write([]byte(k.NS))
	_, _ = d.Write([]byte{0})
	for _, p := range sortedKeys(k.Params) {
		_, _ = d.Write([]byte(p))
		_, _ = d.Write([]byte{'='})
		_, _ = d.Write([]byte(k.Params[p]))
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// Custom is the extension slot for consumer-defined key variants
// described in spec.md §9 ("deep inheritance in key types"): a consumer
// that needs a shape other than Identity/Query supplies its own opaque
// id plus a precomputed hash rather than implementing Key from scratch.
type Custom struct {
	NS     string
	Opaque string
	Hash   uint64
}

var _ Key = Custom{}

// Namespace implements Key.
func (k Custom) Namespace() string { return k.NS }

// String implements Key.
func (k Custom) String() string { return "custom:" + k.NS + "/" + k.Opaque }

// StableHash implements Key.
func (k Custom) StableHash() uint64 { return k.Hash }

func writeTagged(d *xxhash.Digest, parts ...string) {
	for _, p := range parts {
		_, _ = d.Write([]byte(p))
		_, _ = d.Write([]byte{0})
	}
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Entity identifies a normalized record. It is distinct from Key: a Key
// names a request or a view, an Entity names a record in the
// normalization backend.
type Entity struct {
	Type string
	ID   string
}

// String returns a stable representation used as the normalization
// backend's storage key and as the identity compared by RefList/Ref
// rekeys.
func (e Entity) String() string { return e.Type + "#" + e.ID }
