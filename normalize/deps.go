package normalize

import (
	"context"
	"sync"

	"github.com/continuumlabs/syncstore/key"
	"github.com/continuumlabs/syncstore/meta"
)

// MetricsSink receives counters the normalization engine emits; the
// telemetry package provides a Prometheus-backed implementation, but
// the interface lives here so normalize has no hard dependency on any
// particular metrics backend.
type MetricsSink interface {
	IncCompose(shapeID string, outcome string, entitiesVisited int)
}

type noopMetrics struct{}

func (noopMetrics) IncCompose(string, string, int) {}

// RootRef identifies one composed view: the request key plus the shape
// it was composed under, since the same request key can be composed
// under more than one shape (spec.md §4.8's root-ref is exactly this
// pair).
type RootRef struct {
	RequestKey key.Key
	ShapeID    string
}

// ID returns a stable string identity for r, used as a map/hash key
// anywhere RootRef itself cannot be (key.Key implementations such as
// Query embed a map and so are not Go-comparable).
func (r RootRef) ID() string { return r.ShapeID + "|" + r.RequestKey.String() }

// Backend is the persistence and pub/sub contract the normalization
// engine depends on. normalize/redisbackend is the reference
// implementation; normalize's own MemoryBackend exists for tests and
// for composing without any external dependency.
type Backend interface {
	// ReadOne returns the current record for e, or nil if absent.
	ReadOne(ctx context.Context, e key.Entity) (*Record, error)
	// ReadBatch reads many entities concurrently-from-the-caller's
	// perspective; per-entity failures are returned in the errs map
	// rather than aborting the whole batch, per spec.md §4.8 step 4.
	ReadBatch(ctx context.Context, es []key.Entity) (records map[key.Entity]Record, errs map[key.Entity]error)
	// Apply commits cs atomically and returns the set of roots that
	// depend on any entity cs touched.
	Apply(ctx context.Context, cs *ChangeSet) ([]RootRef, error)
	// SetDependencies atomically sets the full entity-key dependency
	// set for root, replacing whatever was recorded before.
	SetDependencies(ctx context.Context, root RootRef, entities []key.Entity) error
	// ReadMetaBatch returns whatever EntityMeta is recorded for each of
	// es, omitting entries with none, so composition can aggregate
	// updated_at/etag across a composed view.
	ReadMetaBatch(ctx context.Context, es []key.Entity) map[key.Entity]meta.EntityMeta
	// RootInvalidations streams roots that need recomposition. Every
	// value is a real RootRef (no sentinel is sent); Watch treats each
	// one whose ID matches its root as a recompose signal, however many
	// arrive.
	RootInvalidations() <-chan RootRef
	// EntityInvalidations streams individual entity keys as they
	// change, for consumers that track dependencies themselves instead
	// of relying on this backend's root index.
	EntityInvalidations() <-chan key.Entity
}

// dependencyIndex is a reusable in-process root<->entity dependency
// map used by MemoryBackend. redisbackend does not use it; it keeps its
// mapping in Redis sets.
type dependencyIndex struct {
	mu             sync.RWMutex
	rootToEntities map[string]map[key.Entity]struct{}
	entityToRoots  map[key.Entity]map[string]struct{}
	roots          map[string]RootRef
}

func newDependencyIndex() *dependencyIndex {
	return &dependencyIndex{
		rootToEntities: make(map[string]map[key.Entity]struct{}),
		entityToRoots:  make(map[key.Entity]map[string]struct{}),
		roots:          make(map[string]RootRef),
	}
}

// Set replaces the dependency set for root.
func (d *dependencyIndex) Set(root RootRef, entities []key.Entity) {
	id := root.ID()
	d.mu.Lock()
	defer d.mu.Unlock()

	if old, ok := d.rootToEntities[id]; ok {
		for e := range old {
			delete(d.entityToRoots[e], id)
			if len(d.entityToRoots[e]) == 0 {
				delete(d.entityToRoots, e)
			}
		}
	}

	set := make(map[key.Entity]struct{}, len(entities))
	for _, e := range entities {
		set[e] = struct{}{}
		if d.entityToRoots[e] == nil {
			d.entityToRoots[e] = make(map[string]struct{})
		}
		d.entityToRoots[e][id] = struct{}{}
	}
	d.rootToEntities[id] = set
	d.roots[id] = root
}

// RootsTouchedBy returns the distinct roots that depend on any of
// entities.
func (d *dependencyIndex) RootsTouchedBy(entities []key.Entity) []RootRef {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []RootRef
	for _, e := range entities {
		for id := range d.entityToRoots[e] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, d.roots[id])
		}
	}
	return out
}
