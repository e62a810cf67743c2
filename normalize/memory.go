package normalize

import (
	"context"
	"sync"

	"github.com/continuumlabs/syncstore/key"
	"github.com/continuumlabs/syncstore/meta"
)

// MemoryBackend is a map-backed reference Backend, grounded the same
// way sot/memsot is: a dependency-free adapter that exercises the
// contract for tests and for composing without any external store.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[key.Entity]Record
	meta    map[key.Entity]meta.EntityMeta
	deps    *dependencyIndex

	rootInval   chan RootRef
	entityInval chan key.Entity
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records:     make(map[key.Entity]Record),
		meta:        make(map[key.Entity]meta.EntityMeta),
		deps:        newDependencyIndex(),
		rootInval:   make(chan RootRef, 64),
		entityInval: make(chan key.Entity, 64),
	}
}

// ReadOne implements Backend.
func (b *MemoryBackend) ReadOne(ctx context.Context, e key.Entity) (*Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.records[e]
	if !ok {
		return nil, nil
	}
	cp := make(Record, len(r))
	for f, v := range r {
		cp[f] = v
	}
	return &cp, nil
}

// ReadBatch implements Backend.
func (b *MemoryBackend) ReadBatch(ctx context.Context, es []key.Entity) (map[key.Entity]Record, map[key.Entity]error) {
	records := make(map[key.Entity]Record, len(es))
	errs := make(map[key.Entity]error)
	for _, e := range es {
		r, err := b.ReadOne(ctx, e)
		if err != nil {
			errs[e] = err
			continue
		}
		if r != nil {
			records[e] = *r
		}
	}
	return records, errs
}

// Apply implements Backend: upserts/patches/deletes per-record, then
// rewrites every Ref/RefList across the whole store for each staged
// rekey, in the order the change-set lists them.
func (b *MemoryBackend) Apply(ctx context.Context, cs *ChangeSet) ([]RootRef, error) {
	b.mu.Lock()

	touched := cs.Touched()
	for _, e := range touched {
		existing := b.records[e]
		result, deleted := cs.ApplyRecord(e, existing)
		if deleted {
			delete(b.records, e)
			m := b.meta[e]
			m.Tombstone = true
			b.meta[e] = m
			continue
		}
		if result != nil {
			b.records[e] = result
		}
		if m, ok := cs.Meta[e]; ok {
			b.meta[e] = m
		}
	}

	for _, rk := range cs.Rekeys {
		b.rekeyLocked(rk.Old, rk.New)
	}

	roots := b.deps.RootsTouchedBy(touched)
	b.mu.Unlock()

	for _, e := range touched {
		select {
		case b.entityInval <- e:
		default:
		}
	}
	for _, r := range roots {
		select {
		case b.rootInval <- r:
		default:
		}
	}
	return roots, nil
}

func (b *MemoryBackend) rekeyLocked(old, new key.Entity) {
	if rec, ok := b.records[old]; ok {
		b.records[new] = rec
		delete(b.records, old)
	}
	if m, ok := b.meta[old]; ok {
		b.meta[new] = m
		delete(b.meta, old)
	}
	for _, rec := range b.records {
		for f, v := range rec {
			switch v.Kind() {
			case KindRef:
				if ref, _ := v.AsRef(); ref == old {
					rec[f] = Ref(new)
				}
			case KindRefList:
				refs, _ := v.AsRefList()
				changed := false
				out := make([]key.Entity, len(refs))
				for i, r := range refs {
					if r == old {
						r = new
						changed = true
					}
					out[i] = r
				}
				if changed {
					rec[f] = RefList(out)
				}
			}
		}
	}
}

// ReadMetaBatch implements Backend.
func (b *MemoryBackend) ReadMetaBatch(ctx context.Context, es []key.Entity) map[key.Entity]meta.EntityMeta {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[key.Entity]meta.EntityMeta, len(es))
	for _, e := range es {
		if m, ok := b.meta[e]; ok {
			out[e] = m
		}
	}
	return out
}

// SetDependencies implements Backend.
func (b *MemoryBackend) SetDependencies(ctx context.Context, root RootRef, entities []key.Entity) error {
	b.deps.Set(root, entities)
	return nil
}

// RootInvalidations implements Backend.
func (b *MemoryBackend) RootInvalidations() <-chan RootRef { return b.rootInval }

// EntityInvalidations implements Backend.
func (b *MemoryBackend) EntityInvalidations() <-chan key.Entity { return b.entityInval }
