package normalize

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/cespare/xxhash/v2"

	"github.com/continuumlabs/syncstore/key"
	"github.com/continuumlabs/syncstore/meta"
	"github.com/continuumlabs/syncstore/syncerr"
)

// composeBatchSize is the fan-out width for one BFS level's backend
// reads, fixed by spec.md §4.8 step 3b.
const composeBatchSize = 256

// maxConcurrentBatches bounds how many batches within one BFS level are
// read from the backend at once, via errgroup.Group.SetLimit.
const maxConcurrentBatches = 4

// Shape describes how to walk a composed view's entity graph: its
// depth bound and how to extract outbound references from one record.
type Shape struct {
	ID           string
	MaxDepth     int
	OutboundRefs func(Record) []key.Entity
	// Metrics is optional; a nil value records nothing.
	Metrics MetricsSink
}

func (s Shape) metrics() MetricsSink {
	if s.Metrics == nil {
		return noopMetrics{}
	}
	return s.Metrics
}

// Composed is the result of one successful (possibly partial)
// composition.
type Composed struct {
	Value        any
	Dependencies map[key.Entity]struct{}
	Meta         meta.EntityMeta
	Failed       map[key.Entity]error
}

// Compose implements the BFS graph composition algorithm of spec.md
// §4.8: read the root, walk outbound references up to shape.MaxDepth in
// batches of 256, collect per-entity read failures without aborting,
// then denormalize through the registry.
func Compose(ctx context.Context, root key.Entity, shape Shape, reg *Registry, backend Backend) (*Composed, error) {
	rootRecPtr, err := backend.ReadOne(ctx, root)
	if err != nil || rootRecPtr == nil {
		shape.metrics().IncCompose(shape.ID, "root_missing", 0)
		return nil, &syncerr.GraphCompositionError{
			Root:    root,
			Missing: []key.Entity{root},
			Causes:  map[key.Entity]error{root: err},
		}
	}

	visited := map[key.Entity]Record{root: *rootRecPtr}
	failed := map[key.Entity]error{}

	toVisit := dedupeAgainst(shape.OutboundRefs(*rootRecPtr), visited)
	depth := 1

	for len(toVisit) > 0 && depth <= shape.MaxDepth {
		batches := chunk(toVisit, composeBatchSize)
		batchResults := make([]map[key.Entity]Record, len(batches))
		batchErrs := make([]map[key.Entity]error, len(batches))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxConcurrentBatches)
		for i, batch := range batches {
			i, batch := i, batch
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				recs, errs := backend.ReadBatch(gctx, batch)
				batchResults[i] = recs
				batchErrs[i] = errs
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			if syncerr.IsCancellation(err) {
				return nil, err
			}
		}

		var next []key.Entity
		for i := range batches {
			for e, rec := range batchResults[i] {
				visited[e] = rec
				next = append(next, shape.OutboundRefs(rec)...)
			}
			for e, err := range batchErrs[i] {
				failed[e] = err
			}
		}
		toVisit = dedupeAgainst(next, visited)
		depth++
	}

	value, err := denormalizeRoot(ctx, root, visited, reg, backend)
	if err != nil {
		shape.metrics().IncCompose(shape.ID, "denormalize_failed", len(visited))
		return nil, &syncerr.GraphCompositionError{Root: root, Missing: keysOf(failed), Causes: failed}
	}

	deps := make(map[key.Entity]struct{}, len(visited))
	entityList := make([]key.Entity, 0, len(visited))
	for e := range visited {
		deps[e] = struct{}{}
		entityList = append(entityList, e)
	}

	outcome := "ok"
	if len(failed) > 0 {
		outcome = "partial"
	}
	shape.metrics().IncCompose(shape.ID, outcome, len(visited))

	return &Composed{
		Value:        value,
		Dependencies: deps,
		Meta:         aggregateMeta(backend.ReadMetaBatch(ctx, entityList)),
		Failed:       failed,
	}, nil
}

func denormalizeRoot(ctx context.Context, root key.Entity, visited map[key.Entity]Record, reg *Registry, backend Backend) (any, error) {
	adapter, err := reg.For(root.Type)
	if err != nil {
		return nil, err
	}
	dctx := &DenormalizeContext{
		resolver: func(e key.Entity) (Record, bool) {
			if r, ok := visited[e]; ok {
				return r, true
			}
			rec, err := backend.ReadOne(ctx, e)
			if err != nil || rec == nil {
				return nil, false
			}
			return *rec, true
		},
	}
	return adapter.Denormalize(visited[root], dctx)
}

// aggregateMeta computes updated_at = min(updated_at) across every
// included entity and an order-insensitive fingerprint hash of every
// non-empty ETag, per spec.md §4.8 step 6.
func aggregateMeta(entityMeta map[key.Entity]meta.EntityMeta) meta.EntityMeta {
	var (
		min    *meta.EntityMeta
		etags  []string
		anyTomb bool
	)
	for _, m := range entityMeta {
		m := m
		if min == nil || m.UpdatedAt.Before(min.UpdatedAt) {
			min = &m
		}
		if m.ETag != nil {
			etags = append(etags, *m.ETag)
		}
		if m.Tombstone {
			anyTomb = true
		}
	}
	out := meta.EntityMeta{Tombstone: anyTomb}
	if min != nil {
		out.UpdatedAt = min.UpdatedAt
	}
	out.ETag = etagFingerprint(etags)
	return out
}

func dedupeAgainst(candidates []key.Entity, visited map[key.Entity]Record) []key.Entity {
	seen := make(map[key.Entity]struct{}, len(candidates))
	var out []key.Entity
	for _, e := range candidates {
		if _, already := visited[e]; already {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

func chunk(es []key.Entity, size int) [][]key.Entity {
	var out [][]key.Entity
	for i := 0; i < len(es); i += size {
		end := i + size
		if end > len(es) {
			end = len(es)
		}
		out = append(out, es[i:end])
	}
	return out
}

func keysOf(m map[key.Entity]error) []key.Entity {
	out := make([]key.Entity, 0, len(m))
	for e := range m {
		out = append(out, e)
	}
	return out
}

// etagFingerprint hashes the sorted, non-empty ETags into a single
// stable value, per spec.md §4.8 step 6 ("hash(sorted(non_null_etags))
// or None if none").
func etagFingerprint(etags []string) *string {
	var nonNull []string
	for _, e := range etags {
		if e != "" {
			nonNull = append(nonNull, e)
		}
	}
	if len(nonNull) == 0 {
		return nil
	}
	sort.Strings(nonNull)
	d := xxhash.New()
	for _, e := range nonNull {
		_, _ = d.Write([]byte(e))
		_, _ = d.Write([]byte{0})
	}
	s := fingerprintToString(d.Sum64())
	return &s
}

func fingerprintToString(h uint64) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[h&0xf]
		h >>= 4
	}
	return string(buf)
}
