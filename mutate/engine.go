package mutate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"dario.cat/mergo"
	"github.com/google/uuid"

	"github.com/continuumlabs/syncstore/clock"
	"github.com/continuumlabs/syncstore/key"
	"github.com/continuumlabs/syncstore/keylock"
	"github.com/continuumlabs/syncstore/sot"
	"github.com/continuumlabs/syncstore/syncerr"
)

// Invalidator is the subset of Store's interface the mutation engine
// needs: a way to drop a key from the memory tier once persistence has
// moved. Store[ReadDB, WriteDB, NetOut, V] satisfies this for any type
// parameters, so an Engine can sit alongside a Store without either
// package importing the other's full generic signature.
type Invalidator interface {
	Invalidate(k key.Key)
}

type noopInvalidator struct{}

func (noopInvalidator) Invalidate(key.Key) {}

// MetricsSink receives per-operation outcome counters. The telemetry
// package provides a Prometheus-backed implementation.
type MetricsSink interface {
	IncMutation(op, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) IncMutation(string, string) {}

// Engine implements the optimistic write path for one WriteDB/domain
// family. Unlike Store, Engine folds ReadDB and WriteDB into a single
// type parameter: a read-modify-write cycle needs to read back exactly
// what it can write, so the degenerate case spec.md §3 allows (ReadDB
// and WriteDB being the same type) is the only one that makes sense for
// a mutation engine, whereas Store's reader and writer can legitimately
// diverge.
type Engine[W, V any] struct {
	locks      *keylock.Table
	sotDB      sot.SoT[W, W]
	dispatcher Dispatcher[W]
	queue      Queue
	invalidate Invalidator
	metrics    MetricsSink
	log        *slog.Logger
	clock      clock.Clock
}

// Config bundles the collaborators an Engine needs. Queue and
// Invalidator are optional: with no Queue, RequireOnline is implied for
// every operation; with no Invalidator, the engine writes through to
// persistence but never proactively drops a Store's memory tier (the
// Store will still converge once its own TTL or next explicit fetch
// runs, just not immediately).
type Config[W, V any] struct {
	MaxLocks   int
	SoT        sot.SoT[W, W]
	Dispatcher Dispatcher[W]
	Queue      Queue
	Invalidate Invalidator
	Metrics    MetricsSink
	Logger     *slog.Logger
	Clock      clock.Clock
}

// New constructs an Engine from cfg.
func New[W, V any](cfg Config[W, V]) *Engine[W, V] {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Invalidate == nil {
		cfg.Invalidate = noopInvalidator{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	return &Engine[W, V]{
		locks:      keylock.New(cfg.MaxLocks),
		sotDB:      cfg.SoT,
		dispatcher: cfg.Dispatcher,
		queue:      cfg.Queue,
		invalidate: cfg.Invalidate,
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
		clock:      cfg.Clock,
	}
}

// currentWrite reads the present value for k directly from the
// persistence reader's first emission, synchronously.
func (e *Engine[W, V]) currentWrite(ctx context.Context, k key.Key) (W, error) {
	var zero W
	ch := e.sotDB.Reader(ctx, k)
	select {
	case row, ok := <-ch:
		if !ok || row == nil {
			return zero, &syncerr.NotFoundError{Key: k}
		}
		return *row, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// applyPatch merges patch onto a copy of current using mergo's map
// merge, so any WriteDB struct with exported fields can receive a
// Patch without this package needing domain-specific merge code.
func applyPatch[W any](current W, patch Patch) (W, error) {
	merged := current
	if err := mergo.Map(&merged, map[string]any(patch), mergo.WithOverride); err != nil {
		var zero W
		return zero, err
	}
	return merged, nil
}

func (e *Engine[W, V]) writeLocal(ctx context.Context, k key.Key, v W) error {
	return e.sotDB.WithTransaction(ctx, func(txCtx context.Context) error {
		return e.sotDB.Write(txCtx, k, v)
	})
}

// enqueueOrFail is the shared tail of every operation's remote-failure
// path: enqueue for later replay unless the policy forbids it or no
// queue is configured, in which case the original error is surfaced.
func (e *Engine[W, V]) enqueueOrFail(ctx context.Context, k key.Key, kind Kind, payload any, base BasePolicy, cause error) Result {
	res := e.enqueueOrFailResult(ctx, k, kind, payload, base, cause)
	e.metrics.IncMutation(kind.String(), res.Outcome.String())
	return res
}

func (e *Engine[W, V]) enqueueOrFailResult(ctx context.Context, k key.Key, kind Kind, payload any, base BasePolicy, cause error) Result {
	if syncerr.IsCancellation(cause) {
		return Result{Outcome: Failed, Cause: cause}
	}
	if base.RequireOnline || e.queue == nil {
		return Result{Outcome: Failed, Cause: &syncerr.OfflineRequiredError{Key: k, Cause: cause}}
	}
	encoded, merr := json.Marshal(payload)
	if merr != nil {
		return Result{Outcome: Failed, Cause: cause}
	}
	rec := Record{Key: k, Kind: kind, Payload: encoded, Precond: base.Precondition, EnqueuedAt: e.clock.Now()}
	if qerr := e.queue.Enqueue(ctx, rec); qerr != nil {
		return Result{Outcome: Failed, Cause: cause}
	}
	e.log.Warn("mutation enqueued for offline replay", "key", k.String(), "cause", cause)
	return Result{Outcome: Enqueued, Cause: cause}
}

// Update applies patch to the existing record at k.
func (e *Engine[W, V]) Update(ctx context.Context, k key.Key, patch Patch, policy UpdatePolicy) Result {
	current, err := e.currentWrite(ctx, k)
	if err != nil {
		return Result{Outcome: Failed, Cause: err}
	}
	merged, err := applyPatch(current, patch)
	if err != nil {
		return Result{Outcome: Failed, Cause: err}
	}

	var previous *W
	if policy.Optimistic {
		lk := e.locks.Lock(k)
		werr := e.writeLocal(ctx, k, merged)
		lk.Unlock()
		if werr != nil {
			return Result{Outcome: Failed, Cause: &syncerr.PersistenceError{Cause: werr}}
		}
		prev := current
		previous = &prev
		e.invalidate.Invalidate(k)
	}

	echo, derr := e.dispatcher.Update(ctx, k, patch, policy.Precondition)
	if derr != nil {
		if previous != nil {
			lk := e.locks.Lock(k)
			e.writeLocal(ctx, k, *previous)
			lk.Unlock()
			e.invalidate.Invalidate(k)
		}
		return e.enqueueOrFail(ctx, k, KindUpdate, patch, policy.BasePolicy, derr)
	}

	lk := e.locks.Lock(k)
	werr := e.writeLocal(ctx, k, echo)
	lk.Unlock()
	if werr != nil {
		return Result{Outcome: Failed, Cause: &syncerr.PersistenceError{Cause: werr}}
	}
	e.invalidate.Invalidate(k)
	e.metrics.IncMutation(KindUpdate.String(), Synced.String())
	return Result{Outcome: Synced}
}

// Delete removes the record at k.
func (e *Engine[W, V]) Delete(ctx context.Context, k key.Key, policy DeletePolicy) Result {
	var previous *W
	if policy.Optimistic {
		if cur, err := e.currentWrite(ctx, k); err == nil {
			previous = &cur
		}
		lk := e.locks.Lock(k)
		werr := e.sotDB.Delete(ctx, k)
		lk.Unlock()
		if werr != nil {
			return Result{Outcome: Failed, Cause: &syncerr.PersistenceError{Cause: werr}}
		}
		e.invalidate.Invalidate(k)
	}

	if derr := e.dispatcher.Delete(ctx, k, policy.Precondition); derr != nil {
		if previous != nil {
			lk := e.locks.Lock(k)
			e.writeLocal(ctx, k, *previous)
			lk.Unlock()
			e.invalidate.Invalidate(k)
		}
		return e.enqueueOrFail(ctx, k, KindDelete, struct{}{}, policy.BasePolicy, derr)
	}

	if !policy.Optimistic {
		lk := e.locks.Lock(k)
		werr := e.sotDB.Delete(ctx, k)
		lk.Unlock()
		if werr != nil {
			return Result{Outcome: Failed, Cause: &syncerr.PersistenceError{Cause: werr}}
		}
		e.invalidate.Invalidate(k)
	}
	e.metrics.IncMutation(KindDelete.String(), Synced.String())
	return Result{Outcome: Synced}
}

// Upsert writes value at k unconditionally, whether or not a record
// already exists.
func (e *Engine[W, V]) Upsert(ctx context.Context, k key.Key, value W, policy UpsertPolicy) Result {
	return e.writeWhole(ctx, k, value, policy.BasePolicy, KindUpsert, e.dispatcher.Upsert)
}

// Replace writes value at k, which the remote must reject if k is not
// already present.
func (e *Engine[W, V]) Replace(ctx context.Context, k key.Key, value W, policy ReplacePolicy) Result {
	return e.writeWhole(ctx, k, value, policy.BasePolicy, KindReplace, e.dispatcher.Replace)
}

func (e *Engine[W, V]) writeWhole(
	ctx context.Context,
	k key.Key,
	value W,
	base BasePolicy,
	kind Kind,
	dispatch func(context.Context, key.Key, W, *Precondition) (W, error),
) Result {
	var previous *W
	if base.Optimistic {
		if cur, err := e.currentWrite(ctx, k); err == nil {
			previous = &cur
		}
		lk := e.locks.Lock(k)
		werr := e.writeLocal(ctx, k, value)
		lk.Unlock()
		if werr != nil {
			return Result{Outcome: Failed, Cause: &syncerr.PersistenceError{Cause: werr}}
		}
		e.invalidate.Invalidate(k)
	}

	echo, derr := dispatch(ctx, k, value, base.Precondition)
	if derr != nil {
		if previous != nil {
			lk := e.locks.Lock(k)
			e.writeLocal(ctx, k, *previous)
			lk.Unlock()
			e.invalidate.Invalidate(k)
		}
		return e.enqueueOrFail(ctx, k, kind, value, base, derr)
	}

	lk := e.locks.Lock(k)
	werr := e.writeLocal(ctx, k, echo)
	lk.Unlock()
	if werr != nil {
		return Result{Outcome: Failed, Cause: &syncerr.PersistenceError{Cause: werr}}
	}
	e.invalidate.Invalidate(k)
	e.metrics.IncMutation(kind.String(), Synced.String())
	return Result{Outcome: Synced}
}

// Create dispatches draft as a new record under a provisional key in
// namespace ns, then rekeys it to the server-assigned canonical key on
// success. The provisional key is returned alongside the result so a
// caller can subscribe to it immediately and observe the rekey once it
// lands, per spec.md's create flow.
func (e *Engine[W, V]) Create(ctx context.Context, ns, typ string, draft W, policy CreatePolicy) (key.Key, Result) {
	provisional := key.Identity{NS: ns, Type: typ, ID: "tmp-" + uuid.NewString()}

	if policy.Optimistic {
		lk := e.locks.Lock(provisional)
		werr := e.writeLocal(ctx, provisional, draft)
		lk.Unlock()
		if werr != nil {
			return provisional, Result{Outcome: Failed, Cause: &syncerr.PersistenceError{Cause: werr}}
		}
	}

	canonical, echo, derr := e.dispatcher.Create(ctx, draft)
	if derr != nil {
		if policy.Optimistic {
			lk := e.locks.Lock(provisional)
			e.sotDB.Delete(ctx, provisional)
			lk.Unlock()
			e.invalidate.Invalidate(provisional)
		}
		return provisional, e.enqueueOrFail(ctx, provisional, KindCreate, draft, policy.BasePolicy, derr)
	}

	rerr := e.sotDB.Rekey(ctx, provisional, canonical, func(W) (W, error) {
		return echo, nil
	})
	if rerr != nil {
		return canonical, Result{Outcome: Failed, Cause: &syncerr.PersistenceError{Cause: rerr}}
	}
	e.invalidate.Invalidate(provisional)
	e.invalidate.Invalidate(canonical)
	e.metrics.IncMutation(KindCreate.String(), Synced.String())
	return canonical, Result{Outcome: Synced}
}

// Replay drains the offline queue, if one is configured, and
// re-dispatches every record to the remote in enqueue order. Every
// operation rolls back its optimistic local write before enqueueing on a
// failed dispatch, so while a record waits in the queue the local
// projection holds the pre-mutation value (for a create, no row under
// the provisional key). Replay does not redo the optimistic write; it
// writes the remote's echo (for a create, rekeys to the canonical key)
// once re-dispatch succeeds.
// A record whose re-dispatch still fails is re-enqueued rather than
// dropped, preserving its position for the next Replay call.
func (e *Engine[W, V]) Replay(ctx context.Context) (replayed int, err error) {
	if e.queue == nil {
		return 0, nil
	}
	records, err := e.queue.DrainAll(ctx)
	if err != nil {
		return 0, err
	}

	for _, rec := range records {
		if rerr := e.replayOne(ctx, rec); rerr != nil {
			e.log.Warn("replay failed, re-enqueuing", "key", rec.Key.String(), "kind", rec.Kind.String(), "error", rerr)
			if qerr := e.queue.Enqueue(ctx, rec); qerr != nil {
				return replayed, qerr
			}
			continue
		}
		replayed++
	}
	return replayed, nil
}

func (e *Engine[W, V]) replayOne(ctx context.Context, rec Record) error {
	switch rec.Kind {
	case KindUpdate:
		var patch Patch
		if err := json.Unmarshal(rec.Payload, &patch); err != nil {
			return err
		}
		echo, err := e.dispatcher.Update(ctx, rec.Key, patch, rec.Precond)
		if err != nil {
			return err
		}
		return e.reconcile(ctx, rec.Key, echo)

	case KindDelete:
		if err := e.dispatcher.Delete(ctx, rec.Key, rec.Precond); err != nil {
			return err
		}
		lk := e.locks.Lock(rec.Key)
		defer lk.Unlock()
		e.invalidate.Invalidate(rec.Key)
		return e.sotDB.Delete(ctx, rec.Key)

	case KindUpsert:
		var value W
		if err := json.Unmarshal(rec.Payload, &value); err != nil {
			return err
		}
		echo, err := e.dispatcher.Upsert(ctx, rec.Key, value, rec.Precond)
		if err != nil {
			return err
		}
		return e.reconcile(ctx, rec.Key, echo)

	case KindReplace:
		var value W
		if err := json.Unmarshal(rec.Payload, &value); err != nil {
			return err
		}
		echo, err := e.dispatcher.Replace(ctx, rec.Key, value, rec.Precond)
		if err != nil {
			return err
		}
		return e.reconcile(ctx, rec.Key, echo)

	case KindCreate:
		var draft W
		if err := json.Unmarshal(rec.Payload, &draft); err != nil {
			return err
		}
		ident, ok := rec.Key.(key.Identity)
		if !ok {
			return fmt.Errorf("mutate: queued create for %s has a non-identity key, cannot replay", rec.Key)
		}
		canonical, echo, err := e.dispatcher.Create(ctx, draft)
		if err != nil {
			return err
		}
		if rerr := e.sotDB.Rekey(ctx, ident, canonical, func(W) (W, error) { return echo, nil }); rerr != nil {
			return rerr
		}
		e.invalidate.Invalidate(ident)
		e.invalidate.Invalidate(canonical)
		return nil

	default:
		return fmt.Errorf("mutate: queued record for %s has unknown kind %d", rec.Key, rec.Kind)
	}
}

func (e *Engine[W, V]) reconcile(ctx context.Context, k key.Key, echo W) error {
	lk := e.locks.Lock(k)
	err := e.writeLocal(ctx, k, echo)
	lk.Unlock()
	if err != nil {
		return err
	}
	e.invalidate.Invalidate(k)
	return nil
}
