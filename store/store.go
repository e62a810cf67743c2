// Package store implements the read-path coordinator described in
// spec.md §4.6: it orchestrates the memory cache, the persistence
// reader, the freshness validator, and the fetcher, emitting a
// reactive sequence of Result values per subscription.
package store

import (
	"context"
	"log/slog"

	"github.com/continuumlabs/syncstore/clock"
	"github.com/continuumlabs/syncstore/convert"
	"github.com/continuumlabs/syncstore/fetchc"
	"github.com/continuumlabs/syncstore/flight"
	"github.com/continuumlabs/syncstore/freshness"
	"github.com/continuumlabs/syncstore/key"
	"github.com/continuumlabs/syncstore/keylock"
	"github.com/continuumlabs/syncstore/memcache"
	"github.com/continuumlabs/syncstore/sot"
	"github.com/continuumlabs/syncstore/syncerr"
)

// MetricsSink receives counters the store emits; the telemetry package
// provides a Prometheus-backed implementation, but the interface lives
// here so store has no hard dependency on any particular metrics
// backend.
type MetricsSink interface {
	IncCacheHit(origin string)
	IncCacheMiss()
	IncFetch(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) IncCacheHit(string) {}
func (noopMetrics) IncCacheMiss()      {}
func (noopMetrics) IncFetch(string)    {}

// Store coordinates reads for one Key/value family across the memory
// tier, the persistence tier, and the network.
type Store[ReadDB, WriteDB, NetOut, V any] struct {
	mem     *memcache.Cache[V]
	book    *freshness.Bookkeeper
	locks   *keylock.Table
	flight  *flight.Registry[struct{}]
	sotDB   sot.SoT[ReadDB, WriteDB]
	fetcher fetchc.Fetcher
	conv    convert.Converter[NetOut, ReadDB, WriteDB, V]
	log     *slog.Logger
	metrics MetricsSink
	clock   clock.Clock
}

// Config bundles the collaborators a Store needs. Every field is
// required except Logger, Metrics, and Clock, which default the same
// way the teacher's constructors default a nil *slog.Logger to
// slog.Default(), and MemoryCacheSize, which defaults to 1000.
type Config[ReadDB, WriteDB, NetOut, V any] struct {
	MemoryCacheSize int
	MaxLocks        int
	SoT             sot.SoT[ReadDB, WriteDB]
	Fetcher         fetchc.Fetcher
	Converter       convert.Converter[NetOut, ReadDB, WriteDB, V]
	Logger          *slog.Logger
	Metrics         MetricsSink
	Clock           clock.Clock
}

// New constructs a Store from cfg.
func New[ReadDB, WriteDB, NetOut, V any](cfg Config[ReadDB, WriteDB, NetOut, V]) *Store[ReadDB, WriteDB, NetOut, V] {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.MemoryCacheSize <= 0 {
		cfg.MemoryCacheSize = 1000
	}
	return &Store[ReadDB, WriteDB, NetOut, V]{
		mem:     memcache.New[V](cfg.MemoryCacheSize, cfg.Clock),
		book:    freshness.NewBookkeeper(0, cfg.Clock),
		locks:   keylock.New(cfg.MaxLocks),
		flight:  flight.New[struct{}](),
		sotDB:   cfg.SoT,
		fetcher: cfg.Fetcher,
		conv:    cfg.Converter,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
	}
}

func isMustBeFresh(p freshness.Policy) bool {
	_, ok := p.(freshness.MustBeFresh)
	return ok
}

// Stream returns an infinite, restartable sequence of Result values for
// k under policy. The sequence ends when ctx is cancelled; all
// background work (the persistence reader subscription and any
// in-flight fetch this subscriber is the sole waiter for) is torn down
// with it.
func (s *Store[ReadDB, WriteDB, NetOut, V]) Stream(ctx context.Context, k key.Key, policy freshness.Policy) <-chan Result[V] {
	out := make(chan Result[V], 8)
	go s.run(ctx, k, policy, out)
	return out
}

// Get suspends until a value is available for k under policy, or a
// non-recoverable error occurs. It is a thin convenience wrapper over
// Stream that returns the first Data or terminal Error.
func (s *Store[ReadDB, WriteDB, NetOut, V]) Get(ctx context.Context, k key.Key, policy freshness.Policy) (V, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var zero V
	for r := range s.Stream(ctx, k, policy) {
		switch r.Kind {
		case KindData:
			return r.Value, nil
		case KindError:
			if r.CachedValue != nil {
				return *r.CachedValue, nil
			}
			return zero, r.Cause
		}
	}
	return zero, ctx.Err()
}

func (s *Store[ReadDB, WriteDB, NetOut, V]) run(ctx context.Context, k key.Key, policy freshness.Policy, out chan<- Result[V]) {
	defer close(out)

	send := func(r Result[V]) bool {
		select {
		case out <- r:
			return true
		case <-ctx.Done():
			return false
		}
	}

	mustBeFresh := isMustBeFresh(policy)
	var lastDomain *V

	if !mustBeFresh {
		if v, ok := s.mem.Get(k); ok {
			s.metrics.IncCacheHit("memory")
			vv := v
			lastDomain = &vv
			if !send(dataResult(v, Memory, false)) {
				return
			}
		} else {
			s.metrics.IncCacheMiss()
			if !send(loadingResult[V](false)) {
				return
			}
		}
	} else {
		if !send(loadingResult[V](false)) {
			return
		}
	}

	readerCh := s.sotDB.Reader(ctx, k)

	var firstRow *ReadDB
	select {
	case row, ok := <-readerCh:
		if !ok {
			return
		}
		firstRow = row
	case <-ctx.Done():
		return
	}

	cachedPresent := firstRow != nil
	if firstRow != nil {
		v, left := s.convertAndPublish(k, *firstRow, lastDomain, send, mustBeFresh)
		lastDomain = v
		if left {
			return
		}
	}

	status := s.book.Status(k)
	plan := freshness.Evaluate(freshness.Context{
		Policy:             policy,
		LastStatus:         status,
		CachedValuePresent: cachedPresent,
		Now:                s.book.Now(),
	})

	var fetchDone chan error
	if plan.Kind != freshness.Skip {
		fetchDone = make(chan error, 1)
		go s.runFetch(ctx, k, plan, fetchDone)
	}

	if mustBeFresh && fetchDone != nil {
		select {
		case ferr := <-fetchDone:
			if ferr != nil {
				if !send(errorResult[V](ferr, lastDomain)) {
					return
				}
			}
		case <-ctx.Done():
			return
		}
	} else if fetchDone != nil {
		go s.watchBackgroundFetch(ctx, fetchDone, plan, lastDomain, send)
	}

	for {
		select {
		case row, ok := <-readerCh:
			if !ok {
				return
			}
			if row == nil {
				s.mem.Invalidate(k)
				if !send(errorResult[V](&syncerr.NotFoundError{Key: k}, lastDomain)) {
					return
				}
				continue
			}
			v, left := s.convertAndPublish(k, *row, lastDomain, send, false)
			lastDomain = v
			if left {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// convertAndPublish converts row to a domain value, updates memory, and
// (unless suppressed for MustBeFresh's gated first emission) sends a
// Data result. It returns the updated lastDomain pointer and whether
// the subscriber has left (the caller must stop running in that case).
func (s *Store[ReadDB, WriteDB, NetOut, V]) convertAndPublish(
	k key.Key,
	row ReadDB,
	lastDomain *V,
	send func(Result[V]) bool,
	suppressEmit bool,
) (newLastDomain *V, subscriberLeft bool) {
	v, err := s.conv.ReadToDomain(k, row)
	if err != nil {
		if !send(errorResult[V](&syncerr.PersistenceError{Cause: err}, lastDomain)) {
			return lastDomain, true
		}
		return lastDomain, false
	}
	s.mem.Put(k, v)
	if suppressEmit {
		return &v, false
	}
	if !send(dataResult(v, Persisted, false)) {
		return &v, true
	}
	return &v, false
}

func (s *Store[ReadDB, WriteDB, NetOut, V]) watchBackgroundFetch(
	ctx context.Context,
	fetchDone <-chan error,
	plan freshness.Plan,
	lastDomain *V,
	send func(Result[V]) bool,
) {
	select {
	case ferr := <-fetchDone:
		if ferr == nil {
			return
		}
		if plan.StaleOnError && lastDomain != nil {
			send(dataResult(*lastDomain, Persisted, true))
		}
		send(errorResult[V](ferr, lastDomain))
	case <-ctx.Done():
	}
}

// runFetch executes (or attaches to an in-flight) fetch for k under
// plan, writing a successful result to persistence under the per-key
// lock and recording the outcome in the bookkeeper.
func (s *Store[ReadDB, WriteDB, NetOut, V]) runFetch(ctx context.Context, k key.Key, plan freshness.Plan, done chan<- error) {
	_, err := s.flight.Launch(ctx, k, func(fctx context.Context) (struct{}, error) {
		req := fetchc.FetchRequest{IfNoneMatch: plan.IfNoneMatch, IfModifiedSince: plan.IfModifiedSince}
		var outcomeErr error
		for outcome := range s.fetcher.Fetch(fctx, k, req) {
			switch o := outcome.(type) {
			case fetchc.Success:
				netOut, derr := s.conv.DecodeNet(o.Body)
				if derr != nil {
					outcomeErr = &syncerr.NetworkError{Cause: derr}
					s.book.RecordFailure(k, outcomeErr)
					s.metrics.IncFetch("decode_error")
					continue
				}
				writeRow, cerr := s.conv.NetToWrite(k, netOut)
				if cerr != nil {
					outcomeErr = &syncerr.NetworkError{Cause: cerr}
					s.book.RecordFailure(k, outcomeErr)
					s.metrics.IncFetch("convert_error")
					continue
				}
				m := s.conv.NetMeta(netOut)

				lk := s.locks.Lock(k)
				werr := s.sotDB.WithTransaction(fctx, func(txCtx context.Context) error {
					return s.sotDB.Write(txCtx, k, writeRow)
				})
				lk.Unlock()

				if werr != nil {
					outcomeErr = &syncerr.PersistenceError{Cause: werr}
					s.metrics.IncFetch("persistence_error")
					continue
				}
				s.book.RecordSuccess(k, m.ETag)
				s.metrics.IncFetch("success")
				outcomeErr = nil

			case fetchc.NotModified:
				s.book.RecordNotModified(k, o.ETag)
				s.metrics.IncFetch("not_modified")
				outcomeErr = nil

			case fetchc.Error:
				outcomeErr = &syncerr.NetworkError{Cause: o.Cause}
				s.book.RecordFailure(k, outcomeErr)
				s.metrics.IncFetch("error")
			}
		}
		return struct{}{}, outcomeErr
	})
	done <- err
}

// Invalidate drops k from memory and from the freshness ledger.
func (s *Store[ReadDB, WriteDB, NetOut, V]) Invalidate(k key.Key) {
	s.mem.Invalidate(k)
	s.book.Invalidate(k)
}

// InvalidateNamespace drops every key in ns from memory and the ledger.
func (s *Store[ReadDB, WriteDB, NetOut, V]) InvalidateNamespace(ns string) {
	s.mem.InvalidateNamespace(ns)
	s.book.InvalidateNamespace(ns)
}

// InvalidateAll clears memory and the freshness ledger entirely.
func (s *Store[ReadDB, WriteDB, NetOut, V]) InvalidateAll() {
	s.mem.InvalidateAll()
	s.book.InvalidateAll()
}
