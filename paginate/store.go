package paginate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/continuumlabs/syncstore/clock"
	"github.com/continuumlabs/syncstore/flight"
	"github.com/continuumlabs/syncstore/freshness"
	"github.com/continuumlabs/syncstore/key"
	"github.com/continuumlabs/syncstore/meta"
)

const defaultSubscriberBuffer = 1

// MetricsSink receives counters the pagination engine emits; the
// telemetry package provides a Prometheus-backed implementation, but
// the interface lives here so paginate has no hard dependency on any
// particular metrics backend.
type MetricsSink interface {
	IncLoad(direction, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) IncLoad(string, string) {}

// StoreConfig bundles the collaborators a Store needs. Loader is
// required; every other field defaults the way the teacher's
// constructors default a nil *slog.Logger to slog.Default().
type StoreConfig[Item any] struct {
	Loader    Loader[Item]
	RateEvery time.Duration
	RateBurst int
	Logger    *slog.Logger
	Clock     clock.Clock
	Metrics   MetricsSink
}

// Store is the bidirectional pagination engine for one Item family: it
// tracks one keyState per key.Key, fans its Snapshot updates out to
// every Stream subscriber for that key, and coalesces concurrent loads
// in the same direction via flight.Registry.
type Store[Item any] struct {
	mu       sync.Mutex
	states   map[uint64]*keyState[Item]
	flights  *flight.Registry[Page[Item]]
	rateGate *freshness.RateGate
	clock    clock.Clock
	loader   Loader[Item]
	log      *slog.Logger
	metrics  MetricsSink
}

// New constructs a Store from cfg.
func New[Item any](cfg StoreConfig[Item]) *Store[Item] {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.RateEvery <= 0 {
		cfg.RateEvery = 250 * time.Millisecond
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	return &Store[Item]{
		states:   make(map[uint64]*keyState[Item]),
		flights:  flight.New[Page[Item]](),
		rateGate: freshness.NewRateGate(cfg.RateEvery, cfg.RateBurst),
		clock:    cfg.Clock,
		loader:   cfg.Loader,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// keyState is the shared pagination state for one key.Key: the ordered
// page list, each direction's independent load state, and the set of
// live Stream subscribers that must be told about every change.
type keyState[Item any] struct {
	mu               sync.Mutex
	key              key.Key
	config           Config
	pages            []Page[Item]
	loadStates       map[Direction]LoadState
	lastLoadAt       map[Direction]*time.Time
	initialTriggered bool
	subs             map[int]chan Snapshot[Item]
	nextSubID        int
}

func newKeyState[Item any](k key.Key, cfg Config) *keyState[Item] {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return &keyState[Item]{
		key:        k,
		config:     cfg,
		loadStates: map[Direction]LoadState{Initial: {}, Append: {}, Prepend: {}},
		lastLoadAt: make(map[Direction]*time.Time),
		subs:       make(map[int]chan Snapshot[Item]),
	}
}

// snapshotLocked builds the current Snapshot. Callers must hold ks.mu.
func (ks *keyState[Item]) snapshotLocked() Snapshot[Item] {
	next := nextToken(ks.pages)
	prev := prevToken(ks.pages)
	return Snapshot[Item]{
		Items:       flattenItems(ks.pages),
		Next:        next,
		Prev:        prev,
		LoadStates:  cloneLoadStates(ks.loadStates),
		FullyLoaded: len(ks.pages) > 0 && next == nil && prev == nil,
	}
}

// broadcastLocked pushes the current snapshot to every subscriber,
// replacing a stale undelivered snapshot rather than blocking: a slow
// subscriber should see the latest state, not queue up every
// intermediate one, the same "latest wins" choice normalize.Recomposer
// makes for recomposition signals.
func (ks *keyState[Item]) broadcastLocked() {
	snap := ks.snapshotLocked()
	for _, ch := range ks.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (s *Store[Item]) stateFor(k key.Key, cfg Config) *keyState[Item] {
	h := k.StableHash()
	s.mu.Lock()
	defer s.mu.Unlock()
	if ks, ok := s.states[h]; ok {
		return ks
	}
	ks := newKeyState[Item](k, cfg)
	s.states[h] = ks
	return ks
}

// Stream returns a live Snapshot sequence for k. The first caller to
// stream a given key supplies its Config; later callers' Config values
// are ignored, matching spec.md §4.9's "first caller's config wins"
// rule for shared pagination state. The first subscriber overall for a
// key triggers the one-time INITIAL load, tracked by
// keyState.initialTriggered so a second concurrent subscriber does not
// re-trigger it. A later subscriber under CachedOrFetch instead
// re-arms a background INITIAL refresh once config.PageTTL has elapsed
// since the last INITIAL load, via initialStaleLocked. The returned
// channel is torn down when ctx is cancelled; both the initial load
// and any TTL refresh run under their own background context since
// they are shared state, not owned by any one subscriber.
func (s *Store[Item]) Stream(ctx context.Context, k key.Key, initialToken *string, cfg Config, policy freshness.Policy) <-chan Snapshot[Item] {
	ks := s.stateFor(k, cfg)

	ks.mu.Lock()
	id := ks.nextSubID
	ks.nextSubID++
	ch := make(chan Snapshot[Item], defaultSubscriberBuffer)
	ch <- ks.snapshotLocked()
	ks.subs[id] = ch
	triggerInitial := !ks.initialTriggered
	ks.initialTriggered = true
	refreshStale := !triggerInitial && s.initialStaleLocked(ks, policy)
	ks.mu.Unlock()

	switch {
	case triggerInitial:
		go s.load(context.Background(), ks, Initial, initialToken, policy)
	case refreshStale:
		go s.load(context.Background(), ks, Initial, nil, freshness.MustBeFresh{})
	}

	go func() {
		<-ctx.Done()
		ks.mu.Lock()
		delete(ks.subs, id)
		ks.mu.Unlock()
	}()

	return ch
}

// Load requests an APPEND or PREPEND load for k under policy. It is a
// no-op if k has no state yet (Stream must be called first), if dir is
// already Loading, or if the direction's boundary token is nil (that
// side is fully loaded).
func (s *Store[Item]) Load(ctx context.Context, k key.Key, dir Direction, policy freshness.Policy) {
	s.mu.Lock()
	ks, ok := s.states[k.StableHash()]
	s.mu.Unlock()
	if !ok || dir == Initial {
		return
	}
	go s.load(ctx, ks, dir, nil, policy)
}

// Snapshot returns the current Snapshot for k without subscribing.
func (s *Store[Item]) Snapshot(k key.Key) (Snapshot[Item], bool) {
	s.mu.Lock()
	ks, ok := s.states[k.StableHash()]
	s.mu.Unlock()
	if !ok {
		return Snapshot[Item]{}, false
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.snapshotLocked(), true
}

// Invalidate drops all buffered pagination state for k, so the next
// Stream call starts a fresh INITIAL load.
func (s *Store[Item]) Invalidate(k key.Key) {
	s.mu.Lock()
	delete(s.states, k.StableHash())
	s.mu.Unlock()
}

func (s *Store[Item]) load(ctx context.Context, ks *keyState[Item], dir Direction, fromToken *string, policy freshness.Policy) {
	ks.mu.Lock()

	if ks.loadStates[dir].Status == Loading {
		ks.mu.Unlock()
		return
	}

	var token *string
	cachedPresent := len(ks.pages) > 0

	switch dir {
	case Initial:
		token = fromToken
	case Append:
		if len(ks.pages) == 0 {
			ks.mu.Unlock()
			return
		}
		token = nextToken(ks.pages)
		if token == nil {
			ks.mu.Unlock()
			return
		}
	case Prepend:
		if len(ks.pages) == 0 {
			ks.mu.Unlock()
			return
		}
		token = prevToken(ks.pages)
		if token == nil {
			ks.mu.Unlock()
			return
		}
	}

	status := meta.Meta{LastSuccessAt: ks.lastLoadAt[dir]}
	plan := freshness.Evaluate(freshness.Context{
		Policy:             policy,
		LastStatus:         status,
		CachedValuePresent: cachedPresent,
		Now:                s.clock.Now(),
	})
	if plan.Kind == freshness.Skip {
		ks.mu.Unlock()
		s.metrics.IncLoad(dir.String(), "skipped")
		return
	}

	if dir != Initial {
		if _, isMinAge := policy.(freshness.MinAge); isMinAge {
			if !s.rateGate.Allow(dirKey{ks.key, dir}) {
				ks.mu.Unlock()
				return
			}
		}
	}

	ks.loadStates[dir] = LoadState{Status: Loading}
	ks.broadcastLocked()
	ks.mu.Unlock()

	page, err := s.flights.Launch(ctx, dirKey{ks.key, dir}, func(fctx context.Context) (Page[Item], error) {
		return s.loader.Load(fctx, ks.key, dir, token)
	})

	ks.mu.Lock()
	defer ks.mu.Unlock()

	if err != nil {
		ks.loadStates[dir] = LoadState{
			Status:        LoadError,
			Cause:         err,
			CanServeStale: plan.StaleOnError && len(ks.pages) > 0,
		}
		ks.broadcastLocked()
		s.metrics.IncLoad(dir.String(), "error")
		return
	}

	switch dir {
	case Initial:
		ks.pages = applyInitialPage(page)
	case Append:
		ks.pages = applyAppendPage(ks.pages, page)
	case Prepend:
		ks.pages = applyPrependPage(ks.pages, page)
	}
	ks.pages = trimWindow(ks.pages, ks.config.MaxSizeItems, dir)

	now := s.clock.Now()
	ks.lastLoadAt[dir] = &now
	ks.loadStates[dir] = LoadState{Status: NotLoading}
	ks.broadcastLocked()
	s.metrics.IncLoad(dir.String(), "loaded")

	switch dir {
	case Initial:
		s.maybePrefetch(ks, policy, Append)
		s.maybePrefetch(ks, policy, Prepend)
	case Append, Prepend:
		s.maybePrefetch(ks, policy, dir)
	}
}

// initialStaleLocked reports whether config.PageTTL requires a
// background INITIAL refresh per spec.md §4.9: under CachedOrFetch,
// the cached snapshot is served immediately, but once
// now - lastLoadAt[Initial] exceeds PageTTL a MustBeFresh load is
// launched to bypass the cache path and avoid re-entering this same
// staleness check. Callers must hold ks.mu.
func (s *Store[Item]) initialStaleLocked(ks *keyState[Item], policy freshness.Policy) bool {
	if _, ok := policy.(freshness.CachedOrFetch); !ok {
		return false
	}
	if ks.config.PageTTL <= 0 {
		return false
	}
	if ks.loadStates[Initial].Status == Loading {
		return false
	}
	last := ks.lastLoadAt[Initial]
	if last == nil {
		return false
	}
	return s.clock.Now().Sub(*last) > ks.config.PageTTL
}

// maybePrefetch launches a background load for dir when the buffered
// boundary page on that side is thinner than config.PrefetchDistance
// and a token still exists to continue from, so the buffer stays ahead
// of a caller's approach toward the edge instead of only reacting to
// an explicit Load once the edge is already reached. Callers must hold
// ks.mu; the load itself runs in its own goroutine under a detached
// context, the same way the INITIAL auto-trigger in Stream does, since
// it belongs to the shared key state rather than to any one caller.
func (s *Store[Item]) maybePrefetch(ks *keyState[Item], policy freshness.Policy, dir Direction) {
	if ks.config.PrefetchDistance <= 0 || len(ks.pages) == 0 {
		return
	}
	switch dir {
	case Append:
		tail := ks.pages[len(ks.pages)-1]
		if tail.Next != nil && len(tail.Items) < ks.config.PrefetchDistance {
			go s.load(context.Background(), ks, Append, nil, policy)
		}
	case Prepend:
		head := ks.pages[0]
		if head.Prev != nil && len(head.Items) < ks.config.PrefetchDistance {
			go s.load(context.Background(), ks, Prepend, nil, policy)
		}
	}
}
