package paginate_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/continuumlabs/syncstore/clock"
	"github.com/continuumlabs/syncstore/freshness"
	"github.com/continuumlabs/syncstore/key"
	"github.com/continuumlabs/syncstore/paginate"
)

func strp(s string) *string { return &s }

type recordingLoader struct {
	mu    sync.Mutex
	calls []string
	pages map[string]paginate.Page[string]
	errs  map[string]error
	gate  map[string]chan struct{}
}

func newRecordingLoader() *recordingLoader {
	return &recordingLoader{
		pages: make(map[string]paginate.Page[string]),
		errs:  make(map[string]error),
		gate:  make(map[string]chan struct{}),
	}
}

func tok(t *string) string {
	if t == nil {
		return "<nil>"
	}
	return *t
}

func (l *recordingLoader) callKey(dir paginate.Direction, from *string) string {
	return dir.String() + "/" + tok(from)
}

func (l *recordingLoader) Load(ctx context.Context, k key.Key, dir paginate.Direction, from *string) (paginate.Page[string], error) {
	ck := l.callKey(dir, from)
	l.mu.Lock()
	l.calls = append(l.calls, ck)
	gate := l.gate[ck]
	l.mu.Unlock()

	if gate != nil {
		<-gate
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err, ok := l.errs[ck]; ok {
		return paginate.Page[string]{}, err
	}
	return l.pages[ck], nil
}

func (l *recordingLoader) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func testKey() key.Key { return key.Identity{NS: "ns", Type: "thread", ID: "1"} }

func TestStream_InitialLoadRunsOnceForMultipleSubscribers(t *testing.T) {
	loader := newRecordingLoader()
	loader.pages["initial/<nil>"] = paginate.Page[string]{Items: []string{"a", "b"}, Next: strp("p2")}

	s := paginate.New(paginate.StoreConfig[string]{Loader: loader})
	k := testKey()

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()

	ch1 := s.Stream(ctx1, k, nil, paginate.Config{MaxSizeItems: 1000}, freshness.CachedOrFetch{})
	ch2 := s.Stream(ctx2, k, nil, paginate.Config{MaxSizeItems: 1000}, freshness.CachedOrFetch{})

	<-ch1 // empty snapshot delivered immediately on subscribe
	<-ch2

	waitForSnapshot(t, ch1, func(snap paginate.Snapshot[string]) bool { return len(snap.Items) == 2 })
	waitForSnapshot(t, ch2, func(snap paginate.Snapshot[string]) bool { return len(snap.Items) == 2 })

	assert.Equal(t, 1, loader.callCount())
}

func TestAppendAndPrependExtendPages(t *testing.T) {
	loader := newRecordingLoader()
	loader.pages["initial/<nil>"] = paginate.Page[string]{Items: []string{"b1", "b2"}, Next: strp("n1"), Prev: strp("p1")}
	loader.pages["append/n1"] = paginate.Page[string]{Items: []string{"b3"}, Next: nil}
	loader.pages["prepend/p1"] = paginate.Page[string]{Items: []string{"b0"}, Prev: nil}

	s := paginate.New(paginate.StoreConfig[string]{Loader: loader})
	k := testKey()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Stream(ctx, k, nil, paginate.Config{MaxSizeItems: 1000}, freshness.CachedOrFetch{})
	<-ch
	waitForSnapshot(t, ch, func(snap paginate.Snapshot[string]) bool { return len(snap.Items) == 2 })

	s.Load(ctx, k, paginate.Append, freshness.CachedOrFetch{})
	waitForSnapshot(t, ch, func(snap paginate.Snapshot[string]) bool { return len(snap.Items) == 3 })

	s.Load(ctx, k, paginate.Prepend, freshness.CachedOrFetch{})
	snap := waitForSnapshot(t, ch, func(snap paginate.Snapshot[string]) bool { return len(snap.Items) == 4 })

	require.Equal(t, []string{"b0", "b1", "b2", "b3"}, snap.Items)
	assert.Nil(t, snap.Next)
	assert.Nil(t, snap.Prev)
	assert.True(t, snap.FullyLoaded)
}

func TestLoad_NoopWhenTokenExhausted(t *testing.T) {
	loader := newRecordingLoader()
	loader.pages["initial/<nil>"] = paginate.Page[string]{Items: []string{"b1"}, Next: nil}

	s := paginate.New(paginate.StoreConfig[string]{Loader: loader})
	k := testKey()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Stream(ctx, k, nil, paginate.Config{MaxSizeItems: 1000}, freshness.CachedOrFetch{})
	<-ch
	waitForSnapshot(t, ch, func(snap paginate.Snapshot[string]) bool { return len(snap.Items) == 1 })

	s.Load(ctx, k, paginate.Append, freshness.CachedOrFetch{})
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, loader.callCount(), "append must be a no-op once the boundary token is nil")
}

func TestLoad_NoopWhileAlreadyLoading(t *testing.T) {
	loader := newRecordingLoader()
	loader.pages["initial/<nil>"] = paginate.Page[string]{Items: []string{"b1"}, Next: strp("n1")}
	loader.pages["append/n1"] = paginate.Page[string]{Items: []string{"b2"}}
	loader.gate["append/n1"] = make(chan struct{})

	s := paginate.New(paginate.StoreConfig[string]{Loader: loader})
	k := testKey()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Stream(ctx, k, nil, paginate.Config{MaxSizeItems: 1000}, freshness.CachedOrFetch{})
	<-ch
	waitForSnapshot(t, ch, func(snap paginate.Snapshot[string]) bool { return len(snap.Items) == 1 })

	s.Load(ctx, k, paginate.Append, freshness.CachedOrFetch{})
	time.Sleep(20 * time.Millisecond) // first append is now blocked on the gate, Status == Loading
	s.Load(ctx, k, paginate.Append, freshness.CachedOrFetch{})
	time.Sleep(20 * time.Millisecond)

	close(loader.gate["append/n1"])
	waitForSnapshot(t, ch, func(snap paginate.Snapshot[string]) bool { return len(snap.Items) == 2 })

	assert.Equal(t, 2, loader.callCount(), "initial + exactly one append call; the second concurrent append must no-op")
}

func TestLoad_FailurePreservesPagesAndReportsLoadError(t *testing.T) {
	loader := newRecordingLoader()
	loader.pages["initial/<nil>"] = paginate.Page[string]{Items: []string{"b1"}, Next: strp("n1")}
	loader.errs["append/n1"] = errors.New("boom")

	s := paginate.New(paginate.StoreConfig[string]{Loader: loader})
	k := testKey()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Stream(ctx, k, nil, paginate.Config{MaxSizeItems: 1000}, freshness.CachedOrFetch{})
	<-ch
	waitForSnapshot(t, ch, func(snap paginate.Snapshot[string]) bool { return len(snap.Items) == 1 })

	s.Load(ctx, k, paginate.Append, freshness.StaleIfError{})
	snap := waitForSnapshot(t, ch, func(snap paginate.Snapshot[string]) bool {
		return snap.LoadStates[paginate.Append].Status == paginate.LoadError
	})

	require.Equal(t, []string{"b1"}, snap.Items)
	assert.Error(t, snap.LoadStates[paginate.Append].Cause)
	assert.True(t, snap.LoadStates[paginate.Append].CanServeStale)
}

func TestStream_PageTTLTriggersBackgroundInitialRefreshOnStaleSubscribe(t *testing.T) {
	loader := newRecordingLoader()
	loader.pages["initial/<nil>"] = paginate.Page[string]{Items: []string{"a"}}

	fc := clock.NewFixed(time.Now())
	s := paginate.New(paginate.StoreConfig[string]{Loader: loader, Clock: fc})
	k := testKey()
	cfg := paginate.Config{MaxSizeItems: 1000, PageTTL: time.Minute}

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	ch1 := s.Stream(ctx1, k, nil, cfg, freshness.CachedOrFetch{})
	<-ch1
	waitForSnapshot(t, ch1, func(snap paginate.Snapshot[string]) bool { return len(snap.Items) == 1 })
	require.Equal(t, 1, loader.callCount())
	time.Sleep(20 * time.Millisecond) // let the initial load's goroutine fully unwind before advancing the clock

	fc.Advance(2 * time.Minute)
	loader.mu.Lock()
	loader.pages["initial/<nil>"] = paginate.Page[string]{Items: []string{"a", "b"}}
	loader.mu.Unlock()

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	ch2 := s.Stream(ctx2, k, nil, cfg, freshness.CachedOrFetch{})
	<-ch2 // the immediate snapshot still carries the stale cached page

	waitForSnapshot(t, ch2, func(snap paginate.Snapshot[string]) bool { return len(snap.Items) == 2 })
	assert.Equal(t, 2, loader.callCount(), "subscribing past PageTTL must trigger exactly one background refresh")
}

func TestStream_PageTTLDoesNotRefreshBeforeExpiry(t *testing.T) {
	loader := newRecordingLoader()
	loader.pages["initial/<nil>"] = paginate.Page[string]{Items: []string{"a"}}

	fc := clock.NewFixed(time.Now())
	s := paginate.New(paginate.StoreConfig[string]{Loader: loader, Clock: fc})
	k := testKey()
	cfg := paginate.Config{MaxSizeItems: 1000, PageTTL: time.Hour}

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	ch1 := s.Stream(ctx1, k, nil, cfg, freshness.CachedOrFetch{})
	<-ch1
	waitForSnapshot(t, ch1, func(snap paginate.Snapshot[string]) bool { return len(snap.Items) == 1 })
	time.Sleep(20 * time.Millisecond)

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	ch2 := s.Stream(ctx2, k, nil, cfg, freshness.CachedOrFetch{})
	<-ch2
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, loader.callCount(), "subscribing well within PageTTL must not trigger a refresh")
}

func TestStream_PrefetchDistanceTriggersBackgroundAppendWhenBoundaryThin(t *testing.T) {
	loader := newRecordingLoader()
	loader.pages["initial/<nil>"] = paginate.Page[string]{Items: []string{"a"}, Next: strp("n1")}
	loader.pages["append/n1"] = paginate.Page[string]{Items: []string{"b", "c"}, Next: nil}

	s := paginate.New(paginate.StoreConfig[string]{Loader: loader})
	k := testKey()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := paginate.Config{MaxSizeItems: 1000, PrefetchDistance: 2}
	ch := s.Stream(ctx, k, nil, cfg, freshness.CachedOrFetch{})
	<-ch

	// The initial page has only one item, under PrefetchDistance=2, and
	// a Next token, so an APPEND prefetch must fire without an explicit
	// Load call.
	waitForSnapshot(t, ch, func(snap paginate.Snapshot[string]) bool { return len(snap.Items) == 3 })
	assert.Equal(t, 2, loader.callCount(), "initial load plus exactly one automatic prefetch append")
}

func TestStream_PrefetchDistanceDoesNotFireWhenBoundaryAlreadyWide(t *testing.T) {
	loader := newRecordingLoader()
	loader.pages["initial/<nil>"] = paginate.Page[string]{Items: []string{"a", "b", "c"}, Next: strp("n1")}

	s := paginate.New(paginate.StoreConfig[string]{Loader: loader})
	k := testKey()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := paginate.Config{MaxSizeItems: 1000, PrefetchDistance: 2}
	ch := s.Stream(ctx, k, nil, cfg, freshness.CachedOrFetch{})
	<-ch
	waitForSnapshot(t, ch, func(snap paginate.Snapshot[string]) bool { return len(snap.Items) == 3 })
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, loader.callCount(), "a boundary page at or above PrefetchDistance must not auto-prefetch")
}

func waitForSnapshot(t *testing.T, ch <-chan paginate.Snapshot[string], match func(paginate.Snapshot[string]) bool) paginate.Snapshot[string] {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case snap := <-ch:
			if match(snap) {
				return snap
			}
		case <-timeout:
			t.Fatal("timed out waiting for expected snapshot")
			return paginate.Snapshot[string]{}
		}
	}
}
