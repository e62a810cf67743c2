package store_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/continuumlabs/syncstore/fetchc"
	"github.com/continuumlabs/syncstore/freshness"
	"github.com/continuumlabs/syncstore/key"
	"github.com/continuumlabs/syncstore/meta"
	"github.com/continuumlabs/syncstore/sot/memsot"
	"github.com/continuumlabs/syncstore/store"
)

// row is the shared ReadDB/WriteDB projection used by these tests,
// allowed by spec.md §3 ("they may be the same type").
type row struct {
	Name string
	ETag string
}

type domainValue struct {
	Name string
}

type netPayload struct {
	Name string
	ETag string
}

type testConverter struct{}

func (testConverter) DecodeNet(body []byte) (netPayload, error) {
	return netPayload{Name: string(body)}, nil
}

func (testConverter) NetToWrite(k key.Key, out netPayload) (row, error) {
	return row{Name: out.Name, ETag: out.ETag}, nil
}

func (testConverter) ReadToDomain(k key.Key, r row) (domainValue, error) {
	return domainValue{Name: r.Name}, nil
}

func (testConverter) ReadMeta(r row) *meta.Meta { return nil }

func (testConverter) NetMeta(out netPayload) meta.Meta {
	m := meta.Meta{}
	if out.ETag != "" {
		m.ETag = &out.ETag
	}
	return m
}

func newStore(t *testing.T, fetcher fetchc.Fetcher) (*store.Store[row, row, netPayload, domainValue], *memsot.MemSoT[row]) {
	t.Helper()
	db := memsot.New[row]()
	s := store.New(store.Config[row, row, netPayload, domainValue]{
		MemoryCacheSize: 100,
		SoT:             db,
		Fetcher:         fetcher,
		Converter:       testConverter{},
	})
	return s, db
}

func TestStream_MemoryThenPersistedThenNotModified(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var fetchCalls int32
	fetcher := fetchc.FuncFetcher(func(ctx context.Context, k key.Key, req fetchc.FetchRequest) fetchc.Outcome {
		atomic.AddInt32(&fetchCalls, 1)
		etag := "E0"
		return fetchc.NotModified{ETag: &etag}
	})

	s, db := newStore(t, fetcher)
	k := key.Identity{NS: "ns", Type: "widget", ID: "1"}
	require.NoError(t, db.Write(ctx, k, row{Name: "V0", ETag: "E0"}))

	results := s.Stream(ctx, k, freshness.CachedOrFetch{})

	// The first real value comes from the persistence reader since this
	// subscriber has never touched the memory tier; a Loading event may
	// precede it per spec.md's cache-miss path.
	var first store.Result[domainValue]
	for first = range results {
		if first.Kind == store.KindData {
			break
		}
	}
	require.Equal(t, store.KindData, first.Kind)
	assert.Equal(t, "V0", first.Value.Name)

	// Allow the background fetch to settle; a NotModified outcome must
	// not produce a second Data emission.
	timeout := time.After(300 * time.Millisecond)
	for {
		select {
		case r, ok := <-results:
			if !ok {
				goto done
			}
			if r.Kind == store.KindData {
				t.Fatalf("unexpected extra Data emission after NotModified: %+v", r)
			}
		case <-timeout:
			goto done
		}
	}
done:
	cancel()
	assert.GreaterOrEqual(t, atomic.LoadInt32(&fetchCalls), int32(1))
}

func TestGet_MustBeFreshWaitsForFetch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fetcher := fetchc.FuncFetcher(func(ctx context.Context, k key.Key, req fetchc.FetchRequest) fetchc.Outcome {
		return fetchc.Success{Body: []byte("fresh")}
	})

	s, _ := newStore(t, fetcher)
	k := key.Identity{NS: "ns", Type: "widget", ID: "1"}

	v, err := s.Get(ctx, k, freshness.MustBeFresh{})
	require.NoError(t, err)
	assert.Equal(t, "fresh", v.Name)
}
