package boltqueue_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/continuumlabs/syncstore/key"
	"github.com/continuumlabs/syncstore/mutate"
	"github.com/continuumlabs/syncstore/mutate/boltqueue"
)

func TestEnqueueDrainPreservesOrder(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "offline.db")

	q, err := boltqueue.Open(path)
	require.NoError(t, err)
	defer q.Close()

	k := key.Identity{NS: "ns", Type: "widget", ID: "1"}
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, mutate.Record{
			Key:        k,
			Kind:       mutate.KindUpdate,
			Payload:    []byte(`{"n":` + string(rune('0'+i)) + `}`),
			EnqueuedAt: time.Now(),
		}))
	}

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	drained, err := q.DrainAll(ctx)
	require.NoError(t, err)
	require.Len(t, drained, 3)
	for _, r := range drained {
		assert.Equal(t, mutate.KindUpdate, r.Kind)
		assert.Equal(t, k.String(), r.Key.String())
	}

	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDrainAllIsEmptyAfterReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "offline.db")

	q, err := boltqueue.Open(path)
	require.NoError(t, err)
	k := key.Identity{NS: "ns", Type: "widget", ID: "1"}
	require.NoError(t, q.Enqueue(ctx, mutate.Record{Key: k, Kind: mutate.KindDelete, EnqueuedAt: time.Now()}))
	require.NoError(t, q.Close())

	q2, err := boltqueue.Open(path)
	require.NoError(t, err)
	defer q2.Close()

	drained, err := q2.DrainAll(ctx)
	require.NoError(t, err)
	require.Len(t, drained, 1)
	assert.Equal(t, mutate.KindDelete, drained[0].Kind)
}
