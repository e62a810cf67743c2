package sqlitesot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/continuumlabs/syncstore/key"
)

type widget struct {
	Name  string
	Count int
}

func openT(t *testing.T) *SoT[widget] {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open[widget](path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestReader_EmitsNilThenWrittenValue(t *testing.T) {
	s := openT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	k := key.Identity{NS: "ns", Type: "widget", ID: "1"}
	ch := s.Reader(ctx, k)

	select {
	case v := <-ch:
		assert.Nil(t, v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial emission")
	}

	require.NoError(t, s.Write(ctx, k, widget{Name: "a", Count: 1}))

	select {
	case v := <-ch:
		require.NotNil(t, v)
		assert.Equal(t, widget{Name: "a", Count: 1}, *v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for write emission")
	}
}

func TestDelete_EmitsNil(t *testing.T) {
	s := openT(t)
	ctx := context.Background()
	k := key.Identity{NS: "ns", Type: "widget", ID: "2"}

	require.NoError(t, s.Write(ctx, k, widget{Name: "b"}))

	rctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Reader(rctx, k)
	<-ch // seeded value

	require.NoError(t, s.Delete(ctx, k))

	select {
	case v := <-ch:
		assert.Nil(t, v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delete emission")
	}
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	s := openT(t)
	ctx := context.Background()
	k := key.Identity{NS: "ns", Type: "widget", ID: "3"}

	err := s.WithTransaction(ctx, func(txCtx context.Context) error {
		require.NoError(t, s.Write(txCtx, k, widget{Name: "rolled-back"}))
		return assert.AnError
	})
	require.Error(t, err)

	v, err := s.readRow(ctx, k.StableHash())
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestRekey_MovesRowAndReconciles(t *testing.T) {
	s := openT(t)
	ctx := context.Background()
	oldKey := key.Identity{NS: "ns", Type: "widget", ID: "old"}
	newKey := key.Identity{NS: "ns", Type: "widget", ID: "new"}

	require.NoError(t, s.Write(ctx, oldKey, widget{Name: "provisional", Count: 1}))

	err := s.Rekey(ctx, oldKey, newKey, func(cur widget) (widget, error) {
		cur.Name = "reconciled"
		return cur, nil
	})
	require.NoError(t, err)

	oldVal, err := s.readRow(ctx, oldKey.StableHash())
	require.NoError(t, err)
	assert.Nil(t, oldVal)

	newVal, err := s.readRow(ctx, newKey.StableHash())
	require.NoError(t, err)
	require.NotNil(t, newVal)
	assert.Equal(t, "reconciled", newVal.Name)
	assert.Equal(t, 1, newVal.Count)
}
