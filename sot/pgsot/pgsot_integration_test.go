//go:build integration

package pgsot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/continuumlabs/syncstore/key"
)

type widget struct {
	Name  string
	Count int
}

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("syncstore_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestSoT_WriteReadDeleteRoundTrip(t *testing.T) {
	dsn := startPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := Open[widget](ctx, Config{DSN: dsn})
	require.NoError(t, err)
	defer s.Close()

	k := key.Identity{NS: "ns", Type: "widget", ID: "1"}

	readerCtx, cancelReader := context.WithCancel(context.Background())
	defer cancelReader()
	ch := s.Reader(readerCtx, k)

	select {
	case v := <-ch:
		assert.Nil(t, v)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for initial emission")
	}

	require.NoError(t, s.Write(ctx, k, widget{Name: "a", Count: 1}))

	select {
	case v := <-ch:
		require.NotNil(t, v)
		assert.Equal(t, widget{Name: "a", Count: 1}, *v)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for LISTEN/NOTIFY write emission")
	}

	require.NoError(t, s.Delete(ctx, k))

	select {
	case v := <-ch:
		assert.Nil(t, v)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for LISTEN/NOTIFY delete emission")
	}
}

func TestSoT_WithTransactionRollsBack(t *testing.T) {
	dsn := startPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := Open[widget](ctx, Config{DSN: dsn})
	require.NoError(t, err)
	defer s.Close()

	k := key.Identity{NS: "ns", Type: "widget", ID: "2"}

	err = s.WithTransaction(ctx, func(txCtx context.Context) error {
		require.NoError(t, s.Write(txCtx, k, widget{Name: "rolled-back"}))
		return assert.AnError
	})
	require.Error(t, err)

	v, err := s.readRow(ctx, k.StableHash())
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestSoT_Rekey(t *testing.T) {
	dsn := startPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := Open[widget](ctx, Config{DSN: dsn})
	require.NoError(t, err)
	defer s.Close()

	oldKey := key.Identity{NS: "ns", Type: "widget", ID: "old"}
	newKey := key.Identity{NS: "ns", Type: "widget", ID: "new"}

	require.NoError(t, s.Write(ctx, oldKey, widget{Name: "provisional"}))

	err = s.Rekey(ctx, oldKey, newKey, func(cur widget) (widget, error) {
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
}
