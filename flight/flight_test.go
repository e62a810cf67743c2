package flight_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/continuumlabs/syncstore/flight"
	"github.com/continuumlabs/syncstore/key"
)

func TestCoalescesConcurrentCallers(t *testing.T) {
	r := flight.New[int]()
	k := key.Identity{NS: "ns", Type: "T", ID: "1"}

	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})

	work := func(ctx context.Context) (int, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
		}
		<-release
		return 42, nil
	}

	const n = 50
	var wg sync.WaitGroup
	results := make([]int, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			v, err := r.Launch(context.Background(), k, work)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}

	<-started
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "work should run exactly once")
	for _, v := range results {
		assert.Equal(t, 42, v)
	}
}

func TestCancellingSoleWaiterCancelsProducer(t *testing.T) {
	r := flight.New[int]()
	k := key.Identity{NS: "ns", Type: "T", ID: "1"}

	cancelled := make(chan struct{})
	work := func(ctx context.Context) (int, error) {
		<-ctx.Done()
		close(cancelled)
		return 0, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_, _ = r.Launch(ctx, k, work)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	<-done

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("producer was not cancelled after its sole waiter left")
	}
}

func TestSurvivingWaiterKeepsProducerAlive(t *testing.T) {
	r := flight.New[int]()
	k := key.Identity{NS: "ns", Type: "T", ID: "1"}

	release := make(chan struct{})
	work := func(ctx context.Context) (int, error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-release:
			return 7, nil
		}
	}

	ctx1, cancel1 := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)

	var v2 int
	var err2 error
	go func() {
		defer wg.Done()
		_, _ = r.Launch(ctx1, k, work)
	}()
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		v2, err2 = r.Launch(context.Background(), k, work)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel1()
	close(release)
	wg.Wait()

	require.NoError(t, err2)
	assert.Equal(t, 7, v2)
}
