// Package flight implements the single-flight registry described in
// spec.md §4.3: concurrent callers for the same key.Key share one
// producing task, cleanup is identity-safe (a finally only removes the
// registry slot it created), and cancelling the last remaining waiter
// cancels the producer.
//
// golang.org/x/sync/singleflight solves the de-duplication half of this
// contract but has no notion of per-waiter cancellation: its Group
// always runs the function to completion regardless of whether callers
// go away. Because the specification requires cancelling the producer
// once every waiter has left, this package implements its own registry
// on top of context.Context and golang.org/x/sync/errgroup rather than
// wrapping singleflight.
package flight

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/continuumlabs/syncstore/key"
)

// Work is the unit of de-duplicated work. It receives the producer's
// own context (distinct from any individual caller's context) so that
// it is only cancelled once every waiter has left.
type Work[R any] func(ctx context.Context) (R, error)

// call is the shared state for one in-flight key.
type call[R any] struct {
	hash    uint64
	done    chan struct{}
	val     R
	err     error
	waiters int
	cancel  context.CancelFunc
}

// Registry de-duplicates concurrent Work for the same key.Key.
type Registry[R any] struct {
	mu    sync.Mutex
	calls map[uint64]*call[R]
}

// New creates an empty Registry.
func New[R any]() *Registry[R] {
	return &Registry[R]{calls: make(map[uint64]*call[R])}
}

// Launch executes work for k, or attaches to an already in-flight call
// for the same k. The caller's ctx governs only its own wait: if ctx is
// cancelled and this caller was the last remaining waiter, the producer
// is cancelled too; if other callers remain, the producer keeps running
// and they still receive its result.
func (r *Registry[R]) Launch(ctx context.Context, k key.Key, work Work[R]) (R, error) {
	h := k.StableHash()

	r.mu.Lock()
	if c, ok := r.calls[h]; ok {
		c.waiters++
		r.mu.Unlock()
		return r.wait(ctx, h, c)
	}

	producerCtx, cancel := context.WithCancel(context.Background())
	c := &call[R]{hash: h, done: make(chan struct{}), waiters: 1, cancel: cancel}
	r.calls[h] = c
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(producerCtx)
	g.Go(func() error {
		v, err := work(gctx)
		c.val, c.err = v, err
		close(c.done)
		return err
	})

	// The producer's own goroutine is detached from the caller: g.Wait
	// runs here only to surface a panic-free join point, not to block
	// Launch's return, because other callers may still be attaching.
	go func() {
		_ = g.Wait()
		r.finally(h, c)
	}()

	return r.wait(ctx, h, c)
}

// wait blocks until c completes or ctx is cancelled, decrementing the
// waiter count and cancelling the producer if this was the last one.
func (r *Registry[R]) wait(ctx context.Context, h uint64, c *call[R]) (R, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		r.mu.Lock()
		c.waiters--
		lastWaiter := c.waiters <= 0
		r.mu.Unlock()
		if lastWaiter {
			c.cancel()
		}
		var zero R
		return zero, ctx.Err()
	}
}

// finally removes the registry entry for h only if it is still the
// entry this call created — a later producer that has already replaced
// the slot (because a prior call's cleanup raced with a brand-new
// Launch for the same key) must be left intact.
func (r *Registry[R]) finally(h uint64, c *call[R]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.calls[h]; ok && cur == c {
		delete(r.calls, h)
	}
	c.cancel()
}

// InFlight reports whether a call for k is currently registered, for
// tests asserting coalescing behavior.
func (r *Registry[R]) InFlight(k key.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.calls[k.StableHash()]
	return ok
}
