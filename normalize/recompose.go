package normalize

import (
	"context"
	"sync"
)

// Recomposer debounces a root's invalidation bursts by coalescing to
// the latest signal: a single-slot channel combinator in the style of
// the teacher's WebSocketHub broadcast/register/unregister trio, here
// specialized to "keep only the most recent pending recompose" instead
// of fanning out to many connections.
type Recomposer struct {
	mu      sync.Mutex
	pending bool
	signal  chan struct{}
	done    chan struct{}
}

// NewRecomposer creates a Recomposer with no pending signal.
func NewRecomposer() *Recomposer {
	return &Recomposer{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Notify records that a recompose is needed. Calling Notify repeatedly
// before the previous signal has been consumed drops the intermediate
// emissions: only the fact that at least one notification arrived
// survives, never missing the terminal state per spec.md §4.8.
func (r *Recomposer) Notify() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// Wait blocks until Notify has been called at least once since the
// last Wait, or ctx is done, or Close was called.
func (r *Recomposer) Wait(ctx context.Context) bool {
	select {
	case <-r.signal:
		return true
	case <-r.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Close releases any blocked Wait call.
func (r *Recomposer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

// Watch runs recompose once per debounced signal until ctx is done or
// inval is closed, feeding every RootRef invalidation whose ID matches
// root into the same coalescing slot. Callers typically launch one
// Watch goroutine per subscribed root.
func Watch(ctx context.Context, inval <-chan RootRef, root RootRef, recompose func(context.Context)) {
	r := NewRecomposer()
	defer r.Close()

	go func() {
		for {
			select {
			case rr, ok := <-inval:
				if !ok {
					r.Close()
					return
				}
				if rr.ID() == root.ID() {
					r.Notify()
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// An initial recompose always runs once so a new subscriber sees
	// the current state without waiting for the first invalidation.
	recompose(ctx)

	for r.Wait(ctx) {
		recompose(ctx)
	}
}
