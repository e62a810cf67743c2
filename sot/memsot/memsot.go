// Package memsot is a reference, in-memory implementation of the
// sot.SoT contract, used for store/mutation engine tests and as the
// simplest possible wiring for the demo binary's dry-run mode. It is
// not durable and is not part of the engine's required surface.
package memsot

import (
	"context"
	"sync"

	"github.com/continuumlabs/syncstore/key"
	"github.com/continuumlabs/syncstore/sot"
)

// MemSoT is a map-backed SoT where the read and write projections are
// the same Go type T, which the specification explicitly allows
// (spec.md §3: "They may be the same type; the engine must not conflate
// them").
type MemSoT[T any] struct {
	mu        sync.Mutex
	rows      map[uint64]T
	present   map[uint64]bool
	listeners map[uint64][]chan *T
	inTx      bool
}

var _ sot.SoT[int, int] = (*MemSoT[int])(nil)

// New creates an empty MemSoT.
func New[T any]() *MemSoT[T] {
	return &MemSoT[T]{
		rows:      make(map[uint64]T),
		present:   make(map[uint64]bool),
		listeners: make(map[uint64][]chan *T),
	}
}

// Reader implements sot.Reader. The returned channel emits the current
// value immediately (nil if absent) and on every subsequent commit for
// k, until ctx is cancelled.
func (m *MemSoT[T]) Reader(ctx context.Context, k key.Key) <-chan *T {
	h := k.StableHash()
	ch := make(chan *T, 4)

	m.mu.Lock()
	m.listeners[h] = append(m.listeners[h], ch)
	var initial *T
	if m.present[h] {
		v := m.rows[h]
		initial = &v
	}
	m.mu.Unlock()

	// Seed the current state before any future commit reaches this
	// subscriber, preserving per-subscriber emission order.
	go func() {
		select {
		case ch <- initial:
		case <-ctx.Done():
		}
	}()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ls := m.listeners[h]
		for i, l := range ls {
			if l == ch {
				m.listeners[h] = append(ls[:i], ls[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch
}

// Write implements sot.Writer.
func (m *MemSoT[T]) Write(ctx context.Context, k key.Key, row T) error {
	h := k.StableHash()
	m.mu.Lock()
	m.rows[h] = row
	m.present[h] = true
	m.mu.Unlock()
	m.notify(h)
	return nil
}

// Delete implements sot.Writer.
func (m *MemSoT[T]) Delete(ctx context.Context, k key.Key) error {
	h := k.StableHash()
	m.mu.Lock()
	delete(m.rows, h)
	delete(m.present, h)
	m.mu.Unlock()
	m.notify(h)
	return nil
}

// WithTransaction implements sot.Transactor. MemSoT serializes every
// transaction behind a single mutex, which trivially provides
// serializable isolation at the cost of concurrency — acceptable for a
// reference/test adapter.
func (m *MemSoT[T]) WithTransaction(ctx context.Context, block func(ctx context.Context) error) error {
	m.mu.Lock()
	if m.inTx {
		m.mu.Unlock()
		panic("memsot: reentrant WithTransaction is not supported")
	}
	m.inTx = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inTx = false
		m.mu.Unlock()
	}()

	return block(ctx)
}

// Rekey implements sot.Rekeyer: it atomically moves the record from old
// to new, running reconcile against whatever is currently stored at
// old (or the zero value if absent) before committing under new.
func (m *MemSoT[T]) Rekey(ctx context.Context, old, new key.Key, reconcile func(current T) (T, error)) error {
	oh, nh := old.StableHash(), new.StableHash()

	m.mu.Lock()
	cur := m.rows[oh]
	merged, err := reconcile(cur)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	delete(m.rows, oh)
	delete(m.present, oh)
	m.rows[nh] = merged
	m.present[nh] = true
	m.mu.Unlock()

	m.notify(oh)
	m.notify(nh)
	return nil
}

func (m *MemSoT[T]) notify(h uint64) {
	m.mu.Lock()
	var v *T
	if m.present[h] {
		val := m.rows[h]
		v = &val
	}
	ls := append([]chan *T(nil), m.listeners[h]...)
	m.mu.Unlock()

	for _, ch := range ls {
		select {
		case ch <- v:
		default:
			// A slow subscriber drops an intermediate emission rather
			// than blocking the writer; it will still observe the
			// latest state on its next read because the channel is
			// refilled on every subsequent commit.
		}
	}
}
