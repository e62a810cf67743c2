// Package keylock implements the bounded per-key lock table: a
// get-or-create map from key.Key to a mutex, LRU-bounded so that an
// unbounded stream of distinct keys cannot grow the table forever,
// while never evicting a lock that is currently held.
//
// The acquire/release shape is grounded on the teacher's
// internal/infrastructure/lock.DistributedLock (acquire / release /
// value / ttl), scoped down from a Redis-backed distributed lock to an
// in-process one. hashicorp/golang-lru/v2 (used elsewhere in this
// module for memcache) cannot be reused here: it has no way to veto an
// eviction, only to observe it after the fact, and the specification
// requires that a held lock is never evicted. So this table keeps its
// own intrusive doubly-linked recency list over a map, the classic LRU
// shape, skipping held entries when choosing an eviction candidate.
package keylock

import (
	"container/list"
	"sync"

	"github.com/continuumlabs/syncstore/key"
)

// DefaultMaxLocks is the default bound on the number of distinct keys
// tracked by a Table, matching the specification's default of 1000.
const DefaultMaxLocks = 1000

type slot struct {
	hash    uint64
	mu      sync.Mutex
	holders int
	elem    *list.Element
}

// Table is a bounded, concurrency-safe map from key.Key to a mutex.
type Table struct {
	mu      sync.Mutex
	entries map[uint64]*slot
	order   *list.List // front = most recently used
	max     int
}

// New creates a Table bounded at maxLocks entries. maxLocks <= 0 uses
// DefaultMaxLocks.
func New(maxLocks int) *Table {
	if maxLocks <= 0 {
		maxLocks = DefaultMaxLocks
	}
	return &Table{
		entries: make(map[uint64]*slot),
		order:   list.New(),
		max:     maxLocks,
	}
}

// Lock is a handle to a per-key mutex obtained from the table. Callers
// must call Unlock exactly once to release both the mutex and the
// table's internal hold-count that protects the slot from eviction.
type Lock struct {
	table *Table
	slot  *slot
}

// Lock acquires the per-key mutex for k, creating its slot if
// necessary, and blocks until it is held.
func (t *Table) Lock(k key.Key) *Lock {
	s := t.forKey(k)
	s.mu.Lock()
	return &Lock{table: t, slot: s}
}

// Unlock releases the mutex and allows the slot to be evicted again
// once it is idle.
func (l *Lock) Unlock() {
	l.slot.mu.Unlock()
	l.table.release(l.slot)
}

// forKey returns the slot for k, creating it atomically if absent, and
// marks it held so it cannot be evicted while in use.
func (t *Table) forKey(k key.Key) *slot {
	h := k.StableHash()
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.entries[h]; ok {
		t.order.MoveToFront(s.elem)
		s.holders++
		return s
	}

	s := &slot{hash: h, holders: 1}
	s.elem = t.order.PushFront(s)
	t.entries[h] = s

	t.evictIfNeededLocked()
	return s
}

func (t *Table) release(s *slot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.holders > 0 {
		s.holders--
	}
}

// evictIfNeededLocked drops idle entries from the back of the recency
// list until the table is within bound, or until every remaining
// candidate is held. Must be called with t.mu held.
func (t *Table) evictIfNeededLocked() {
	for len(t.entries) > t.max {
		victim := t.findIdleVictimLocked()
		if victim == nil {
			return // every entry is held; bound is temporarily exceeded.
		}
		t.order.Remove(victim.elem)
		delete(t.entries, victim.hash)
	}
}

func (t *Table) findIdleVictimLocked() *slot {
	for e := t.order.Back(); e != nil; e = e.Prev() {
		s := e.Value.(*slot)
		if s.holders == 0 {
			return s
		}
	}
	return nil
}

// Len returns the current number of tracked keys, for tests asserting
// the bound invariant.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
