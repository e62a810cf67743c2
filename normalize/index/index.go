// Package index implements the normalization engine's index manager:
// it maps a request key's stable hash to the ordered list of root
// entity keys currently belonging to that request (spec.md §4.8's
// "current membership"), and notifies subscribers when that membership
// changes.
package index

import (
	"sync"

	"github.com/continuumlabs/syncstore/key"
)

type entry struct {
	roots     []key.Entity
	listeners []chan []key.Entity
}

// Manager is a concurrency-safe map from a request key's stable hash to
// its ordered root-entity membership list.
type Manager struct {
	mu      sync.Mutex
	entries map[uint64]*entry
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{entries: make(map[uint64]*entry)}
}

// Set replaces the membership list for k and notifies subscribers.
func (m *Manager) Set(k key.Key, roots []key.Entity) {
	h := k.StableHash()
	cp := append([]key.Entity(nil), roots...)

	m.mu.Lock()
	e, ok := m.entries[h]
	if !ok {
		e = &entry{}
		m.entries[h] = e
	}
	e.roots = cp
	listeners := append([]chan []key.Entity(nil), e.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		select {
		case l <- cp:
		default:
		}
	}
}

// Get returns the current membership list for k, if any.
func (m *Manager) Get(k key.Key) ([]key.Entity, bool) {
	h := k.StableHash()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[h]
	if !ok {
		return nil, false
	}
	return append([]key.Entity(nil), e.roots...), true
}

// Subscribe returns a channel that receives the current membership
// list immediately, then again every time Set changes it. unsubscribe
// must be called to release the channel once the caller stops reading.
func (m *Manager) Subscribe(k key.Key) (ch <-chan []key.Entity, unsubscribe func()) {
	h := k.StableHash()
	out := make(chan []key.Entity, 1)

	m.mu.Lock()
	e, ok := m.entries[h]
	if !ok {
		e = &entry{}
		m.entries[h] = e
	}
	e.listeners = append(e.listeners, out)
	current := append([]key.Entity(nil), e.roots...)
	m.mu.Unlock()

	out <- current

	return out, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		e, ok := m.entries[h]
		if !ok {
			return
		}
		for i, l := range e.listeners {
			if l == out {
				e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
				break
			}
		}
	}
}
