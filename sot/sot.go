// Package sot defines the Source-of-Truth persistence contract the
// engine depends on. The engine never implements an on-disk database:
// reference adapters in sot/memsot, sot/sqlitesot, and sot/pgsot exist
// only to exercise and test the contract, not to satisfy the
// specification's persistence requirement itself.
package sot

import (
	"context"

	"github.com/continuumlabs/syncstore/key"
)

// Reader is a reactive, restartable, infinite sequence of a Key's
// current persisted value. It must emit once for the current state
// immediately upon subscription and again on every subsequent
// committed change relevant to that key. A nil pointer on the channel
// means "no row currently exists for this key" (as opposed to the
// channel being closed, which means the reader itself ended, e.g.
// because ctx was cancelled).
type Reader[ReadDB any] interface {
	Reader(ctx context.Context, k key.Key) <-chan *ReadDB
}

// Writer commits a value for k so that it is visible to Reader before
// Write returns.
type Writer[WriteDB any] interface {
	Write(ctx context.Context, k key.Key, row WriteDB) error
	Delete(ctx context.Context, k key.Key) error
}

// Transactor runs block under a transaction boundary. Implementations
// must provide at least snapshot isolation; reentrant calls to
// WithTransaction from within block are not supported and may deadlock
// or error depending on the backing store.
type Transactor interface {
	WithTransaction(ctx context.Context, block func(ctx context.Context) error) error
}

// Rekeyer atomically migrates a record (and, for adapters fronting a
// normalization backend, every reference to it) from old to new.
// Reconcile is invoked with the record found under old so the caller
// can merge a server echo before the atomic rename commits.
type Rekeyer[WriteDB any] interface {
	Rekey(ctx context.Context, old, new key.Key, reconcile func(current WriteDB) (WriteDB, error)) error
}

// SoT bundles the full persistence contract required by the store and
// mutation engines for one Key/value family.
type SoT[ReadDB, WriteDB any] interface {
	Reader[ReadDB]
	Writer[WriteDB]
	Transactor
	Rekeyer[WriteDB]
}
