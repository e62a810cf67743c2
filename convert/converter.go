// Package convert defines the pure Network/Persisted/Domain projection
// functions the store and mutation engines use. All functions here must
// be side-effect-free: the engine relies on being able to call them
// speculatively (e.g. to build an optimistic projection) without
// observable side effects.
package convert

import (
	"github.com/continuumlabs/syncstore/key"
	"github.com/continuumlabs/syncstore/meta"
)

// Converter bridges the network payload, the persisted read/write
// projections, and the domain value for one Key/value family. ReadDB
// and WriteDB are intentionally separate type parameters (spec.md §3):
// a persistence layer is free to use different shapes for its reactive
// reader and its transactional writer, and the engine must not conflate
// them even when a concrete Converter happens to use the same Go type
// for both.
type Converter[NetOut, ReadDB, WriteDB, V any] interface {
	// DecodeNet parses a fetcher's raw response body into the
	// domain-specific network payload type. The fetcher contract deals
	// only in bytes (spec.md deliberately leaves the serialization
	// format a non-goal); decoding it is the converter's job.
	DecodeNet(body []byte) (NetOut, error)
	// NetToWrite converts a successful fetch's network payload into the
	// shape the persistence writer accepts.
	NetToWrite(k key.Key, out NetOut) (WriteDB, error)
	// ReadToDomain projects a persisted read into the domain value
	// handed to subscribers.
	ReadToDomain(k key.Key, row ReadDB) (V, error)
	// ReadMeta extracts entity-independent metadata (if any) embedded
	// in a persisted row, such as a stored ETag column.
	ReadMeta(row ReadDB) *meta.Meta
	// NetMeta extracts metadata from a network payload, such as a
	// response ETag header.
	NetMeta(out NetOut) meta.Meta
}

// OptimisticConverter is the optional extension a Converter implements
// to support optimistic writes: it must be able to go the other
// direction, from a domain value back to a write projection, so the
// mutation engine can write an optimistic value before the remote call
// returns.
type OptimisticConverter[WriteDB, V any] interface {
	// DomainToWrite converts a domain value into a write projection,
	// or returns ok=false if this Converter does not support
	// optimistic writes for k.
	DomainToWrite(k key.Key, v V) (WriteDB, bool)
}
