package mutate

import (
	"context"
	"time"

	"github.com/continuumlabs/syncstore/key"
)

// Kind names the dispatch shape a queued mutation was recorded under,
// so a replayer can route it back through the matching Dispatcher
// method without guessing from the payload bytes.
type Kind int

const (
	KindUpdate Kind = iota
	KindCreate
	KindDelete
	KindUpsert
	KindReplace
)

// String names the Kind, used as a metrics label and in log lines.
func (k Kind) String() string {
	switch k {
	case KindUpdate:
		return "update"
	case KindCreate:
		return "create"
	case KindDelete:
		return "delete"
	case KindUpsert:
		return "upsert"
	case KindReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// Record is one durable offline-queue entry. Payload is an
// engine-supplied encoding of the patch/draft/value the mutation
// carried; Queue implementations treat it as opaque bytes.
type Record struct {
	Key       key.Key
	Kind      Kind
	Payload   []byte
	Precond   *Precondition
	EnqueuedAt time.Time
}

// Queue is the durable, ordered log a mutation falls back to when the
// remote is unreachable and the operation's policy allows it. Entries
// must be drained in the order they were enqueued (spec.md's offline
// replay ordering requirement): within one key, and, where a caller
// cares about cross-key ordering, across the whole log.
type Queue interface {
	Enqueue(ctx context.Context, rec Record) error
	// DrainAll returns every queued record in insertion order and
	// removes them from the queue. Callers are expected to replay each
	// record and re-enqueue any that fail again.
	DrainAll(ctx context.Context) ([]Record, error)
	// Len reports the number of records currently queued.
	Len(ctx context.Context) (int, error)
}
