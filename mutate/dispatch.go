package mutate

import (
	"context"

	"github.com/continuumlabs/syncstore/key"
)

// Dispatcher sends a mutation to the remote and returns its echo: the
// server's authoritative view of the record after the mutation applied.
// It mirrors fetchc.Fetcher's split between transport concerns (left to
// the implementation) and domain shape (left to the caller), but for
// the write path instead of the read path.
type Dispatcher[WriteDB any] interface {
	// Update sends a partial patch for an existing key.
	Update(ctx context.Context, k key.Key, patch Patch, pre *Precondition) (echo WriteDB, err error)
	// Create sends a draft for a not-yet-persisted record and returns
	// the server-assigned canonical key alongside the echo.
	Create(ctx context.Context, draft WriteDB) (canonical key.Key, echo WriteDB, err error)
	// Delete removes an existing key.
	Delete(ctx context.Context, k key.Key, pre *Precondition) error
	// Upsert sends a full value that the remote should insert or
	// overwrite unconditionally (aside from pre).
	Upsert(ctx context.Context, k key.Key, value WriteDB, pre *Precondition) (echo WriteDB, err error)
	// Replace sends a full value that must replace an existing record;
	// unlike Upsert, the remote must reject it if the key is absent.
	Replace(ctx context.Context, k key.Key, value WriteDB, pre *Precondition) (echo WriteDB, err error)
}
