package paginate

import (
	"context"

	"github.com/continuumlabs/syncstore/key"
)

// Loader fetches one Page for a key's pagination state, in the given
// Direction, continuing from fromToken (nil for the first Initial
// load). Implementations are expected to hit the network or a
// persistence tier the way fetchc.Fetcher does for Store; paginate only
// depends on the narrow interface it actually calls.
type Loader[Item any] interface {
	Load(ctx context.Context, k key.Key, dir Direction, fromToken *string) (Page[Item], error)
}

// LoaderFunc adapts a plain function to the Loader interface.
type LoaderFunc[Item any] func(ctx context.Context, k key.Key, dir Direction, fromToken *string) (Page[Item], error)

// Load implements Loader.
func (f LoaderFunc[Item]) Load(ctx context.Context, k key.Key, dir Direction, fromToken *string) (Page[Item], error) {
	return f(ctx, k, dir, fromToken)
}
