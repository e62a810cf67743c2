// Package fetchc defines the remote-fetch contract the engine depends
// on. The engine never implements a concrete HTTP/GraphQL client: a
// consumer wires in one by implementing Fetcher.
package fetchc

import (
	"context"
	"time"

	"github.com/continuumlabs/syncstore/key"
)

// FetchRequest carries the optional conditional-request fields a
// freshness.Plan of kind Conditional populates.
type FetchRequest struct {
	IfNoneMatch     *string
	IfModifiedSince *time.Time
}

// Outcome is the closed set of results a Fetcher's sequence may emit.
// It is modeled as an interface with an unexported marker method so
// only the three variants declared in this package can implement it.
type Outcome interface {
	isOutcome()
}

// Success carries a successful fetch's body and optional ETag.
type Success struct {
	Body []byte
	ETag *string
}

func (Success) isOutcome() {}

// NotModified indicates a conditional request confirmed the cached
// value is still current.
type NotModified struct {
	ETag *string
}

func (NotModified) isOutcome() {}

// Error carries a fetch failure.
type Error struct {
	Cause error
}

func (Error) isOutcome() {}

// Fetcher is the remote data source contract. Fetch returns a channel
// of outcomes rather than a single value because the specification
// allows multi-outcome sequences for chunked/streaming sources; most
// implementations close the channel after a single send. The channel
// must be closed by the implementation, and the implementation must
// stop promptly once ctx is cancelled.
type Fetcher interface {
	Fetch(ctx context.Context, k key.Key, req FetchRequest) <-chan Outcome
}

// FuncFetcher adapts a single-outcome function into a Fetcher, for
// fetchers that never need to stream multiple outcomes — the common
// case grounded on the teacher's resilience.WithRetry wrapping a single
// remote call.
type FuncFetcher func(ctx context.Context, k key.Key, req FetchRequest) Outcome

// Fetch implements Fetcher.
func (f FuncFetcher) Fetch(ctx context.Context, k key.Key, req FetchRequest) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		defer close(ch)
		select {
		case ch <- f(ctx, k, req):
		case <-ctx.Done():
		}
	}()
	return ch
}
