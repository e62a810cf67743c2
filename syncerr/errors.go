// Package syncerr defines the observable error taxonomy shared by the
// store, mutation, normalization, and pagination engines (spec.md §6,
// §7). Each kind is an exported struct carrying a Cause where
// applicable, grounded on the teacher's storage.ErrInvalidProfile /
// cache.CacheError style: a typed struct with Error()/Unwrap() rather
// than a sentinel value, so callers can errors.As into the specific
// kind they care about.
package syncerr

import (
	"context"
	"errors"
	"fmt"

	"github.com/continuumlabs/syncstore/key"
)

// NotFoundError means the requested key has no record, at any tier.
type NotFoundError struct {
	Key key.Key
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("not found: %s", e.Key) }

// PreconditionFailedError means a mutation's precondition (IfEtag /
// IfUnmodifiedSince) was rejected by the remote.
type PreconditionFailedError struct {
	Key   key.Key
	Cause error
}

func (e *PreconditionFailedError) Error() string {
	return fmt.Sprintf("precondition failed for %s: %v", e.Key, e.Cause)
}
func (e *PreconditionFailedError) Unwrap() error { return e.Cause }

// OfflineRequiredError means a mutation's remote dispatch failed and the
// mutation was not enqueued for offline replay, because its policy set
// require_online or because no offline queue is configured.
type OfflineRequiredError struct {
	Key   key.Key
	Cause error
}

func (e *OfflineRequiredError) Error() string {
	return fmt.Sprintf("operation on %s requires connectivity: %v", e.Key, e.Cause)
}
func (e *OfflineRequiredError) Unwrap() error { return e.Cause }

// TimeoutError means a public operation's configured timeout elapsed.
type TimeoutError struct {
	Key key.Key
	Op  string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("%s timed out for %s", e.Op, e.Key) }

// ConflictError means the server rejected the mutation due to a
// conflicting concurrent change not covered by an explicit precondition.
type ConflictError struct {
	Key   key.Key
	Cause error
}

func (e *ConflictError) Error() string { return fmt.Sprintf("conflict on %s: %v", e.Key, e.Cause) }
func (e *ConflictError) Unwrap() error { return e.Cause }

// NetworkError wraps a fetcher/remote-dispatch failure.
type NetworkError struct {
	Cause error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error: %v", e.Cause) }
func (e *NetworkError) Unwrap() error { return e.Cause }

// PersistenceError wraps a sot.SoT failure.
type PersistenceError struct {
	Cause error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence error: %v", e.Cause) }
func (e *PersistenceError) Unwrap() error { return e.Cause }

// GraphCompositionError is fatal to one compose_from_root call: the
// root record was absent or failed to denormalize. Missing/Causes
// record per-entity BFS read failures that were collected rather than
// raised, carried here for diagnostics once the root itself fails.
type GraphCompositionError struct {
	Root    key.Entity
	Missing []key.Entity
	Causes  map[key.Entity]error
}

func (e *GraphCompositionError) Error() string {
	return fmt.Sprintf("graph composition failed for root %s (%d entities missing)", e.Root, len(e.Missing))
}

// IsCancellation reports whether err is (or wraps) context.Canceled or
// context.DeadlineExceeded. Error-handling paths in this module must
// use this check and re-raise cancellation unchanged rather than
// folding it into NetworkError/PersistenceError, per spec.md §7.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
