// Package mutate implements the optimistic write path described in
// spec.md §4.7: apply locally, dispatch to the remote, reconcile the
// echo, roll back on failure, rekey provisional keys on create, and
// fall back to a durable offline queue when the caller allows it.
package mutate

import "time"

// Precondition is the closed set of optimistic-concurrency guards a
// mutation may carry.
type Precondition struct {
	IfEtag             *string
	IfUnmodifiedSince  *time.Time
}

// BasePolicy is embedded by every operation-specific policy.
type BasePolicy struct {
	// RequireOnline forbids falling back to the offline queue: a
	// remote failure is surfaced directly instead of being enqueued.
	RequireOnline bool
	// Precondition, if set, is propagated to the remote dispatcher.
	Precondition *Precondition
	// Optimistic controls whether the local projection is written
	// before the remote call returns.
	Optimistic bool
	// Timeout is carried on the policy but Engine does not apply it: an
	// operation is bounded only by the ctx its caller passes in.
	Timeout time.Duration
}

// UpdatePolicy configures Engine.Update.
type UpdatePolicy struct{ BasePolicy }

// CreatePolicy configures Engine.Create.
type CreatePolicy struct{ BasePolicy }

// DeletePolicy configures Engine.Delete.
type DeletePolicy struct{ BasePolicy }

// UpsertPolicy configures Engine.Upsert.
type UpsertPolicy struct{ BasePolicy }

// ReplacePolicy configures Engine.Replace.
type ReplacePolicy struct{ BasePolicy }

// Outcome is the closed set of results a mutation may produce.
type Outcome int

const (
	// Synced means the remote accepted the mutation and persistence
	// now holds the reconciled echo.
	Synced Outcome = iota
	// Enqueued means the remote call failed but the mutation was
	// accepted into the offline queue for later replay.
	Enqueued
	// Failed means the mutation could not be applied and, for
	// optimistic mutations, has been rolled back.
	Failed
)

// String names the Outcome, used as a metrics label and in log lines.
func (o Outcome) String() string {
	switch o {
	case Synced:
		return "synced"
	case Enqueued:
		return "enqueued"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is returned by every Engine operation.
type Result struct {
	Outcome Outcome
	Cause   error
}

// Patch is a partial update merged onto a copy of the current persisted
// WriteDB row via dario.cat/mergo; the merged row is what gets written
// locally and no converter is involved. Using a plain
// map (rather than requiring callers to express patches as Go structs)
// lets mergo merge nested maps and slices without any domain-specific
// merge code in this package.
type Patch map[string]any
