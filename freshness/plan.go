package freshness

import (
	"time"

	"github.com/continuumlabs/syncstore/meta"
)

// PlanKind is the closed set of decisions the validator can return.
type PlanKind int

const (
	// Skip means no fetch should be issued; serve cache only.
	Skip PlanKind = iota
	// Conditional means a conditional request should be issued, using
	// IfNoneMatch and/or IfModifiedSince from the Plan.
	Conditional
	// Unconditional means a full, non-conditional request should be
	// issued.
	Unconditional
)

// Plan is the validator's decision for one read attempt.
type Plan struct {
	Kind             PlanKind
	IfNoneMatch      *string
	IfModifiedSince  *time.Time
	// StaleOnError tells the caller that, if this plan's fetch fails,
	// a cached value should still be surfaced tagged as stale, rather
	// than the subscriber seeing only an error.
	StaleOnError bool
}

// Context is everything the validator needs to reach a decision.
type Context struct {
	Policy             Policy
	LastStatus         meta.Meta
	CachedValuePresent bool
	Now                time.Time
}

// Evaluate implements the freshness laws from spec.md §4.4 and §8
// (Testable Property 10): under MinAge(d), no fetch is planned while
// now-last_success_at <= d; under MustBeFresh, the plan is always
// Unconditional; under StaleIfError, the plan behaves like
// CachedOrFetch but is marked StaleOnError.
func Evaluate(c Context) Plan {
	switch p := c.Policy.(type) {
	case CachedOrFetch:
		if c.CachedValuePresent {
			return backgroundPlan(c)
		}
		return Plan{Kind: Unconditional}

	case MinAge:
		if c.LastStatus.LastSuccessAt != nil && c.Now.Sub(*c.LastStatus.LastSuccessAt) <= p.Age {
			return Plan{Kind: Skip}
		}
		return backgroundPlan(c)

	case MustBeFresh:
		return Plan{Kind: Unconditional}

	case StaleIfError:
		plan := backgroundPlanOrUnconditional(c)
		plan.StaleOnError = true
		return plan

	default:
		return Plan{Kind: Unconditional}
	}
}

// backgroundPlan returns Conditional when an ETag is on record,
// Unconditional otherwise. Used by policies that serve cache
// immediately and refresh in the background.
func backgroundPlan(c Context) Plan {
	if c.LastStatus.ETag != nil {
		return Plan{Kind: Conditional, IfNoneMatch: c.LastStatus.ETag}
	}
	return Plan{Kind: Unconditional}
}

func backgroundPlanOrUnconditional(c Context) Plan {
	if c.CachedValuePresent {
		return backgroundPlan(c)
	}
	return Plan{Kind: Unconditional}
}
