package freshness_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/continuumlabs/syncstore/freshness"
	"github.com/continuumlabs/syncstore/meta"
)

func ptr[T any](v T) *T { return &v }

func TestCachedOrFetchNoCacheIsUnconditional(t *testing.T) {
	p := freshness.Evaluate(freshness.Context{Policy: freshness.CachedOrFetch{}})
	assert.Equal(t, freshness.Unconditional, p.Kind)
}

func TestCachedOrFetchWithCacheAndEtagIsConditional(t *testing.T) {
	p := freshness.Evaluate(freshness.Context{
		Policy:             freshness.CachedOrFetch{},
		CachedValuePresent: true,
		LastStatus:         meta.Meta{ETag: ptr("E0")},
	})
	assert.Equal(t, freshness.Conditional, p.Kind)
	assert.Equal(t, "E0", *p.IfNoneMatch)
}

func TestMinAgeSkipsWithinWindow(t *testing.T) {
	now := time.Now()
	recent := now.Add(-time.Second)
	p := freshness.Evaluate(freshness.Context{
		Policy:     freshness.MinAge{Age: time.Minute},
		LastStatus: meta.Meta{LastSuccessAt: &recent},
		Now:        now,
	})
	assert.Equal(t, freshness.Skip, p.Kind)
}

func TestMinAgeFetchesPastWindow(t *testing.T) {
	now := time.Now()
	old := now.Add(-time.Hour)
	p := freshness.Evaluate(freshness.Context{
		Policy:     freshness.MinAge{Age: time.Minute},
		LastStatus: meta.Meta{LastSuccessAt: &old},
		Now:        now,
	})
	assert.NotEqual(t, freshness.Skip, p.Kind)
}

func TestMustBeFreshAlwaysUnconditional(t *testing.T) {
	p := freshness.Evaluate(freshness.Context{
		Policy:             freshness.MustBeFresh{},
		CachedValuePresent: true,
		LastStatus:         meta.Meta{ETag: ptr("E0")},
	})
	assert.Equal(t, freshness.Unconditional, p.Kind)
}

func TestStaleIfErrorMarksPlan(t *testing.T) {
	p := freshness.Evaluate(freshness.Context{
		Policy:             freshness.StaleIfError{},
		CachedValuePresent: true,
	})
	assert.True(t, p.StaleOnError)
}
