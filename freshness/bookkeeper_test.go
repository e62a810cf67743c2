package freshness_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/continuumlabs/syncstore/clock"
	"github.com/continuumlabs/syncstore/freshness"
	"github.com/continuumlabs/syncstore/key"
)

func TestBookkeeperRecordsSuccessAndFailure(t *testing.T) {
	c := clock.NewFixed(time.Unix(1000, 0))
	b := freshness.NewBookkeeper(10, c)
	k := key.Identity{NS: "ns", Type: "T", ID: "1"}

	etag := "E1"
	b.RecordSuccess(k, &etag)
	st := b.Status(k)
	require.NotNil(t, st.LastSuccessAt)
	require.NotNil(t, st.ETag)
	assert.Equal(t, "E1", *st.ETag)

	c.Advance(time.Minute)
	b.RecordFailure(k, errors.New("boom"))
	st = b.Status(k)
	require.NotNil(t, st.LastFailureAt)
	assert.EqualError(t, st.LastError, "boom")
	// ETag survives a failure.
	assert.Equal(t, "E1", *st.ETag)
}

func TestBookkeeperNotModifiedDoesNotClearEtag(t *testing.T) {
	b := freshness.NewBookkeeper(10, clock.System{})
	k := key.Identity{NS: "ns", Type: "T", ID: "1"}
	etag := "E1"
	b.RecordSuccess(k, &etag)
	b.RecordNotModified(k, &etag)
	st := b.Status(k)
	assert.Equal(t, "E1", *st.ETag)
}

func TestBookkeeperInvalidate(t *testing.T) {
	b := freshness.NewBookkeeper(10, clock.System{})
	k := key.Identity{NS: "ns", Type: "T", ID: "1"}
	etag := "E1"
	b.RecordSuccess(k, &etag)
	b.Invalidate(k)
	st := b.Status(k)
	assert.Nil(t, st.LastSuccessAt)
}
