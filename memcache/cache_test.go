package memcache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/continuumlabs/syncstore/clock"
	"github.com/continuumlabs/syncstore/key"
	"github.com/continuumlabs/syncstore/memcache"
)

func TestPutGetRoundTrip(t *testing.T) {
	c := memcache.New[string](2, clock.NewFixed(time.Unix(0, 0)))
	k := key.Identity{NS: "ns", Type: "T", ID: "1"}

	inserted := c.Put(k, "v1")
	assert.True(t, inserted)

	v, ok := c.Get(k)
	require.True(t, ok)
	assert.Equal(t, "v1", v)
}

func TestPutReturnsFalseOnUpdate(t *testing.T) {
	c := memcache.New[string](2, clock.System{})
	k := key.Identity{NS: "ns", Type: "T", ID: "1"}

	assert.True(t, c.Put(k, "v1"))
	assert.False(t, c.Put(k, "v2"))

	v, _ := c.Get(k)
	assert.Equal(t, "v2", v)
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := memcache.New[string](2, clock.System{})
	k1 := key.Identity{NS: "ns", Type: "T", ID: "1"}
	k2 := key.Identity{NS: "ns", Type: "T", ID: "2"}
	k3 := key.Identity{NS: "ns", Type: "T", ID: "3"}

	c.Put(k1, "v1")
	c.Put(k2, "v2")
	// touch k1 so k2 becomes the least recently used entry.
	_, _ = c.Get(k1)
	c.Put(k3, "v3")

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(k2)
	assert.False(t, ok, "k2 should have been evicted as the LRU entry")
	_, ok = c.Get(k1)
	assert.True(t, ok)
	_, ok = c.Get(k3)
	assert.True(t, ok)
}

func TestInvalidateNamespace(t *testing.T) {
	c := memcache.New[string](10, clock.System{})
	a := key.Identity{NS: "a", Type: "T", ID: "1"}
	b := key.Identity{NS: "b", Type: "T", ID: "1"}
	c.Put(a, "va")
	c.Put(b, "vb")

	c.InvalidateNamespace("a")

	_, ok := c.Get(a)
	assert.False(t, ok)
	_, ok = c.Get(b)
	assert.True(t, ok)
}

func TestNeverExceedsMax(t *testing.T) {
	c := memcache.New[int](3, clock.System{})
	for i := 0; i < 100; i++ {
		k := key.Identity{NS: "ns", Type: "T", ID: string(rune('a' + i%26))}
		c.Put(k, i)
		assert.LessOrEqual(t, c.Len(), 3)
	}
}
