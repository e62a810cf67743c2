package key_test

import (
	"testing"

	"github.com/continuumlabs/syncstore/key"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityHashStableAcrossInstances(t *testing.T) {
	a := key.Identity{NS: "users", Type: "User", ID: "1"}
	b := key.Identity{NS: "users", Type: "User", ID: "1"}
	c := key.Identity{NS: "users", Type: "User", ID: "2"}

	require.Equal(t, a.StableHash(), b.StableHash())
	assert.NotEqual(t, a.StableHash(), c.StableHash())
}

func TestQueryHashOrderInsensitive(t *testing.T) {
	a := key.Query{NS: "search", Params: map[string]string{"q": "go", "page": "1"}}
	b := key.Query{NS: "search", Params: map[string]string{"page": "1", "q": "go"}}

	assert.Equal(t, a.StableHash(), b.StableHash())
	assert.Equal(t, a.String(), b.String())
}

func TestQueryHashSensitiveToValues(t *testing.T) {
	a := key.Query{NS: "search", Params: map[string]string{"q": "go"}}
	b := key.Query{NS: "search", Params: map[string]string{"q": "rust"}}
	assert.NotEqual(t, a.StableHash(), b.StableHash())
}

func TestCustomKeyUsesSuppliedHash(t *testing.T) {
	c := key.Custom{NS: "plugin", Opaque: "anything", Hash: 1234}
	assert.Equal(t, uint64(1234), c.StableHash())
	assert.Equal(t, "plugin", c.Namespace())
}

func TestEntityString(t *testing.T) {
	e := key.Entity{Type: "User", ID: "100"}
	assert.Equal(t, "User#100", e.String())
}
