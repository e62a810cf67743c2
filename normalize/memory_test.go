package normalize_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/continuumlabs/syncstore/key"
	"github.com/continuumlabs/syncstore/meta"
	"github.com/continuumlabs/syncstore/normalize"
)

func TestMemoryBackend_ApplyThenReadOne(t *testing.T) {
	ctx := context.Background()
	b := normalize.NewMemoryBackend()
	e := key.Entity{Type: "user", ID: "1"}

	cs := normalize.NewChangeSet()
	cs.Upsert(e, normalize.Record{"name": normalize.Scalar("ada")}, nil, meta.EntityMeta{})
	_, err := b.Apply(ctx, cs)
	require.NoError(t, err)

	rec, err := b.ReadOne(ctx, e)
	require.NoError(t, err)
	require.NotNil(t, rec)
	name, _ := (*rec)["name"].AsScalar()
	assert.Equal(t, "ada", name)
}

func TestMemoryBackend_RekeyRewritesReferencesEverywhere(t *testing.T) {
	ctx := context.Background()
	b := normalize.NewMemoryBackend()
	author := key.Entity{Type: "user", ID: "tmp-1"}
	post := key.Entity{Type: "post", ID: "99"}

	setup := normalize.NewChangeSet()
	setup.Upsert(author, normalize.Record{"name": normalize.Scalar("ada")}, nil, meta.EntityMeta{})
	setup.Upsert(post, normalize.Record{
		"title":  normalize.Scalar("hello"),
		"author": normalize.Ref(author),
	}, nil, meta.EntityMeta{})
	_, err := b.Apply(ctx, setup)
	require.NoError(t, err)

	canonical := key.Entity{Type: "user", ID: "42"}
	rekey := normalize.NewChangeSet()
	rekey.AddRekey(author, canonical)
	_, err = b.Apply(ctx, rekey)
	require.NoError(t, err)

	oldRec, err := b.ReadOne(ctx, author)
	require.NoError(t, err)
	assert.Nil(t, oldRec)

	newRec, err := b.ReadOne(ctx, canonical)
	require.NoError(t, err)
	require.NotNil(t, newRec)

	postRec, err := b.ReadOne(ctx, post)
	require.NoError(t, err)
	require.NotNil(t, postRec)
	ref, ok := (*postRec)["author"].AsRef()
	require.True(t, ok)
	assert.Equal(t, canonical, ref, "rekey must rewrite every Ref pointing at the old key")
}

func TestMemoryBackend_DeleteRetainsTombstone(t *testing.T) {
	ctx := context.Background()
	b := normalize.NewMemoryBackend()
	e := key.Entity{Type: "user", ID: "1"}

	cs := normalize.NewChangeSet()
	cs.Upsert(e, normalize.Record{"name": normalize.Scalar("ada")}, nil, meta.EntityMeta{})
	_, err := b.Apply(ctx, cs)
	require.NoError(t, err)

	del := normalize.NewChangeSet()
	del.Delete(e)
	_, err = b.Apply(ctx, del)
	require.NoError(t, err)

	rec, err := b.ReadOne(ctx, e)
	require.NoError(t, err)
	assert.Nil(t, rec)

	m := b.ReadMetaBatch(ctx, []key.Entity{e})
	require.Contains(t, m, e)
	assert.True(t, m[e].Tombstone)
}

func TestMemoryBackend_ApplyEmitsTouchedRoots(t *testing.T) {
	ctx := context.Background()
	b := normalize.NewMemoryBackend()
	e := key.Entity{Type: "user", ID: "1"}
	root := normalize.RootRef{RequestKey: key.Identity{NS: "ns", Type: "user", ID: "1"}, ShapeID: "profile"}
	require.NoError(t, b.SetDependencies(ctx, root, []key.Entity{e}))

	cs := normalize.NewChangeSet()
	cs.Upsert(e, normalize.Record{"name": normalize.Scalar("ada")}, nil, meta.EntityMeta{})
	roots, err := b.Apply(ctx, cs)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, root.ID(), roots[0].ID())
}
