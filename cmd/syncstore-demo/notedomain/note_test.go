package notedomain_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/continuumlabs/syncstore/cmd/syncstore-demo/notedomain"
	"github.com/continuumlabs/syncstore/fetchc"
	"github.com/continuumlabs/syncstore/mutate"
	"github.com/continuumlabs/syncstore/paginate"
)

func TestConverter_RoundTripsNetToWriteToDomain(t *testing.T) {
	conv := notedomain.Converter{}
	k := notedomain.NoteKey("1")

	net, err := conv.DecodeNet([]byte(`{"id":"1","title":"t","body":"b","etag":"e1"}`))
	require.NoError(t, err)
	assert.Equal(t, "e1", net.ETag)

	row, err := conv.NetToWrite(k, net)
	require.NoError(t, err)
	assert.Equal(t, "t", row.Title)

	domain, err := conv.ReadToDomain(k, row)
	require.NoError(t, err)
	assert.Equal(t, "b", domain.Body)

	meta := conv.ReadMeta(row)
	require.NotNil(t, meta)
	assert.Equal(t, "e1", *meta.ETag)
}

func TestConverter_ReadMetaNilWithoutETag(t *testing.T) {
	conv := notedomain.Converter{}
	assert.Nil(t, conv.ReadMeta(notedomain.Row{}))
}

func TestConverter_DomainToWriteAlwaysOptimistic(t *testing.T) {
	conv := notedomain.Converter{}
	row, ok := conv.DomainToWrite(notedomain.NoteKey("1"), notedomain.Note{ID: "1", Title: "t"})
	assert.True(t, ok)
	assert.Equal(t, "t", row.Title)
}

func TestRemote_FetchNotFound(t *testing.T) {
	r := notedomain.NewRemote()
	ch := r.Fetch(context.Background(), notedomain.NoteKey("missing"), fetchc.FetchRequest{})
	outcome := <-ch
	_, ok := outcome.(fetchc.Error)
	assert.True(t, ok)
}

func TestRemote_CreateThenFetchThenConditionalNotModified(t *testing.T) {
	ctx := context.Background()
	r := notedomain.NewRemote()

	k, row, err := r.Create(ctx, notedomain.Row{Title: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, row.ETag)

	outcome := <-r.Fetch(ctx, k, fetchc.FetchRequest{})
	success, ok := outcome.(fetchc.Success)
	require.True(t, ok)
	assert.Equal(t, row.ETag, *success.ETag)

	outcome = <-r.Fetch(ctx, k, fetchc.FetchRequest{IfNoneMatch: success.ETag})
	_, notModified := outcome.(fetchc.NotModified)
	assert.True(t, notModified)
}

func TestRemote_UpdateRejectsStaleETag(t *testing.T) {
	ctx := context.Background()
	r := notedomain.NewRemote()
	k, row, err := r.Create(ctx, notedomain.Row{Title: "hello"})
	require.NoError(t, err)

	stale := "not-the-real-etag"
	_, err = r.Update(ctx, k, mutate.Patch{"title": "x"}, &mutate.Precondition{IfEtag: &stale})
	require.Error(t, err)

	_, err = r.Update(ctx, k, mutate.Patch{"title": "x"}, &mutate.Precondition{IfEtag: &row.ETag})
	require.NoError(t, err)
}

func TestListLoader_PagesForwardAndBackward(t *testing.T) {
	ctx := context.Background()
	r := notedomain.NewRemote()
	for i := 0; i < 5; i++ {
		_, _, err := r.Create(ctx, notedomain.Row{Title: "note"})
		require.NoError(t, err)
	}

	loader := notedomain.NewListLoader(r, 2)
	page, err := loader.Load(ctx, notedomain.ListKey(), paginate.Initial, nil)
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	require.NotNil(t, page.Next)
	assert.Nil(t, page.Prev)

	next, err := loader.Load(ctx, notedomain.ListKey(), paginate.Append, page.Next)
	require.NoError(t, err)
	assert.Len(t, next.Items, 2)
	require.NotNil(t, next.Prev)

	back, err := loader.Load(ctx, notedomain.ListKey(), paginate.Prepend, next.Prev)
	require.NoError(t, err)
	assert.Equal(t, page.Items, back.Items)
}
