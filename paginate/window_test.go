package paginate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pageOf(items ...string) Page[string] {
	return Page[string]{Items: items}
}

func TestTrimWindow_DropsFrontPagesAfterAppend(t *testing.T) {
	pages := []Page[string]{pageOf("a", "b"), pageOf("c", "d"), pageOf("e", "f")}
	out := trimWindow(pages, 4, Append)

	require.Len(t, out, 2)
	assert.Equal(t, []string{"c", "d"}, out[0].Items)
	assert.Equal(t, []string{"e", "f"}, out[1].Items)
}

func TestTrimWindow_DropsBackPagesAfterPrepend(t *testing.T) {
	pages := []Page[string]{pageOf("a", "b"), pageOf("c", "d"), pageOf("e", "f")}
	out := trimWindow(pages, 4, Prepend)

	require.Len(t, out, 2)
	assert.Equal(t, []string{"a", "b"}, out[0].Items)
	assert.Equal(t, []string{"c", "d"}, out[1].Items)
}

func TestTrimWindow_PartiallyTrimsBoundaryPageWhenWholeDropWouldUndershoot(t *testing.T) {
	pages := []Page[string]{pageOf("a", "b", "c"), pageOf("d", "e")}
	out := trimWindow(pages, 3, Append)

	require.Len(t, out, 2)
	assert.Equal(t, []string{"c"}, out[0].Items)
	assert.Equal(t, []string{"d", "e"}, out[1].Items)
}

func TestTrimWindow_SlicesOversizedSoloPageToMostRecentOnAppend(t *testing.T) {
	pages := []Page[string]{pageOf("a", "b", "c", "d", "e")}
	out := trimWindow(pages, 2, Append)

	require.Len(t, out, 1)
	assert.Equal(t, []string{"d", "e"}, out[0].Items)
}

func TestTrimWindow_SlicesOversizedSoloPageToFirstOnPrepend(t *testing.T) {
	pages := []Page[string]{pageOf("a", "b", "c", "d", "e")}
	out := trimWindow(pages, 2, Prepend)

	require.Len(t, out, 1)
	assert.Equal(t, []string{"a", "b"}, out[0].Items)
}

func TestTrimWindow_SlicesOversizedSoloPageOnInitial(t *testing.T) {
	pages := []Page[string]{pageOf("a", "b", "c", "d", "e")}
	out := trimWindow(pages, 2, Initial)

	require.Len(t, out, 1)
	assert.Equal(t, []string{"d", "e"}, out[0].Items)
}

func TestTrimWindow_PreservesPageTokensAcrossPartialTrim(t *testing.T) {
	n1, p1 := "n1", "p1"
	pages := []Page[string]{
		{Items: []string{"a", "b", "c"}, Prev: &p1, Next: &n1},
	}
	pages = append(pages, pageOf("d", "e"))
	out := trimWindow(pages, 3, Append)

	require.Len(t, out, 2)
	// The surviving boundary page's own Prev/Next tokens describe what
	// lies beyond it, not beyond whichever of its items are still
	// buffered, so partial item trimming must not alter them.
	assert.Equal(t, &n1, out[0].Next)
}

func TestNextAndPrevTokenDerivation(t *testing.T) {
	n, p := "n", "p"
	pages := []Page[string]{
		{Items: []string{"a"}, Prev: &p},
		{Items: []string{"b"}, Next: &n},
	}
	assert.Equal(t, &n, nextToken(pages))
	assert.Equal(t, &p, prevToken(pages))
}
