package paginate

// applyInitialPage replaces the whole page list with a single Initial
// page, matching spec.md §4.9's INITIAL token rule: INITIAL always
// replaces rather than appends or prepends.
func applyInitialPage[Item any](p Page[Item]) []Page[Item] {
	return []Page[Item]{p}
}

// applyAppendPage adds p to the tail of pages.
func applyAppendPage[Item any](pages []Page[Item], p Page[Item]) []Page[Item] {
	return append(append([]Page[Item]{}, pages...), p)
}

// applyPrependPage adds p to the head of pages.
func applyPrependPage[Item any](pages []Page[Item], p Page[Item]) []Page[Item] {
	return append([]Page[Item]{p}, pages...)
}

// nextToken returns the token to continue appending from, derived from
// the tail page, or nil if there are no pages.
func nextToken[Item any](pages []Page[Item]) *string {
	if len(pages) == 0 {
		return nil
	}
	return pages[len(pages)-1].Next
}

// prevToken returns the token to continue prepending from, derived from
// the head page, or nil if there are no pages.
func prevToken[Item any](pages []Page[Item]) *string {
	if len(pages) == 0 {
		return nil
	}
	return pages[0].Prev
}

func countItems[Item any](pages []Page[Item]) int {
	n := 0
	for _, p := range pages {
		n += len(p.Items)
	}
	return n
}

func flattenItems[Item any](pages []Page[Item]) []Item {
	out := make([]Item, 0, countItems(pages))
	for _, p := range pages {
		out = append(out, p.Items...)
	}
	return out
}

// trimWindow enforces maxSize by dropping whole pages from the side
// opposite lastLoaded first, then trimming items out of the remaining
// boundary page on that same side. A page's own Prev/Next tokens are
// never altered by item-level trimming: a token describes what lies
// beyond the page, not beyond whichever items of it are still buffered,
// so partial trimming never invalidates pagination in that direction.
//
// If a single page (necessarily the one just loaded) by itself exceeds
// maxSize, it is sliced down to maxSize items: the most-recent maxSize
// items for APPEND/INITIAL, the first maxSize items for PREPEND. The
// item bound must hold even against one oversized boundary page.
func trimWindow[Item any](pages []Page[Item], maxSize int, lastLoaded Direction) []Page[Item] {
	if maxSize <= 0 || len(pages) == 0 {
		return pages
	}

	dropFront := lastLoaded != Prepend
	pages = append([]Page[Item]{}, pages...)
	total := countItems(pages)

	for total > maxSize && len(pages) > 1 {
		var boundaryLen int
		if dropFront {
			boundaryLen = len(pages[0].Items)
		} else {
			boundaryLen = len(pages[len(pages)-1].Items)
		}

		if total-boundaryLen >= maxSize {
			// Dropping the whole boundary page still meets the budget:
			// prefer that over slicing, it's cheaper and keeps every
			// remaining page's tokens intact.
			if dropFront {
				pages = pages[1:]
			} else {
				pages = pages[:len(pages)-1]
			}
			total -= boundaryLen
			continue
		}

		// Dropping the whole page would undershoot the budget, so slice
		// just enough items off it instead. Its own Prev/Next tokens are
		// left untouched: they describe what lies beyond the page, not
		// beyond whichever of its items are still buffered.
		excess := total - maxSize
		if dropFront {
			b := pages[0]
			b.Items = append([]Item(nil), b.Items[excess:]...)
			pages[0] = b
		} else {
			last := len(pages) - 1
			b := pages[last]
			b.Items = append([]Item(nil), b.Items[:len(b.Items)-excess]...)
			pages[last] = b
		}
		total = maxSize
		break
	}

	// A single remaining page that alone still exceeds maxSize is
	// necessarily the page just loaded. Keep the most-recent maxSize
	// items for APPEND/INITIAL (the tail), the first maxSize for
	// PREPEND (the head).
	if len(pages) == 1 && total > maxSize {
		b := pages[0]
		if dropFront {
			b.Items = append([]Item(nil), b.Items[len(b.Items)-maxSize:]...)
		} else {
			b.Items = append([]Item(nil), b.Items[:maxSize]...)
		}
		pages[0] = b
	}

	return pages
}
