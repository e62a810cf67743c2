package notedomain

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/continuumlabs/syncstore/key"
	"github.com/continuumlabs/syncstore/paginate"
)

// ListKey addresses the single demo-wide note listing paginate.Store
// tracks.
func ListKey() key.Key { return key.Query{NS: "notes", Params: map[string]string{"view": "all"}} }

// ListLoader implements paginate.Loader[Note] over Remote's notes,
// ordered by id, using the item offset as the opaque page token.
type ListLoader struct {
	remote   *Remote
	pageSize int
}

// NewListLoader returns a ListLoader paging pageSize items at a time.
func NewListLoader(remote *Remote, pageSize int) *ListLoader {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &ListLoader{remote: remote, pageSize: pageSize}
}

var _ paginate.Loader[Note] = (*ListLoader)(nil)

// Load implements paginate.Loader. fromToken, when non-nil, is the
// decimal string offset into the id-sorted note list to start from;
// Append reads forward from it, Prepend reads backward ending just
// before it, and Initial treats a nil token as offset 0.
func (l *ListLoader) Load(ctx context.Context, k key.Key, dir paginate.Direction, fromToken *string) (paginate.Page[Note], error) {
	all := l.remote.sortedNotes()

	offset := 0
	if fromToken != nil {
		o, err := strconv.Atoi(*fromToken)
		if err != nil {
			return paginate.Page[Note]{}, fmt.Errorf("notedomain: malformed page token %q: %w", *fromToken, err)
		}
		offset = o
	}

	var start, end int
	switch dir {
	case paginate.Initial, paginate.Append:
		start = offset
		end = min(start+l.pageSize, len(all))
	case paginate.Prepend:
		end = offset
		start = max(0, end-l.pageSize)
	}
	if start > len(all) {
		start = len(all)
	}
	if end < start {
		end = start
	}

	items := make([]Note, end-start)
	for i, row := range all[start:end] {
		items[i] = Note{ID: row.ID, Title: row.Title, Body: row.Body, UpdatedAt: row.UpdatedAt}
	}

	page := paginate.Page[Note]{Items: items}
	if end < len(all) {
		next := strconv.Itoa(end)
		page.Next = &next
	}
	if start > 0 {
		prev := strconv.Itoa(start)
		page.Prev = &prev
	}
	return page, nil
}

func (r *Remote) sortedNotes() []Row {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Row, 0, len(r.notes))
	for _, row := range r.notes {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
