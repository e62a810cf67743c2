package notedomain

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/continuumlabs/syncstore/fetchc"
	"github.com/continuumlabs/syncstore/key"
	"github.com/continuumlabs/syncstore/mutate"
	"github.com/continuumlabs/syncstore/syncerr"
)

// Remote is an in-process stand-in for the authoritative server the
// demo binary would otherwise dispatch mutations to and fetch from
// over the network. It implements both fetchc.Fetcher and
// mutate.Dispatcher[Row] so cmd/syncstore-demo can run without any
// external dependency, the same role the teacher's MockLLMServer plays
// for its own integration tests.
type Remote struct {
	mu    sync.Mutex
	notes map[string]Row
}

// NewRemote creates an empty Remote.
func NewRemote() *Remote {
	return &Remote{notes: make(map[string]Row)}
}

var _ fetchc.Fetcher = (*Remote)(nil)
var _ mutate.Dispatcher[Row] = (*Remote)(nil)

// Fetch implements fetchc.Fetcher.
func (r *Remote) Fetch(ctx context.Context, k key.Key, req fetchc.FetchRequest) <-chan fetchc.Outcome {
	ch := make(chan fetchc.Outcome, 1)
	go func() {
		defer close(ch)
		r.mu.Lock()
		row, ok := r.notes[k.String()]
		r.mu.Unlock()
		if !ok {
			select {
			case ch <- fetchc.Error{Cause: &syncerr.NotFoundError{Key: k}}:
			case <-ctx.Done():
			}
			return
		}
		if req.IfNoneMatch != nil && *req.IfNoneMatch == row.ETag {
			select {
			case ch <- fetchc.NotModified{ETag: &row.ETag}:
			case <-ctx.Done():
			}
			return
		}
		payload := NetPayload{ID: row.ID, Title: row.Title, Body: row.Body, ETag: row.ETag}
		body, err := encodeNet(payload)
		if err != nil {
			select {
			case ch <- fetchc.Error{Cause: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case ch <- fetchc.Success{Body: body, ETag: &row.ETag}:
		case <-ctx.Done():
		}
	}()
	return ch
}

// Update implements mutate.Dispatcher.
func (r *Remote) Update(ctx context.Context, k key.Key, patch mutate.Patch, pre *mutate.Precondition) (Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.notes[k.String()]
	if !ok {
		return Row{}, &syncerr.NotFoundError{Key: k}
	}
	if pre != nil && pre.IfEtag != nil && *pre.IfEtag != row.ETag {
		return Row{}, &syncerr.PreconditionFailedError{Key: k}
	}
	if title, ok := patch["title"].(string); ok {
		row.Title = title
	}
	if body, ok := patch["body"].(string); ok {
		row.Body = body
	}
	row.ETag = newETag()
	row.UpdatedAt = time.Now().UTC()
	r.notes[k.String()] = row
	return row, nil
}

// Create implements mutate.Dispatcher.
func (r *Remote) Create(ctx context.Context, draft Row) (key.Key, Row, error) {
	id := uuid.NewString()
	row := draft
	row.ID = id
	row.ETag = newETag()
	row.UpdatedAt = time.Now().UTC()

	r.mu.Lock()
	k := NoteKey(id)
	r.notes[k.String()] = row
	r.mu.Unlock()

	return k, row, nil
}

// Delete implements mutate.Dispatcher.
func (r *Remote) Delete(ctx context.Context, k key.Key, pre *mutate.Precondition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.notes[k.String()]
	if !ok {
		return &syncerr.NotFoundError{Key: k}
	}
	if pre != nil && pre.IfEtag != nil && *pre.IfEtag != row.ETag {
		return &syncerr.PreconditionFailedError{Key: k}
	}
	delete(r.notes, k.String())
	return nil
}

// Upsert implements mutate.Dispatcher.
func (r *Remote) Upsert(ctx context.Context, k key.Key, value Row, pre *mutate.Precondition) (Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.notes[k.String()]; ok && pre != nil && pre.IfEtag != nil && *pre.IfEtag != existing.ETag {
		return Row{}, &syncerr.PreconditionFailedError{Key: k}
	}
	value.ETag = newETag()
	value.UpdatedAt = time.Now().UTC()
	r.notes[k.String()] = value
	return value, nil
}

// Replace implements mutate.Dispatcher.
func (r *Remote) Replace(ctx context.Context, k key.Key, value Row, pre *mutate.Precondition) (Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.notes[k.String()]
	if !ok {
		return Row{}, &syncerr.NotFoundError{Key: k}
	}
	if pre != nil && pre.IfEtag != nil && *pre.IfEtag != existing.ETag {
		return Row{}, &syncerr.PreconditionFailedError{Key: k}
	}
	value.ETag = newETag()
	value.UpdatedAt = time.Now().UTC()
	r.notes[k.String()] = value
	return value, nil
}

func newETag() string { return uuid.NewString() }
