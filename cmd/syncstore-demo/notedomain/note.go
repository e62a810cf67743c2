// Package notedomain is the demo binary's one domain family: a simple
// "note" record, wired through every engine package the demo exposes
// over HTTP. It exists to give cmd/syncstore-demo concrete types to
// instantiate store.Store, mutate.Engine, and paginate.Store with;
// production consumers of the engine packages would substitute their
// own domain here instead.
package notedomain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/continuumlabs/syncstore/convert"
	"github.com/continuumlabs/syncstore/key"
	"github.com/continuumlabs/syncstore/meta"
)

// Row is both the persisted read and write projection: the store and
// mutation engines are allowed to use the same Go type for ReadDB and
// WriteDB, and the demo does so for simplicity.
type Row struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	ETag      string    `json:"etag"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Note is the domain value handed to Store.Stream/Get subscribers.
type Note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NetPayload is the wire shape a fetchc.Fetcher returns for a note.
type NetPayload struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
	ETag  string `json:"etag"`
}

// Converter implements convert.Converter[NetPayload, Row, Row, Note]
// and convert.OptimisticConverter[Row, Note].
type Converter struct{}

var (
	_ convert.Converter[NetPayload, Row, Row, Note] = Converter{}
	_ convert.OptimisticConverter[Row, Note]         = Converter{}
)

// DecodeNet implements convert.Converter.
func (Converter) DecodeNet(body []byte) (NetPayload, error) {
	var p NetPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return NetPayload{}, fmt.Errorf("notedomain: decode net payload: %w", err)
	}
	return p, nil
}

// NetToWrite implements convert.Converter.
func (Converter) NetToWrite(k key.Key, out NetPayload) (Row, error) {
	return Row{ID: out.ID, Title: out.Title, Body: out.Body, ETag: out.ETag, UpdatedAt: time.Now().UTC()}, nil
}

// ReadToDomain implements convert.Converter.
func (Converter) ReadToDomain(k key.Key, row Row) (Note, error) {
	return Note{ID: row.ID, Title: row.Title, Body: row.Body, UpdatedAt: row.UpdatedAt}, nil
}

// ReadMeta implements convert.Converter.
func (Converter) ReadMeta(row Row) *meta.Meta {
	if row.ETag == "" {
		return nil
	}
	etag := row.ETag
	return &meta.Meta{ETag: &etag}
}

// NetMeta implements convert.Converter.
func (Converter) NetMeta(out NetPayload) meta.Meta {
	if out.ETag == "" {
		return meta.Meta{}
	}
	etag := out.ETag
	return meta.Meta{ETag: &etag}
}

// DomainToWrite implements convert.OptimisticConverter: every note
// supports optimistic writes, so it always returns ok=true.
func (Converter) DomainToWrite(k key.Key, v Note) (Row, bool) {
	return Row{ID: v.ID, Title: v.Title, Body: v.Body, UpdatedAt: time.Now().UTC()}, true
}

// NoteKey addresses one note by id.
func NoteKey(id string) key.Key { return key.Identity{NS: "notes", Type: "note", ID: id} }

func encodeNet(p NetPayload) ([]byte, error) { return json.Marshal(p) }
