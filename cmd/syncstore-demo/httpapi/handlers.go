// Package httpapi exposes cmd/syncstore-demo's note family over HTTP:
// a JSON CRUD surface backed by store.Store and mutate.Engine, a
// cursor-paginated listing backed by paginate.Store, a WebSocket feed
// of mutation events, and the ambient health/metrics/docs endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/continuumlabs/syncstore/cmd/syncstore-demo/notedomain"
	"github.com/continuumlabs/syncstore/freshness"
	"github.com/continuumlabs/syncstore/mutate"
	"github.com/continuumlabs/syncstore/paginate"
	"github.com/continuumlabs/syncstore/store"
	"github.com/continuumlabs/syncstore/syncerr"
)

// Deps bundles the engine instances the handlers dispatch to.
type Deps struct {
	Store    *store.Store[notedomain.Row, notedomain.Row, notedomain.NetPayload, notedomain.Note]
	Engine   *mutate.Engine[notedomain.Row, notedomain.Note]
	Paginate *paginate.Store[notedomain.Note]
	Hub      *Hub
	Log      *slog.Logger
}

type createRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type patchRequest struct {
	Title  *string `json:"title"`
	Body   *string `json:"body"`
	IfETag *string `json:"if_etag"`
}

func (d Deps) logger() *slog.Logger {
	if d.Log == nil {
		return slog.Default()
	}
	return d.Log
}

// GetNote handles GET /notes/{id}.
//
// @Summary Get a note
// @Tags notes
// @Produce json
// @Param id path string true "Note ID"
// @Success 200 {object} notedomain.Note
// @Failure 404 {object} map[string]string
// @Router /notes/{id} [get]
func (d Deps) GetNote(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	k := notedomain.NoteKey(id)

	note, err := d.Store.Get(r.Context(), k, freshness.CachedOrFetch{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// ListNotes handles GET /notes, returning one cursor-paginated page.
//
// @Summary List notes
// @Tags notes
// @Produce json
// @Param cursor query string false "Opaque page cursor"
// @Success 200 {object} paginate.Snapshot[notedomain.Note]
// @Router /notes [get]
func (d Deps) ListNotes(w http.ResponseWriter, r *http.Request) {
	var cursor *string
	if c := r.URL.Query().Get("cursor"); c != "" {
		cursor = &c
	}

	cfg := paginate.Config{PageSize: 20, PrefetchDistance: 5, MaxSizeItems: 500, PageTTL: time.Minute}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	ch := d.Paginate.Stream(ctx, notedomain.ListKey(), cursor, cfg, freshness.CachedOrFetch{})
	for snap := range ch {
		if snap.LoadStates[paginate.Initial].Status != paginate.Loading {
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}
	writeError(w, ctx.Err())
}

// LoadMoreNotes handles POST /notes/page/{direction}, triggering an
// append or prepend load against the already-streamed listing state.
//
// @Summary Load another page of notes
// @Tags notes
// @Param direction path string true "append or prepend"
// @Success 202 {object} map[string]string
// @Router /notes/page/{direction} [post]
func (d Deps) LoadMoreNotes(w http.ResponseWriter, r *http.Request) {
	dirParam := mux.Vars(r)["direction"]
	var dir paginate.Direction
	switch dirParam {
	case "append":
		dir = paginate.Append
	case "prepend":
		dir = paginate.Prepend
	default:
		http.Error(w, "direction must be append or prepend", http.StatusBadRequest)
		return
	}
	d.Paginate.Load(r.Context(), notedomain.ListKey(), dir, freshness.CachedOrFetch{})
	w.WriteHeader(http.StatusAccepted)
}

// CreateNote handles POST /notes.
//
// @Summary Create a note
// @Tags notes
// @Accept json
// @Produce json
// @Param body body createRequest true "New note"
// @Success 201 {object} map[string]string
// @Router /notes [post]
func (d Deps) CreateNote(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	draft := notedomain.Row{Title: req.Title, Body: req.Body}
	k, result := d.Engine.Create(r.Context(), "notes", "note", draft, mutate.CreatePolicy{
		BasePolicy: mutate.BasePolicy{Optimistic: true},
	})
	if result.Cause != nil {
		writeError(w, result.Cause)
		return
	}

	d.Paginate.Invalidate(notedomain.ListKey())
	d.Hub.Broadcast(Event{Type: "note_created", NoteID: k.String(), Timestamp: time.Now().UTC()})
	writeJSON(w, http.StatusCreated, map[string]string{"id": k.String(), "outcome": result.Outcome.String()})
}

// UpdateNote handles PATCH /notes/{id}.
//
// @Summary Patch a note
// @Tags notes
// @Accept json
// @Produce json
// @Param id path string true "Note ID"
// @Param body body patchRequest true "Fields to update"
// @Success 200 {object} map[string]string
// @Router /notes/{id} [patch]
func (d Deps) UpdateNote(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	k := notedomain.NoteKey(id)

	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	patch := mutate.Patch{}
	if req.Title != nil {
		patch["title"] = *req.Title
	}
	if req.Body != nil {
		patch["body"] = *req.Body
	}

	var pre *mutate.Precondition
	if req.IfETag != nil {
		pre = &mutate.Precondition{IfEtag: req.IfETag}
	}

	result := d.Engine.Update(r.Context(), k, patch, mutate.UpdatePolicy{
		BasePolicy: mutate.BasePolicy{Optimistic: true, Precondition: pre},
	})
	if result.Cause != nil {
		writeError(w, result.Cause)
		return
	}

	d.Hub.Broadcast(Event{Type: "note_updated", NoteID: id, Timestamp: time.Now().UTC()})
	writeJSON(w, http.StatusOK, map[string]string{"outcome": result.Outcome.String()})
}

// DeleteNote handles DELETE /notes/{id}.
//
// @Summary Delete a note
// @Tags notes
// @Param id path string true "Note ID"
// @Success 200 {object} map[string]string
// @Router /notes/{id} [delete]
func (d Deps) DeleteNote(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	k := notedomain.NoteKey(id)

	result := d.Engine.Delete(r.Context(), k, mutate.DeletePolicy{
		BasePolicy: mutate.BasePolicy{Optimistic: true},
	})
	if result.Cause != nil {
		writeError(w, result.Cause)
		return
	}

	d.Paginate.Invalidate(notedomain.ListKey())
	d.Hub.Broadcast(Event{Type: "note_deleted", NoteID: id, Timestamp: time.Now().UTC()})
	writeJSON(w, http.StatusOK, map[string]string{"outcome": result.Outcome.String()})
}

// Healthz handles GET /healthz.
func (d Deps) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, new(*syncerr.NotFoundError)):
		status = http.StatusNotFound
	case errors.As(err, new(*syncerr.PreconditionFailedError)):
		status = http.StatusPreconditionFailed
	case errors.As(err, new(*syncerr.ConflictError)):
		status = http.StatusConflict
	case errors.As(err, new(*syncerr.TimeoutError)):
		status = http.StatusGatewayTimeout
	case errors.As(err, new(*syncerr.OfflineRequiredError)):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
