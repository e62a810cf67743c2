package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/continuumlabs/syncstore/telemetry"
)

// NewRouter builds the demo's HTTP surface: the notes CRUD/listing
// API, the WebSocket event feed, and the ambient health, metrics, and
// Swagger documentation endpoints.
//
// @title syncstore demo API
// @version 1.0
// @description Reference HTTP surface over the syncstore read, write, and pagination engines.
// @BasePath /
func NewRouter(deps Deps) *mux.Router {
	router := mux.NewRouter()
	router.Use(telemetry.HTTPMetricsMiddleware)

	router.HandleFunc("/healthz", deps.Healthz).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.PathPrefix("/docs").Handler(httpSwagger.WrapHandler)

	notes := router.PathPrefix("/notes").Subrouter()
	notes.HandleFunc("", deps.ListNotes).Methods(http.MethodGet)
	notes.HandleFunc("", deps.CreateNote).Methods(http.MethodPost)
	notes.HandleFunc("/page/{direction}", deps.LoadMoreNotes).Methods(http.MethodPost)
	notes.HandleFunc("/{id}", deps.GetNote).Methods(http.MethodGet)
	notes.HandleFunc("/{id}", deps.UpdateNote).Methods(http.MethodPatch)
	notes.HandleFunc("/{id}", deps.DeleteNote).Methods(http.MethodDelete)

	router.HandleFunc("/ws/notes", deps.Hub.ServeWS).Methods(http.MethodGet)

	return router
}
