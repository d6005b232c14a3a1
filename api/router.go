// Package api is the lobby's HTTP surface: the worker queue protocol
// under /q/, and the room endpoints the UI consumes (slots, manifests,
// generation status and logs).
package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/multiworld/lobby/api/middleware"
	"github.com/multiworld/lobby/internal/config"
	"github.com/multiworld/lobby/internal/dispatch"
	"github.com/multiworld/lobby/internal/logstream"
	"github.com/multiworld/lobby/internal/manifests"
	"github.com/multiworld/lobby/internal/orchestrator"
	"github.com/multiworld/lobby/internal/queue"
	"github.com/multiworld/lobby/internal/rooms"
	apperrors "github.com/multiworld/lobby/pkg/errors"
	"github.com/multiworld/lobby/pkg/telemetry"
)

// Server bundles the handlers' dependencies.
type Server struct {
	cfg        config.Config
	broker     *queue.Broker
	dispatcher *dispatch.Dispatcher
	validation *orchestrator.Validation
	generation *orchestrator.Generation
	rooms      *rooms.Store
	manifests  *manifests.Store
	catalog    orchestrator.Catalog
	logs       *logstream.Registry
	log        *telemetry.Logger
}

// NewServer wires the API server.
func NewServer(
	cfg config.Config,
	broker *queue.Broker,
	dispatcher *dispatch.Dispatcher,
	validation *orchestrator.Validation,
	generation *orchestrator.Generation,
	roomStore *rooms.Store,
	manifestStore *manifests.Store,
	catalog orchestrator.Catalog,
	logs *logstream.Registry,
	log *telemetry.Logger,
) *Server {
	if log == nil {
		log = telemetry.Nop
	}
	return &Server{
		cfg:        cfg,
		broker:     broker,
		dispatcher: dispatcher,
		validation: validation,
		generation: generation,
		rooms:      roomStore,
		manifests:  manifestStore,
		catalog:    catalog,
		logs:       logs,
		log:        log,
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// Worker queue protocol. The worker endpoints require the queue's
	// pre-shared bearer token; stats requires the admin token.
	q := r.PathPrefix("/q/{queue}").Subrouter()
	q.HandleFunc("/reserve", s.queueAuth(s.handleReserve)).Methods(http.MethodPost)
	q.HandleFunc("/{job_id}/heartbeat", s.queueAuth(s.handleHeartbeat)).Methods(http.MethodPost)
	q.HandleFunc("/{job_id}/complete", s.queueAuth(s.handleComplete)).Methods(http.MethodPost)
	q.HandleFunc("/{job_id}/log", s.queueAuth(s.handleLogAppend)).Methods(http.MethodPost)
	q.HandleFunc("/stats", s.adminAuth(s.handleQueueStats)).Methods(http.MethodGet)

	// Room endpoints consumed by the UI.
	r.HandleFunc("/rooms", s.adminAuth(s.handleRoomCreate)).Methods(http.MethodPost)
	room := r.PathPrefix("/room/{id}").Subrouter()
	room.HandleFunc("/slots", s.handleSlotList).Methods(http.MethodGet)
	room.HandleFunc("/slots/{slot_id}", s.handleSlotUpload).Methods(http.MethodPut, http.MethodPost)
	room.HandleFunc("/manifest", s.handleManifestGet).Methods(http.MethodGet)
	room.HandleFunc("/manifest", s.handleManifestPut).Methods(http.MethodPost)
	room.HandleFunc("/generation", s.handleGenerationSubmit).Methods(http.MethodPost)
	room.HandleFunc("/generation", s.handleGenerationCancel).Methods(http.MethodDelete)
	room.HandleFunc("/generation/status", s.handleGenerationStatus).Methods(http.MethodGet)
	room.HandleFunc("/generation/logs/stream", s.handleGenerationLogs).Methods(http.MethodGet)
	room.HandleFunc("/generation/artifact", s.handleArtifact).Methods(http.MethodGet)

	return middleware.Recoverer(s.log, r)
}

// queueAuth resolves the per-queue pre-shared token from config.
func (s *Server) queueAuth(next http.HandlerFunc) http.HandlerFunc {
	return middleware.Bearer(func(r *http.Request) string {
		return s.cfg.QueueToken(mux.Vars(r)["queue"])
	}, next)
}

func (s *Server) adminAuth(next http.HandlerFunc) http.HandlerFunc {
	return middleware.Bearer(func(*http.Request) string { return s.cfg.AdminToken }, next)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if s.catalog.Snapshot() == nil {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	apperrors.WriteHTTP(w, err)
}
