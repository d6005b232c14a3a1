package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/multiworld/lobby/internal/index"
	"github.com/multiworld/lobby/internal/manifests"
	"github.com/multiworld/lobby/internal/queue"
	"github.com/multiworld/lobby/internal/rooms"
	apperrors "github.com/multiworld/lobby/pkg/errors"
)

const maxPlayerFileBytes = 1 << 20 // 1 MiB

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The status socket carries no client input; origin enforcement is
	// the outer proxy's concern.
	CheckOrigin: func(*http.Request) bool { return true },
}

type roomCreateRequest struct {
	Name              string `json:"name"`
	ValidationEnabled *bool  `json:"validation_enabled,omitempty"`
	AllowInvalid      bool   `json:"allow_invalid,omitempty"`
}

func (s *Server) handleRoomCreate(w http.ResponseWriter, r *http.Request) {
	var req roomCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apperrors.Newf(apperrors.ManifestInvalid, "invalid body: %v", err))
		return
	}
	room := rooms.Room{
		ID:                uuid.NewString(),
		Name:              req.Name,
		ValidationEnabled: true,
		AllowInvalid:      req.AllowInvalid,
	}
	if req.ValidationEnabled != nil {
		room.ValidationEnabled = *req.ValidationEnabled
	}
	if err := s.rooms.CreateRoom(r.Context(), room); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": room.ID})
}

type slotView struct {
	SlotID          string            `json:"slot_id"`
	Filename        string            `json:"filename"`
	Status          rooms.SlotStatus  `json:"status"`
	Error           string            `json:"error,omitempty"`
	LastValidatedAt string            `json:"last_validated_at,omitempty"`
	Worlds          []rooms.SlotWorld `json:"worlds,omitempty"`
}

func (s *Server) handleSlotList(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	slots, err := s.rooms.ListSlots(r.Context(), roomID)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]slotView, 0, len(slots))
	for _, slot := range slots {
		sv := slotView{
			SlotID:   slot.SlotID,
			Filename: slot.Filename,
			Status:   slot.Status,
			Error:    slot.Error,
			Worlds:   slot.Worlds,
		}
		if slot.LastValidatedAt != nil {
			sv.LastValidatedAt = slot.LastValidatedAt.Format(time.RFC3339)
		}
		out = append(out, sv)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSlotUpload stores one player file and enqueues its validation.
func (s *Server) handleSlotUpload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	roomID, slotID := vars["id"], vars["slot_id"]
	content, err := io.ReadAll(io.LimitReader(r.Body, maxPlayerFileBytes+1))
	if err != nil {
		writeErr(w, apperrors.Newf(apperrors.QueueInvalid, "reading body: %v", err))
		return
	}
	if len(content) > maxPlayerFileBytes {
		writeErr(w, apperrors.Newf(apperrors.QueueOversize, "player file exceeds %d bytes", maxPlayerFileBytes))
		return
	}
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		filename = slotID + ".yaml"
	}
	jobID, err := s.validation.SubmitFile(r.Context(), roomID, slotID, filename, content)
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := map[string]string{"status": "accepted"}
	if jobID != "" {
		resp["job_id"] = jobID
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type manifestView struct {
	NewWorldPolicy string                  `json:"new_world_policy"`
	Entries        map[string]entryView    `json:"entries"`
	Resolved       []resolvedView          `json:"resolved"`
	Stale          []string                `json:"stale,omitempty"`
	Errors         []string                `json:"errors,omitempty"`
	SnapshotID     string                  `json:"manifest_snapshot_id"`
	Degraded       bool                    `json:"degraded,omitempty"`
	Worlds         map[string]worldSummary `json:"worlds"`
}

type entryView struct {
	Enabled bool   `json:"enabled"`
	Version string `json:"version"`
}

type resolvedView struct {
	World   string `json:"world"`
	Version string `json:"version"`
	Digest  string `json:"digest,omitempty"`
}

type worldSummary struct {
	DisplayName string   `json:"display_name"`
	Home        string   `json:"home,omitempty"`
	Versions    []string `json:"versions"`
}

func (s *Server) handleManifestGet(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	if _, err := s.rooms.GetRoom(r.Context(), roomID); err != nil {
		writeErr(w, err)
		return
	}
	snap := s.catalog.Snapshot()
	if snap == nil {
		writeErr(w, apperrors.Newf(apperrors.IndexSyncFailed, "catalog not loaded yet"))
		return
	}
	m, err := s.manifests.Get(r.Context(), roomID, manifests.KindRoom)
	if err != nil {
		writeErr(w, err)
		return
	}
	resolved := index.Resolve(m, snap)

	view := manifestView{
		NewWorldPolicy: string(m.NewWorldPolicy),
		Entries:        make(map[string]entryView, len(m.Entries)),
		Resolved:       make([]resolvedView, 0, len(resolved.Worlds)),
		Stale:          resolved.Stale,
		SnapshotID:     resolved.SnapshotID(),
		Degraded:       s.catalog.Degraded(),
		Worlds:         make(map[string]worldSummary, snap.Len()),
	}
	for id, e := range m.Entries {
		view.Entries[id] = entryView{Enabled: e.Enabled, Version: e.Version.String()}
	}
	for _, rw := range resolved.Worlds {
		view.Resolved = append(view.Resolved, resolvedView{World: rw.WorldID, Version: rw.Version.String(), Digest: rw.Digest})
	}
	for _, e := range resolved.Errors {
		view.Errors = append(view.Errors, e.Error())
	}
	for _, id := range snap.WorldIDs() {
		world, _ := snap.World(id)
		versions := world.SortedVersions()
		vs := make([]string, 0, len(versions))
		for _, v := range versions {
			vs = append(vs, v.String())
		}
		view.Worlds[id] = worldSummary{DisplayName: world.DisplayName, Home: world.Home, Versions: vs}
	}
	writeJSON(w, http.StatusOK, view)
}

// handleManifestPut re-parses the form-encoded field groups
// (room.me.enabled.*, room.me.version.*) and writes the manifest
// atomically after validating it against the current catalog.
func (s *Server) handleManifestPut(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	if _, err := s.rooms.GetRoom(r.Context(), roomID); err != nil {
		writeErr(w, err)
		return
	}
	snap := s.catalog.Snapshot()
	if snap == nil {
		writeErr(w, apperrors.Newf(apperrors.IndexSyncFailed, "catalog not loaded yet"))
		return
	}
	if err := r.ParseForm(); err != nil {
		writeErr(w, apperrors.Newf(apperrors.ManifestInvalid, "invalid form: %v", err))
		return
	}
	m, err := manifests.ParseForm(r.PostForm, snap)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.manifests.Put(r.Context(), roomID, manifests.KindRoom, m, snap); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGenerationSubmit(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	jobID, err := s.generation.Submit(r.Context(), roomID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleGenerationCancel(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	if err := s.generation.Cancel(r.Context(), roomID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// statusFrame maps broker states onto the wire vocabulary.
func statusFrame(s queue.State) string {
	switch s {
	case queue.StatePending:
		return "pending"
	case queue.StateRunning:
		return "running"
	case queue.StateSuccess:
		return "success"
	case queue.StateCancelled:
		return "cancelled"
	default:
		// failure and expired both surface as failure
		return "failure"
	}
}

// handleGenerationStatus upgrades to a websocket and writes one text
// frame per state change until the job reaches a terminal state.
func (s *Server) handleGenerationStatus(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	gen, err := s.rooms.GetGeneration(r.Context(), roomID)
	if err != nil {
		writeErr(w, err)
		return
	}
	// Subscribe before reading the current state so no transition is
	// lost between snapshot and tail.
	transitions, cancel := s.broker.Watch(gen.JobID)
	defer cancel()

	job, err := s.broker.Get(r.Context(), gen.JobID)
	if err != nil {
		writeErr(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	last := job.State
	if err := conn.WriteMessage(websocket.TextMessage, []byte(statusFrame(last))); err != nil {
		return
	}
	if last.Terminal() {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case state, ok := <-transitions:
			if !ok {
				return
			}
			if state == last {
				continue
			}
			last = state
			if err := conn.WriteMessage(websocket.TextMessage, []byte(statusFrame(state))); err != nil {
				return
			}
			if state.Terminal() {
				return
			}
		}
	}
}

// handleGenerationLogs streams the job's log ring as chunked text: the
// current buffer first, then the live tail until the stream closes. For
// finished jobs the archived buffer is served instead.
func (s *Server) handleGenerationLogs(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	gen, err := s.rooms.GetGeneration(r.Context(), roomID)
	if err != nil {
		writeErr(w, err)
		return
	}
	job, err := s.broker.Get(r.Context(), gen.JobID)
	if err != nil {
		writeErr(w, err)
		return
	}

	w.Header().Set("content-type", "text/plain; charset=utf-8")
	w.Header().Set("cache-control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, apperrors.Newf(apperrors.Internal, "streaming unsupported"))
		return
	}

	if job.State.Terminal() {
		if data, err := s.rooms.GetJobLog(r.Context(), gen.JobID); err == nil {
			_, _ = w.Write(data)
		}
		return
	}

	snapshot, tail, cancel := s.logs.Subscribe(gen.JobID)
	defer cancel()
	if len(snapshot) > 0 {
		_, _ = w.Write(snapshot)
		flusher.Flush()
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case chunk, ok := <-tail:
			if !ok {
				return
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	path, err := s.generation.Artifact(r.Context(), roomID)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("content-disposition", `attachment; filename="`+roomID+`.zip"`)
	http.ServeFile(w, r, path)
}
