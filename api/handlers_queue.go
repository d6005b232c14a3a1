package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/multiworld/lobby/internal/queue"
	apperrors "github.com/multiworld/lobby/pkg/errors"
)

const maxLogChunkBytes = 256 * 1024

type reserveRequest struct {
	WorkerID string `json:"worker_id"`
	LeaseMS  int64  `json:"lease_ms"`
}

type reserveResponse struct {
	JobID      string `json:"job_id"`
	PayloadB64 string `json:"payload_b64"`
	Attempt    int    `json:"attempt"`
}

type heartbeatRequest struct {
	WorkerID string `json:"worker_id"`
	LeaseMS  int64  `json:"lease_ms"`
}

type completeRequest struct {
	WorkerID  string `json:"worker_id"`
	Outcome   string `json:"outcome"` // "success" | "failure"
	ResultB64 string `json:"result_b64,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleReserve leases the oldest visible pending job to the worker.
// 204 means no work.
func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	name := queue.Name(mux.Vars(r)["queue"])
	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apperrors.Newf(apperrors.QueueInvalid, "invalid body: %v", err))
		return
	}
	job, err := s.broker.Reserve(r.Context(), name, req.WorkerID, time.Duration(req.LeaseMS)*time.Millisecond)
	if errors.Is(err, queue.ErrEmpty) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reserveResponse{
		JobID:      job.ID,
		PayloadB64: base64.StdEncoding.EncodeToString(job.Payload),
		Attempt:    job.Attempts,
	})
}

// handleHeartbeat extends the worker's lease. 410 tells the worker the
// job is gone and it must abort.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apperrors.Newf(apperrors.QueueInvalid, "invalid body: %v", err))
		return
	}
	if err := s.broker.Heartbeat(r.Context(), jobID, req.WorkerID, time.Duration(req.LeaseMS)*time.Millisecond); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleComplete records the worker's outcome. Idempotent on
// retransmission of the same outcome.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apperrors.Newf(apperrors.QueueInvalid, "invalid body: %v", err))
		return
	}
	outcome := queue.Outcome{Error: req.Error}
	switch req.Outcome {
	case "success":
		outcome.Kind = queue.OutcomeSuccess
	case "failure":
		outcome.Kind = queue.OutcomeFailure
	default:
		writeErr(w, apperrors.Newf(apperrors.QueueInvalid, "outcome must be success or failure"))
		return
	}
	if req.ResultB64 != "" {
		data, err := base64.StdEncoding.DecodeString(req.ResultB64)
		if err != nil {
			writeErr(w, apperrors.Newf(apperrors.QueueInvalid, "result_b64: %v", err))
			return
		}
		outcome.Result = data
	}
	if err := s.broker.Complete(r.Context(), jobID, req.WorkerID, outcome); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleLogAppend appends a raw chunk to the job's log ring. Appends to
// completed jobs are dropped without error so a racing worker never fails
// its teardown path; an unknown job id is reported as not found.
func (s *Server) handleLogAppend(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	chunk, err := io.ReadAll(io.LimitReader(r.Body, maxLogChunkBytes+1))
	if err != nil {
		writeErr(w, apperrors.Newf(apperrors.QueueInvalid, "reading chunk: %v", err))
		return
	}
	if len(chunk) > maxLogChunkBytes {
		writeErr(w, apperrors.Newf(apperrors.QueueOversize, "log chunk exceeds %d bytes", maxLogChunkBytes))
		return
	}

	job, err := s.broker.Get(r.Context(), jobID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !job.State.Terminal() {
		s.logs.Append(jobID, chunk)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleQueueStats reports per-queue counters.
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	name := queue.Name(mux.Vars(r)["queue"])
	if !s.broker.Known(name) {
		writeErr(w, apperrors.Newf(apperrors.QueueNotFound, "unknown queue %q", name))
		return
	}
	stats, err := s.broker.Stats(r.Context(), name)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
