// Package dispatch wraps the queue broker for the two concrete job kinds,
// computing content-addressed dedupe keys and carrying the manifest
// snapshot a job was resolved against. The snapshot id pins the exact
// (world, version, digest) set, so a job never observes a catalog newer
// than the one it was submitted under.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/multiworld/lobby/internal/index"
	"github.com/multiworld/lobby/internal/queue"
	apperrors "github.com/multiworld/lobby/pkg/errors"
)

// WorldRef is one resolved (world, version) pair shipped to workers.
type WorldRef struct {
	World   string `json:"world"`
	Version string `json:"version"`
}

// ValidationPayload is the validate-queue job body.
type ValidationPayload struct {
	Yaml               []byte     `json:"yaml"`
	ManifestSnapshotID string     `json:"manifest_snapshot_id"`
	RoomID             string     `json:"room_id"`
	SlotID             string     `json:"slot_id"`
	Worlds             []WorldRef `json:"worlds"`
}

// ValidationResult is the worker's validate outcome body.
type ValidationResult struct {
	// Unsupported names a world the catalog does not carry; it maps the
	// slot to the Unsupported status rather than Failed.
	Unsupported string     `json:"unsupported,omitempty"`
	Error       string     `json:"error,omitempty"`
	Worlds      []WorldRef `json:"worlds,omitempty"`
}

// GenerationPayload is the generate-queue job body.
type GenerationPayload struct {
	// BundlePath points at the assembled room bundle on shared storage.
	BundlePath         string     `json:"bundle_path"`
	BundleDigest       string     `json:"bundle_digest"`
	ManifestSnapshotID string     `json:"manifest_snapshot_id"`
	RoomID             string     `json:"room_id"`
	Worlds             []WorldRef `json:"worlds"`
}

// GenerationResult is the worker's generate outcome body.
type GenerationResult struct {
	ArtifactPath string `json:"artifact_path,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Dispatcher submits, cancels, and observes jobs on the two queues.
type Dispatcher struct {
	broker *queue.Broker
	// JobDeadline bounds how long a submitted job may sit queued before
	// it expires; zero disables submit deadlines.
	JobDeadline time.Duration
}

// New wires a dispatcher over the broker.
func New(broker *queue.Broker) *Dispatcher {
	return &Dispatcher{broker: broker, JobDeadline: 24 * time.Hour}
}

// Refs converts a resolved manifest into the worker-facing pairs.
func Refs(resolved index.Resolved) []WorldRef {
	out := make([]WorldRef, 0, len(resolved.Worlds))
	for _, rw := range resolved.Worlds {
		out = append(out, WorldRef{World: rw.WorldID, Version: rw.Version.String()})
	}
	return out
}

// SubmitValidation enqueues one per-file validation job. Submission is
// idempotent by (file digest, manifest snapshot): resubmitting the same
// bytes under the same resolved catalog returns the original job id.
func (d *Dispatcher) SubmitValidation(ctx context.Context, p ValidationPayload, now time.Time) (string, bool, error) {
	if len(p.Yaml) == 0 {
		return "", false, apperrors.Newf(apperrors.QueueInvalid, "empty player file")
	}
	if p.ManifestSnapshotID == "" {
		return "", false, apperrors.Newf(apperrors.QueueInvalid, "manifest snapshot id is required")
	}
	body, err := json.Marshal(p)
	if err != nil {
		return "", false, err
	}
	return d.broker.Submit(ctx, queue.QueueValidation, body, queue.SubmitOptions{
		DedupeKey: dedupeKey(sha256Hex(p.Yaml), p.ManifestSnapshotID),
		Deadline:  d.deadline(now),
	})
}

// SubmitGeneration enqueues one whole-room generation job, idempotent by
// (room, bundle digest).
func (d *Dispatcher) SubmitGeneration(ctx context.Context, p GenerationPayload, now time.Time) (string, bool, error) {
	if p.BundleDigest == "" {
		return "", false, apperrors.Newf(apperrors.QueueInvalid, "bundle digest is required")
	}
	if p.ManifestSnapshotID == "" {
		return "", false, apperrors.Newf(apperrors.QueueInvalid, "manifest snapshot id is required")
	}
	body, err := json.Marshal(p)
	if err != nil {
		return "", false, err
	}
	return d.broker.Submit(ctx, queue.QueueGeneration, body, queue.SubmitOptions{
		DedupeKey: dedupeKey(p.RoomID, p.BundleDigest),
		Deadline:  d.deadline(now),
	})
}

// Cancel cancels a job in any non-terminal state.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	return d.broker.Cancel(ctx, jobID)
}

// Job loads a job for observation.
func (d *Dispatcher) Job(ctx context.Context, jobID string) (queue.Job, error) {
	return d.broker.Get(ctx, jobID)
}

// Stats summarizes one queue.
func (d *Dispatcher) Stats(ctx context.Context, name queue.Name) (queue.Stats, error) {
	return d.broker.Stats(ctx, name)
}

// Watch streams state transitions for a job.
func (d *Dispatcher) Watch(jobID string) (<-chan queue.State, func()) {
	return d.broker.Watch(jobID)
}

func (d *Dispatcher) deadline(now time.Time) time.Time {
	if d.JobDeadline <= 0 {
		return time.Time{}
	}
	return now.Add(d.JobDeadline)
}

// dedupeKey combines two content-addressed components. Both sides are
// hashed in, so identical submissions collapse and distinct ones cannot
// collide on concatenation boundaries.
func dedupeKey(a, b string) string {
	h := sha256.New()
	h.Write([]byte(a))
	h.Write([]byte{0})
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
