package orchestrator

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/multiworld/lobby/internal/blobcache"
	"github.com/multiworld/lobby/internal/dispatch"
	"github.com/multiworld/lobby/internal/index"
	"github.com/multiworld/lobby/internal/manifests"
	"github.com/multiworld/lobby/internal/queue"
	"github.com/multiworld/lobby/internal/rooms"
	apperrors "github.com/multiworld/lobby/pkg/errors"
	"github.com/multiworld/lobby/pkg/telemetry"
)

const customWorldsPrefix = "custom_worlds"

// Generation assembles room bundles, submits generation jobs, and
// captures the produced artifact.
type Generation struct {
	dispatcher *dispatch.Dispatcher
	rooms      *rooms.Store
	manifests  *manifests.Store
	catalog    Catalog
	cache      *blobcache.Cache
	outDir     string
	log        *telemetry.Logger
	clock      func() time.Time
}

// NewGeneration wires the generation orchestrator and registers its
// completion hook.
func NewGeneration(broker *queue.Broker, d *dispatch.Dispatcher, roomStore *rooms.Store, manifestStore *manifests.Store, catalog Catalog, cache *blobcache.Cache, outDir string, log *telemetry.Logger) *Generation {
	if log == nil {
		log = telemetry.Nop
	}
	g := &Generation{
		dispatcher: d,
		rooms:      roomStore,
		manifests:  manifestStore,
		catalog:    catalog,
		cache:      cache,
		outDir:     outDir,
		log:        log,
		clock:      func() time.Time { return time.Now().UTC() },
	}
	broker.OnComplete(queue.QueueGeneration, g.onComplete)
	return g
}

// Checklist reports the slots blocking generation. Empty means the room
// may generate. Rooms with allow-invalid set only block on Pending slots.
func (g *Generation) Checklist(ctx context.Context, roomID string) ([]string, error) {
	room, err := g.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	slots, err := g.rooms.ListSlots(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return []string{"room has no player files"}, nil
	}
	var blocking []string
	for _, slot := range slots {
		switch slot.Status {
		case rooms.SlotValidated, rooms.SlotManuallyValidated, rooms.SlotUnknown:
		case rooms.SlotPending:
			blocking = append(blocking, fmt.Sprintf("%s: validation pending", slot.SlotID))
		default:
			if room.AllowInvalid {
				continue
			}
			msg := fmt.Sprintf("%s: %s", slot.SlotID, slot.Status)
			if slot.Error != "" {
				msg += ": " + slot.Error
			}
			blocking = append(blocking, msg)
		}
	}
	return blocking, nil
}

// Submit resolves the room's manifest, ensures all archives, packages the
// bundle, and enqueues one generation job. At most one generation may be
// active per room.
func (g *Generation) Submit(ctx context.Context, roomID string) (jobID string, err error) {
	if _, err := g.rooms.GetRoom(ctx, roomID); err != nil {
		return "", err
	}
	if blocking, err := g.Checklist(ctx, roomID); err != nil {
		return "", err
	} else if len(blocking) > 0 {
		return "", apperrors.Newf(apperrors.ManifestInvalid, "room not ready: %v", blocking)
	}
	if gen, err := g.rooms.GetGeneration(ctx, roomID); err == nil {
		if gen.State == "pending" || gen.State == "running" {
			// The broker is the source of truth: a job failed by the
			// expire sweep never ran the completion hook, so reconcile
			// the row instead of blocking the room forever.
			job, jobErr := g.dispatcher.Job(ctx, gen.JobID)
			if jobErr == nil && !job.State.Terminal() {
				return "", apperrors.New(apperrors.GenerationBusy,
					fmt.Errorf("%w: generation %s already active", apperrors.ErrConflict, gen.JobID))
			}
			state := "failure"
			if jobErr == nil && job.State == queue.StateCancelled {
				state = "cancelled"
			}
			if err := g.rooms.UpdateGeneration(ctx, roomID, state, ""); err != nil {
				return "", err
			}
		}
	}

	snap := g.catalog.Snapshot()
	if snap == nil {
		return "", apperrors.Newf(apperrors.IndexSyncFailed, "catalog not loaded yet")
	}
	manifest, err := g.manifests.Get(ctx, roomID, manifests.KindRoom)
	if err != nil {
		return "", err
	}
	resolved := index.Resolve(manifest, snap)
	if len(resolved.Errors) > 0 {
		return "", apperrors.Newf(apperrors.ManifestInvalid, "manifest does not resolve: %v", resolved.Errors[0])
	}

	blobs, err := g.cache.EnsureMany(ctx, snap, resolved.Worlds)
	if err != nil {
		if errors.Is(err, apperrors.ErrCorrupt) {
			g.catalog.MarkDegraded()
		}
		return "", err
	}

	bundlePath, bundleDigest, err := g.writeBundle(ctx, roomID, blobs)
	if err != nil {
		return "", err
	}

	jobID, deduped, err := g.dispatcher.SubmitGeneration(ctx, dispatch.GenerationPayload{
		BundlePath:         bundlePath,
		BundleDigest:       bundleDigest,
		ManifestSnapshotID: resolved.SnapshotID(),
		RoomID:             roomID,
		Worlds:             dispatch.Refs(resolved),
	}, g.clock())
	if err != nil {
		return "", err
	}

	if err := g.rooms.StartGeneration(ctx, roomID, jobID); err != nil {
		// Lost a submit race. A freshly enqueued job is cancelled; a
		// deduped one belongs to the winner.
		if errors.Is(err, apperrors.ErrConflict) && !deduped {
			_ = g.dispatcher.Cancel(ctx, jobID)
		}
		return "", err
	}
	g.log.Info("generation submitted", map[string]any{"room": roomID, "job_id": jobID})
	return jobID, nil
}

// Cancel aborts a room's active generation.
func (g *Generation) Cancel(ctx context.Context, roomID string) error {
	gen, err := g.rooms.GetGeneration(ctx, roomID)
	if err != nil {
		return err
	}
	if err := g.dispatcher.Cancel(ctx, gen.JobID); err != nil {
		return err
	}
	return g.rooms.UpdateGeneration(ctx, roomID, "cancelled", "")
}

// Artifact returns the stored artifact path for a successful generation.
func (g *Generation) Artifact(ctx context.Context, roomID string) (string, error) {
	gen, err := g.rooms.GetGeneration(ctx, roomID)
	if err != nil {
		return "", err
	}
	if gen.State != "success" || gen.ArtifactPath == "" {
		return "", apperrors.New(apperrors.GenerationMissing,
			fmt.Errorf("%w: generation for room %s is %s", apperrors.ErrNotFound, roomID, gen.State))
	}
	return gen.ArtifactPath, nil
}

// writeBundle zips the room's player files plus every non-supported
// archive under custom_worlds/, atomically, and returns (path, digest).
func (g *Generation) writeBundle(ctx context.Context, roomID string, blobs map[string]blobcache.Blob) (string, string, error) {
	slots, err := g.rooms.ListSlots(ctx, roomID)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, slot := range slots {
		w, err := zw.Create(filepath.Join("players", slot.SlotID+".yaml"))
		if err != nil {
			return "", "", err
		}
		if _, err := w.Write(slot.Content); err != nil {
			return "", "", err
		}
	}
	for name, blob := range blobs {
		data, err := os.ReadFile(blob.Path)
		if err != nil {
			return "", "", err
		}
		// archives are already compressed; store them as-is
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:   filepath.Join(customWorldsPrefix, name),
			Method: zip.Store,
		})
		if err != nil {
			return "", "", err
		}
		if _, err := w.Write(data); err != nil {
			return "", "", err
		}
	}
	if err := zw.Close(); err != nil {
		return "", "", err
	}

	dir := filepath.Join(g.outDir, "bundles")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	sum := sha256.Sum256(buf.Bytes())
	digest := hex.EncodeToString(sum[:])
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.zip", roomID, digest[:12]))

	tmp, err := os.CreateTemp(dir, ".bundle-*")
	if err != nil {
		return "", "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return "", "", err
	}
	if err := tmp.Close(); err != nil {
		return "", "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", "", err
	}
	return path, digest, nil
}

// onComplete runs inside the job-completion transaction.
func (g *Generation) onComplete(tx *sql.Tx, job queue.Job, outcome queue.Outcome) error {
	ctx := context.Background()
	var p dispatch.GenerationPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("generation payload corrupt for job %s: %w", job.ID, err)
	}

	switch outcome.Kind {
	case queue.OutcomeSuccess:
		var res dispatch.GenerationResult
		artifactPath := ""
		if len(outcome.Result) > 0 && json.Unmarshal(outcome.Result, &res) == nil && res.ArtifactPath != "" {
			artifactPath = res.ArtifactPath
		} else if len(outcome.Result) > 0 {
			// The worker shipped the artifact bytes inline; persist them
			// under the output dir.
			path := filepath.Join(g.outDir, p.RoomID+".zip")
			if err := os.MkdirAll(g.outDir, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, outcome.Result, 0o644); err != nil {
				return err
			}
			artifactPath = path
		}
		if err := g.rooms.UpdateGenerationTx(ctx, tx, p.RoomID, "success", artifactPath); err != nil {
			return err
		}
		g.log.Info("generation ready", map[string]any{"room": p.RoomID, "job_id": job.ID, "artifact": artifactPath})
		return nil

	case queue.OutcomeFailure:
		return g.rooms.UpdateGenerationTx(ctx, tx, p.RoomID, "failure", "")
	}
	return nil
}
