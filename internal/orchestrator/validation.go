// Package orchestrator ties the queue broker to room state: per-file
// validation (slot status) and whole-room generation (bundle assembly and
// artifact capture).
package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/multiworld/lobby/internal/dispatch"
	"github.com/multiworld/lobby/internal/index"
	"github.com/multiworld/lobby/internal/manifests"
	"github.com/multiworld/lobby/internal/queue"
	"github.com/multiworld/lobby/internal/rooms"
	apperrors "github.com/multiworld/lobby/pkg/errors"
	"github.com/multiworld/lobby/pkg/telemetry"
)

// Catalog is the read side of the syncer the orchestrators need.
type Catalog interface {
	Snapshot() *index.Snapshot
	Degraded() bool
	MarkDegraded()
}

// Validation drives per-file validation jobs and coalesces their results
// into slot status.
type Validation struct {
	dispatcher *dispatch.Dispatcher
	rooms      *rooms.Store
	manifests  *manifests.Store
	catalog    Catalog
	log        *telemetry.Logger
	clock      func() time.Time
}

// NewValidation wires the validation orchestrator and registers its
// completion hook so slot updates commit atomically with the job row.
func NewValidation(broker *queue.Broker, d *dispatch.Dispatcher, roomStore *rooms.Store, manifestStore *manifests.Store, catalog Catalog, log *telemetry.Logger) *Validation {
	if log == nil {
		log = telemetry.Nop
	}
	v := &Validation{
		dispatcher: d,
		rooms:      roomStore,
		manifests:  manifestStore,
		catalog:    catalog,
		log:        log,
		clock:      func() time.Time { return time.Now().UTC() },
	}
	broker.OnComplete(queue.QueueValidation, v.onComplete)
	return v
}

// playerFile is the slice of a player YAML the lobby itself inspects.
type playerFile struct {
	Game yaml.Node `yaml:"game"`
}

// gameNames extracts the game names a player file can exercise: a plain
// string, or a weighted map of name -> weight.
func gameNames(content []byte) ([]string, error) {
	var pf playerFile
	if err := yaml.Unmarshal(content, &pf); err != nil {
		return nil, err
	}
	switch pf.Game.Kind {
	case yaml.ScalarNode:
		if pf.Game.Value == "" {
			return nil, nil
		}
		return []string{pf.Game.Value}, nil
	case yaml.MappingNode:
		names := make([]string, 0, len(pf.Game.Content)/2)
		for i := 0; i+1 < len(pf.Game.Content); i += 2 {
			names = append(names, pf.Game.Content[i].Value)
		}
		return names, nil
	}
	return nil, nil
}

// SubmitFile stores the uploaded file and enqueues its validation job.
// When the room has validation disabled the slot is recorded as Unknown
// and no job is submitted.
func (v *Validation) SubmitFile(ctx context.Context, roomID, slotID, filename string, content []byte) (jobID string, err error) {
	room, err := v.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return "", err
	}
	if err := v.rooms.UpsertSlot(ctx, rooms.Slot{
		RoomID: roomID, SlotID: slotID, Filename: filename, Content: content,
	}); err != nil {
		return "", err
	}
	if !room.ValidationEnabled {
		return "", v.setSlot(ctx, roomID, slotID, rooms.SlotUnknown, "", nil)
	}

	snap := v.catalog.Snapshot()
	if snap == nil {
		return "", apperrors.Newf(apperrors.IndexSyncFailed, "catalog not loaded yet")
	}
	manifest, err := v.manifests.Get(ctx, roomID, manifests.KindRoom)
	if err != nil {
		return "", err
	}
	resolved := index.Resolve(manifest, snap)

	// Fail fast when the file names a game whose world is not in the
	// resolved set; the worker would only rediscover the same gap.
	names, yamlErr := gameNames(content)
	if yamlErr != nil {
		return "", v.setSlot(ctx, roomID, slotID, rooms.SlotFailed, fmt.Sprintf("invalid yaml: %v", yamlErr), nil)
	}
	resolvedNames := make(map[string]bool, len(resolved.Worlds))
	for _, rw := range resolved.Worlds {
		if w, ok := snap.World(rw.WorldID); ok {
			resolvedNames[w.DisplayName] = true
		}
	}
	for _, name := range names {
		if !resolvedNames[name] {
			return "", v.setSlot(ctx, roomID, slotID, rooms.SlotUnsupported,
				fmt.Sprintf("game %q is not enabled for this room", name), nil)
		}
	}

	jobID, deduped, err := v.dispatcher.SubmitValidation(ctx, dispatch.ValidationPayload{
		Yaml:               content,
		ManifestSnapshotID: resolved.SnapshotID(),
		RoomID:             roomID,
		SlotID:             slotID,
		Worlds:             dispatch.Refs(resolved),
	}, v.clock())
	if err != nil {
		return "", err
	}
	if deduped {
		v.log.Debug("validation submit deduped", map[string]any{"job_id": jobID, "room": roomID, "slot": slotID})
	}
	return jobID, nil
}

// RevalidateRoom resubmits every slot in a room, typically after a
// manifest edit.
func (v *Validation) RevalidateRoom(ctx context.Context, roomID string) error {
	slots, err := v.rooms.ListSlots(ctx, roomID)
	if err != nil {
		return err
	}
	for _, slot := range slots {
		if _, err := v.SubmitFile(ctx, roomID, slot.SlotID, slot.Filename, slot.Content); err != nil {
			return err
		}
	}
	return nil
}

// onComplete runs inside the job-completion transaction.
func (v *Validation) onComplete(tx *sql.Tx, job queue.Job, outcome queue.Outcome) error {
	ctx := context.Background()
	var p dispatch.ValidationPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		// No slot can be identified; let the job's own transition commit.
		v.log.Warn("validation payload not decodable; slot left unchanged", map[string]any{"job_id": job.ID, "error": err})
		return nil
	}

	switch outcome.Kind {
	case queue.OutcomeSuccess:
		var res dispatch.ValidationResult
		if len(outcome.Result) > 0 {
			if err := json.Unmarshal(outcome.Result, &res); err != nil {
				return fmt.Errorf("validation result corrupt for job %s: %w", job.ID, err)
			}
		}
		if res.Error != "" {
			// The checker ran and rejected the file; the job itself
			// succeeded.
			status := rooms.SlotFailed
			if res.Unsupported != "" {
				status = rooms.SlotUnsupported
			}
			return v.rooms.UpdateSlotStatusTx(ctx, tx, p.RoomID, p.SlotID, status, res.Error, nil)
		}
		worlds := make([]rooms.SlotWorld, 0, len(res.Worlds))
		for _, w := range res.Worlds {
			worlds = append(worlds, rooms.SlotWorld{WorldID: w.World, Version: w.Version})
		}
		return v.rooms.UpdateSlotStatusTx(ctx, tx, p.RoomID, p.SlotID, rooms.SlotValidated, "", worlds)

	case queue.OutcomeFailure:
		return v.rooms.UpdateSlotStatusTx(ctx, tx, p.RoomID, p.SlotID, rooms.SlotFailed, outcome.Error, nil)
	}
	return nil
}

func (v *Validation) setSlot(ctx context.Context, roomID, slotID string, status rooms.SlotStatus, errMsg string, worlds []rooms.SlotWorld) error {
	// Standalone (non-job) slot updates still go through one transaction.
	return v.inStoreTx(ctx, func(tx *sql.Tx) error {
		return v.rooms.UpdateSlotStatusTx(ctx, tx, roomID, slotID, status, errMsg, worlds)
	})
}

func (v *Validation) inStoreTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db := v.rooms.DB()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// IsNotFound reports whether err is a missing room/slot/manifest lookup.
func IsNotFound(err error) bool { return errors.Is(err, apperrors.ErrNotFound) }
