// Package rooms persists room, slot, generation, and archived-log rows.
// The queue broker owns job rows; everything else the orchestrators touch
// lives here. Slot updates triggered by job completion are written through
// the *Tx variants so they commit atomically with the job transition.
package rooms

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/multiworld/lobby/pkg/errors"
)

// SlotStatus is the validation status of one uploaded player file.
type SlotStatus string

const (
	SlotPending           SlotStatus = "pending"
	SlotValidated         SlotStatus = "validated"
	SlotManuallyValidated SlotStatus = "manually_validated"
	SlotUnsupported       SlotStatus = "unsupported"
	SlotFailed            SlotStatus = "failed"
	SlotUnknown           SlotStatus = "unknown"
)

// Room is one lobby room.
type Room struct {
	ID                string
	Name              string
	ValidationEnabled bool
	AllowInvalid      bool
	CreatedAt         time.Time
}

// Slot is one uploaded configuration file within a room.
type Slot struct {
	RoomID          string
	SlotID          string
	Filename        string
	Content         []byte
	Status          SlotStatus
	Error           string
	LastValidatedAt *time.Time
	// Worlds lists the (world, version) pairs the file exercises, filled
	// in by the validation orchestrator.
	Worlds []SlotWorld
}

// SlotWorld is one (world, version) pair a slot exercises.
type SlotWorld struct {
	WorldID string `json:"world"`
	Version string `json:"version"`
}

// Generation records a room's generation job and its artifact.
type Generation struct {
	RoomID       string
	JobID        string
	State        string
	ArtifactPath string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clock supplies timestamps; injectable for tests.
type Clock func() time.Time

// Store is the relational layer for rooms, slots, generations, and
// archived job logs.
type Store struct {
	db     *sql.DB
	driver string
	clock  Clock
}

// NewStore wires the store and creates its schema.
func NewStore(ctx context.Context, db *sql.DB, driver string, clock Clock) (*Store, error) {
	if db == nil {
		return nil, apperrors.Newf(apperrors.ConfigInvalid, "db is nil")
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	s := &Store{db: db, driver: driver, clock: clock}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	blob := "BYTEA"
	if s.driver == "sqlite3" {
		blob = "BLOB"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
  id                 TEXT PRIMARY KEY,
  name               TEXT NOT NULL,
  validation_enabled INTEGER NOT NULL DEFAULT 1,
  allow_invalid      INTEGER NOT NULL DEFAULT 0,
  created_at         BIGINT NOT NULL
)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS room_slots (
  room_id           TEXT NOT NULL,
  slot_id           TEXT NOT NULL,
  filename          TEXT NOT NULL DEFAULT '',
  content           %s,
  status            TEXT NOT NULL,
  error             TEXT NOT NULL DEFAULT '',
  last_validated_at BIGINT,
  worlds_json       TEXT NOT NULL DEFAULT '[]',
  PRIMARY KEY (room_id, slot_id)
)`, blob),
		`CREATE TABLE IF NOT EXISTS room_generations (
  room_id       TEXT PRIMARY KEY,
  job_id        TEXT NOT NULL,
  state         TEXT NOT NULL,
  artifact_path TEXT NOT NULL DEFAULT '',
  created_at    BIGINT NOT NULL,
  updated_at    BIGINT NOT NULL
)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS job_logs (
  job_id   TEXT PRIMARY KEY,
  data     %s NOT NULL,
  saved_at BIGINT NOT NULL
)`, blob),
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return apperrors.New(apperrors.DependencyDown, err)
		}
	}
	return nil
}

func (s *Store) now() time.Time { return s.clock().UTC().Truncate(time.Millisecond) }

// DB exposes the underlying handle for callers composing their own
// transactions with the *Tx methods.
func (s *Store) DB() *sql.DB { return s.db }

// CreateRoom inserts a room.
func (s *Store) CreateRoom(ctx context.Context, r Room) error {
	if r.ID == "" {
		return apperrors.Newf(apperrors.ManifestInvalid, "room id is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO rooms (id, name, validation_enabled, allow_invalid, created_at)
VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.Name, boolInt(r.ValidationEnabled), boolInt(r.AllowInvalid), s.now().UnixMilli())
	return s.dbErr(err)
}

// GetRoom loads one room.
func (s *Store) GetRoom(ctx context.Context, roomID string) (Room, error) {
	var r Room
	var validation, allowInvalid int
	var created int64
	err := s.db.QueryRowContext(ctx, `
SELECT id, name, validation_enabled, allow_invalid, created_at FROM rooms WHERE id = $1`,
		roomID).Scan(&r.ID, &r.Name, &validation, &allowInvalid, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, apperrors.New(apperrors.RoomNotFound, fmt.Errorf("%w: room %s", apperrors.ErrNotFound, roomID))
	}
	if err != nil {
		return Room{}, s.dbErr(err)
	}
	r.ValidationEnabled = validation != 0
	r.AllowInvalid = allowInvalid != 0
	r.CreatedAt = time.UnixMilli(created).UTC()
	return r, nil
}

// SetRoomValidation flips the room's validation toggle. Disabling
// validation resets every slot to Unknown.
func (s *Store) SetRoomValidation(ctx context.Context, roomID string, enabled bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.dbErr(err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`UPDATE rooms SET validation_enabled = $1 WHERE id = $2`, boolInt(enabled), roomID); err != nil {
		return s.dbErr(err)
	}
	if !enabled {
		if _, err := tx.ExecContext(ctx, `
UPDATE room_slots SET status = $1, error = '' WHERE room_id = $2`,
			string(SlotUnknown), roomID); err != nil {
			return s.dbErr(err)
		}
	}
	return s.dbErr(tx.Commit())
}

// SetAllowInvalid flips the room's allow-invalid toggle.
func (s *Store) SetAllowInvalid(ctx context.Context, roomID string, allow bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET allow_invalid = $1 WHERE id = $2`, boolInt(allow), roomID)
	return s.dbErr(err)
}

// UpsertSlot writes an uploaded file's row, resetting it to Pending.
func (s *Store) UpsertSlot(ctx context.Context, slot Slot) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO room_slots (room_id, slot_id, filename, content, status, error, worlds_json)
VALUES ($1, $2, $3, $4, $5, '', '[]')
ON CONFLICT (room_id, slot_id) DO UPDATE SET
  filename = excluded.filename,
  content = excluded.content,
  status = excluded.status,
  error = '',
  worlds_json = '[]'`,
		slot.RoomID, slot.SlotID, slot.Filename, slot.Content, string(SlotPending))
	return s.dbErr(err)
}

// GetSlot loads one slot.
func (s *Store) GetSlot(ctx context.Context, roomID, slotID string) (Slot, error) {
	return s.getSlot(ctx, s.db.QueryRowContext, roomID, slotID)
}

type rowQuerier func(ctx context.Context, query string, args ...any) *sql.Row

func (s *Store) getSlot(ctx context.Context, q rowQuerier, roomID, slotID string) (Slot, error) {
	var slot Slot
	var status, worldsJSON string
	var lastValidated sql.NullInt64
	err := q(ctx, `
SELECT room_id, slot_id, filename, content, status, error, last_validated_at, worlds_json
FROM room_slots WHERE room_id = $1 AND slot_id = $2`, roomID, slotID).
		Scan(&slot.RoomID, &slot.SlotID, &slot.Filename, &slot.Content, &status, &slot.Error, &lastValidated, &worldsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return Slot{}, fmt.Errorf("%w: slot %s/%s", apperrors.ErrNotFound, roomID, slotID)
	}
	if err != nil {
		return Slot{}, s.dbErr(err)
	}
	slot.Status = SlotStatus(status)
	if lastValidated.Valid {
		t := time.UnixMilli(lastValidated.Int64).UTC()
		slot.LastValidatedAt = &t
	}
	if err := json.Unmarshal([]byte(worldsJSON), &slot.Worlds); err != nil {
		slot.Worlds = nil
	}
	return slot, nil
}

// ListSlots returns a room's slots ordered by slot id.
func (s *Store) ListSlots(ctx context.Context, roomID string) ([]Slot, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT slot_id FROM room_slots WHERE room_id = $1 ORDER BY slot_id`, roomID)
	if err != nil {
		return nil, s.dbErr(err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]Slot, 0, len(ids))
	for _, id := range ids {
		slot, err := s.GetSlot(ctx, roomID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, slot)
	}
	return out, nil
}

// UpdateSlotStatusTx writes a slot's validation outcome inside the
// caller's transaction (the job-completion transaction).
func (s *Store) UpdateSlotStatusTx(ctx context.Context, tx *sql.Tx, roomID, slotID string, status SlotStatus, errMsg string, worlds []SlotWorld) error {
	worldsJSON, err := json.Marshal(worlds)
	if err != nil {
		return err
	}
	if worlds == nil {
		worldsJSON = []byte("[]")
	}
	_, err = tx.ExecContext(ctx, `
UPDATE room_slots SET status = $1, error = $2, last_validated_at = $3, worlds_json = $4
WHERE room_id = $5 AND slot_id = $6`,
		string(status), errMsg, s.now().UnixMilli(), string(worldsJSON), roomID, slotID)
	return err
}

// StartGeneration records the active generation for a room. Returns the
// busy sentinel when one is already active.
func (s *Store) StartGeneration(ctx context.Context, roomID, jobID string) error {
	now := s.now().UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.dbErr(err)
	}
	defer tx.Rollback()

	var state string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM room_generations WHERE room_id = $1`, roomID).Scan(&state)
	switch {
	case err == nil:
		if state == "pending" || state == "running" {
			return apperrors.New(apperrors.GenerationBusy,
				fmt.Errorf("%w: generation already active for room %s", apperrors.ErrConflict, roomID))
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE room_generations SET job_id = $1, state = 'pending', artifact_path = '', created_at = $2, updated_at = $2
WHERE room_id = $3`, jobID, now, roomID); err != nil {
			return s.dbErr(err)
		}
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
INSERT INTO room_generations (room_id, job_id, state, created_at, updated_at)
VALUES ($1, $2, 'pending', $3, $3)`, roomID, jobID, now); err != nil {
			return s.dbErr(err)
		}
	default:
		return s.dbErr(err)
	}
	return s.dbErr(tx.Commit())
}

// UpdateGenerationTx records the generation outcome inside the
// job-completion transaction.
func (s *Store) UpdateGenerationTx(ctx context.Context, tx *sql.Tx, roomID, state, artifactPath string) error {
	_, err := tx.ExecContext(ctx, `
UPDATE room_generations SET state = $1, artifact_path = $2, updated_at = $3 WHERE room_id = $4`,
		state, artifactPath, s.now().UnixMilli(), roomID)
	return err
}

// UpdateGeneration is the out-of-transaction variant.
func (s *Store) UpdateGeneration(ctx context.Context, roomID, state, artifactPath string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE room_generations SET state = $1, artifact_path = $2, updated_at = $3 WHERE room_id = $4`,
		state, artifactPath, s.now().UnixMilli(), roomID)
	return s.dbErr(err)
}

// GetGeneration loads a room's generation record.
func (s *Store) GetGeneration(ctx context.Context, roomID string) (Generation, error) {
	var g Generation
	var created, updated int64
	err := s.db.QueryRowContext(ctx, `
SELECT room_id, job_id, state, artifact_path, created_at, updated_at
FROM room_generations WHERE room_id = $1`, roomID).
		Scan(&g.RoomID, &g.JobID, &g.State, &g.ArtifactPath, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Generation{}, apperrors.New(apperrors.GenerationMissing,
			fmt.Errorf("%w: no generation for room %s", apperrors.ErrNotFound, roomID))
	}
	if err != nil {
		return Generation{}, s.dbErr(err)
	}
	g.CreatedAt = time.UnixMilli(created).UTC()
	g.UpdatedAt = time.UnixMilli(updated).UTC()
	return g, nil
}

// SaveJobLog archives a closed log stream's buffer.
func (s *Store) SaveJobLog(ctx context.Context, jobID string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_logs (job_id, data, saved_at) VALUES ($1, $2, $3)
ON CONFLICT (job_id) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at`,
		jobID, data, s.now().UnixMilli())
	return s.dbErr(err)
}

// GetJobLog retrieves an archived log buffer.
func (s *Store) GetJobLog(ctx context.Context, jobID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM job_logs WHERE job_id = $1`, jobID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no log for job %s", apperrors.ErrNotFound, jobID)
	}
	if err != nil {
		return nil, s.dbErr(err)
	}
	return data, nil
}

func (s *Store) dbErr(err error) error {
	if err == nil {
		return nil
	}
	var e *apperrors.E
	if errors.As(err, &e) || errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, apperrors.ErrConflict) {
		return err
	}
	return apperrors.New(apperrors.DependencyDown, fmt.Errorf("%w: %v", apperrors.ErrTransient, err))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
