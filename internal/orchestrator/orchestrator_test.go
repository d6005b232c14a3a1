package orchestrator_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/multiworld/lobby/internal/blobcache"
	"github.com/multiworld/lobby/internal/dispatch"
	"github.com/multiworld/lobby/internal/index"
	"github.com/multiworld/lobby/internal/manifests"
	"github.com/multiworld/lobby/internal/orchestrator"
	"github.com/multiworld/lobby/internal/queue"
	"github.com/multiworld/lobby/internal/rooms"
	apperrors "github.com/multiworld/lobby/pkg/errors"
)

type stubCatalog struct {
	snap     *index.Snapshot
	degraded atomic.Bool
}

func (c *stubCatalog) Snapshot() *index.Snapshot { return c.snap }
func (c *stubCatalog) Degraded() bool            { return c.degraded.Load() }
func (c *stubCatalog) MarkDegraded()             { c.degraded.Store(true) }

type fixture struct {
	broker     *queue.Broker
	rooms      *rooms.Store
	manifests  *manifests.Store
	validation *orchestrator.Validation
	generation *orchestrator.Generation
	catalog    *stubCatalog
}

// newFixture wires broker + stores + orchestrators over one sqlite file,
// with a one-world catalog whose archive URL points at srv.
func newFixture(t *testing.T, archiveURL string) *fixture {
	t.Helper()
	ctx := context.Background()

	dsn := "file:" + filepath.Join(t.TempDir(), "lobby.db") + "?_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	indexDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(indexDir, "index.toml"),
		[]byte("index_homepage = \"https://e\"\nindex_dir = \"worlds\"\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(indexDir, "worlds"), 0o755))
	world := "name = \"World A\"\ndefault_url = \"" + archiveURL + "/{{version}}.apworld\"\n[versions.\"1.0.0\"]\n"
	require.NoError(t, os.WriteFile(filepath.Join(indexDir, "worlds", "a.toml"), []byte(world), 0o644))
	snap, err := index.Load(indexDir)
	require.NoError(t, err)
	catalog := &stubCatalog{snap: snap}

	broker, err := queue.NewBroker(ctx, db, queue.Options{
		Driver: "sqlite3",
		Queues: map[queue.Name]queue.Config{
			queue.QueueValidation: queue.DefaultConfig(),
			queue.QueueGeneration: queue.DefaultConfig(),
		},
		Rand: func() float64 { return 0.5 },
	})
	require.NoError(t, err)

	roomStore, err := rooms.NewStore(ctx, db, "sqlite3", nil)
	require.NoError(t, err)
	manifestStore, err := manifests.NewStore(ctx, db)
	require.NoError(t, err)

	cache := blobcache.New(t.TempDir(), nil, nil, nil)
	dispatcher := dispatch.New(broker)
	validation := orchestrator.NewValidation(broker, dispatcher, roomStore, manifestStore, catalog, nil)
	generation := orchestrator.NewGeneration(broker, dispatcher, roomStore, manifestStore, catalog, cache, t.TempDir(), nil)

	return &fixture{
		broker:     broker,
		rooms:      roomStore,
		manifests:  manifestStore,
		validation: validation,
		generation: generation,
		catalog:    catalog,
	}
}

func archiveServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("archive-bytes"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestValidationHappyPath(t *testing.T) {
	f := newFixture(t, archiveServer(t).URL)
	ctx := context.Background()

	require.NoError(t, f.rooms.CreateRoom(ctx, rooms.Room{ID: "r1", Name: "Room", ValidationEnabled: true}))

	jobID, err := f.validation.SubmitFile(ctx, "r1", "alice", "alice.yaml", []byte("name: Alice\ngame: World A\n"))
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	slot, err := f.rooms.GetSlot(ctx, "r1", "alice")
	require.NoError(t, err)
	require.Equal(t, rooms.SlotPending, slot.Status)

	// worker picks the job up and validates the file
	job, err := f.broker.Reserve(ctx, queue.QueueValidation, "w1", time.Minute)
	require.NoError(t, err)
	var payload dispatch.ValidationPayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	require.Equal(t, "r1", payload.RoomID)
	require.Equal(t, "alice", payload.SlotID)
	require.NotEmpty(t, payload.ManifestSnapshotID)
	require.Equal(t, []dispatch.WorldRef{{World: "a", Version: "1.0.0"}}, payload.Worlds)

	result, _ := json.Marshal(dispatch.ValidationResult{Worlds: []dispatch.WorldRef{{World: "a", Version: "1.0.0"}}})
	require.NoError(t, f.broker.Complete(ctx, job.ID, "w1", queue.Outcome{Kind: queue.OutcomeSuccess, Result: result}))

	slot, err = f.rooms.GetSlot(ctx, "r1", "alice")
	require.NoError(t, err)
	require.Equal(t, rooms.SlotValidated, slot.Status)
	require.Equal(t, []rooms.SlotWorld{{WorldID: "a", Version: "1.0.0"}}, slot.Worlds)
	require.NotNil(t, slot.LastValidatedAt)
}

func TestValidationCheckerRejection(t *testing.T) {
	f := newFixture(t, archiveServer(t).URL)
	ctx := context.Background()
	require.NoError(t, f.rooms.CreateRoom(ctx, rooms.Room{ID: "r1", ValidationEnabled: true}))

	_, err := f.validation.SubmitFile(ctx, "r1", "bob", "bob.yaml", []byte("name: Bob\ngame: World A\n"))
	require.NoError(t, err)
	job, err := f.broker.Reserve(ctx, queue.QueueValidation, "w1", time.Minute)
	require.NoError(t, err)

	// checker ran fine but rejected the file: job succeeds, slot fails
	result, _ := json.Marshal(dispatch.ValidationResult{Error: "option out of range"})
	require.NoError(t, f.broker.Complete(ctx, job.ID, "w1", queue.Outcome{Kind: queue.OutcomeSuccess, Result: result}))

	slot, err := f.rooms.GetSlot(ctx, "r1", "bob")
	require.NoError(t, err)
	require.Equal(t, rooms.SlotFailed, slot.Status)
	require.Equal(t, "option out of range", slot.Error)
}

func TestValidationUnknownGameShortCircuits(t *testing.T) {
	f := newFixture(t, archiveServer(t).URL)
	ctx := context.Background()
	require.NoError(t, f.rooms.CreateRoom(ctx, rooms.Room{ID: "r1", ValidationEnabled: true}))

	jobID, err := f.validation.SubmitFile(ctx, "r1", "carol", "carol.yaml", []byte("game: Not A Real Game\n"))
	require.NoError(t, err)
	require.Empty(t, jobID, "unsupported game must not enqueue a job")

	slot, err := f.rooms.GetSlot(ctx, "r1", "carol")
	require.NoError(t, err)
	require.Equal(t, rooms.SlotUnsupported, slot.Status)

	_, err = f.broker.Reserve(ctx, queue.QueueValidation, "w1", time.Minute)
	require.ErrorIs(t, err, queue.ErrEmpty)
}

func TestValidationDisabledRoomMarksUnknown(t *testing.T) {
	f := newFixture(t, archiveServer(t).URL)
	ctx := context.Background()
	require.NoError(t, f.rooms.CreateRoom(ctx, rooms.Room{ID: "r1", ValidationEnabled: false}))

	jobID, err := f.validation.SubmitFile(ctx, "r1", "dave", "dave.yaml", []byte("game: World A\n"))
	require.NoError(t, err)
	require.Empty(t, jobID)

	slot, err := f.rooms.GetSlot(ctx, "r1", "dave")
	require.NoError(t, err)
	require.Equal(t, rooms.SlotUnknown, slot.Status)
}

func validateSlot(t *testing.T, f *fixture, roomID, slotID string) {
	t.Helper()
	ctx := context.Background()
	job, err := f.broker.Reserve(ctx, queue.QueueValidation, "w1", time.Minute)
	require.NoError(t, err)
	result, _ := json.Marshal(dispatch.ValidationResult{})
	require.NoError(t, f.broker.Complete(ctx, job.ID, "w1", queue.Outcome{Kind: queue.OutcomeSuccess, Result: result}))
	slot, err := f.rooms.GetSlot(ctx, roomID, slotID)
	require.NoError(t, err)
	require.Equal(t, rooms.SlotValidated, slot.Status)
}

func TestGenerationLifecycle(t *testing.T) {
	srv := archiveServer(t)
	f := newFixture(t, srv.URL)
	ctx := context.Background()

	require.NoError(t, f.rooms.CreateRoom(ctx, rooms.Room{ID: "r1", ValidationEnabled: true}))
	_, err := f.validation.SubmitFile(ctx, "r1", "alice", "alice.yaml", []byte("game: World A\n"))
	require.NoError(t, err)
	validateSlot(t, f, "r1", "alice")

	jobID, err := f.generation.Submit(ctx, "r1")
	require.NoError(t, err)

	// only one active generation per room
	_, err = f.generation.Submit(ctx, "r1")
	require.ErrorIs(t, err, apperrors.ErrConflict)

	job, err := f.broker.Reserve(ctx, queue.QueueGeneration, "gw", time.Minute)
	require.NoError(t, err)
	require.Equal(t, jobID, job.ID)

	var payload dispatch.GenerationPayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	require.Equal(t, "r1", payload.RoomID)
	require.NotEmpty(t, payload.BundleDigest)
	require.FileExists(t, payload.BundlePath)

	artifact := filepath.Join(t.TempDir(), "out.zip")
	require.NoError(t, os.WriteFile(artifact, []byte("zipzip"), 0o644))
	result, _ := json.Marshal(dispatch.GenerationResult{ArtifactPath: artifact})
	require.NoError(t, f.broker.Complete(ctx, job.ID, "gw", queue.Outcome{Kind: queue.OutcomeSuccess, Result: result}))

	gen, err := f.rooms.GetGeneration(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "success", gen.State)

	path, err := f.generation.Artifact(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, artifact, path)
}

func TestGenerationChecklistBlocksInvalidSlots(t *testing.T) {
	f := newFixture(t, archiveServer(t).URL)
	ctx := context.Background()

	require.NoError(t, f.rooms.CreateRoom(ctx, rooms.Room{ID: "r1", ValidationEnabled: true}))
	_, err := f.validation.SubmitFile(ctx, "r1", "carol", "carol.yaml", []byte("game: Not A Real Game\n"))
	require.NoError(t, err)

	blocking, err := f.generation.Checklist(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, blocking, 1)

	_, err = f.generation.Submit(ctx, "r1")
	require.Error(t, err)

	// allow-invalid relaxes the checklist without changing slot status
	require.NoError(t, f.rooms.SetAllowInvalid(ctx, "r1", true))
	blocking, err = f.generation.Checklist(ctx, "r1")
	require.NoError(t, err)
	require.Empty(t, blocking)

	slot, err := f.rooms.GetSlot(ctx, "r1", "carol")
	require.NoError(t, err)
	require.Equal(t, rooms.SlotUnsupported, slot.Status)
}

func TestGenerationCorruptArchiveMarksCatalogDegraded(t *testing.T) {
	srv := archiveServer(t)
	f := newFixture(t, srv.URL)
	ctx := context.Background()

	require.NoError(t, f.rooms.CreateRoom(ctx, rooms.Room{ID: "r1", ValidationEnabled: true}))
	_, err := f.validation.SubmitFile(ctx, "r1", "alice", "alice.yaml", []byte("game: World A\n"))
	require.NoError(t, err)
	validateSlot(t, f, "r1", "alice")

	// pin a digest the server will never produce
	m := index.NewManifest()
	require.NoError(t, f.manifests.Put(ctx, "r1", manifests.KindRoom, m, f.catalog.snap))
	w, _ := f.catalog.snap.World("a")
	o := w.Versions["1.0.0"]
	o.Digest = "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
	w.Versions["1.0.0"] = o

	_, err = f.generation.Submit(ctx, "r1")
	require.Error(t, err)
	require.True(t, errors.Is(err, apperrors.ErrCorrupt))
	require.True(t, f.catalog.Degraded(), "catalog degraded flag must be set")
}

func TestDisablingValidationResetsSlots(t *testing.T) {
	f := newFixture(t, archiveServer(t).URL)
	ctx := context.Background()
	require.NoError(t, f.rooms.CreateRoom(ctx, rooms.Room{ID: "r1", ValidationEnabled: true}))
	_, err := f.validation.SubmitFile(ctx, "r1", "alice", "alice.yaml", []byte("game: World A\n"))
	require.NoError(t, err)
	validateSlot(t, f, "r1", "alice")

	require.NoError(t, f.rooms.SetRoomValidation(ctx, "r1", false))
	slot, err := f.rooms.GetSlot(ctx, "r1", "alice")
	require.NoError(t, err)
	require.Equal(t, rooms.SlotUnknown, slot.Status)
}
