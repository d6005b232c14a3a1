package dispatch_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/multiworld/lobby/internal/dispatch"
	"github.com/multiworld/lobby/internal/queue"
)

func newDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "q.db") + "?_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	broker, err := queue.NewBroker(context.Background(), db, queue.Options{
		Driver: "sqlite3",
		Queues: map[queue.Name]queue.Config{
			queue.QueueValidation: queue.DefaultConfig(),
			queue.QueueGeneration: queue.DefaultConfig(),
		},
	})
	require.NoError(t, err)
	return dispatch.New(broker)
}

func TestValidationSubmitIsIdempotentPerSnapshot(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p := dispatch.ValidationPayload{
		Yaml:               []byte("game: Clique\n"),
		ManifestSnapshotID: "snap-a",
		RoomID:             "r1",
		SlotID:             "s1",
	}
	first, deduped, err := d.SubmitValidation(ctx, p, now)
	require.NoError(t, err)
	require.False(t, deduped)

	// identical bytes + identical snapshot collapse, even from another slot
	p2 := p
	p2.SlotID = "s2"
	second, deduped, err := d.SubmitValidation(ctx, p2, now)
	require.NoError(t, err)
	require.True(t, deduped)
	require.Equal(t, first, second)

	// a new manifest snapshot means a new job
	p3 := p
	p3.ManifestSnapshotID = "snap-b"
	third, deduped, err := d.SubmitValidation(ctx, p3, now)
	require.NoError(t, err)
	require.False(t, deduped)
	require.NotEqual(t, first, third)
}

func TestGenerationSubmitDedupesByBundle(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p := dispatch.GenerationPayload{
		BundlePath:         "/tmp/bundle.zip",
		BundleDigest:       "abc123",
		ManifestSnapshotID: "snap-a",
		RoomID:             "r1",
	}
	first, _, err := d.SubmitGeneration(ctx, p, now)
	require.NoError(t, err)
	second, deduped, err := d.SubmitGeneration(ctx, p, now)
	require.NoError(t, err)
	require.True(t, deduped)
	require.Equal(t, first, second)

	// same bundle for a different room is a different job
	p2 := p
	p2.RoomID = "r2"
	other, deduped, err := d.SubmitGeneration(ctx, p2, now)
	require.NoError(t, err)
	require.False(t, deduped)
	require.NotEqual(t, first, other)
}

func TestSubmitValidationRejectsIncompletePayloads(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, _, err := d.SubmitValidation(ctx, dispatch.ValidationPayload{ManifestSnapshotID: "s"}, now)
	require.Error(t, err)
	_, _, err = d.SubmitValidation(ctx, dispatch.ValidationPayload{Yaml: []byte("x")}, now)
	require.Error(t, err)
	_, _, err = d.SubmitGeneration(ctx, dispatch.GenerationPayload{BundleDigest: "d"}, now)
	require.Error(t, err)
}
