package blobcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/multiworld/lobby/internal/index"
	apperrors "github.com/multiworld/lobby/pkg/errors"
)

func digestOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// testSnapshot builds a one-world catalog whose default_url points at the
// test server.
func testSnapshot(t *testing.T, baseURL string) *index.Snapshot {
	t.Helper()
	dir := t.TempDir()
	indexTOML := "index_homepage = \"https://example.com\"\nindex_dir = \"worlds\"\n"
	if err := os.WriteFile(filepath.Join(dir, "index.toml"), []byte(indexTOML), 0o644); err != nil {
		t.Fatalf("write index.toml: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "worlds"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	worldTOML := "name = \"Clique\"\ndefault_url = \"" + baseURL + "/clique/{{version}}.apworld\"\n[versions.\"1.0.0\"]\n"
	if err := os.WriteFile(filepath.Join(dir, "worlds", "clique.toml"), []byte(worldTOML), 0o644); err != nil {
		t.Fatalf("write world: %v", err)
	}
	snap, err := index.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return snap
}

func resolvedWorld(t *testing.T, snap *index.Snapshot, digest string) index.ResolvedWorld {
	t.Helper()
	w, ok := snap.World("clique")
	if !ok {
		t.Fatalf("clique missing from snapshot")
	}
	v := w.Latest()
	origin, _ := w.OriginOf(v)
	origin.Digest = digest
	return index.ResolvedWorld{WorldID: "clique", Version: v, Digest: digest, Origin: origin}
}

func TestGetDownloadsAndCaches(t *testing.T) {
	body := []byte("archive-bytes")
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	snap := testSnapshot(t, srv.URL)
	cache := New(t.TempDir(), srv.Client(), nil, nil)
	rw := resolvedWorld(t, snap, digestOf(body))

	blob, err := cache.Get(context.Background(), snap, rw)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if blob.Digest != rw.Digest {
		t.Fatalf("digest mismatch: %s", blob.Digest)
	}
	if got, err := os.ReadFile(blob.Path); err != nil || string(got) != string(body) {
		t.Fatalf("cached bytes mismatch: %q %v", got, err)
	}
	if filepath.Base(blob.Path) != "clique-1.0.0.apworld" {
		t.Fatalf("unexpected cache filename: %s", blob.Path)
	}

	// second get is a cache hit
	if _, err := cache.Get(context.Background(), snap, rw); err != nil {
		t.Fatalf("Get (cached): %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected 1 download, got %d", hits.Load())
	}
}

// P6: a corrupted cached file is re-fetched, never returned.
func TestGetRefetchesCorruptedCacheEntry(t *testing.T) {
	body := []byte("good-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	snap := testSnapshot(t, srv.URL)
	base := t.TempDir()
	cache := New(base, srv.Client(), nil, nil)
	rw := resolvedWorld(t, snap, digestOf(body))

	// plant a corrupted blob at the cache path
	if err := os.WriteFile(cache.PathFor(rw), []byte("tampered"), 0o644); err != nil {
		t.Fatalf("planting corrupt blob: %v", err)
	}

	blob, err := cache.Get(context.Background(), snap, rw)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if blob.Digest != rw.Digest {
		t.Fatalf("returned corrupt digest %s", blob.Digest)
	}
}

// S3: two mismatching downloads fail with Corrupt.
func TestGetCorruptAfterRetry(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("wrong-bytes"))
	}))
	defer srv.Close()

	snap := testSnapshot(t, srv.URL)
	cache := New(t.TempDir(), srv.Client(), nil, nil)
	rw := resolvedWorld(t, snap, digestOf([]byte("expected-bytes")))

	_, err := cache.Get(context.Background(), snap, rw)
	if err == nil {
		t.Fatalf("expected corrupt error")
	}
	if !errors.Is(err, apperrors.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected exactly one retry (2 downloads), got %d", hits.Load())
	}
	if _, statErr := os.Stat(cache.PathFor(rw)); !os.IsNotExist(statErr) {
		t.Fatalf("corrupt blob left in cache")
	}

	// the failure does not poison the key: a later call retries
	hits.Store(0)
	_, err = cache.Get(context.Background(), snap, rw)
	if err == nil {
		t.Fatalf("expected corrupt error on retry")
	}
	if hits.Load() != 2 {
		t.Fatalf("key was poisoned; downloads = %d", hits.Load())
	}
}

func TestSingleFlightPerKey(t *testing.T) {
	body := []byte("slow-archive")
	release := make(chan struct{})
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	snap := testSnapshot(t, srv.URL)
	cache := New(t.TempDir(), srv.Client(), nil, nil)
	rw := resolvedWorld(t, snap, digestOf(body))

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = cache.Get(context.Background(), snap, rw)
		}(i)
	}
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one download across %d callers, got %d", callers, hits.Load())
	}
}

func TestEnsureManySkipsSupportedOrigins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	snap := testSnapshot(t, srv.URL)
	cache := New(t.TempDir(), srv.Client(), nil, nil)

	supported := index.ResolvedWorld{
		WorldID: "builtin",
		Version: mustV(t, "0.5.0"),
		Origin:  index.Origin{Kind: index.OriginSupported, Path: "worlds/builtin"},
	}
	url := resolvedWorld(t, snap, digestOf([]byte("x")))

	blobs, err := cache.EnsureMany(context.Background(), snap, []index.ResolvedWorld{supported, url})
	if err != nil {
		t.Fatalf("EnsureMany: %v", err)
	}
	if len(blobs) != 1 {
		t.Fatalf("expected 1 blob (supported skipped), got %d", len(blobs))
	}
}
