// Package blobcache stores downloaded world archives keyed by
// (world, version), verified by sha256 digest. Writes are atomic
// (temp file + rename) and downloads are single-flight per key.
package blobcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/multiworld/lobby/internal/index"
	apperrors "github.com/multiworld/lobby/pkg/errors"
	"github.com/multiworld/lobby/pkg/telemetry"
)

const defaultFetchTimeout = 5 * time.Minute

// Blob is a cached archive on disk.
type Blob struct {
	WorldID string
	Version string
	Path    string
	Digest  string // lowercase hex sha256
	Size    int64
}

// Cache is the content-addressed archive store.
type Cache struct {
	baseDir string
	client  *http.Client
	log     *telemetry.Logger
	metrics *telemetry.Metrics

	mu       sync.Mutex
	inflight map[string]*fetchCall
}

type fetchCall struct {
	done chan struct{}
	blob Blob
	err  error
}

// New creates a cache rooted at baseDir. client may be nil.
func New(baseDir string, client *http.Client, log *telemetry.Logger, metrics *telemetry.Metrics) *Cache {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	if log == nil {
		log = telemetry.Nop
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Cache{
		baseDir:  baseDir,
		client:   client,
		log:      log,
		metrics:  metrics,
		inflight: make(map[string]*fetchCall),
	}
}

// PathFor is the canonical on-disk location for a key.
func (c *Cache) PathFor(w index.ResolvedWorld) string {
	return filepath.Join(c.baseDir, index.ArchiveName(w.WorldID, w.Version))
}

// Get returns the blob for one resolved world, downloading on miss. If the
// resolved world declares a digest, a mismatching download is retried once
// and a second mismatch fails with the corrupt sentinel.
func (c *Cache) Get(ctx context.Context, snap *index.Snapshot, rw index.ResolvedWorld) (Blob, error) {
	if rw.Origin.Kind == index.OriginSupported {
		return Blob{}, apperrors.Newf(apperrors.QueueInvalid, "world %s@%s is supported upstream; not cacheable", rw.WorldID, rw.Version)
	}

	key := index.ArchiveName(rw.WorldID, rw.Version)

	// At most one download per key; later callers wait on the in-flight
	// call. A failed call does not poison the key: it is removed before
	// completion is signalled, so the next caller retries.
	c.mu.Lock()
	if call, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.blob, call.err
		case <-ctx.Done():
			return Blob{}, ctx.Err()
		}
	}
	call := &fetchCall{done: make(chan struct{})}
	c.inflight[key] = call
	c.mu.Unlock()

	blob, err := c.fetch(ctx, snap, rw)

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
	call.blob, call.err = blob, err
	close(call.done)
	return blob, err
}

// EnsureMany fetches every URL-origin triple, returning the blobs keyed by
// archive name. The first failure aborts the batch.
func (c *Cache) EnsureMany(ctx context.Context, snap *index.Snapshot, worlds []index.ResolvedWorld) (map[string]Blob, error) {
	out := make(map[string]Blob, len(worlds))
	for _, rw := range worlds {
		if rw.Origin.Kind == index.OriginSupported {
			continue
		}
		blob, err := c.Get(ctx, snap, rw)
		if err != nil {
			return nil, err
		}
		out[index.ArchiveName(rw.WorldID, rw.Version)] = blob
	}
	return out, nil
}

// Invalidate removes the cached file for a key. Used when the catalog
// signals that an archive was republished.
func (c *Cache) Invalidate(rw index.ResolvedWorld) error {
	err := os.Remove(c.PathFor(rw))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (c *Cache) fetch(ctx context.Context, snap *index.Snapshot, rw index.ResolvedWorld) (Blob, error) {
	path := c.PathFor(rw)

	// Cache hit: verify before returning so callers never observe bytes
	// that contradict the declared digest.
	if digest, size, err := fileDigest(path); err == nil {
		if rw.Digest == "" || digest == rw.Digest {
			c.metrics.BlobCacheHits.Inc()
			return Blob{WorldID: rw.WorldID, Version: rw.Version.String(), Path: path, Digest: digest, Size: size}, nil
		}
		c.log.Warn("cached archive digest mismatch, refetching", map[string]any{
			"world": rw.WorldID, "version": rw.Version.String(),
		})
	}

	w, ok := snap.World(rw.WorldID)
	if !ok {
		return Blob{}, apperrors.Newf(apperrors.WorldNotFound, "world %s not in catalog", rw.WorldID)
	}
	url, err := w.URLFor(rw.Version)
	if err != nil {
		return Blob{}, err
	}

	var lastDigest string
	for attempt := 0; attempt < 2; attempt++ {
		digest, size, err := c.download(ctx, url, path)
		if err != nil {
			return Blob{}, err
		}
		if rw.Digest == "" || digest == rw.Digest {
			return Blob{WorldID: rw.WorldID, Version: rw.Version.String(), Path: path, Digest: digest, Size: size}, nil
		}
		lastDigest = digest
	}

	c.metrics.BlobCorruption.Inc()
	_ = os.Remove(path)
	return Blob{}, apperrors.New(apperrors.ArchiveCorrupt,
		fmt.Errorf("%w: %s@%s expected %s got %s", apperrors.ErrCorrupt, rw.WorldID, rw.Version, rw.Digest, lastDigest))
}

// download streams url into path atomically and returns the content digest.
func (c *Cache) download(ctx context.Context, url, path string) (string, int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, apperrors.New(apperrors.DependencyDown, fmt.Errorf("%w: fetching %s: %v", apperrors.ErrTransient, url, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, apperrors.Newf(apperrors.DependencyDown, "fetching %s: status %d", url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return "", 0, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), resp.Body)
	if err != nil {
		return "", 0, apperrors.New(apperrors.DependencyDown, fmt.Errorf("%w: reading %s: %v", apperrors.ErrTransient, url, err))
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", 0, err
	}

	c.metrics.BlobDownloads.Inc()
	c.log.Info("archive downloaded", map[string]any{"url": url, "bytes": size})
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

func fileDigest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
