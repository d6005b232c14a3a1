package index

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	apperrors "github.com/multiworld/lobby/pkg/errors"
	"github.com/multiworld/lobby/pkg/telemetry"
)

// Syncer keeps a local checkout of the index repository fresh and
// publishes catalog snapshots through an atomic cell. Readers capture a
// snapshot once and use it for the whole operation; publication never
// tears an in-flight read.
type Syncer struct {
	dir    string
	repo   string
	branch string

	log     *telemetry.Logger
	metrics *telemetry.Metrics

	current  atomic.Pointer[Snapshot]
	degraded atomic.Bool
}

// NewSyncer builds a syncer over dir. repoURL may be empty, in which case
// the syncer only loads the existing working tree and never fetches.
func NewSyncer(dir, repoURL, branch string, log *telemetry.Logger, metrics *telemetry.Metrics) *Syncer {
	if log == nil {
		log = telemetry.Nop
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Syncer{dir: dir, repo: repoURL, branch: branch, log: log, metrics: metrics}
}

// Snapshot returns the currently published catalog, or nil before Init.
func (s *Syncer) Snapshot() *Snapshot {
	return s.current.Load()
}

// Degraded reports whether a corrupt archive has been observed against the
// current catalog. The flag clears on the next successful publication.
func (s *Syncer) Degraded() bool { return s.degraded.Load() }

// MarkDegraded is called by the generation orchestrator when the blob cache
// reports an archive that failed its digest check twice.
func (s *Syncer) MarkDegraded() { s.degraded.Store(true) }

// Init performs the initial clone (when configured and absent), loads the
// tree, and publishes the first snapshot. A failure here is fatal for the
// process (exit code 3).
func (s *Syncer) Init(ctx context.Context) error {
	if s.repo != "" {
		if err := s.cloneOrUpdate(ctx); err != nil {
			return apperrors.New(apperrors.IndexSyncFailed, err)
		}
	}
	snap, err := Load(s.dir)
	if err != nil {
		return err
	}
	s.publish(snap)
	return nil
}

// Run refreshes the checkout on every tick until ctx is done. Network
// failures keep the last good snapshot and are reported through the
// logger and the sync-failure counter.
func (s *Syncer) Run(ctx context.Context, every time.Duration) {
	if s.repo == "" {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.metrics.SyncFailures.Inc()
				s.log.Warn("index sync failed", map[string]any{"error": err, "repo": s.repo})
			}
		}
	}
}

// Refresh fetches, resets the working tree, reloads, and publishes.
func (s *Syncer) Refresh(ctx context.Context) error {
	if s.repo != "" {
		if err := s.cloneOrUpdate(ctx); err != nil {
			return apperrors.New(apperrors.IndexSyncFailed, err)
		}
	}
	snap, err := Load(s.dir)
	if err != nil {
		return err
	}
	s.publish(snap)
	return nil
}

func (s *Syncer) publish(snap *Snapshot) {
	s.current.Store(snap)
	s.degraded.Store(false)
	s.metrics.CatalogSwaps.Inc()
	s.metrics.CatalogWorlds.Set(float64(snap.Len()))
	s.log.Info("catalog published", map[string]any{"worlds": snap.Len()})
}

// cloneOrUpdate clones the repository if the checkout is absent, otherwise
// fetches and hard-resets the working tree to the remote branch head.
func (s *Syncer) cloneOrUpdate(ctx context.Context) error {
	if _, err := os.Stat(s.dir); os.IsNotExist(err) {
		_, err := git.PlainCloneContext(ctx, s.dir, false, &git.CloneOptions{
			URL:           s.repo,
			ReferenceName: plumbing.NewBranchReferenceName(s.branch),
			SingleBranch:  true,
		})
		return err
	}

	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		return err
	}
	err = repo.FetchContext(ctx, &git.FetchOptions{RemoteName: "origin", Force: true})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return err
	}

	ref, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", s.branch), true)
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	return wt.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: ref.Hash()})
}
