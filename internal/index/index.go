package index

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"

	apperrors "github.com/multiworld/lobby/pkg/errors"
)

const descriptorFile = "index.toml"

// indexTOML is the on-disk index descriptor. Unknown fields are rejected.
type indexTOML struct {
	IndexHomepage      string `toml:"index_homepage"`
	IndexDir           string `toml:"index_dir"`
	ArchipelagoRepo    string `toml:"archipelago_repo"`
	ArchipelagoVersion string `toml:"archipelago_version"`
}

// Snapshot is an immutable catalog view. A new load produces a new
// Snapshot; published snapshots are never mutated, so in-flight
// resolutions complete against the snapshot they captured.
type Snapshot struct {
	Homepage        string
	UpstreamRepo    string
	UpstreamVersion *semver.Version

	worlds map[string]*World

	LoadedAt time.Time
}

// Load reads index.toml plus every per-world descriptor under the index
// directory from a working tree. It never touches the network.
func Load(dir string) (*Snapshot, error) {
	descPath := filepath.Join(dir, descriptorFile)
	raw, err := os.ReadFile(descPath)
	if err != nil {
		return nil, apperrors.Newf(apperrors.IndexInvalid, "reading %s: %v", descPath, err)
	}

	var it indexTOML
	md, err := toml.Decode(string(raw), &it)
	if err != nil {
		return nil, apperrors.Newf(apperrors.IndexInvalid, "parsing %s: %v", descPath, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		keys := make([]string, 0, len(undec))
		for _, k := range undec {
			keys = append(keys, k.String())
		}
		return nil, apperrors.Newf(apperrors.IndexInvalid, "%s: unknown fields: %s", descPath, strings.Join(keys, ", "))
	}
	if it.IndexDir == "" {
		return nil, apperrors.Newf(apperrors.IndexInvalid, "%s: index_dir is required", descPath)
	}

	snap := &Snapshot{
		Homepage:     it.IndexHomepage,
		UpstreamRepo: it.ArchipelagoRepo,
		worlds:       make(map[string]*World),
		LoadedAt:     time.Now().UTC(),
	}
	if it.ArchipelagoVersion != "" {
		v, err := semver.StrictNewVersion(it.ArchipelagoVersion)
		if err != nil {
			return nil, apperrors.Newf(apperrors.IndexInvalid, "%s: archipelago_version: %v", descPath, err)
		}
		snap.UpstreamVersion = v
	}

	worldsDir := filepath.Join(dir, it.IndexDir)
	entries, err := os.ReadDir(worldsDir)
	if err != nil {
		return nil, apperrors.Newf(apperrors.IndexInvalid, "reading %s: %v", worldsDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".toml")
		w, err := LoadWorld(id, filepath.Join(worldsDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if w.Disabled {
			continue
		}
		// Worlds flagged supported carry the upstream tree's version as a
		// Supported origin even when the descriptor lists no explicit one.
		if w.Supported && snap.UpstreamVersion != nil {
			key := snap.UpstreamVersion.String()
			if _, exists := w.Versions[key]; !exists {
				w.Versions[key] = Origin{Kind: OriginSupported, Path: "worlds/" + id}
			}
		}
		snap.worlds[id] = w
	}

	return snap, nil
}

// World looks up a catalog entry by id.
func (s *Snapshot) World(id string) (*World, bool) {
	w, ok := s.worlds[id]
	return w, ok
}

// WorldByDisplayName finds the entry whose display name matches exactly.
func (s *Snapshot) WorldByDisplayName(name string) (*World, bool) {
	for _, id := range s.WorldIDs() {
		if s.worlds[id].DisplayName == name {
			return s.worlds[id], true
		}
	}
	return nil, false
}

// WorldIDs returns all world ids ascending.
func (s *Snapshot) WorldIDs() []string {
	out := make([]string, 0, len(s.worlds))
	for id := range s.worlds {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of worlds in the snapshot.
func (s *Snapshot) Len() int { return len(s.worlds) }
