// Package index materializes the curated world catalog: per-world TOML
// descriptors loaded into immutable snapshots, manifest resolution against
// a snapshot, and a git-backed syncer that publishes new snapshots
// atomically.
package index

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"

	apperrors "github.com/multiworld/lobby/pkg/errors"
)

// OriginKind distinguishes where an archive for a (world, version) comes from.
type OriginKind string

const (
	// OriginSupported lives in the upstream game tree; no download needed.
	OriginSupported OriginKind = "supported"
	// OriginURL is downloaded from an explicit or templated URL.
	OriginURL OriginKind = "url"
)

// Origin describes one version's source.
type Origin struct {
	Kind OriginKind

	// URL applies to OriginURL. Empty means the world's DefaultURL with
	// {{version}} substituted.
	URL string
	// Digest is the expected lowercase-hex sha256 of the archive, when the
	// descriptor declares one.
	Digest string

	// Path and Patches apply to OriginSupported.
	Path    string
	Patches []string
}

// DefaultPolicy is a world's default_version field: a pseudo-version or a
// concrete version present in the descriptor.
type DefaultPolicy struct {
	// One of "latest", "latest_supported", "disabled", or "" when Pinned
	// is set.
	Pseudo string
	Pinned *semver.Version
}

// World is one catalog entry.
type World struct {
	ID          string
	DisplayName string
	Home        string
	DefaultURL  string
	Default     DefaultPolicy
	Disabled    bool
	Supported   bool

	// Versions is keyed by the canonical semver string.
	Versions map[string]Origin
}

// worldTOML is the on-disk descriptor shape. Unknown fields are rejected.
type worldTOML struct {
	Name           string                     `toml:"name"`
	Home           string                     `toml:"home"`
	DefaultURL     string                     `toml:"default_url"`
	DefaultVersion string                     `toml:"default_version"`
	Disabled       bool                       `toml:"disabled"`
	Supported      bool                       `toml:"supported"`
	Versions       map[string]worldTOMLOrigin `toml:"versions"`
}

type worldTOMLOrigin struct {
	URL     string   `toml:"url"`
	SHA256  string   `toml:"sha256"`
	Path    string   `toml:"path"`
	Patches []string `toml:"patches"`
}

// LoadWorld parses one per-world descriptor. id is the file stem.
func LoadWorld(id, path string) (*World, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Newf(apperrors.IndexInvalid, "reading %s: %v", path, err)
	}
	return ParseWorld(id, string(raw))
}

// ParseWorld parses a descriptor from TOML text. Parsing is strict: any
// undecoded key fails the load.
func ParseWorld(id, text string) (*World, error) {
	var wt worldTOML
	md, err := toml.Decode(text, &wt)
	if err != nil {
		return nil, apperrors.Newf(apperrors.IndexInvalid, "world %s: %v", id, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		keys := make([]string, 0, len(undec))
		for _, k := range undec {
			keys = append(keys, k.String())
		}
		return nil, apperrors.Newf(apperrors.IndexInvalid, "world %s: unknown fields: %s", id, strings.Join(keys, ", "))
	}
	if strings.TrimSpace(wt.Name) == "" {
		return nil, apperrors.Newf(apperrors.IndexInvalid, "world %s: name is required", id)
	}

	w := &World{
		ID:          id,
		DisplayName: wt.Name,
		Home:        wt.Home,
		DefaultURL:  wt.DefaultURL,
		Disabled:    wt.Disabled,
		Supported:   wt.Supported,
		Versions:    make(map[string]Origin, len(wt.Versions)),
	}

	for vs, ot := range wt.Versions {
		v, err := semver.StrictNewVersion(vs)
		if err != nil {
			return nil, apperrors.Newf(apperrors.IndexInvalid, "world %s: version %q: %v", id, vs, err)
		}
		origin := Origin{Kind: OriginURL, URL: ot.URL, Digest: strings.ToLower(strings.TrimSpace(ot.SHA256))}
		if ot.Path != "" {
			origin = Origin{Kind: OriginSupported, Path: ot.Path, Patches: ot.Patches}
		}
		if origin.Kind == OriginURL && origin.URL == "" && w.DefaultURL == "" {
			return nil, apperrors.Newf(apperrors.IndexInvalid, "world %s: version %s has no url and no default_url", id, vs)
		}
		if origin.Digest != "" && len(origin.Digest) != 64 {
			return nil, apperrors.Newf(apperrors.IndexInvalid, "world %s: version %s: sha256 must be 64 hex chars", id, vs)
		}
		w.Versions[v.String()] = origin
	}

	switch wt.DefaultVersion {
	case "", "latest":
		w.Default = DefaultPolicy{Pseudo: "latest"}
	case "latest_supported":
		w.Default = DefaultPolicy{Pseudo: "latest_supported"}
	case "disabled":
		w.Default = DefaultPolicy{Pseudo: "disabled"}
	default:
		v, err := semver.StrictNewVersion(wt.DefaultVersion)
		if err != nil {
			return nil, apperrors.Newf(apperrors.IndexInvalid, "world %s: default_version %q: %v", id, wt.DefaultVersion, err)
		}
		if _, ok := w.Versions[v.String()]; !ok {
			return nil, apperrors.Newf(apperrors.IndexInvalid, "world %s: default_version %s not in versions", id, v)
		}
		w.Default = DefaultPolicy{Pinned: v}
	}

	return w, nil
}

// SortedVersions returns the declared versions ascending.
func (w *World) SortedVersions() []*semver.Version {
	out := make([]*semver.Version, 0, len(w.Versions))
	for vs := range w.Versions {
		v, err := semver.StrictNewVersion(vs)
		if err != nil {
			continue // keys are validated at load
		}
		out = append(out, v)
	}
	sort.Sort(semver.Collection(out))
	return out
}

// Latest returns the greatest declared version, or nil if none.
func (w *World) Latest() *semver.Version {
	vs := w.SortedVersions()
	if len(vs) == 0 {
		return nil
	}
	return vs[len(vs)-1]
}

// LatestSupported returns the greatest version whose origin is Supported,
// or nil if none.
func (w *World) LatestSupported() *semver.Version {
	vs := w.SortedVersions()
	for i := len(vs) - 1; i >= 0; i-- {
		if w.Versions[vs[i].String()].Kind == OriginSupported {
			return vs[i]
		}
	}
	return nil
}

// OriginOf returns the origin for a concrete version.
func (w *World) OriginOf(v *semver.Version) (Origin, bool) {
	o, ok := w.Versions[v.String()]
	return o, ok
}

// URLFor resolves the download URL for a version: the per-version override
// when present, otherwise DefaultURL with {{version}} substituted.
func (w *World) URLFor(v *semver.Version) (string, error) {
	o, ok := w.Versions[v.String()]
	if !ok {
		return "", apperrors.Newf(apperrors.VersionNotFound, "world %s has no version %s", w.ID, v)
	}
	if o.Kind == OriginSupported {
		return "", apperrors.Newf(apperrors.QueueInvalid, "world %s@%s is supported upstream, nothing to download", w.ID, v)
	}
	url := o.URL
	if url == "" {
		url = w.DefaultURL
	}
	if url == "" {
		return "", apperrors.Newf(apperrors.IndexInvalid, "world %s@%s has no url", w.ID, v)
	}
	return strings.ReplaceAll(url, "{{version}}", v.String()), nil
}

// ArchiveName is the canonical cache filename for a (world, version).
func ArchiveName(worldID string, v *semver.Version) string {
	return fmt.Sprintf("%s-%s.apworld", worldID, v)
}
