package index

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	apperrors "github.com/multiworld/lobby/pkg/errors"
)

// NewWorldPolicy controls what a manifest does with catalog worlds it does
// not mention.
type NewWorldPolicy string

const (
	NewWorldEnable  NewWorldPolicy = "enable"
	NewWorldDisable NewWorldPolicy = "disable"
)

// SpecKind enumerates VersionSpec shapes.
type SpecKind string

const (
	SpecConcrete        SpecKind = "concrete"
	SpecLatest          SpecKind = "latest"
	SpecLatestSupported SpecKind = "latest_supported"
	SpecDisabled        SpecKind = "disabled"
)

// VersionSpec is a manifest entry's version request.
type VersionSpec struct {
	Kind    SpecKind
	Version *semver.Version // set when Kind == SpecConcrete
}

// ParseVersionSpec accepts "latest", "latest_supported", "disabled", or a
// strict semver string.
func ParseVersionSpec(s string) (VersionSpec, error) {
	switch s {
	case "latest", "":
		return VersionSpec{Kind: SpecLatest}, nil
	case "latest_supported":
		return VersionSpec{Kind: SpecLatestSupported}, nil
	case "disabled":
		return VersionSpec{Kind: SpecDisabled}, nil
	}
	v, err := semver.StrictNewVersion(s)
	if err != nil {
		return VersionSpec{}, apperrors.Newf(apperrors.ManifestInvalid, "version spec %q: %v", s, err)
	}
	return VersionSpec{Kind: SpecConcrete, Version: v}, nil
}

func (s VersionSpec) String() string {
	switch s.Kind {
	case SpecConcrete:
		return s.Version.String()
	case SpecLatestSupported:
		return "latest_supported"
	case SpecDisabled:
		return "disabled"
	default:
		return "latest"
	}
}

// Entry is a manifest row for one world.
type Entry struct {
	Enabled bool
	Version VersionSpec
}

// Manifest is a room's world selection.
type Manifest struct {
	NewWorldPolicy NewWorldPolicy
	Entries        map[string]Entry
}

// NewManifest returns an empty manifest with the enable policy.
func NewManifest() Manifest {
	return Manifest{NewWorldPolicy: NewWorldEnable, Entries: map[string]Entry{}}
}

// EntryFor returns the effective entry for a world id, synthesizing one
// from the new-world policy when the manifest does not mention it.
func (m Manifest) EntryFor(worldID string) Entry {
	if e, ok := m.Entries[worldID]; ok {
		return e
	}
	if m.NewWorldPolicy == NewWorldDisable {
		return Entry{Enabled: false, Version: VersionSpec{Kind: SpecDisabled}}
	}
	return Entry{Enabled: true, Version: VersionSpec{Kind: SpecLatest}}
}

// ResolvedWorld is one concrete (world, version, digest) triple.
type ResolvedWorld struct {
	WorldID string
	Version *semver.Version
	Digest  string
	Origin  Origin
}

// ResolveError reports a world that could not be resolved.
type ResolveError struct {
	WorldID string
	Spec    VersionSpec
	Reason  string
}

func (e ResolveError) Error() string {
	return fmt.Sprintf("world %s (%s): %s", e.WorldID, e.Spec, e.Reason)
}

// Resolved is the deterministic projection of (Manifest, Snapshot).
type Resolved struct {
	// Worlds is sorted by WorldID ascending.
	Worlds []ResolvedWorld
	// Stale lists manifest entries whose world id is absent from the
	// snapshot; they are excluded from Worlds.
	Stale []string
	// Errors lists enabled entries that could not be reduced to a
	// concrete version.
	Errors []ResolveError
}

// Resolve reduces a manifest against a catalog snapshot. It is pure: the
// same inputs yield byte-identical output, so SnapshotID is stable.
func Resolve(m Manifest, snap *Snapshot) Resolved {
	var out Resolved

	for id := range m.Entries {
		if _, ok := snap.World(id); !ok {
			out.Stale = append(out.Stale, id)
		}
	}
	sort.Strings(out.Stale)

	for _, id := range snap.WorldIDs() {
		w, _ := snap.World(id)
		entry := m.EntryFor(id)
		if !entry.Enabled || entry.Version.Kind == SpecDisabled {
			continue
		}

		var v *semver.Version
		switch entry.Version.Kind {
		case SpecLatest:
			v = w.Latest()
		case SpecLatestSupported:
			v = w.LatestSupported()
		case SpecConcrete:
			if _, ok := w.OriginOf(entry.Version.Version); ok {
				v = entry.Version.Version
			} else {
				// A pinned version that left the catalog degrades to the
				// latest release rather than breaking the room.
				v = w.Latest()
			}
		}
		if v == nil {
			out.Errors = append(out.Errors, ResolveError{WorldID: id, Spec: entry.Version, Reason: "no version satisfies the request"})
			continue
		}

		origin, _ := w.OriginOf(v)
		out.Worlds = append(out.Worlds, ResolvedWorld{WorldID: id, Version: v, Digest: origin.Digest, Origin: origin})
	}

	return out
}

// SnapshotID is the content-addressed id of a resolved manifest: sha256
// over the sorted (world_id, version, digest) tuples.
func (r Resolved) SnapshotID() string {
	h := sha256.New()
	for _, rw := range r.Worlds {
		h.Write([]byte(rw.WorldID))
		h.Write([]byte{0})
		h.Write([]byte(rw.Version.String()))
		h.Write([]byte{0})
		h.Write([]byte(rw.Digest))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
