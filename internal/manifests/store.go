// Package manifests persists per-room world manifests and parses the
// form-encoded submissions that edit them. Room manifests and template
// manifests share one table distinguished by kind.
package manifests

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/multiworld/lobby/internal/index"
	apperrors "github.com/multiworld/lobby/pkg/errors"
)

// Kind separates room manifests from reusable templates.
type Kind string

const (
	KindRoom     Kind = "room"
	KindTemplate Kind = "template"
)

// Form field prefixes accepted by ParseForm.
const (
	fieldEnabledPrefix = "room.me.enabled."
	fieldVersionPrefix = "room.me.version."
	fieldNewWorlds     = "room.me.new_world_policy"
)

// Store is the relational manifest layer.
type Store struct {
	db *sql.DB
}

// manifestJSON is the persisted shape.
type manifestJSON struct {
	NewWorldPolicy string               `json:"new_world_policy"`
	Entries        map[string]entryJSON `json:"entries"`
}

type entryJSON struct {
	Enabled bool   `json:"enabled"`
	Version string `json:"version"`
}

// NewStore wires the store and creates its schema.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, apperrors.Newf(apperrors.ConfigInvalid, "db is nil")
	}
	s := &Store{db: db}
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS manifests (
  owner_id         TEXT NOT NULL,
  kind             TEXT NOT NULL,
  new_world_policy TEXT NOT NULL,
  entries_json     TEXT NOT NULL,
  updated_at       BIGINT NOT NULL,
  PRIMARY KEY (owner_id, kind)
)`)
	if err != nil {
		return nil, apperrors.New(apperrors.DependencyDown, err)
	}
	return s, nil
}

// Get loads the manifest for an owner, or a fresh default when none is
// stored yet.
func (s *Store) Get(ctx context.Context, ownerID string, kind Kind) (index.Manifest, error) {
	var raw, policy string
	err := s.db.QueryRowContext(ctx, `
SELECT new_world_policy, entries_json FROM manifests WHERE owner_id = $1 AND kind = $2`,
		ownerID, string(kind)).Scan(&policy, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return index.NewManifest(), nil
	}
	if err != nil {
		return index.Manifest{}, apperrors.New(apperrors.DependencyDown, err)
	}
	return decode(policy, raw)
}

// Put validates the manifest against the catalog snapshot and writes it
// atomically. Every concrete version pinned for a world in the snapshot must
// exist there; entries for worlds absent from the snapshot are accepted.
func (s *Store) Put(ctx context.Context, ownerID string, kind Kind, m index.Manifest, snap *index.Snapshot) error {
	if err := Validate(m, snap); err != nil {
		return err
	}
	policy, raw, err := encode(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO manifests (owner_id, kind, new_world_policy, entries_json, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (owner_id, kind) DO UPDATE SET
  new_world_policy = excluded.new_world_policy,
  entries_json = excluded.entries_json,
  updated_at = excluded.updated_at`,
		ownerID, string(kind), policy, raw, time.Now().UTC().UnixMilli())
	if err != nil {
		return apperrors.New(apperrors.DependencyDown, err)
	}
	return nil
}

// Delete removes the manifest for an owner.
func (s *Store) Delete(ctx context.Context, ownerID string, kind Kind) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM manifests WHERE owner_id = $1 AND kind = $2`, ownerID, string(kind))
	if err != nil {
		return apperrors.New(apperrors.DependencyDown, err)
	}
	return nil
}

// Validate checks that every explicitly pinned version exists in the
// snapshot. Entries for worlds absent from the snapshot are allowed (they
// resolve as stale) so a catalog removal does not brick stored manifests.
func Validate(m index.Manifest, snap *index.Snapshot) error {
	for id, e := range m.Entries {
		if e.Version.Kind != index.SpecConcrete {
			continue
		}
		w, ok := snap.World(id)
		if !ok {
			continue
		}
		if _, ok := w.OriginOf(e.Version.Version); !ok {
			return apperrors.Newf(apperrors.ManifestInvalid,
				"world %s has no version %s", id, e.Version.Version)
		}
	}
	return nil
}

// ParseForm re-parses the form-encoded field groups of a manifest edit:
//
//	room.me.enabled.<world_id>=on
//	room.me.version.<world_id>=latest|latest_supported|disabled|X.Y.Z
//	room.me.new_world_policy=enable|disable
//
// An HTML checkbox omits its field entirely when unchecked, so absence
// must mean disabled: every catalog world gets an explicit entry, with
// worlds missing from the enabled group written as Disabled. The stored
// manifest therefore never depends on new_world_policy for a world that
// existed at edit time; the policy only governs worlds added to the
// catalog later. Form fields for worlds the catalog does not carry are
// dropped.
func ParseForm(values url.Values, snap *index.Snapshot) (index.Manifest, error) {
	m := index.NewManifest()

	switch values.Get(fieldNewWorlds) {
	case "", "enable":
		m.NewWorldPolicy = index.NewWorldEnable
	case "disable":
		m.NewWorldPolicy = index.NewWorldDisable
	default:
		return index.Manifest{}, apperrors.Newf(apperrors.ManifestInvalid,
			"invalid new_world_policy %q", values.Get(fieldNewWorlds))
	}

	enabled := make(map[string]bool)
	for key := range values {
		if id, ok := strings.CutPrefix(key, fieldEnabledPrefix); ok {
			v := values.Get(key)
			enabled[id] = v == "on" || v == "true" || v == "1"
		}
	}

	for _, id := range snap.WorldIDs() {
		if !enabled[id] {
			m.Entries[id] = index.Entry{Enabled: false, Version: index.VersionSpec{Kind: index.SpecDisabled}}
			continue
		}
		spec := index.VersionSpec{Kind: index.SpecLatest}
		if raw := values.Get(fieldVersionPrefix + id); raw != "" {
			parsed, err := index.ParseVersionSpec(raw)
			if err != nil {
				return index.Manifest{}, err
			}
			spec = parsed
		}
		m.Entries[id] = index.Entry{Enabled: true, Version: spec}
	}
	return m, nil
}

func encode(m index.Manifest) (policy, raw string, err error) {
	mj := manifestJSON{
		NewWorldPolicy: string(m.NewWorldPolicy),
		Entries:        make(map[string]entryJSON, len(m.Entries)),
	}
	// deterministic serialization: sorted keys via ordered marshal
	ids := make([]string, 0, len(m.Entries))
	for id := range m.Entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e := m.Entries[id]
		mj.Entries[id] = entryJSON{Enabled: e.Enabled, Version: e.Version.String()}
	}
	b, err := json.Marshal(mj)
	if err != nil {
		return "", "", err
	}
	return string(m.NewWorldPolicy), string(b), nil
}

func decode(policy, raw string) (index.Manifest, error) {
	var mj manifestJSON
	if err := json.Unmarshal([]byte(raw), &mj); err != nil {
		return index.Manifest{}, apperrors.Newf(apperrors.ManifestInvalid, "stored manifest corrupt: %v", err)
	}
	m := index.Manifest{Entries: make(map[string]index.Entry, len(mj.Entries))}
	switch index.NewWorldPolicy(policy) {
	case index.NewWorldDisable:
		m.NewWorldPolicy = index.NewWorldDisable
	default:
		m.NewWorldPolicy = index.NewWorldEnable
	}
	for id, e := range mj.Entries {
		spec, err := index.ParseVersionSpec(e.Version)
		if err != nil {
			return index.Manifest{}, fmt.Errorf("entry %s: %w", id, err)
		}
		m.Entries[id] = index.Entry{Enabled: e.Enabled, Version: spec}
	}
	return m, nil
}
