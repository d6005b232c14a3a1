package manifests

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/multiworld/lobby/internal/index"
)

func testSnapshot(t *testing.T) *index.Snapshot {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.toml"),
		[]byte("index_homepage = \"https://e\"\nindex_dir = \"worlds\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "worlds"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	world := `name = "World A"
default_url = "https://e/a/{{version}}"
[versions."1.0.0"]
[versions."2.0.0"]
`
	if err := os.WriteFile(filepath.Join(dir, "worlds", "a.toml"), []byte(world), 0o644); err != nil {
		t.Fatalf("write world: %v", err)
	}
	snap, err := index.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return snap
}

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := NewStore(context.Background(), db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestPutGetRoundtrip(t *testing.T) {
	s := testStore(t)
	snap := testSnapshot(t)
	ctx := context.Background()

	m := index.NewManifest()
	m.NewWorldPolicy = index.NewWorldDisable
	spec, _ := index.ParseVersionSpec("1.0.0")
	m.Entries["a"] = index.Entry{Enabled: true, Version: spec}

	if err := s.Put(ctx, "room-1", KindRoom, m, snap); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "room-1", KindRoom)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.NewWorldPolicy != index.NewWorldDisable {
		t.Fatalf("policy mismatch: %s", got.NewWorldPolicy)
	}
	e, ok := got.Entries["a"]
	if !ok || !e.Enabled || e.Version.String() != "1.0.0" {
		t.Fatalf("entry mismatch: %+v", e)
	}

	// template manifests are stored under the same contract
	if err := s.Put(ctx, "tmpl-1", KindTemplate, m, snap); err != nil {
		t.Fatalf("Put template: %v", err)
	}
	if _, err := s.Get(ctx, "tmpl-1", KindTemplate); err != nil {
		t.Fatalf("Get template: %v", err)
	}
}

func TestGetMissingReturnsDefault(t *testing.T) {
	s := testStore(t)
	m, err := s.Get(context.Background(), "nope", KindRoom)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m.NewWorldPolicy != index.NewWorldEnable || len(m.Entries) != 0 {
		t.Fatalf("default manifest mismatch: %+v", m)
	}
}

func TestPutRejectsUnknownVersion(t *testing.T) {
	s := testStore(t)
	snap := testSnapshot(t)

	m := index.NewManifest()
	spec, _ := index.ParseVersionSpec("9.9.9")
	m.Entries["a"] = index.Entry{Enabled: true, Version: spec}

	if err := s.Put(context.Background(), "room-1", KindRoom, m, snap); err == nil {
		t.Fatalf("expected validation failure for unknown version")
	}
}

func TestParseForm(t *testing.T) {
	snap := testSnapshot(t)
	values := url.Values{}
	values.Set("room.me.new_world_policy", "disable")
	values.Set("room.me.enabled.a", "on")
	values.Set("room.me.version.a", "1.0.0")

	m, err := ParseForm(values, snap)
	if err != nil {
		t.Fatalf("ParseForm: %v", err)
	}
	if m.NewWorldPolicy != index.NewWorldDisable {
		t.Fatalf("policy mismatch: %s", m.NewWorldPolicy)
	}
	a := m.Entries["a"]
	if !a.Enabled || a.Version.String() != "1.0.0" {
		t.Fatalf("a mismatch: %+v", a)
	}

	// fields for worlds the catalog does not carry are dropped
	values.Set("room.me.enabled.ghost", "on")
	m, err = ParseForm(values, snap)
	if err != nil {
		t.Fatalf("ParseForm: %v", err)
	}
	if _, ok := m.Entries["ghost"]; ok {
		t.Fatalf("unknown world leaked into manifest: %+v", m.Entries)
	}

	values.Set("room.me.version.a", "not#semver")
	if _, err := ParseForm(values, snap); err == nil {
		t.Fatalf("expected parse failure for bad version")
	}
}

func TestParseFormEnabledWithoutVersionDefaultsToLatest(t *testing.T) {
	snap := testSnapshot(t)
	values := url.Values{}
	values.Set("room.me.enabled.a", "on")

	m, err := ParseForm(values, snap)
	if err != nil {
		t.Fatalf("ParseForm: %v", err)
	}
	a := m.Entries["a"]
	if !a.Enabled || a.Version.Kind != index.SpecLatest {
		t.Fatalf("a mismatch: %+v", a)
	}
}

// An unchecked checkbox sends nothing, so a world missing from the form
// must come back as an explicit Disabled entry — even under the enable
// policy, where resolution would otherwise re-synthesize it.
func TestParseFormUncheckedWorldIsExplicitlyDisabled(t *testing.T) {
	snap := testSnapshot(t)
	values := url.Values{}
	values.Set("room.me.new_world_policy", "enable")

	m, err := ParseForm(values, snap)
	if err != nil {
		t.Fatalf("ParseForm: %v", err)
	}
	a, ok := m.Entries["a"]
	if !ok {
		t.Fatalf("unchecked world has no explicit entry")
	}
	if a.Enabled || a.Version.Kind != index.SpecDisabled {
		t.Fatalf("unchecked world not disabled: %+v", a)
	}

	resolved := index.Resolve(m, snap)
	if len(resolved.Worlds) != 0 {
		t.Fatalf("unchecked world resolved anyway: %v", resolved.Worlds)
	}
}
