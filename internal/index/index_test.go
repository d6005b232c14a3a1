package index

import (
	"os"
	"path/filepath"
	"testing"
)

const cliqueTOML = `name = "Clique"
home = "https://example.com/clique"
default_url = "https://archive.example.com/clique/{{version}}/clique.apworld"
default_version = "latest"

[versions."1.0.0"]

[versions."1.2.0"]
sha256 = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

[versions."1.1.0"]
url = "https://mirror.example.com/clique-1.1.0.apworld"
`

func writeIndexTree(t *testing.T, worlds map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	indexTOML := `index_homepage = "https://example.com"
index_dir = "worlds"
archipelago_repo = "https://github.com/example/upstream"
archipelago_version = "0.5.0"
`
	if err := os.WriteFile(filepath.Join(dir, "index.toml"), []byte(indexTOML), 0o644); err != nil {
		t.Fatalf("writing index.toml: %v", err)
	}
	worldsDir := filepath.Join(dir, "worlds")
	if err := os.MkdirAll(worldsDir, 0o755); err != nil {
		t.Fatalf("mkdir worlds: %v", err)
	}
	for id, content := range worlds {
		if err := os.WriteFile(filepath.Join(worldsDir, id+".toml"), []byte(content), 0o644); err != nil {
			t.Fatalf("writing world %s: %v", id, err)
		}
	}
	return dir
}

func TestParseWorld(t *testing.T) {
	w, err := ParseWorld("clique", cliqueTOML)
	if err != nil {
		t.Fatalf("ParseWorld: %v", err)
	}
	if w.DisplayName != "Clique" {
		t.Fatalf("display name mismatch: %q", w.DisplayName)
	}
	if len(w.Versions) != 3 {
		t.Fatalf("version count mismatch: %d", len(w.Versions))
	}
	if got := w.Latest().String(); got != "1.2.0" {
		t.Fatalf("latest mismatch: %s", got)
	}

	url, err := w.URLFor(mustVersion(t, "1.0.0"))
	if err != nil {
		t.Fatalf("URLFor(1.0.0): %v", err)
	}
	if url != "https://archive.example.com/clique/1.0.0/clique.apworld" {
		t.Fatalf("default url substitution mismatch: %s", url)
	}

	url, err = w.URLFor(mustVersion(t, "1.1.0"))
	if err != nil {
		t.Fatalf("URLFor(1.1.0): %v", err)
	}
	if url != "https://mirror.example.com/clique-1.1.0.apworld" {
		t.Fatalf("override url mismatch: %s", url)
	}

	if o, _ := w.OriginOf(mustVersion(t, "1.2.0")); len(o.Digest) != 64 {
		t.Fatalf("digest not carried: %q", o.Digest)
	}
}

func TestParseWorldStrict(t *testing.T) {
	cases := []struct {
		name string
		toml string
	}{
		{"unknown field", "name = \"X\"\nbogus = true\n"},
		{"invalid version", "name = \"X\"\ndefault_url = \"https://e/{{version}}\"\n[versions.\"not-semver\"]\n"},
		{"default not in versions", "name = \"X\"\ndefault_version = \"9.9.9\"\ndefault_url = \"https://e/{{version}}\"\n[versions.\"1.0.0\"]\n"},
		{"no url anywhere", "name = \"X\"\n[versions.\"1.0.0\"]\n"},
		{"missing name", "home = \"https://e\"\n"},
		{"short digest", "name = \"X\"\ndefault_url = \"https://e/{{version}}\"\n[versions.\"1.0.0\"]\nsha256 = \"abcd\"\n"},
	}
	for _, tc := range cases {
		if _, err := ParseWorld("x", tc.toml); err == nil {
			t.Fatalf("%s: expected parse error", tc.name)
		}
	}
}

func TestLoadIndex(t *testing.T) {
	dir := writeIndexTree(t, map[string]string{
		"clique": cliqueTOML,
		"supported_world": `name = "Supported World"
supported = true
`,
		"disabled_world": `name = "Old World"
disabled = true
default_url = "https://e/{{version}}"
[versions."1.0.0"]
`,
	})

	snap, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Len() != 2 {
		t.Fatalf("expected 2 worlds (disabled excluded), got %d", snap.Len())
	}
	if _, ok := snap.World("disabled_world"); ok {
		t.Fatalf("disabled world leaked into snapshot")
	}

	// supported worlds inherit the upstream version as a Supported origin
	sw, ok := snap.World("supported_world")
	if !ok {
		t.Fatalf("supported world missing")
	}
	o, ok := sw.OriginOf(mustVersion(t, "0.5.0"))
	if !ok {
		t.Fatalf("upstream version not injected")
	}
	if o.Kind != OriginSupported {
		t.Fatalf("expected supported origin, got %s", o.Kind)
	}
	if got := sw.LatestSupported().String(); got != "0.5.0" {
		t.Fatalf("latest supported mismatch: %s", got)
	}

	if got := snap.WorldIDs(); len(got) != 2 || got[0] != "clique" || got[1] != "supported_world" {
		t.Fatalf("world ids not sorted: %v", got)
	}

	if w, ok := snap.WorldByDisplayName("Clique"); !ok || w.ID != "clique" {
		t.Fatalf("display-name lookup failed")
	}
}

func TestLoadIndexRejectsUnknownDescriptorField(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.toml"),
		[]byte("index_dir = \"worlds\"\nsurprise = 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected strict parse failure")
	}
}
