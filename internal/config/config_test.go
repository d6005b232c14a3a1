package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://lobby@localhost/lobby")
	t.Setenv("APWORLDS_PATH", "/var/lib/lobby/apworlds")
	t.Setenv("GENERATION_OUTPUT_DIR", "/var/lib/lobby/out")
	t.Setenv("YAML_VALIDATION_QUEUE_TOKEN", "vtok")
	t.Setenv("GENERATION_QUEUE_TOKEN", "gtok")
}

func TestFromEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APWORLDS_INDEX_REPO_URL", "https://git.example.com/index.git")
	t.Setenv("APWORLDS_INDEX_REPO_BRANCH", "main")
	t.Setenv("QUEUE_DEDUPE_RETENTION", "2h")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.DatabaseDriver != "postgres" {
		t.Fatalf("default driver mismatch: %s", cfg.DatabaseDriver)
	}
	if cfg.IndexSyncEvery != DefaultSyncInterval {
		t.Fatalf("default sync interval mismatch: %s", cfg.IndexSyncEvery)
	}
	if cfg.DedupeRetention.Hours() != 2 {
		t.Fatalf("dedupe retention override ignored: %s", cfg.DedupeRetention)
	}
	if cfg.QueueToken("yaml_validation") != "vtok" || cfg.QueueToken("generation") != "gtok" {
		t.Fatalf("queue token routing broken")
	}
	if cfg.QueueToken("bogus") != "" {
		t.Fatalf("unknown queue must have no token")
	}
}

func TestFromEnvMissingRequired(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DATABASE_URL", "")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected failure without DATABASE_URL")
	}

	setRequiredEnv(t)
	t.Setenv("GENERATION_QUEUE_TOKEN", "")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected failure without generation token")
	}

	setRequiredEnv(t)
	t.Setenv("APWORLDS_INDEX_REPO_URL", "https://git.example.com/index.git")
	t.Setenv("APWORLDS_INDEX_REPO_BRANCH", "")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected failure: repo url without branch")
	}
}

func TestYAMLOverridesLayerUnderEnv(t *testing.T) {
	setRequiredEnv(t)
	path := filepath.Join(t.TempDir(), "lobby.yaml")
	overrides := "listen_addr: \":9999\"\nindex_dir: /srv/index\n"
	if err := os.WriteFile(path, []byte(overrides), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("LOBBY_CONFIG", path)
	t.Setenv("LISTEN_ADDR", ":8080")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("env must win over file: %s", cfg.ListenAddr)
	}
	if cfg.IndexDir != "/srv/index" {
		t.Fatalf("file override lost: %s", cfg.IndexDir)
	}
}

func TestStringRedactsSecrets(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	s := cfg.String()
	for _, secret := range []string{"vtok", "gtok"} {
		if strings.Contains(s, secret) {
			t.Fatalf("secret %q leaked into %q", secret, s)
		}
	}
}
