// Package config loads the lobby's runtime configuration from the
// environment, with an optional YAML overrides file layered underneath
// (environment always wins). Validation failures are fatal and map to
// exit code 2.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/multiworld/lobby/pkg/errors"
)

const (
	DefaultListenAddr      = ":8000"
	DefaultIndexDir        = "./index"
	DefaultSyncInterval    = 60 * time.Second
	DefaultDedupeRetention = 24 * time.Hour
)

// Config is the resolved runtime configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	// Relational store.
	DatabaseURL string `yaml:"database_url"`
	// DatabaseDriver selects the database/sql driver name. Defaults to
	// "postgres"; tests and single-node deployments may use "sqlite3".
	DatabaseDriver string `yaml:"database_driver"`

	// Catalog index.
	IndexDir         string        `yaml:"index_dir"`
	IndexRepoURL     string        `yaml:"index_repo_url"`
	IndexRepoBranch  string        `yaml:"index_repo_branch"`
	IndexSyncEvery   time.Duration `yaml:"index_sync_every"`
	ApworldsPath     string        `yaml:"apworlds_path"`
	GenerationOutDir string        `yaml:"generation_output_dir"`

	// Worker authentication.
	ValidationQueueToken string `yaml:"yaml_validation_queue_token"`
	GenerationQueueToken string `yaml:"generation_queue_token"`
	AdminToken           string `yaml:"admin_token"`

	// Queue tuning.
	DedupeRetention time.Duration `yaml:"queue_dedupe_retention"`
}

// FromEnv builds a Config from the process environment. If LOBBY_CONFIG
// names a YAML file it is read first and env vars override its values.
func FromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:      DefaultListenAddr,
		DatabaseDriver:  "postgres",
		IndexDir:        DefaultIndexDir,
		IndexSyncEvery:  DefaultSyncInterval,
		DedupeRetention: DefaultDedupeRetention,
	}

	if path := os.Getenv("LOBBY_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, apperrors.Newf(apperrors.ConfigInvalid, "reading %s: %v", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, apperrors.Newf(apperrors.ConfigInvalid, "parsing %s: %v", path, err)
		}
	}

	setStr := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setDur := func(dst *time.Duration, key string) error {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return apperrors.Newf(apperrors.ConfigInvalid, "%s: %v", key, err)
		}
		*dst = d
		return nil
	}

	setStr(&cfg.ListenAddr, "LISTEN_ADDR")
	setStr(&cfg.DatabaseURL, "DATABASE_URL")
	setStr(&cfg.DatabaseDriver, "DATABASE_DRIVER")
	setStr(&cfg.IndexDir, "APWORLDS_INDEX_DIR")
	setStr(&cfg.IndexRepoURL, "APWORLDS_INDEX_REPO_URL")
	setStr(&cfg.IndexRepoBranch, "APWORLDS_INDEX_REPO_BRANCH")
	setStr(&cfg.ApworldsPath, "APWORLDS_PATH")
	setStr(&cfg.GenerationOutDir, "GENERATION_OUTPUT_DIR")
	setStr(&cfg.ValidationQueueToken, "YAML_VALIDATION_QUEUE_TOKEN")
	setStr(&cfg.GenerationQueueToken, "GENERATION_QUEUE_TOKEN")
	setStr(&cfg.AdminToken, "ADMIN_TOKEN")
	if err := setDur(&cfg.IndexSyncEvery, "APWORLDS_INDEX_SYNC_EVERY"); err != nil {
		return Config{}, err
	}
	if err := setDur(&cfg.DedupeRetention, "QUEUE_DEDUPE_RETENTION"); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that every required setting is present and coherent.
func (c Config) Validate() error {
	missing := func(name string) error {
		return apperrors.Newf(apperrors.ConfigMissing, "%s is required", name)
	}
	if c.DatabaseURL == "" {
		return missing("DATABASE_URL")
	}
	if c.DatabaseDriver != "postgres" && c.DatabaseDriver != "sqlite3" {
		return apperrors.Newf(apperrors.ConfigInvalid, "unsupported database driver %q", c.DatabaseDriver)
	}
	if c.ApworldsPath == "" {
		return missing("APWORLDS_PATH")
	}
	if c.GenerationOutDir == "" {
		return missing("GENERATION_OUTPUT_DIR")
	}
	if c.ValidationQueueToken == "" {
		return missing("YAML_VALIDATION_QUEUE_TOKEN")
	}
	if c.GenerationQueueToken == "" {
		return missing("GENERATION_QUEUE_TOKEN")
	}
	if c.IndexRepoURL != "" && c.IndexRepoBranch == "" {
		return apperrors.Newf(apperrors.ConfigInvalid, "APWORLDS_INDEX_REPO_BRANCH is required when a repo URL is set")
	}
	if c.IndexSyncEvery <= 0 {
		return apperrors.Newf(apperrors.ConfigInvalid, "index sync interval must be positive")
	}
	if c.DedupeRetention <= 0 {
		return apperrors.Newf(apperrors.ConfigInvalid, "dedupe retention must be positive")
	}
	return nil
}

// QueueToken returns the pre-shared token for a queue name, or "" if the
// queue is unknown.
func (c Config) QueueToken(queue string) string {
	switch queue {
	case "yaml_validation":
		return c.ValidationQueueToken
	case "generation":
		return c.GenerationQueueToken
	}
	return ""
}

// String renders the config with secrets elided, for startup logging.
func (c Config) String() string {
	redact := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	return fmt.Sprintf(
		"listen=%s driver=%s index_dir=%s repo=%s branch=%s apworlds=%s out=%s tokens={validation:%s generation:%s admin:%s}",
		c.ListenAddr, c.DatabaseDriver, c.IndexDir, c.IndexRepoURL, c.IndexRepoBranch,
		c.ApworldsPath, c.GenerationOutDir,
		redact(c.ValidationQueueToken), redact(c.GenerationQueueToken), redact(c.AdminToken),
	)
}
