package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  host: "127.0.0.1"
  port: 9000
storage:
  database_path: "test.db"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Storage.DatabasePath == "" {
		t.Error("database_path should be set")
	}
	if cfg.Debug {
		t.Error("debug should default to false when unset")
	}
}

func TestLoad_debugTrue(t *testing.T) {
	path := writeConfig(t, `
debug: true
storage:
  database_path: "test.db"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Debug {
		t.Error("debug should be true when set in config")
	}
}

func TestLoad_defaults(t *testing.T) {
	path := writeConfig(t, "debug: false\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 || cfg.Server.Host != "localhost" {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
	p := cfg.Pipeline
	if p.TopK != 10 || p.TieBreak != "table" || p.Source != SourceEmbedding {
		t.Errorf("pipeline defaults = %+v", p)
	}
	if p.Workers != runtime.NumCPU() {
		t.Errorf("workers = %d, want %d", p.Workers, runtime.NumCPU())
	}
	if p.IncludeTargetOrDefault() {
		t.Error("include_target should default to false")
	}
	if !p.FullWindowOrDefault() {
		t.Error("full_window should default to true")
	}
	if !cfg.Storage.StoreRunsOrDefault() {
		t.Error("store_runs should default to true")
	}
	if cfg.Cache.TTL != 10*time.Minute || cfg.Cache.CleanupInterval != 20*time.Minute {
		t.Errorf("cache defaults = %+v", cfg.Cache)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_pipeline(t *testing.T) {
	path := writeConfig(t, `
pipeline:
  include_target: true
  full_window: false
  top_k: 5
  workers: 2
  tie_break: lexical
cache:
  ttl: 30s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	p := cfg.Pipeline
	if !p.IncludeTargetOrDefault() || p.FullWindowOrDefault() {
		t.Errorf("window flags = %v %v", p.IncludeTargetOrDefault(), p.FullWindowOrDefault())
	}
	if p.TopK != 5 || p.Workers != 2 || p.TieBreak != "lexical" {
		t.Errorf("pipeline = %+v", p)
	}
	if cfg.Cache.TTL != 30*time.Second {
		t.Errorf("ttl = %v", cfg.Cache.TTL)
	}
	rc := p.Ranking()
	if rc.TopK != 5 || rc.TieBreak != "lexical" {
		t.Errorf("Ranking() = %+v", rc)
	}
	if !strings.Contains(p.Fingerprint(), "full_window=false") {
		t.Errorf("Fingerprint() = %q", p.Fingerprint())
	}
}

func TestLoad_expandPathDotSlashRelativeToConfigDir(t *testing.T) {
	path := writeConfig(t, `
data:
  corpus_path: "./data/corpus.txt"
  embeddings_path: "/abs/vectors.txt"
storage:
  database_path: "./data/db/runs.db"
`)
	dir := filepath.Dir(path)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	wantDB := filepath.Join(dir, "data", "db", "runs.db")
	if cfg.Storage.DatabasePath != wantDB {
		t.Errorf("database_path = %q, want %q", cfg.Storage.DatabasePath, wantDB)
	}
	wantCorpus := filepath.Join(dir, "data", "corpus.txt")
	if cfg.Data.CorpusPath != wantCorpus {
		t.Errorf("corpus_path = %q, want %q", cfg.Data.CorpusPath, wantCorpus)
	}
	if cfg.Data.EmbeddingsPath != "/abs/vectors.txt" {
		t.Errorf("absolute path changed: %q", cfg.Data.EmbeddingsPath)
	}
	if cfg.Storage.SnapshotPath != "" {
		t.Errorf("empty snapshot_path should stay empty, got %q", cfg.Storage.SnapshotPath)
	}
}

func TestLoad_missingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"zero top_k", func(c *Config) { c.Pipeline.TopK = -1 }, false},
		{"bad tie break", func(c *Config) { c.Pipeline.TieBreak = "random" }, false},
		{"bad source", func(c *Config) { c.Pipeline.Source = "wordnet" }, false},
		{"thesaurus without path", func(c *Config) { c.Pipeline.Source = SourceThesaurus }, false},
		{"thesaurus with path", func(c *Config) {
			c.Pipeline.Source = SourceThesaurus
			c.Data.ThesaurusPath = "/tmp/thes"
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSave_roundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := Default()
	cfg.Data.CorpusPath = "/data/corpus.txt"
	cfg.Pipeline.TopK = 7
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Data.CorpusPath != "/data/corpus.txt" || got.Pipeline.TopK != 7 {
		t.Errorf("round trip = %+v", got)
	}
	if got.Cache.TTL != cfg.Cache.TTL {
		t.Errorf("ttl = %v, want %v", got.Cache.TTL, cfg.Cache.TTL)
	}
}
