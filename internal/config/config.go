// Package config provides configuration loading and structs for lexsub.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperjump/lexsub/internal/ranking"
)

// Candidate sources.
const (
	SourceEmbedding = "embedding"
	SourceThesaurus = "thesaurus"
)

// Config holds all configuration for the application.
type Config struct {
	Debug    bool           `yaml:"debug"`
	Server   ServerConfig   `yaml:"server"`
	Data     DataConfig     `yaml:"data"`
	Storage  StorageConfig  `yaml:"storage"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Cache    CacheConfig    `yaml:"cache"`
	Watch    WatchConfig    `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DataConfig holds the input file paths.
type DataConfig struct {
	CorpusPath     string `yaml:"corpus_path"`
	EmbeddingsPath string `yaml:"embeddings_path"`
	// ThesaurusPath is a directory of neighbor-list files; needed by the thesaurus source.
	ThesaurusPath string `yaml:"thesaurus_path"`
	// ExpectedRows is the row count the embedding header should announce; 0 skips the check.
	ExpectedRows int `yaml:"expected_rows"`
}

// StorageConfig holds paths for the run database and the embedding snapshot.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	// SnapshotPath caches the parsed embedding table; empty disables it.
	SnapshotPath string `yaml:"snapshot_path"`
	StoreRuns    *bool  `yaml:"store_runs"`
	// ReuseRuns returns a stored run when inputs and settings are unchanged.
	ReuseRuns bool `yaml:"reuse_runs"`
}

// StoreRunsOrDefault returns whether runs are persisted; defaults to true when unset.
func (s *StorageConfig) StoreRunsOrDefault() bool {
	if s.StoreRuns != nil {
		return *s.StoreRuns
	}
	return true
}

// PipelineConfig holds aggregation and ranking settings.
type PipelineConfig struct {
	IncludeTarget *bool  `yaml:"include_target"`
	FullWindow    *bool  `yaml:"full_window"`
	TopK          int    `yaml:"top_k"`
	Workers       int    `yaml:"workers"`
	TieBreak      string `yaml:"tie_break"`
	Source        string `yaml:"source"`
}

// IncludeTargetOrDefault returns whether the target token is averaged; defaults to false.
func (p *PipelineConfig) IncludeTargetOrDefault() bool {
	if p.IncludeTarget != nil {
		return *p.IncludeTarget
	}
	return false
}

// FullWindowOrDefault returns whether the whole sentence is the window; defaults to true.
func (p *PipelineConfig) FullWindowOrDefault() bool {
	if p.FullWindow != nil {
		return *p.FullWindow
	}
	return true
}

// Ranking returns the ranking configuration of the pipeline.
func (p *PipelineConfig) Ranking() *ranking.RankingConfig {
	return &ranking.RankingConfig{TopK: p.TopK, TieBreak: p.TieBreak}
}

// Fingerprint renders every setting that changes pipeline output.
func (p *PipelineConfig) Fingerprint() string {
	return fmt.Sprintf("include_target=%t full_window=%t top_k=%d tie_break=%s source=%s",
		p.IncludeTargetOrDefault(), p.FullWindowOrDefault(), p.TopK, p.TieBreak, p.Source)
}

// CacheConfig holds the server response cache settings.
type CacheConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// WatchConfig holds corpus watch settings.
type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Data.CorpusPath = expandPath(cfg.Data.CorpusPath, configDir)
	cfg.Data.EmbeddingsPath = expandPath(cfg.Data.EmbeddingsPath, configDir)
	cfg.Data.ThesaurusPath = expandPath(cfg.Data.ThesaurusPath, configDir)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.SnapshotPath = expandPath(cfg.Storage.SnapshotPath, configDir)

	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	if c.Pipeline.TopK < 1 {
		return fmt.Errorf("pipeline.top_k must be at least 1, got %d", c.Pipeline.TopK)
	}
	if _, err := ranking.ParseTieBreak(c.Pipeline.TieBreak); err != nil {
		return fmt.Errorf("pipeline.tie_break: %w", err)
	}
	switch c.Pipeline.Source {
	case SourceEmbedding:
	case SourceThesaurus:
		if c.Data.ThesaurusPath == "" {
			return fmt.Errorf("pipeline.source %q needs data.thesaurus_path", SourceThesaurus)
		}
	default:
		return fmt.Errorf("pipeline.source must be %q or %q, got %q", SourceEmbedding, SourceThesaurus, c.Pipeline.Source)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory. Empty stays empty.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
