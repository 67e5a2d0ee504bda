// Package config provides configuration loading and structs for the Semdex engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug       bool              `yaml:"debug"`
	Corpus      CorpusConfig      `yaml:"corpus"`
	Storage     StorageConfig     `yaml:"storage"`
	Model       ModelConfig       `yaml:"model"`
	Collections CollectionsConfig `yaml:"collections"`
	Search      SearchConfig      `yaml:"search"`
	Indexing    IndexingConfig    `yaml:"indexing"`
}

// CorpusConfig holds the note corpus location and file filters.
type CorpusConfig struct {
	Roots      []string `yaml:"roots"`
	Extensions []string `yaml:"extensions"`
	Recursive  *bool    `yaml:"recursive"`
}

// RecursiveOrDefault returns whether to scan recursively; defaults to true when unset.
func (c *CorpusConfig) RecursiveOrDefault() bool {
	if c.Recursive != nil {
		return *c.Recursive
	}
	return true
}

// StorageConfig holds paths for the embedding database and the embedding cache.
type StorageConfig struct {
	DatabasePath       string `yaml:"database_path"`
	EmbeddingCachePath string `yaml:"embedding_cache_path"`
}

// ModelConfig holds local model layout and download settings.
type ModelConfig struct {
	Dir        string `yaml:"dir"`
	BaseURL    string `yaml:"base_url"`
	Name       string `yaml:"name"`
	Dimensions int    `yaml:"dimensions"`
	MaxTokens  int    `yaml:"max_tokens"`
	CacheSize  int    `yaml:"cache_size"`
}

// CollectionsConfig enables or disables each embedding granularity.
// Pointer booleans distinguish "unset" (default true) from explicit false.
type CollectionsConfig struct {
	Titles   *bool `yaml:"titles"`
	Headings *bool `yaml:"headings"`
	Content  *bool `yaml:"content"`
}

func enabledOrDefault(v *bool) bool {
	if v != nil {
		return *v
	}
	return true
}

// TitlesEnabled reports whether the title collection is enabled.
func (c *CollectionsConfig) TitlesEnabled() bool { return enabledOrDefault(c.Titles) }

// HeadingsEnabled reports whether the heading collection is enabled.
func (c *CollectionsConfig) HeadingsEnabled() bool { return enabledOrDefault(c.Headings) }

// ContentEnabled reports whether the content collection is enabled.
func (c *CollectionsConfig) ContentEnabled() bool { return enabledOrDefault(c.Content) }

// SearchConfig holds similarity search defaults.
type SearchConfig struct {
	TopK          int     `yaml:"top_k"`
	MinScore      float64 `yaml:"min_score"`
	MinTextLength int     `yaml:"min_text_length"`
}

// IndexingConfig holds incremental indexing behaviour.
type IndexingConfig struct {
	AutoIndexOnSave *bool `yaml:"auto_index_on_save"`
	DebounceSeconds int   `yaml:"debounce_seconds"`
}

// AutoIndexOnSaveOrDefault reports whether modified notes are re-indexed automatically; defaults to true.
func (c *IndexingConfig) AutoIndexOnSaveOrDefault() bool {
	if c.AutoIndexOnSave != nil {
		return *c.AutoIndexOnSave
	}
	return true
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
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.EmbeddingCachePath = expandPath(cfg.Storage.EmbeddingCachePath, configDir)
	cfg.Model.Dir = expandPath(cfg.Model.Dir, configDir)
	for i := range cfg.Corpus.Roots {
		cfg.Corpus.Roots[i] = expandPath(cfg.Corpus.Roots[i], configDir)
	}

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

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
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
