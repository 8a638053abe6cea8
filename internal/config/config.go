// Package config loads and validates the corpusd configuration. The config
// lives at <data-root>/config.json or config.yaml; every tunable has a
// default so a missing file yields a fully working server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration object.
type Config struct {
	DataRoot  string          `json:"data_root" yaml:"data_root"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Embedding EmbeddingConfig `json:"embedding" yaml:"embedding"`
	Ranking   RankingConfig   `json:"ranking" yaml:"ranking"`
	Chunking  ChunkingConfig  `json:"chunking" yaml:"chunking"`
	Parser    ParserConfig    `json:"parser" yaml:"parser"`
	Retrieval RetrievalConfig `json:"retrieval" yaml:"retrieval"`
	Watcher   WatcherConfig   `json:"watcher" yaml:"watcher"`
	Jobs      JobsConfig      `json:"jobs" yaml:"jobs"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
}

// StoreConfig configures the primary SQLite store.
type StoreConfig struct {
	Path string `json:"path" yaml:"path"` // default <data-root>/store.db
}

// EmbeddingConfig configures the local model-runner client.
type EmbeddingConfig struct {
	Endpoint        string        `json:"endpoint" yaml:"endpoint"`
	Model           string        `json:"model" yaml:"model"`
	Dimensions      int           `json:"dimensions" yaml:"dimensions"`
	BatchSize       int           `json:"batch_size" yaml:"batch_size"`
	MaxAttempts     int           `json:"max_attempts" yaml:"max_attempts"`
	BackoffBase     time.Duration `json:"backoff_base" yaml:"backoff_base"`
	AttemptTimeout  time.Duration `json:"attempt_timeout" yaml:"attempt_timeout"`
	BatchBudget     time.Duration `json:"batch_budget" yaml:"batch_budget"`
	BreakerFailures int           `json:"breaker_failures" yaml:"breaker_failures"`
	BreakerWindow   time.Duration `json:"breaker_window" yaml:"breaker_window"`
	BreakerCooldown time.Duration `json:"breaker_cooldown" yaml:"breaker_cooldown"`
	GracePeriod     time.Duration `json:"grace_period" yaml:"grace_period"`
	Concurrency     int           `json:"concurrency" yaml:"concurrency"`
	RerankEndpoint  string        `json:"rerank_endpoint" yaml:"rerank_endpoint"`
}

// RankingConfig configures PageRank and the personalization boosts.
// The boost defaults come from the upstream documentation and are
// deliberately configurable.
type RankingConfig struct {
	Damping       float64 `json:"damping" yaml:"damping"`
	Tolerance     float64 `json:"tolerance" yaml:"tolerance"`
	MaxIterations int     `json:"max_iterations" yaml:"max_iterations"`
	ChatBoost     float64 `json:"chat_boost" yaml:"chat_boost"`
	RecentBoost   float64 `json:"recent_boost" yaml:"recent_boost"`
	LongIdent     float64 `json:"long_ident_boost" yaml:"long_ident_boost"`
	SinkBoost     float64 `json:"sink_boost" yaml:"sink_boost"`
	RecentDays    int     `json:"recent_days" yaml:"recent_days"`
	TopPercent    float64 `json:"top_percent" yaml:"top_percent"` // selective-embed cutoff
}

// ChunkingConfig configures document splitting.
type ChunkingConfig struct {
	MaxTokens int `json:"max_tokens" yaml:"max_tokens"`
	Overlap   int `json:"overlap" yaml:"overlap"`
}

// ParserConfig bounds the tree-sitter pool and its cache.
type ParserConfig struct {
	MaxFileBytes  int64  `json:"max_file_bytes" yaml:"max_file_bytes"`
	CachePath     string `json:"cache_path" yaml:"cache_path"`
	CacheEntries  int    `json:"cache_entries" yaml:"cache_entries"`
	CacheMaxBytes int64  `json:"cache_max_bytes" yaml:"cache_max_bytes"`
}

// RetrievalConfig configures the query path.
type RetrievalConfig struct {
	DefaultK     int           `json:"default_k" yaml:"default_k"`
	MaxK         int           `json:"max_k" yaml:"max_k"`
	RerankTopM   int           `json:"rerank_top_m" yaml:"rerank_top_m"`
	SoftDeadline time.Duration `json:"soft_deadline" yaml:"soft_deadline"`
}

// WatcherConfig configures debounce and backpressure.
type WatcherConfig struct {
	DebounceWindow time.Duration `json:"debounce_window" yaml:"debounce_window"`
	MaxTasksPerSec int           `json:"max_tasks_per_sec" yaml:"max_tasks_per_sec"`
	HighWater      int           `json:"high_water" yaml:"high_water"`
	LowWater       int           `json:"low_water" yaml:"low_water"`
}

// JobsConfig configures the worker pool.
type JobsConfig struct {
	Workers int `json:"workers" yaml:"workers"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// LoggingConfig mirrors internal/logging's expectations.
type LoggingConfig struct {
	DebugMode  bool            `json:"debug_mode" yaml:"debug_mode"`
	Categories map[string]bool `json:"categories" yaml:"categories"`
	Level      string          `json:"level" yaml:"level"`
	JSONFormat bool            `json:"json_format" yaml:"json_format"`
}

// Default returns the configuration with every documented default applied.
func Default(dataRoot string) Config {
	return Config{
		DataRoot: dataRoot,
		Store:    StoreConfig{Path: filepath.Join(dataRoot, "store.db")},
		Embedding: EmbeddingConfig{
			Endpoint:        "http://localhost:11434",
			Model:           "embeddinggemma",
			Dimensions:      768,
			BatchSize:       64,
			MaxAttempts:     4,
			BackoffBase:     100 * time.Millisecond,
			AttemptTimeout:  30 * time.Second,
			BatchBudget:     120 * time.Second,
			BreakerFailures: 10,
			BreakerWindow:   30 * time.Second,
			BreakerCooldown: 60 * time.Second,
			GracePeriod:     60 * time.Second,
			Concurrency:     4,
		},
		Ranking: RankingConfig{
			Damping:       0.85,
			Tolerance:     1e-6,
			MaxIterations: 100,
			ChatBoost:     50,
			RecentBoost:   10,
			LongIdent:     10,
			SinkBoost:     5,
			RecentDays:    30,
			TopPercent:    0.20,
		},
		Chunking: ChunkingConfig{MaxTokens: 512, Overlap: 64},
		Parser: ParserConfig{
			MaxFileBytes:  8 << 20,
			CachePath:     filepath.Join(dataRoot, "cache", "tree_sitter.db"),
			CacheEntries:  50_000,
			CacheMaxBytes: 256 << 20,
		},
		Retrieval: RetrievalConfig{
			DefaultK:     5,
			MaxK:         200,
			RerankTopM:   50,
			SoftDeadline: 20 * time.Second,
		},
		Watcher: WatcherConfig{
			DebounceWindow: 2 * time.Second,
			MaxTasksPerSec: 200,
			HighWater:      10_000,
			LowWater:       5_000,
		},
		Jobs:    JobsConfig{Workers: defaultWorkers()},
		Server:  ServerConfig{Addr: "127.0.0.1:8372"},
		Logging: LoggingConfig{Level: "info"},
	}
}

func defaultWorkers() int {
	n := runtime.NumCPU()
	if n > 4 {
		n = 4
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Load reads config.json or config.yaml from the data root, overlaying the
// defaults. A missing file is not an error.
func Load(dataRoot string) (Config, error) {
	cfg := Default(dataRoot)

	jsonPath := filepath.Join(dataRoot, "config.json")
	if data, err := os.ReadFile(jsonPath); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", jsonPath, err)
		}
		return cfg, cfg.validate()
	}

	yamlPath := filepath.Join(dataRoot, "config.yaml")
	if data, err := os.ReadFile(yamlPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", yamlPath, err)
		}
		return cfg, cfg.validate()
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Chunking.Overlap >= c.Chunking.MaxTokens {
		return fmt.Errorf("chunking: overlap %d must be below max_tokens %d",
			c.Chunking.Overlap, c.Chunking.MaxTokens)
	}
	if c.Watcher.LowWater > c.Watcher.HighWater {
		return fmt.Errorf("watcher: low_water %d above high_water %d",
			c.Watcher.LowWater, c.Watcher.HighWater)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding: dimensions must be positive")
	}
	return nil
}

// Layout helpers for the on-disk data root.

// UploadsDir holds raw uploaded files, content-addressed by hash.
func (c Config) UploadsDir() string { return filepath.Join(c.DataRoot, "uploads") }

// ExportsDir holds snapshot exports and their manifests.
func (c Config) ExportsDir() string { return filepath.Join(c.DataRoot, "exports") }

// StateDir holds per-project session state, atomically written.
func (c Config) StateDir() string { return filepath.Join(c.DataRoot, "state") }

// HooksDir holds per-project hook configuration mirrors.
func (c Config) HooksDir() string { return filepath.Join(c.DataRoot, "hooks") }

// EnsureLayout creates the data-root directory tree.
func (c Config) EnsureLayout() error {
	for _, dir := range []string{
		c.DataRoot,
		c.UploadsDir(),
		c.ExportsDir(),
		c.StateDir(),
		c.HooksDir(),
		filepath.Dir(c.Parser.CachePath),
		filepath.Join(c.DataRoot, "logs"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
