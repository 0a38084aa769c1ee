package sqgraph

import (
	"fmt"
	"time"

	"github.com/liliang-cn/sqgraph/pkg/core"
	"github.com/liliang-cn/sqgraph/pkg/embedding"
)

// Config configures a DB
type Config struct {
	// DataDir holds one <namespace>.db file per namespace
	DataDir   string          `yaml:"data_dir" toml:"data_dir" env:"SQGRAPH_DATA_DIR"`
	LogLevel  string          `yaml:"log_level" toml:"log_level" env:"SQGRAPH_LOG_LEVEL"`
	Logger    core.Logger     `yaml:"-" toml:"-" env:"-"`
	Embedding EmbeddingConfig `yaml:"embedding" toml:"embedding"`
	Events    EventsConfig    `yaml:"events" toml:"events"`
	Search    SearchConfig    `yaml:"search" toml:"search"`
}

// EmbeddingConfig selects the embedding provider. An empty Provider disables
// embeddings and semantic search.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider" toml:"provider" env:"SQGRAPH_EMBEDDING_PROVIDER"` // "openai", "gemini", "hash" or ""
	Model      string `yaml:"model" toml:"model" env:"SQGRAPH_EMBEDDING_MODEL"`
	Dimensions int    `yaml:"dimensions" toml:"dimensions" env:"SQGRAPH_EMBEDDING_DIMENSIONS"`
	APIKey     string `yaml:"api_key" toml:"api_key" env:"SQGRAPH_EMBEDDING_API_KEY"`
	BaseURL    string `yaml:"base_url" toml:"base_url" env:"SQGRAPH_EMBEDDING_BASE_URL"`
	// Async generates embeddings after the write returns (default). When false
	// the write waits for its embedding, still without holding the write lock.
	Async      bool `yaml:"async" toml:"async" env:"SQGRAPH_EMBEDDING_ASYNC"`
	MaxRetries int  `yaml:"max_retries" toml:"max_retries" env:"SQGRAPH_EMBEDDING_MAX_RETRIES"`
	CacheSize  int  `yaml:"cache_size" toml:"cache_size" env:"SQGRAPH_EMBEDDING_CACHE_SIZE"`
}

// EventsConfig controls the event log
type EventsConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled" env:"SQGRAPH_EVENTS_ENABLED"`
	// ArchiveDir receives events removed by retention, one subdirectory per
	// namespace. It is also the external replay source.
	ArchiveDir string          `yaml:"archive_dir" toml:"archive_dir" env:"SQGRAPH_EVENTS_ARCHIVE_DIR"`
	Retention  RetentionConfig `yaml:"retention" toml:"retention"`
}

// RetentionConfig enables periodic cleanup when MaxAge is positive
type RetentionConfig struct {
	MaxAge   Duration `yaml:"max_age" toml:"max_age" env:"SQGRAPH_EVENTS_RETENTION_MAX_AGE"`
	Schedule string   `yaml:"schedule" toml:"schedule" env:"SQGRAPH_EVENTS_RETENTION_SCHEDULE"` // cron expression
}

// SearchConfig holds the hybrid search defaults
type SearchConfig struct {
	RRFK           float64 `yaml:"rrf_k" toml:"rrf_k" env:"SQGRAPH_SEARCH_RRF_K"`
	FTSWeight      float64 `yaml:"fts_weight" toml:"fts_weight" env:"SQGRAPH_SEARCH_FTS_WEIGHT"`
	SemanticWeight float64 `yaml:"semantic_weight" toml:"semantic_weight" env:"SQGRAPH_SEARCH_SEMANTIC_WEIGHT"`
}

// DefaultConfig returns a configuration with events on, embeddings off and
// asynchronous embedding once a provider is set
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:  dataDir,
		LogLevel: "info",
		Embedding: EmbeddingConfig{
			Async: true,
		},
		Events: EventsConfig{
			Enabled: true,
		},
		Search: SearchConfig{
			RRFK:           embedding.DefaultRRFK,
			FTSWeight:      1,
			SemanticWeight: 1,
		},
	}
}

// Validate reports configuration errors
func (c Config) Validate() error {
	if c.DataDir == "" {
		return core.ValidationError("config", "data_dir is required")
	}
	switch c.Embedding.Provider {
	case "", "hash", "openai", "gemini":
	default:
		return core.ValidationError("config", fmt.Sprintf("unknown embedding provider %q", c.Embedding.Provider))
	}
	if c.Embedding.Dimensions < 0 {
		return core.ValidationError("config", "embedding dimensions must not be negative")
	}
	if c.Search.RRFK < 0 || c.Search.FTSWeight < 0 || c.Search.SemanticWeight < 0 {
		return core.ValidationError("config", "search weights and rrf_k must not be negative")
	}
	if c.Events.Retention.MaxAge < 0 {
		return core.ValidationError("config", "retention max_age must not be negative")
	}
	return nil
}

// Duration is a time.Duration written as "72h" in config files and env vars
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}
