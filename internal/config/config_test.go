package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/sqgraph"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "sqgraph.yaml", `
data_dir: /var/lib/sqgraph
log_level: debug
embedding:
  provider: hash
  dimensions: 64
  async: true
events:
  enabled: true
  archive_dir: /var/lib/sqgraph/archive
  retention:
    max_age: 72h
    schedule: "0 3 * * *"
search:
  rrf_k: 30
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/sqgraph", cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "hash", cfg.Embedding.Provider)
	assert.Equal(t, 64, cfg.Embedding.Dimensions)
	assert.True(t, cfg.Embedding.Async)
	assert.Equal(t, sqgraph.Duration(72*time.Hour), cfg.Events.Retention.MaxAge)
	assert.Equal(t, "0 3 * * *", cfg.Events.Retention.Schedule)
	assert.Equal(t, 30.0, cfg.Search.RRFK)
	// untouched keys keep their defaults
	assert.Equal(t, 1.0, cfg.Search.FTSWeight)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "sqgraph.toml", `
data_dir = "./graphs"

[embedding]
provider = "openai"
model = "text-embedding-3-small"
max_retries = 5

[events]
enabled = false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "./graphs", cfg.DataDir)
	assert.Equal(t, "openai", cfg.Embedding.Provider)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedding.Model)
	assert.Equal(t, 5, cfg.Embedding.MaxRetries)
	assert.False(t, cfg.Events.Enabled)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "sqgraph.yaml", "data_dir: ./from-file\n")
	t.Setenv("SQGRAPH_DATA_DIR", "./from-env")
	t.Setenv("SQGRAPH_EMBEDDING_PROVIDER", "gemini")
	t.Setenv("SQGRAPH_EVENTS_RETENTION_MAX_AGE", "1h30m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "./from-env", cfg.DataDir)
	assert.Equal(t, "gemini", cfg.Embedding.Provider)
	assert.Equal(t, sqgraph.Duration(90*time.Minute), cfg.Events.Retention.MaxAge)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "sqgraph.json", "{}"))
	assert.ErrorContains(t, err, "unsupported config format")

	_, err = Load(writeFile(t, "bad.yaml", "embedding:\n  provider: word2vec\n"))
	assert.ErrorIs(t, err, sqgraph.ErrValidation)

	_, err = Load(writeFile(t, "bad.toml", "[events.retention]\nmax_age = \"soon\"\n"))
	assert.Error(t, err)
}

func TestMissingDefaultFileUsesDefaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	cfg, err := Load(DefaultPath)
	require.NoError(t, err)
	assert.Equal(t, sqgraph.DefaultConfig("./data"), *cfg)
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"out.yaml", "out.toml"} {
		t.Run(name, func(t *testing.T) {
			cfg := sqgraph.DefaultConfig("./data")
			cfg.Embedding.Provider = "hash"
			cfg.Events.Retention.MaxAge = sqgraph.Duration(24 * time.Hour)

			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, Save(path, &cfg))
			got, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, *got)
		})
	}
}
