package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err, "an explicitly named file must exist")

	// Default location missing is fine: point the default lookup at a
	// temp home so a developer's real config cannot leak in.
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 0.85, cfg.Match.PreFilterThreshold)
	assert.Equal(t, 0.70, cfg.Match.MinClassifyConfidence)
	assert.True(t, cfg.Match.PromoteLoneAlmostSame)
	assert.True(t, cfg.Match.AcceptLoneCandidate)
	assert.Equal(t, 4, cfg.Pipeline.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.SearchTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Vision.RequestInterval)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.NotEmpty(t, cfg.Store.Path, "sqlite path should default under data_dir")
	assert.False(t, cfg.CacheEnabled())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
data_dir: ` + dir + `
log_level: debug
catalog:
  base_url: https://catalog.example.com
  api_key: test-key
  limit: 25
match:
  pre_filter_threshold: 0.9
  promote_lone_almost_same: false
pipeline:
  concurrency: 8
  classify_timeout: 90s
store:
  driver: sqlite
redis:
  addr: localhost:6379
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://catalog.example.com", cfg.Catalog.BaseURL)
	assert.Equal(t, 25, cfg.Catalog.Limit)
	assert.Equal(t, 0.9, cfg.Match.PreFilterThreshold)
	assert.False(t, cfg.Match.PromoteLoneAlmostSame)
	assert.True(t, cfg.Match.AcceptLoneCandidate, "unset keys keep defaults")
	assert.Equal(t, 8, cfg.Pipeline.Concurrency)
	assert.Equal(t, 90*time.Second, cfg.Pipeline.ClassifyTimeout)
	assert.True(t, cfg.CacheEnabled())
	assert.Equal(t, filepath.Join(dir, "shelfmatch.db"), cfg.Store.Path)
	assert.Equal(t, filepath.Join(dir, "logs"), cfg.LogDir())
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SHELFMATCH_CATALOG_API_KEY", "env-key")
	t.Setenv("SHELFMATCH_MATCH_PRE_FILTER_THRESHOLD", "0.75")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.Catalog.APIKey)
	assert.Equal(t, 0.75, cfg.Match.PreFilterThreshold)
}

func TestValidate(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad driver", func(c *Config) { c.Store.Driver = "oracle" }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres"; c.Store.DSN = "" }},
		{"threshold above one", func(c *Config) { c.Match.PreFilterThreshold = 1.5 }},
		{"negative confidence", func(c *Config) { c.Match.MinClassifyConfidence = -0.1 }},
		{"negative weight", func(c *Config) { c.Match.SizeWeight = -1 }},
		{"no text weights", func(c *Config) { c.Match.BrandWeight = 0; c.Match.NameWeight = 0 }},
		{"zero limit", func(c *Config) { c.Catalog.Limit = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
