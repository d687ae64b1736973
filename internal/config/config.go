// Package config loads shelfmatch configuration from a YAML file with
// environment overrides. Every key has a default so the zero-config
// case works; thresholds and promotion rules are deliberately
// configuration rather than constants.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`

	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Vision   VisionConfig   `mapstructure:"vision"`
	Match    MatchConfig    `mapstructure:"match"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// CatalogConfig configures the product catalog search client.
type CatalogConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	Limit           int           `mapstructure:"limit"`            // max candidates per search
	RequestInterval time.Duration `mapstructure:"request_interval"` // pacing between outbound calls
	Timeout         time.Duration `mapstructure:"timeout"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"` // search-result cache TTL (redis)
}

// ProviderSettings configures one visual classification backend.
type ProviderSettings struct {
	Enabled  bool   `mapstructure:"enabled"`
	APIKey   string `mapstructure:"api_key"`
	Endpoint string `mapstructure:"endpoint"`
	Model    string `mapstructure:"model"`
}

// VisionConfig configures the visual classifier.
type VisionConfig struct {
	// Provider names the preferred backend; empty means the first
	// available provider in registration order.
	Provider        string                      `mapstructure:"provider"`
	Providers       map[string]ProviderSettings `mapstructure:"providers"`
	RequestInterval time.Duration               `mapstructure:"request_interval"` // pacing between classify calls
}

// MatchConfig is the tunable matching policy.
type MatchConfig struct {
	PreFilterThreshold    float64 `mapstructure:"pre_filter_threshold"`
	BrandWeight           float64 `mapstructure:"brand_weight"`
	NameWeight            float64 `mapstructure:"name_weight"`
	SizeWeight            float64 `mapstructure:"size_weight"`
	RetailerWeight        float64 `mapstructure:"retailer_weight"`
	MinClassifyConfidence float64 `mapstructure:"min_classify_confidence"`
	PromoteLoneAlmostSame bool    `mapstructure:"promote_lone_almost_same"`
	AcceptLoneCandidate   bool    `mapstructure:"accept_lone_candidate"`
}

// PipelineConfig configures the batch orchestrator.
type PipelineConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	SearchTimeout   time.Duration `mapstructure:"search_timeout"`
	ClassifyTimeout time.Duration `mapstructure:"classify_timeout"`
	EventBuffer     int           `mapstructure:"event_buffer"`
}

// StoreConfig selects and configures the result store.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite" or "postgres"
	Path   string `mapstructure:"path"`   // sqlite file; empty = <data_dir>/shelfmatch.db
	DSN    string `mapstructure:"dsn"`    // postgres connection string
}

// RedisConfig configures the optional search-result cache.
// An empty Addr disables caching.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DefaultDataDir returns ~/.shelfmatch.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".shelfmatch"
	}
	return filepath.Join(home, ".shelfmatch")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("log_level", "info")

	v.SetDefault("catalog.base_url", "")
	v.SetDefault("catalog.api_key", "")
	v.SetDefault("catalog.limit", 10)
	v.SetDefault("catalog.request_interval", 250*time.Millisecond)
	v.SetDefault("catalog.timeout", 30*time.Second)
	v.SetDefault("catalog.cache_ttl", 12*time.Hour)

	v.SetDefault("vision.provider", "")
	v.SetDefault("vision.request_interval", 500*time.Millisecond)
	v.SetDefault("vision.providers.openai.enabled", false)
	v.SetDefault("vision.providers.openai.endpoint", "https://api.openai.com/v1")
	v.SetDefault("vision.providers.openai.model", "gpt-4o")
	v.SetDefault("vision.providers.openai.api_key", "")
	v.SetDefault("vision.providers.ollama.enabled", false)
	v.SetDefault("vision.providers.ollama.endpoint", "http://localhost:11434")
	v.SetDefault("vision.providers.ollama.model", "llava")
	v.SetDefault("vision.providers.ollama.api_key", "")

	v.SetDefault("match.pre_filter_threshold", 0.85)
	v.SetDefault("match.brand_weight", 0.5)
	v.SetDefault("match.name_weight", 0.2)
	v.SetDefault("match.size_weight", 0.2)
	v.SetDefault("match.retailer_weight", 0.1)
	v.SetDefault("match.min_classify_confidence", 0.70)
	v.SetDefault("match.promote_lone_almost_same", true)
	v.SetDefault("match.accept_lone_candidate", true)

	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.search_timeout", 30*time.Second)
	v.SetDefault("pipeline.classify_timeout", 60*time.Second)
	v.SetDefault("pipeline.event_buffer", 256)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "")
	v.SetDefault("store.dsn", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
}

// Load reads the config file at path (or the default location when
// path is empty), applies SHELFMATCH_* environment overrides, and
// validates. A missing file at the default location is not an error;
// defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SHELFMATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if explicit || !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.DataDir, "shelfmatch.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges. Zero values that have defaults are
// already filled by Load.
func (c *Config) Validate() error {
	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		return fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for the postgres driver")
	}
	if t := c.Match.PreFilterThreshold; t < 0 || t > 1 {
		return fmt.Errorf("match.pre_filter_threshold must be in [0,1], got %v", t)
	}
	if t := c.Match.MinClassifyConfidence; t < 0 || t > 1 {
		return fmt.Errorf("match.min_classify_confidence must be in [0,1], got %v", t)
	}
	for name, w := range map[string]float64{
		"match.brand_weight":    c.Match.BrandWeight,
		"match.name_weight":     c.Match.NameWeight,
		"match.size_weight":     c.Match.SizeWeight,
		"match.retailer_weight": c.Match.RetailerWeight,
	} {
		if w < 0 {
			return fmt.Errorf("%s must not be negative, got %v", name, w)
		}
	}
	if c.Match.BrandWeight+c.Match.NameWeight == 0 {
		return fmt.Errorf("at least one of match.brand_weight and match.name_weight must be positive")
	}
	if c.Pipeline.EventBuffer < 0 {
		return fmt.Errorf("pipeline.event_buffer must not be negative, got %d", c.Pipeline.EventBuffer)
	}
	if c.Catalog.Limit <= 0 {
		return fmt.Errorf("catalog.limit must be positive, got %d", c.Catalog.Limit)
	}
	return nil
}

// LogDir returns the directory for application logs.
func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// EventLogPath returns the audit JSONL file location.
func (c *Config) EventLogPath() string {
	return filepath.Join(c.DataDir, "shelfmatch.events.jsonl")
}

// StorePath returns the sqlite database location: the configured path,
// or shelfmatch.db under the data directory.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir, "shelfmatch.db")
}

// CacheEnabled reports whether the redis search cache is configured.
func (c *Config) CacheEnabled() bool {
	return c.Redis.Addr != ""
}
