package main

import (
	"context"
	"fmt"
	"os"

	"shelfmatch/internal/catalog"
	"shelfmatch/internal/config"
	"shelfmatch/internal/consolidate"
	"shelfmatch/internal/logging"
	"shelfmatch/internal/model"
	"shelfmatch/internal/pipeline"
	"shelfmatch/internal/prefilter"
	"shelfmatch/internal/store"
	"shelfmatch/internal/vision"
)

// resultStore is the store surface the CLI uses. Both backends
// satisfy it.
type resultStore interface {
	pipeline.ResultStore
	ImportDetections(ctx context.Context, dets []model.Detection) (int, error)
	ListDetectionIDs(ctx context.Context, states ...model.ProcessingState) ([]string, error)
	StateCounts(ctx context.Context) (map[model.ProcessingState]int, error)
	CandidateStageCounts(ctx context.Context) (map[model.ProcessingStage]int, error)
	MethodCounts(ctx context.Context) (map[model.SelectionMethod]int, error)
	Results(ctx context.Context, limit int) ([]model.Detection, error)
	Close() error
}

var (
	_ resultStore = (*store.SQLite)(nil)
	_ resultStore = (*store.Postgres)(nil)
)

// fatalf prints an error and exits.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// mustConfig loads the configuration or exits.
func mustConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fatalf("%v", err)
	}
	return cfg
}

// mustStore opens the configured store backend or exits.
func mustStore(cfg *config.Config) resultStore {
	var (
		st  resultStore
		err error
	)
	switch cfg.Store.Driver {
	case "postgres":
		st, err = store.OpenPostgres(cfg.Store.DSN)
	default:
		st, err = store.Open(cfg.StorePath())
	}
	if err != nil {
		fatalf("open store: %v", err)
	}
	return st
}

// newSearcher builds the catalog client, wrapped in the redis result
// cache when one is configured. An unreachable redis degrades to
// uncached search rather than failing the run.
func newSearcher(ctx context.Context, cfg *config.Config) catalog.Searcher {
	var s catalog.Searcher = catalog.NewHTTPClient(catalog.ClientConfig{
		BaseURL:         cfg.Catalog.BaseURL,
		APIKey:          cfg.Catalog.APIKey,
		Limit:           cfg.Catalog.Limit,
		RequestInterval: cfg.Catalog.RequestInterval,
		Timeout:         cfg.Catalog.Timeout,
	})
	if !cfg.CacheEnabled() {
		return s
	}

	rdb, err := catalog.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logging.Warn("redis unavailable, search cache disabled", "addr", cfg.Redis.Addr, "error", err)
		fmt.Fprintf(os.Stderr, "warning: redis unavailable at %s, running uncached\n", cfg.Redis.Addr)
		return s
	}
	return catalog.NewCachedSearcher(s, rdb, cfg.Catalog.CacheTTL)
}

// newScreen builds the visual classification stage from the configured
// provider, or from the first available one when none is named.
func newScreen(cfg *config.Config) (*vision.Screen, error) {
	classifiers := map[string]vision.Classifier{}
	if p, ok := cfg.Vision.Providers["openai"]; ok && p.Enabled {
		classifiers["openai"] = vision.NewOpenAIClassifier(p.APIKey, p.Model, p.Endpoint)
	}
	if p, ok := cfg.Vision.Providers["ollama"]; ok && p.Enabled {
		classifiers["ollama"] = vision.NewOllamaClassifier(p.Endpoint, p.Model)
	}

	pick := func(name string) (vision.Classifier, error) {
		c, ok := classifiers[name]
		if !ok {
			return nil, fmt.Errorf("vision provider %q is not enabled", name)
		}
		if !c.Available() {
			return nil, fmt.Errorf("vision provider %q is not available (missing key or unreachable endpoint)", name)
		}
		return c, nil
	}

	var chosen vision.Classifier
	if cfg.Vision.Provider != "" {
		c, err := pick(cfg.Vision.Provider)
		if err != nil {
			return nil, err
		}
		chosen = c
	} else {
		for _, name := range []string{"openai", "ollama"} {
			if c, err := pick(name); err == nil {
				chosen = c
				break
			}
		}
		if chosen == nil {
			return nil, fmt.Errorf("no vision provider available; enable one under vision.providers in the config")
		}
	}
	return vision.NewScreen(chosen, cfg.Match.MinClassifyConfidence, cfg.Pipeline.ClassifyTimeout, cfg.Vision.RequestInterval), nil
}

// runnerOptions maps the matching policy config onto pipeline options.
func runnerOptions(cfg *config.Config, retailerHint string) pipeline.Options {
	return pipeline.Options{
		PreFilter: prefilter.Policy{
			Threshold:      cfg.Match.PreFilterThreshold,
			BrandWeight:    cfg.Match.BrandWeight,
			NameWeight:     cfg.Match.NameWeight,
			SizeWeight:     cfg.Match.SizeWeight,
			RetailerWeight: cfg.Match.RetailerWeight,
		},
		Consolidate:         consolidate.Policy{PromoteLoneAlmostSame: cfg.Match.PromoteLoneAlmostSame},
		AcceptLoneCandidate: cfg.Match.AcceptLoneCandidate,
		RetailerHint:        retailerHint,
		SearchTimeout:       cfg.Pipeline.SearchTimeout,
	}
}

// truncate shortens a string to max runes, appending "..." if truncated.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
