// Package pipeline orchestrates the staged matching flow for shelf
// detections: catalog search, attribute pre-filter, visual
// classification, consolidation, and persistence. One Runner drives
// both single-detection runs and bounded-concurrency batches.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"shelfmatch/internal/audit"
	"shelfmatch/internal/catalog"
	"shelfmatch/internal/consolidate"
	"shelfmatch/internal/model"
	"shelfmatch/internal/prefilter"
)

// ErrConcurrentRun reports a detection that already has a pipeline run
// in flight. The caller may retry once the active run reaches a
// terminal state.
var ErrConcurrentRun = errors.New("detection already in flight")

// ResultStore is the slice of the persistence layer the pipeline
// needs. Both store backends satisfy it.
type ResultStore interface {
	Detection(ctx context.Context, id string) (model.Detection, error)
	SetState(ctx context.Context, id string, state model.ProcessingState, note string) error
	AppendCandidates(ctx context.Context, detectionID string, stage model.ProcessingStage, cands []model.Candidate) error
	SaveSelection(ctx context.Context, sel model.SelectionRecord) error
}

// Screener runs the visual classification stage over a candidate set.
// *vision.Screen satisfies it.
type Screener interface {
	Name() string
	Run(ctx context.Context, cropImage string, cands []model.Candidate) []model.Candidate
}

// Options are the tunable knobs of a Runner.
type Options struct {
	PreFilter   prefilter.Policy
	Consolidate consolidate.Policy

	// AcceptLoneCandidate short-circuits classification when exactly
	// one candidate survives the pre-filter.
	AcceptLoneCandidate bool

	// RetailerHint annotates searches and boosts candidates sold by
	// the named retailer. Empty disables the boost.
	RetailerHint string

	// SearchTimeout bounds each catalog call.
	SearchTimeout time.Duration
}

// DefaultOptions mirrors the stock config defaults.
func DefaultOptions() Options {
	return Options{
		PreFilter:           prefilter.DefaultPolicy(),
		Consolidate:         consolidate.DefaultPolicy(),
		AcceptLoneCandidate: true,
		SearchTimeout:       30 * time.Second,
	}
}

// Runner drives detections through the pipeline. Safe for concurrent
// use; an internal registry guarantees at most one in-flight run per
// detection id, which preserves the one-selection-per-detection
// invariant.
type Runner struct {
	search catalog.Searcher
	screen Screener
	store  ResultStore
	audit  *audit.Logger
	opts   Options

	inflight inflightSet
}

// New creates a Runner. aud may be nil; auditing is then discarded.
func New(search catalog.Searcher, screen Screener, st ResultStore, aud *audit.Logger, opts Options) *Runner {
	if aud == nil {
		aud = audit.NewNullLogger()
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = 30 * time.Second
	}
	if opts.PreFilter == (prefilter.Policy{}) {
		opts.PreFilter = prefilter.DefaultPolicy()
	}
	return &Runner{
		search: search,
		screen: screen,
		store:  st,
		audit:  aud,
		opts:   opts,
	}
}

// inflightSet tracks detection ids with an active run.
type inflightSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// acquire reserves id, reporting false when it is already held.
func (f *inflightSet) acquire(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ids == nil {
		f.ids = make(map[string]struct{})
	}
	if _, busy := f.ids[id]; busy {
		return false
	}
	f.ids[id] = struct{}{}
	return true
}

func (f *inflightSet) release(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ids, id)
}
