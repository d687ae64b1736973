package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shelfmatch/internal/audit"
	"shelfmatch/internal/consolidate"
	"shelfmatch/internal/logging"
	"shelfmatch/internal/model"
	"shelfmatch/internal/prefilter"
	"shelfmatch/internal/store"
	"shelfmatch/internal/vision"
)

const compPipeline = "pipeline"

// emitFunc receives stage transitions as a run progresses.
type emitFunc func(stage model.ProcessingState, message string)

// Run drives one detection to a terminal state and returns it.
// Detections already in a terminal state are not re-run; the stored
// state returns immediately. The error is non-nil only for the ERROR
// outcome, including ErrConcurrentRun when the detection is busy.
func (r *Runner) Run(ctx context.Context, id string) (model.ProcessingState, error) {
	outcome, _, err := r.run(ctx, id, func(model.ProcessingState, string) {})
	return outcome, err
}

// run executes the per-detection state machine. It returns the
// terminal outcome for counting, a human-readable note for the
// progress stream, and the error for ERROR outcomes. Stages execute
// strictly in order; every stage's candidate set is persisted before
// the next stage starts.
func (r *Runner) run(ctx context.Context, id string, emit emitFunc) (model.ProcessingState, string, error) {
	if !r.inflight.acquire(id) {
		r.audit.Emit(audit.Event{Kind: audit.KindDetectionReject, Level: audit.LevelWarn, Comp: compPipeline, DetectionID: id, Msg: "already in flight"})
		return model.StateError, "already in flight", ErrConcurrentRun
	}
	defer r.inflight.release(id)

	d, err := r.store.Detection(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.StateError, "unknown detection", err
		}
		return model.StateError, "load failed", err
	}

	// Terminal states are never re-entered; report the stored outcome.
	if d.State.Terminal() {
		r.audit.Emit(audit.Event{Kind: audit.KindDetectionSkip, Comp: compPipeline, DetectionID: id, Status: string(d.State)})
		return d.State, fmt.Sprintf("skipped (already %s)", d.State), nil
	}

	query := d.Attrs.Query()
	r.audit.Emit(audit.Event{Kind: audit.KindDetectionStart, Comp: compPipeline, DetectionID: id, Query: query})

	if d.IsProduct != nil && !*d.IsProduct {
		return r.noMatch(ctx, id, "not a product")
	}
	if query == "" {
		return r.noMatch(ctx, id, "no searchable attributes")
	}

	// Search.
	emit(model.StateSearching, "searching catalog")
	if err := r.store.SetState(ctx, id, model.StateSearching, ""); err != nil {
		return r.fail(ctx, id, "enter searching", err)
	}
	r.audit.Emit(audit.Event{Kind: audit.KindSearchStart, Comp: compPipeline, DetectionID: id, Query: query})

	searchCtx, cancel := context.WithTimeout(ctx, r.opts.SearchTimeout)
	searchStart := time.Now()
	cands, err := r.search.Search(searchCtx, query, r.opts.RetailerHint)
	cancel()
	if err != nil {
		r.audit.Emit(audit.Event{Kind: audit.KindSearchError, Level: audit.LevelError, Comp: compPipeline, DetectionID: id, Query: query, Err: err.Error()})
		return r.fail(ctx, id, "search", err)
	}
	r.audit.Emit(audit.Event{Kind: audit.KindSearchComplete, Comp: compPipeline, DetectionID: id, Query: query, Count: len(cands), Dur: time.Since(searchStart)})

	if len(cands) == 0 {
		return r.noMatch(ctx, id, "no candidates")
	}
	if err := r.store.AppendCandidates(ctx, id, model.StageSearch, cands); err != nil {
		return r.fail(ctx, id, "persist search candidates", err)
	}

	// Pre-filter.
	emit(model.StatePreFiltering, fmt.Sprintf("pre-filtering %d candidates", len(cands)))
	if err := r.store.SetState(ctx, id, model.StatePreFiltering, ""); err != nil {
		return r.fail(ctx, id, "enter pre-filtering", err)
	}
	survivors := prefilter.Apply(cands, d.Attrs, r.opts.RetailerHint, r.opts.PreFilter)
	r.audit.Emit(audit.Event{Kind: audit.KindPreFilterComplete, Comp: compPipeline, DetectionID: id, Count: len(survivors)})

	if len(survivors) == 0 {
		return r.noMatch(ctx, id, "no candidates passed pre-filter")
	}
	if err := r.store.AppendCandidates(ctx, id, model.StagePreFilter, survivors); err != nil {
		return r.fail(ctx, id, "persist pre-filter survivors", err)
	}

	if len(survivors) == 1 && r.opts.AcceptLoneCandidate {
		c := survivors[0]
		sel := model.NewSelection(id, c, model.MethodSingleCandidate)
		sel.Confidence = c.SimilarityScore
		return r.save(ctx, id, sel)
	}

	// Classification needs the crop; without one there is nothing to
	// compare against, which is a no-match, not a failure.
	if d.CropImageURL == "" {
		return r.noMatch(ctx, id, "no crop image for visual classification")
	}

	// Classify.
	emit(model.StateAIFiltering, fmt.Sprintf("classifying %d candidates", len(survivors)))
	if err := r.store.SetState(ctx, id, model.StateAIFiltering, ""); err != nil {
		return r.fail(ctx, id, "enter ai-filtering", err)
	}
	classified := r.screen.Run(ctx, d.CropImageURL, survivors)
	for _, c := range classified {
		ev := audit.Event{Kind: audit.KindClassifyComplete, Comp: compPipeline, DetectionID: id, GTIN: c.GTIN, Status: string(c.MatchStatus), Score: c.Confidence, Msg: c.Rationale}
		if vision.ClassificationFailed(c) {
			ev.Kind = audit.KindClassifyError
			ev.Level = audit.LevelWarn
		}
		r.audit.Emit(ev)
	}
	if err := r.store.AppendCandidates(ctx, id, model.StageAIFilter, classified); err != nil {
		return r.fail(ctx, id, "persist classified candidates", err)
	}

	// Consolidate.
	decision := consolidate.Resolve(classified, r.opts.Consolidate)
	consEv := audit.Event{Kind: audit.KindConsolidateComplete, Comp: compPipeline, DetectionID: id}
	if decision.Matched() {
		consEv.GTIN = decision.Candidate.GTIN
		consEv.Method = string(decision.Method)
		consEv.Score = decision.Candidate.Confidence
	} else {
		consEv.Status = string(model.StateNoMatch)
	}
	r.audit.Emit(consEv)

	if !decision.Matched() {
		return r.noMatch(ctx, id, "no visual match")
	}

	if decision.Method == model.MethodVisualMatching {
		emit(model.StateVisualMatching, fmt.Sprintf("disambiguating %d passing candidates", len(decision.Contenders)))
		if err := r.store.SetState(ctx, id, model.StateVisualMatching, ""); err != nil {
			return r.fail(ctx, id, "enter visual-matching", err)
		}
		if err := r.store.AppendCandidates(ctx, id, model.StageVisualMatch, decision.Contenders); err != nil {
			return r.fail(ctx, id, "persist visual-match set", err)
		}
	}

	sel := model.NewSelection(id, *decision.Candidate, decision.Method)
	sel.Consolidated = decision.Promoted
	return r.save(ctx, id, sel)
}

// noMatch marks the detection's terminal no-match outcome. The state
// write survives caller cancellation: a computed outcome is persisted,
// not rolled back.
func (r *Runner) noMatch(ctx context.Context, id, note string) (model.ProcessingState, string, error) {
	if err := r.store.SetState(context.WithoutCancel(ctx), id, model.StateNoMatch, note); err != nil {
		return r.fail(ctx, id, "persist no-match state", err)
	}
	r.audit.Emit(audit.Event{Kind: audit.KindDetectionDone, Comp: compPipeline, DetectionID: id, Status: string(model.StateNoMatch), Msg: note})
	logging.Debug("detection finished without match", "id", id, "reason", note)
	return model.StateNoMatch, note, nil
}

// save persists the selection, then marks the detection saved.
func (r *Runner) save(ctx context.Context, id string, sel model.SelectionRecord) (model.ProcessingState, string, error) {
	wctx := context.WithoutCancel(ctx)
	if err := r.store.SaveSelection(wctx, sel); err != nil {
		return r.fail(ctx, id, "persist selection", err)
	}

	note := fmt.Sprintf("matched %s via %s", sel.GTIN, sel.Method)
	if sel.Consolidated {
		note += " (consolidation applied)"
	}
	if err := r.store.SetState(wctx, id, model.StateSaved, note); err != nil {
		return r.fail(ctx, id, "persist saved state", err)
	}

	r.audit.Emit(audit.Event{Kind: audit.KindSelectionSaved, Comp: compPipeline, DetectionID: id, GTIN: sel.GTIN, Method: string(sel.Method), Score: sel.Confidence})
	r.audit.Emit(audit.Event{Kind: audit.KindDetectionDone, Comp: compPipeline, DetectionID: id, Status: string(model.StateSaved), Msg: note})
	logging.Info("detection matched", "id", id, "gtin", sel.GTIN, "method", sel.Method, "confidence", sel.Confidence)
	return model.StateSaved, note, nil
}

// fail marks the detection's terminal error outcome. When the failure
// was caused by the caller's own cancellation, the stored state is
// left untouched so the detection can be re-run later.
func (r *Runner) fail(ctx context.Context, id, what string, err error) (model.ProcessingState, string, error) {
	wrapped := fmt.Errorf("%s: %w", what, err)

	if ctx.Err() == nil {
		if serr := r.store.SetState(context.WithoutCancel(ctx), id, model.StateError, wrapped.Error()); serr != nil {
			r.audit.Emit(audit.Event{Kind: audit.KindStoreError, Level: audit.LevelError, Comp: compPipeline, DetectionID: id, Err: serr.Error()})
			logging.Error("failed to record error state", "id", id, "error", serr)
		}
	} else {
		logging.Warn("run cancelled, state left for retry", "id", id, "error", wrapped)
	}

	r.audit.Emit(audit.Event{Kind: audit.KindDetectionDone, Level: audit.LevelError, Comp: compPipeline, DetectionID: id, Status: string(model.StateError), Err: wrapped.Error()})
	logging.Error("detection errored", "id", id, "error", wrapped)
	return model.StateError, wrapped.Error(), wrapped
}
