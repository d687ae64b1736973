package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"shelfmatch/internal/audit"
	"shelfmatch/internal/logging"
	"shelfmatch/internal/model"
)

// RunBatch processes the given detections with at most concurrency
// pipelines in flight; concurrency <= 0 means no bound. Duplicate ids
// are processed once. Progress is delivered on events as it happens:
// stage transitions and terminal outcomes per detection, then one
// complete event. Sends never block; events the consumer is too slow
// to take are dropped and counted in the summary. events may be nil.
//
// One detection's failure never aborts the batch, and the returned
// summary's counts are exact regardless of event delivery or
// completion order.
func (r *Runner) RunBatch(ctx context.Context, ids []string, concurrency int, events chan<- ProgressEvent) Summary {
	start := time.Now()
	unique := dedupe(ids)
	b := newBoard(events, len(unique))

	batchID := uuid.NewString()[:8]
	logging.Info("batch started", "batch", batchID, "detections", len(unique), "concurrency", concurrency)
	r.audit.Emit(audit.Event{Kind: audit.KindBatchStart, Comp: compPipeline, BatchID: batchID, Count: len(unique)})

	limit := concurrency
	if limit <= 0 {
		limit = -1 // errgroup: unbounded
	}
	var g errgroup.Group
	g.SetLimit(limit)

	for i, id := range unique {
		i, id := i, id
		g.Go(func() error {
			if ctx.Err() != nil {
				// Started tasks run to a terminal state, but nothing
				// new launches after cancellation.
				b.finish(model.StateError, ProgressEvent{
					Type:           EventProgress,
					DetectionIndex: i,
					DetectionID:    id,
					Stage:          model.StateError,
					Message:        "batch cancelled before start",
				})
				return nil
			}

			outcome, note, err := r.run(ctx, id, func(stage model.ProcessingState, msg string) {
				b.emit(ProgressEvent{
					Type:           EventProgress,
					DetectionIndex: i,
					DetectionID:    id,
					Stage:          stage,
					Message:        msg,
				})
			})
			if err != nil {
				logging.Warn("batch item errored", "batch", batchID, "id", id, "error", err)
			}
			b.finish(outcome, ProgressEvent{
				Type:           EventProgress,
				DetectionIndex: i,
				DetectionID:    id,
				Stage:          outcome,
				Message:        note,
			})
			return nil // per-detection errors are counted, never group failures
		})
	}
	_ = g.Wait()

	b.emit(ProgressEvent{Type: EventComplete, DetectionIndex: -1})
	sum := b.summary(time.Since(start))

	r.audit.Emit(audit.Event{
		Kind: audit.KindBatchComplete, Comp: compPipeline, BatchID: batchID,
		Count: sum.Total, Dur: sum.Elapsed,
		Extra: map[string]any{"success": sum.Success, "no_match": sum.NoMatch, "errors": sum.Errors},
	})
	logging.Info("batch complete", "batch", batchID,
		"success", sum.Success, "no_match", sum.NoMatch, "errors", sum.Errors,
		"elapsed", sum.Elapsed.Round(time.Millisecond))
	return sum
}

// dedupe returns ids with duplicates removed, first occurrence wins.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
