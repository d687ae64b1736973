package vision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"shelfmatch/internal/model"
)

// failedRationalePrefix marks verdicts produced by a failed classifier
// call rather than a real comparison.
const failedRationalePrefix = "classification failed: "

// ClassificationFailed reports whether a screened candidate's verdict
// came from a failed classifier call rather than a real comparison.
func ClassificationFailed(c model.Candidate) bool {
	return c.MatchStatus == model.StatusNotMatch && strings.HasPrefix(c.Rationale, failedRationalePrefix)
}

// Screen runs the visual classification stage over a detection's
// surviving candidates: one classifier call per candidate, each under
// its own timeout. Every candidate comes back tagged ai_filter with a
// status, confidence and rationale; a failed call downgrades that one
// candidate to not_match without touching its siblings.
type Screen struct {
	classifier    Classifier
	minConfidence float64
	timeout       time.Duration
	limiter       *rate.Limiter
}

// NewScreen builds the classification stage. Zero values fall back to
// a 0.70 confidence floor and a 60s per-call timeout. interval paces
// classifier calls across all detections sharing this Screen; <= 0
// disables pacing.
func NewScreen(c Classifier, minConfidence float64, timeout, interval time.Duration) *Screen {
	if minConfidence <= 0 {
		minConfidence = 0.70
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	s := &Screen{classifier: c, minConfidence: minConfidence, timeout: timeout}
	if interval > 0 {
		s.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	return s
}

// Name returns the underlying classifier's identifier.
func (s *Screen) Name() string {
	return s.classifier.Name()
}

// Run classifies every candidate against the crop image, in input
// order. All candidates are retained, matched or not; the full ranked
// set is needed downstream.
func (s *Screen) Run(ctx context.Context, cropImage string, cands []model.Candidate) []model.Candidate {
	out := make([]model.Candidate, 0, len(cands))
	for _, c := range cands {
		out = append(out, s.one(ctx, cropImage, c))
	}
	return out
}

func (s *Screen) one(parent context.Context, cropImage string, c model.Candidate) model.Candidate {
	tagged := c.AtStage(model.StageAIFilter)

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	// The per-call timeout covers the wait for a rate-limit slot.
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			tagged.MatchStatus = model.StatusNotMatch
			tagged.Confidence = 0
			tagged.Rationale = failedRationalePrefix + err.Error()
			return tagged
		}
	}

	v, err := s.classifier.Classify(ctx, Request{CropImage: cropImage, Candidate: c})
	if err != nil {
		tagged.MatchStatus = model.StatusNotMatch
		tagged.Confidence = 0
		tagged.Rationale = failedRationalePrefix + err.Error()
		return tagged
	}

	tagged.MatchStatus = v.Status
	tagged.Confidence = v.Confidence
	tagged.Rationale = v.Rationale

	// The confidence floor is enforced here, not assumed from the
	// classifier: an under-confident identical or almost_same is a
	// not_match.
	if v.Status != model.StatusNotMatch && v.Confidence < s.minConfidence {
		tagged.MatchStatus = model.StatusNotMatch
		tagged.Rationale = fmt.Sprintf("%s (confidence %.2f below %.2f floor)", v.Rationale, v.Confidence, s.minConfidence)
	}
	return tagged
}
