// Package prefilter narrows catalog candidates by attribute similarity
// before any AI call is spent on them. Pure functions: candidates in,
// scored survivors out. No side effects, no randomness; identical
// inputs always produce identical scores and the identical kept set.
package prefilter

import (
	"fmt"
	"strings"

	"shelfmatch/internal/model"
)

// Policy holds the tunable knobs of the pre-filter. Weights apply to
// sub-scores that are present for a given comparison; absent sub-scores
// (no size on either side, no retailer hint) are excluded and the
// remaining weights renormalize.
type Policy struct {
	Threshold      float64
	BrandWeight    float64
	NameWeight     float64
	SizeWeight     float64
	RetailerWeight float64
}

// DefaultPolicy returns the stock policy: threshold 0.85, text-heavy
// weighting.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:      0.85,
		BrandWeight:    0.5,
		NameWeight:     0.2,
		SizeWeight:     0.2,
		RetailerWeight: 0.1,
	}
}

// Scored pairs a candidate with its composite score, for callers that
// need the full scored set (audit, debugging) rather than only the
// survivors.
type Scored struct {
	Candidate model.Candidate
	Score     float64
	Reasons   []string
}

// Apply scores every candidate against the detection's attributes and
// returns the ones at or above the policy threshold, tagged
// pre_filter and annotated with their score and the reasons that
// passed. Input order is preserved.
func Apply(cands []model.Candidate, attrs model.Attributes, retailerHint string, p Policy) []model.Candidate {
	kept := make([]model.Candidate, 0, len(cands))
	for _, sc := range ScoreAll(cands, attrs, retailerHint, p) {
		if sc.Score >= p.Threshold {
			c := sc.Candidate.AtStage(model.StagePreFilter)
			c.SimilarityScore = sc.Score
			c.MatchReasons = sc.Reasons
			kept = append(kept, c)
		}
	}
	return kept
}

// ScoreAll scores every candidate without applying the threshold.
// Output order matches input order.
func ScoreAll(cands []model.Candidate, attrs model.Attributes, retailerHint string, p Policy) []Scored {
	out := make([]Scored, 0, len(cands))
	for _, c := range cands {
		score, reasons := scoreCandidate(c, attrs, retailerHint, p)
		out = append(out, Scored{Candidate: c, Score: score, Reasons: reasons})
	}
	return out
}

// scoreCandidate computes the weighted composite of the available
// sub-scores. Sub-score inclusion rules:
//   - brand: included when the detection extracted a brand
//   - name: included when the detection extracted a product name and
//     the candidate has a title
//   - size: included only when both sides parse to a quantity
//   - retailer: included only when a hint is present
func scoreCandidate(c model.Candidate, attrs model.Attributes, retailerHint string, p Policy) (float64, []string) {
	var weightSum, total float64
	reasons := make([]string, 0, 4)

	if strings.TrimSpace(attrs.Brand) != "" {
		target := c.Brand
		if strings.TrimSpace(target) == "" {
			// Catalog rows sometimes fold the brand into the title.
			target = c.Title
		}
		s := textSimilarity(attrs.Brand, target)
		total += s * p.BrandWeight
		weightSum += p.BrandWeight
		reasons = append(reasons, fmt.Sprintf("brand %.2f", s))
	}

	if strings.TrimSpace(attrs.ProductName) != "" && strings.TrimSpace(c.Title) != "" {
		s := textSimilarity(attrs.ProductName, c.Title)
		total += s * p.NameWeight
		weightSum += p.NameWeight
		reasons = append(reasons, fmt.Sprintf("name %.2f", s))
	}

	if s, detail, ok := compareSizes(attrs.Size, c.Size); ok {
		total += s * p.SizeWeight
		weightSum += p.SizeWeight
		reasons = append(reasons, detail)
	}

	if hint := normalizeText(retailerHint); hint != "" {
		s := 0.0
		for _, r := range c.Retailers {
			if normalizeText(r) == hint {
				s = 1.0
				break
			}
		}
		total += s * p.RetailerWeight
		weightSum += p.RetailerWeight
		if s > 0 {
			reasons = append(reasons, fmt.Sprintf("retailer match (%s)", hint))
		} else {
			reasons = append(reasons, "retailer unknown for candidate")
		}
	}

	if weightSum == 0 {
		return 0, nil
	}
	return total / weightSum, reasons
}
