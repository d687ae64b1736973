// Package consolidate picks zero or one final candidate from a
// detection's classified candidate set. Pure decision rules, applied
// in a fixed order; identical inputs always yield the identical
// decision.
package consolidate

import "shelfmatch/internal/model"

// Policy holds the consolidation knobs. Promotion of a lone
// almost_same candidate is a product policy choice, so it stays
// tunable rather than hard-coded.
type Policy struct {
	// PromoteLoneAlmostSame selects a single almost_same candidate
	// as the final match when no identical candidate exists.
	PromoteLoneAlmostSame bool
}

// DefaultPolicy returns the stock policy with promotion enabled.
func DefaultPolicy() Policy {
	return Policy{PromoteLoneAlmostSame: true}
}

// Decision is the outcome of consolidating one detection's classified
// candidates. A nil Candidate means no match. Contenders holds the
// full disambiguation set, stage-tagged visual_match, when more than
// one candidate was plausible; callers persist it so the ranked set
// survives alongside the winner.
type Decision struct {
	Candidate  *model.Candidate
	Method     model.SelectionMethod
	Promoted   bool
	Contenders []model.Candidate
}

// Matched reports whether the decision selected a candidate.
func (d Decision) Matched() bool { return d.Candidate != nil }

// Resolve applies the consolidation rules, in order:
//
//  1. Exactly one identical candidate: select it outright.
//  2. Two or more passing candidates (identical or almost_same):
//     disambiguate by confidence, identical outranking almost_same,
//     and tag the whole passing set visual_match.
//  3. A lone almost_same with no identical: promote it when the
//     policy allows, marking the decision as promoted.
//  4. Nothing passing: no match.
//
// Equal confidences resolve to the candidate that appears earliest in
// the input ordering.
func Resolve(cands []model.Candidate, p Policy) Decision {
	var identical, almost []int
	for i, c := range cands {
		switch c.MatchStatus {
		case model.StatusIdentical:
			identical = append(identical, i)
		case model.StatusAlmostSame:
			almost = append(almost, i)
		}
	}

	switch {
	case len(identical) == 1:
		winner := cands[identical[0]]
		return Decision{Candidate: &winner, Method: model.MethodAIFilter}

	case len(identical)+len(almost) >= 2:
		pool := identical
		if len(pool) == 0 {
			pool = almost
		}
		winner := cands[bestOf(cands, pool)].AtStage(model.StageVisualMatch)

		contenders := make([]model.Candidate, 0, len(identical)+len(almost))
		for i, c := range cands {
			if c.MatchStatus.Passing() {
				contenders = append(contenders, cands[i].AtStage(model.StageVisualMatch))
			}
		}
		return Decision{
			Candidate:  &winner,
			Method:     model.MethodVisualMatching,
			Contenders: contenders,
		}

	case len(almost) == 1 && p.PromoteLoneAlmostSame:
		winner := cands[almost[0]]
		return Decision{Candidate: &winner, Method: model.MethodAIFilter, Promoted: true}
	}

	return Decision{}
}

// bestOf returns the index of the highest-confidence candidate in
// pool. A strictly-greater comparison keeps the earliest candidate on
// ties.
func bestOf(cands []model.Candidate, pool []int) int {
	best := pool[0]
	for _, i := range pool[1:] {
		if cands[i].Confidence > cands[best].Confidence {
			best = i
		}
	}
	return best
}
