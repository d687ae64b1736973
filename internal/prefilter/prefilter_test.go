package prefilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelfmatch/internal/model"
)

func shelfAttrs() model.Attributes {
	return model.Attributes{
		Brand:       "Acme",
		ProductName: "Cola Zero",
		Size:        "12 oz",
	}
}

func catalogRow(gtin, brand, title, size string) model.Candidate {
	return model.Candidate{GTIN: gtin, Brand: brand, Title: title, Size: size}
}

func TestApplyKeepsStrongMatches(t *testing.T) {
	cands := []model.Candidate{
		catalogRow("001", "Acme", "Acme Cola Zero", "12OZ"),
		catalogRow("002", "Acme", "Acme Cola Zero", "16 oz"),
		catalogRow("003", "Pepso", "Pepso Cola Zero", "12 oz"),
	}

	kept := Apply(cands, shelfAttrs(), "", DefaultPolicy())
	require.Len(t, kept, 2)
	assert.Equal(t, "001", kept[0].GTIN)
	assert.Equal(t, "002", kept[1].GTIN)

	for _, c := range kept {
		assert.Equal(t, model.StagePreFilter, c.Stage)
		assert.GreaterOrEqual(t, c.SimilarityScore, DefaultPolicy().Threshold)
		assert.NotEmpty(t, c.MatchReasons)
	}

	// The exact-size candidate outranks the 16 oz one.
	assert.Greater(t, kept[0].SimilarityScore, kept[1].SimilarityScore)
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	cands := []model.Candidate{
		catalogRow("001", "Acme", "Acme Cola Zero", "12OZ"),
	}
	_ = Apply(cands, shelfAttrs(), "", DefaultPolicy())

	assert.Empty(t, cands[0].Stage)
	assert.Zero(t, cands[0].SimilarityScore)
	assert.Nil(t, cands[0].MatchReasons)
}

// A size that fails to parse on either side is excluded from the
// composite, never scored as zero. With brand and name both perfect
// the candidate must still pass.
func TestMissingSizeExcludedNotZeroed(t *testing.T) {
	attrs := shelfAttrs()
	attrs.Size = "" // extraction produced no size

	cands := []model.Candidate{
		catalogRow("001", "Acme", "Acme Cola Zero", "12 oz"),
	}
	kept := Apply(cands, attrs, "", DefaultPolicy())
	require.Len(t, kept, 1)
	assert.InDelta(t, 1.0, kept[0].SimilarityScore, 1e-9)

	for _, r := range kept[0].MatchReasons {
		assert.NotContains(t, r, "size")
	}
}

func TestRetailerHint(t *testing.T) {
	attrs := model.Attributes{Brand: "Acme"}
	cands := []model.Candidate{
		{GTIN: "001", Brand: "Acme", Retailers: []string{"Walmart", "Target"}},
		{GTIN: "002", Brand: "Acme", Retailers: []string{"Kroger"}},
	}

	kept := Apply(cands, attrs, "walmart", DefaultPolicy())
	require.Len(t, kept, 1)
	assert.Equal(t, "001", kept[0].GTIN)
	assert.Contains(t, kept[0].MatchReasons, "retailer match (walmart)")

	// Without the hint the retailer sub-score is excluded and both
	// candidates pass on brand alone.
	kept = Apply(cands, attrs, "", DefaultPolicy())
	assert.Len(t, kept, 2)
}

func TestScoreAllEmptyAttributes(t *testing.T) {
	cands := []model.Candidate{catalogRow("001", "Acme", "Acme Cola", "12 oz")}

	scored := ScoreAll(cands, model.Attributes{}, "", DefaultPolicy())
	require.Len(t, scored, 1)
	assert.Zero(t, scored[0].Score)
	assert.Nil(t, scored[0].Reasons)

	assert.Empty(t, Apply(cands, model.Attributes{}, "", DefaultPolicy()))
}

func TestScoreBounds(t *testing.T) {
	cands := []model.Candidate{
		catalogRow("001", "Acme", "Acme Cola Zero", "12OZ"),
		catalogRow("002", "", "Acme Cola", ""),
		catalogRow("003", "Other Brand", "Something Else Entirely", "3 l"),
		catalogRow("004", "Acme", "", "12 oz"),
	}
	for _, sc := range ScoreAll(cands, shelfAttrs(), "walmart", DefaultPolicy()) {
		assert.GreaterOrEqual(t, sc.Score, 0.0, "gtin %s", sc.Candidate.GTIN)
		assert.LessOrEqual(t, sc.Score, 1.0, "gtin %s", sc.Candidate.GTIN)
	}
}

// Raising the threshold can only shrink the kept set, never grow it or
// admit different candidates.
func TestThresholdMonotonicity(t *testing.T) {
	cands := []model.Candidate{
		catalogRow("001", "Acme", "Acme Cola Zero", "12OZ"),
		catalogRow("002", "Acme", "Acme Cola Zero", "16 oz"),
		catalogRow("003", "Acme", "Acme Root Beer", "12 oz"),
		catalogRow("004", "Pepso", "Pepso Cola Zero", "12 oz"),
		catalogRow("005", "Acmee", "Acmee Cola", "1 l"),
		catalogRow("006", "", "Unrelated Thing", ""),
	}

	prev := map[string]bool{}
	first := true
	for _, thr := range []float64{1.0, 0.95, 0.85, 0.6, 0.3, 0} {
		p := DefaultPolicy()
		p.Threshold = thr
		kept := Apply(cands, shelfAttrs(), "", p)

		cur := map[string]bool{}
		for _, c := range kept {
			cur[c.GTIN] = true
		}
		if !first {
			// Walking the threshold down, every previously kept
			// candidate must still be kept.
			for gtin := range prev {
				assert.True(t, cur[gtin], "threshold %v dropped %s kept at a higher threshold", thr, gtin)
			}
		}
		prev, first = cur, false
	}
}

func TestDeterministic(t *testing.T) {
	cands := []model.Candidate{
		catalogRow("001", "Acme", "Acme Cola Zero", "12OZ"),
		catalogRow("002", "Acme", "Acme Cola Zero", "16 oz"),
		catalogRow("003", "Pepso", "Pepso Cola Zero", "12 oz"),
	}

	a := Apply(cands, shelfAttrs(), "walmart", DefaultPolicy())
	b := Apply(cands, shelfAttrs(), "walmart", DefaultPolicy())
	assert.Equal(t, a, b)

	sa := ScoreAll(cands, shelfAttrs(), "walmart", DefaultPolicy())
	sb := ScoreAll(cands, shelfAttrs(), "walmart", DefaultPolicy())
	assert.Equal(t, sa, sb)
}
