package vision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelfmatch/internal/model"
)

func TestParseVerdictJSON(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		status model.MatchStatus
		conf   float64
	}{
		{
			"bare json",
			`{"match_status": "identical", "confidence": 0.93, "rationale": "same can"}`,
			model.StatusIdentical, 0.93,
		},
		{
			"fenced json",
			"Here is my answer:\n```json\n{\"match_status\": \"almost_same\", \"confidence\": 0.8, \"rationale\": \"different flavor\"}\n```",
			model.StatusAlmostSame, 0.8,
		},
		{
			"status key alias",
			`{"status": "not_match", "confidence": 0.2, "reason": "different brand"}`,
			model.StatusNotMatch, 0.2,
		},
		{
			"spaced status value",
			`{"match_status": "Almost Same", "confidence": 0.75}`,
			model.StatusAlmostSame, 0.75,
		},
		{
			"confidence above one clamps",
			`{"match_status": "identical", "confidence": 1.4}`,
			model.StatusIdentical, 1,
		},
		{
			"negative confidence clamps",
			`{"match_status": "identical", "confidence": -0.3}`,
			model.StatusIdentical, 0,
		},
		{
			"missing confidence defaults neutral",
			`{"match_status": "identical", "rationale": "looks the same"}`,
			model.StatusIdentical, 0.5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := parseVerdict(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.status, v.Status)
			assert.InDelta(t, tt.conf, v.Confidence, 1e-9)
		})
	}
}

func TestParseVerdictJSONRationale(t *testing.T) {
	v, err := parseVerdict(`{"match_status": "identical", "confidence": 0.9, "rationale": "same can"}`)
	require.NoError(t, err)
	assert.Equal(t, "same can", v.Rationale)

	v, err = parseVerdict(`{"status": "not_match", "confidence": 0.2, "reason": "different brand"}`)
	require.NoError(t, err)
	assert.Equal(t, "different brand", v.Rationale)
}

func TestParseVerdictPlainText(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		status model.MatchStatus
		conf   float64
	}{
		{"status and score", "ALMOST_SAME 0.8 because the size differs", model.StatusAlmostSame, 0.8},
		{"prose", "The products look identical, confidence 0.95.", model.StatusIdentical, 0.95},
		{"percent confidence", "Not a match. Confidence: 40%", model.StatusNotMatch, 0.4},
		{"no number defaults neutral", "identical packaging and size", model.StatusIdentical, 0.5},
		{"spaced not match", "these are not a match at all", model.StatusNotMatch, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := parseVerdict(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.status, v.Status)
			assert.InDelta(t, tt.conf, v.Confidence, 1e-9)
			assert.NotEmpty(t, v.Rationale)
		})
	}
}

func TestParseVerdictUnusable(t *testing.T) {
	for _, in := range []string{
		"",
		"I cannot tell from these images.",
		`{"match_status": "dunno"}`,
	} {
		_, err := parseVerdict(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		in   string
		want model.MatchStatus
		ok   bool
	}{
		{"identical", model.StatusIdentical, true},
		{"NOT_MATCH", model.StatusNotMatch, true},
		{"Almost Same", model.StatusAlmostSame, true},
		{"exact match", model.StatusIdentical, true},
		{"different", model.StatusNotMatch, true},
		{"variant", model.StatusAlmostSame, true},
		{"bogus", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := normalizeStatus(tt.in)
		assert.Equal(t, tt.ok, ok, "normalizeStatus(%q) ok", tt.in)
		if tt.ok {
			assert.Equal(t, tt.want, got, "normalizeStatus(%q)", tt.in)
		}
	}
}
