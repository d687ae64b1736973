package prefilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in     string
		value  float64
		family unitFamily
		ok     bool
	}{
		{"12 oz", 12, famWeightUS, true},
		{"12OZ", 12, famWeightUS, true},
		{"12 fl. oz.", 12, famVolumeUS, true},
		{"354.9ml", 354.9, famVolumeMetric, true},
		{"1 l", 1000, famVolumeMetric, true},
		{"1,5 l", 1500, famVolumeMetric, true},
		{"1 lb", 16, famWeightUS, true},
		{"500 grams", 500, famWeightMetric, true},
		{"2-pack", 2, famCount, true},
		{"6 pcs", 6, famCount, true},
		{"12 Ounces", 12, famWeightUS, true},
		{"", 0, "", false},
		{"12", 0, "", false},        // bare number, no unit
		{"ounces 12", 0, "", false}, // unit before number
		{"12 bottles", 0, "", false},
		{"0 oz", 0, "", false},
	}
	for _, tt := range tests {
		q, ok := parseSize(tt.in)
		require.Equal(t, tt.ok, ok, "parseSize(%q) ok", tt.in)
		if !tt.ok {
			continue
		}
		assert.InDelta(t, tt.value, q.value, 1e-9, "parseSize(%q) value", tt.in)
		assert.Equal(t, tt.family, q.family, "parseSize(%q) family", tt.in)
	}
}

func TestCompareSizes(t *testing.T) {
	tests := []struct {
		name  string
		a, b  string
		score float64
		ok    bool
	}{
		{"formatting ignored", "12 oz", "12OZ", 1, true},
		{"metric conversion", "1 l", "1000 ml", 1, true},
		{"pound to ounces", "1 lb", "16 oz", 1, true},
		{"same family ratio", "12 oz", "16 oz", 0.75, true},
		{"ratio is symmetric", "16 oz", "12 oz", 0.75, true},
		{"weight never matches volume", "12 oz", "12 fl oz", 0, true},
		{"empty side excluded", "12 oz", "", 0, false},
		{"garbled side excluded", "one liter", "1 l", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, detail, ok := compareSizes(tt.a, tt.b)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.InDelta(t, tt.score, score, 1e-9)
			assert.NotEmpty(t, detail)
		})
	}
}

func TestCompareSizesDetail(t *testing.T) {
	_, detail, ok := compareSizes("12 oz", "12OZ")
	require.True(t, ok)
	assert.Equal(t, "size equal (12 oz)", detail)

	_, detail, ok = compareSizes("12 oz", "12 fl oz")
	require.True(t, ok)
	assert.Contains(t, detail, "mismatch")
}
