package prefilter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Size strings from OCR and from the catalog disagree wildly in
// formatting ("12 oz", "12OZ", "354.9ml", "12 fl. oz.", "2-pack").
// Sizes are parsed into a value plus a unit family so "12 oz" and
// "12OZ" compare equal and "1 l" equals "1000 ml", while weight never
// compares against volume.

// unitFamily groups convertible units. Quantities are only comparable
// within one family.
type unitFamily string

const (
	famVolumeMetric unitFamily = "ml"
	famVolumeUS     unitFamily = "fl oz"
	famWeightMetric unitFamily = "g"
	famWeightUS     unitFamily = "oz"
	famCount        unitFamily = "ct"
)

// quantity is a parsed size: value converted to the family's base unit.
type quantity struct {
	value  float64
	family unitFamily
}

// unitTable maps unit spellings to family and base-unit factor.
var unitTable = map[string]struct {
	family unitFamily
	factor float64
}{
	"ml":          {famVolumeMetric, 1},
	"milliliter":  {famVolumeMetric, 1},
	"millilitre":  {famVolumeMetric, 1},
	"cl":          {famVolumeMetric, 10},
	"l":           {famVolumeMetric, 1000},
	"lt":          {famVolumeMetric, 1000},
	"liter":       {famVolumeMetric, 1000},
	"litre":       {famVolumeMetric, 1000},
	"fl oz":       {famVolumeUS, 1},
	"floz":        {famVolumeUS, 1},
	"fl":          {famVolumeUS, 1},
	"fluid ounce": {famVolumeUS, 1},
	"mg":          {famWeightMetric, 0.001},
	"g":           {famWeightMetric, 1},
	"gr":          {famWeightMetric, 1},
	"gram":        {famWeightMetric, 1},
	"kg":          {famWeightMetric, 1000},
	"oz":          {famWeightUS, 1},
	"ounce":       {famWeightUS, 1},
	"lb":          {famWeightUS, 16},
	"lbs":         {famWeightUS, 16},
	"pound":       {famWeightUS, 16},
	"ct":          {famCount, 1},
	"count":       {famCount, 1},
	"pk":          {famCount, 1},
	"pack":        {famCount, 1},
	"pc":          {famCount, 1},
	"pcs":         {famCount, 1},
}

// numberRe matches the leading numeric value.
var numberRe = regexp.MustCompile(`^[0-9]+(?:\.[0-9]+)?`)

// parseSize parses a raw size string into a quantity. ok is false when
// the string is empty, has no leading number, or names an unknown unit.
func parseSize(raw string) (quantity, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, ",", ".")

	num := numberRe.FindString(s)
	if num == "" {
		return quantity{}, false
	}
	value, err := strconv.ParseFloat(num, 64)
	if err != nil || value <= 0 {
		return quantity{}, false
	}

	// Whatever follows the number is the unit; keep letters, turn
	// everything else into separators: "fl. oz." -> "fl oz".
	unitKey := strings.Join(strings.Fields(strings.Map(letterOrSpace, s[len(num):])), " ")
	if unitKey == "" {
		return quantity{}, false
	}

	u, ok := unitTable[unitKey]
	if !ok && strings.HasSuffix(unitKey, "s") {
		// Plural forms: "ounces", "liters", "packs"
		u, ok = unitTable[strings.TrimSuffix(unitKey, "s")]
	}
	if !ok {
		return quantity{}, false
	}
	return quantity{value: value * u.factor, family: u.family}, true
}

func letterOrSpace(r rune) rune {
	if r >= 'a' && r <= 'z' {
		return r
	}
	return ' '
}

// compareSizes scores two raw size strings. ok is false when either
// side fails to parse, in which case the size sub-score must be
// excluded from the composite rather than treated as zero. When both
// parse: equal quantities score 1, different quantities in the same
// family score by ratio, different families score 0.
func compareSizes(a, b string) (score float64, detail string, ok bool) {
	qa, okA := parseSize(a)
	qb, okB := parseSize(b)
	if !okA || !okB {
		return 0, "", false
	}
	if qa.family != qb.family {
		return 0, fmt.Sprintf("size unit mismatch (%s vs %s)", qa.family, qb.family), true
	}

	const epsilon = 1e-6
	lo, hi := qa.value, qb.value
	if lo > hi {
		lo, hi = hi, lo
	}
	if hi-lo < epsilon {
		return 1, fmt.Sprintf("size equal (%s %s)", trimFloat(qa.value), qa.family), true
	}
	return lo / hi, fmt.Sprintf("size %s vs %s %s", trimFloat(qa.value), trimFloat(qb.value), qa.family), true
}

// trimFloat renders a float without trailing zeros ("12", "1.5").
func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
