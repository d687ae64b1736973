package prefilter

import "strings"

// Text similarity for brand and product names. Jaro-Winkler handles
// OCR-grade typos in short brand strings; token overlap handles
// reordered multi-word product names ("Cola Zero Acme" vs "Acme Cola
// Zero"). Inputs are normalized before comparison so case, punctuation
// and spacing never affect the score.

const (
	// winklerPrefixCap limits the common-prefix bonus.
	winklerPrefixCap = 4
	// winklerScale weights the prefix bonus.
	winklerScale = 0.1
	// winklerGate: below this jaro score the prefix bonus is not
	// applied, to avoid inflating clearly dissimilar strings.
	winklerGate = 0.7
)

// normalizeText lowercases, strips punctuation and collapses runs of
// whitespace. Apostrophes vanish rather than split, so "Kellogg's" and
// "kelloggs" normalize identically.
func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		case r == '\'', r == '’':
			// skip
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// jaro computes the Jaro similarity of two rune slices in [0,1].
func jaro(s1, s2 []rune) float64 {
	n1, n2 := len(s1), len(s2)
	if n1 == 0 && n2 == 0 {
		return 1
	}
	if n1 == 0 || n2 == 0 {
		return 0
	}

	window := max(n1, n2)/2 - 1
	if window < 0 {
		window = 0
	}

	matched1 := make([]bool, n1)
	matched2 := make([]bool, n2)

	matches := 0
	for i := 0; i < n1; i++ {
		lo := i - window
		if lo < 0 {
			lo = 0
		}
		hi := i + window + 1
		if hi > n2 {
			hi = n2
		}
		for j := lo; j < hi; j++ {
			if matched2[j] || s1[i] != s2[j] {
				continue
			}
			matched1[i] = true
			matched2[j] = true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0
	}

	// Count transpositions among matched characters.
	transpositions := 0
	k := 0
	for i := 0; i < n1; i++ {
		if !matched1[i] {
			continue
		}
		for !matched2[k] {
			k++
		}
		if s1[i] != s2[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	return (m/float64(n1) + m/float64(n2) + (m-float64(transpositions)/2)/m) / 3
}

// jaroWinkler computes Jaro-Winkler similarity in [0,1], boosting
// strings that share a common prefix once the base jaro score clears
// the gate.
func jaroWinkler(a, b string) float64 {
	s1, s2 := []rune(a), []rune(b)
	j := jaro(s1, s2)
	if j < winklerGate {
		return j
	}

	prefix := 0
	for i := 0; i < len(s1) && i < len(s2) && i < winklerPrefixCap; i++ {
		if s1[i] != s2[i] {
			break
		}
		prefix++
	}
	return j + float64(prefix)*winklerScale*(1-j)
}

// tokenSets builds deduplicated token sets for both normalized strings.
func tokenSets(a, b string) (map[string]bool, map[string]bool) {
	sa := make(map[string]bool)
	for _, tok := range strings.Fields(a) {
		sa[tok] = true
	}
	sb := make(map[string]bool)
	for _, tok := range strings.Fields(b) {
		sb[tok] = true
	}
	return sa, sb
}

// tokenOverlap computes the Jaccard similarity of the two strings'
// token sets in [0,1]. Both inputs must already be normalized.
func tokenOverlap(a, b string) float64 {
	sa, sb := tokenSets(a, b)
	if len(sa) == 0 && len(sb) == 0 {
		return 1
	}
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}

	shared := 0
	for tok := range sa {
		if sb[tok] {
			shared++
		}
	}
	return float64(shared) / float64(len(sa)+len(sb)-shared)
}

// tokenContainment computes how much of the smaller token set appears
// in the larger one, in [0,1]. Catalog titles are supersets of the
// extracted product name (brand + name + size in one string), so plain
// Jaccard understates a perfectly contained name.
func tokenContainment(a, b string) float64 {
	sa, sb := tokenSets(a, b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	small, large := sa, sb
	if len(sb) < len(sa) {
		small, large = sb, sa
	}
	shared := 0
	for tok := range small {
		if large[tok] {
			shared++
		}
	}
	return float64(shared) / float64(len(small))
}

// textSimilarity scores two raw strings: the max of Jaro-Winkler on the
// whole normalized string, token-set overlap, and token containment,
// so typo-level, word-order, and superset-title differences are all
// tolerated.
func textSimilarity(a, b string) float64 {
	na, nb := normalizeText(a), normalizeText(b)
	if na == "" && nb == "" {
		return 1
	}
	if na == "" || nb == "" {
		return 0
	}
	best := jaroWinkler(na, nb)
	if s := tokenOverlap(na, nb); s > best {
		best = s
	}
	if s := tokenContainment(na, nb); s > best {
		best = s
	}
	return best
}
