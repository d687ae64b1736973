package vision

import (
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"shelfmatch/internal/model"
)

// errMissingStatus reports a reply with no recognizable match status.
var errMissingStatus = errors.New("no match status in reply")

// parseVerdict extracts a Verdict from a model reply. Models are asked
// for bare JSON but routinely wrap it in prose or code fences, or skip
// JSON entirely; the parser accepts a JSON object anywhere in the
// reply, then falls back to scanning for a status word and a numeric
// confidence. Confidence is clamped to [0,1]; a reply with no usable
// number gets a neutral 0.5.
func parseVerdict(text string) (Verdict, error) {
	if v, ok := verdictFromJSON(text); ok {
		return v, nil
	}

	lower := strings.ToLower(text)
	status, ok := findStatus(lower)
	if !ok {
		return Verdict{}, errMissingStatus
	}
	conf, ok := findConfidence(text)
	if !ok {
		conf = 0.5
	}
	return Verdict{
		Status:     status,
		Confidence: conf,
		Rationale:  strings.TrimSpace(text),
	}, nil
}

func verdictFromJSON(text string) (Verdict, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Verdict{}, false
	}

	var raw struct {
		MatchStatus string   `json:"match_status"`
		Status      string   `json:"status"`
		Confidence  *float64 `json:"confidence"`
		Rationale   string   `json:"rationale"`
		Reason      string   `json:"reason"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return Verdict{}, false
	}

	status, ok := normalizeStatus(raw.MatchStatus)
	if !ok {
		status, ok = normalizeStatus(raw.Status)
	}
	if !ok {
		return Verdict{}, false
	}

	conf := 0.5
	if raw.Confidence != nil {
		conf = clamp01(*raw.Confidence)
	} else if c, found := findConfidence(text); found {
		conf = c
	}

	rationale := raw.Rationale
	if rationale == "" {
		rationale = raw.Reason
	}
	return Verdict{Status: status, Confidence: conf, Rationale: rationale}, true
}

// normalizeStatus maps spelling variants onto the three statuses.
func normalizeStatus(s string) (model.MatchStatus, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(strings.ToLower(s)), " ", "_")
	switch model.MatchStatus(s) {
	case model.StatusIdentical, model.StatusAlmostSame, model.StatusNotMatch:
		return model.MatchStatus(s), true
	}
	switch s {
	case "not_a_match", "no_match", "different":
		return model.StatusNotMatch, true
	case "almost", "variant", "similar":
		return model.StatusAlmostSame, true
	case "same", "exact", "exact_match":
		return model.StatusIdentical, true
	}
	return "", false
}

// findStatus locates the earliest status mention in a lowercase reply.
func findStatus(lower string) (model.MatchStatus, bool) {
	patterns := []struct {
		text   string
		status model.MatchStatus
	}{
		{"almost_same", model.StatusAlmostSame},
		{"almost same", model.StatusAlmostSame},
		{"not_match", model.StatusNotMatch},
		{"not a match", model.StatusNotMatch},
		{"not match", model.StatusNotMatch},
		{"no match", model.StatusNotMatch},
		{"identical", model.StatusIdentical},
	}

	best := -1
	var status model.MatchStatus
	for _, p := range patterns {
		if i := strings.Index(lower, p.text); i >= 0 && (best < 0 || i < best) {
			best, status = i, p.status
		}
	}
	return status, best >= 0
}

var numberPattern = regexp.MustCompile(`[0-9]+(?:\.[0-9]+)?`)

// findConfidence pulls the first numeric token out of the reply.
// Values above 1 are read as percentages.
func findConfidence(text string) (float64, bool) {
	m := numberPattern.FindString(text)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	if v > 1 && v <= 100 {
		v /= 100
	}
	return clamp01(v), true
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
