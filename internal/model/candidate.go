package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProcessingStage tags the highest pipeline stage a candidate survived.
type ProcessingStage string

const (
	StageSearch      ProcessingStage = "search"
	StagePreFilter   ProcessingStage = "pre_filter"
	StageAIFilter    ProcessingStage = "ai_filter"
	StageVisualMatch ProcessingStage = "visual_match"
)

// stageRank orders stages: search < pre_filter < ai_filter < visual_match.
var stageRank = map[ProcessingStage]int{
	StageSearch:      0,
	StagePreFilter:   1,
	StageAIFilter:    2,
	StageVisualMatch: 3,
}

// Rank returns the stage's position in the pipeline order, or -1 for an
// unknown stage.
func (s ProcessingStage) Rank() int {
	r, ok := stageRank[s]
	if !ok {
		return -1
	}
	return r
}

// Valid reports whether s is a known stage.
func (s ProcessingStage) Valid() bool {
	_, ok := stageRank[s]
	return ok
}

// MatchStatus is the visual classifier's verdict for one candidate,
// assigned only at the ai_filter stage.
type MatchStatus string

const (
	StatusIdentical  MatchStatus = "identical"
	StatusAlmostSame MatchStatus = "almost_same"
	StatusNotMatch   MatchStatus = "not_match"
)

// Passing reports whether the status keeps a candidate in contention
// for selection.
func (m MatchStatus) Passing() bool {
	return m == StatusIdentical || m == StatusAlmostSame
}

// Candidate is one catalog search result under evaluation for a
// detection. The catalog fields are immutable once fetched; stages
// annotate value copies, so a row persisted at an earlier stage is
// never rewritten.
type Candidate struct {
	GTIN      string          `json:"gtin"`
	Brand     string          `json:"brand"`
	Title     string          `json:"title"`
	Size      string          `json:"size"`
	ImageURL  string          `json:"image_url"`
	Retailers []string        `json:"retailers,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`

	Stage           ProcessingStage `json:"stage"`
	SimilarityScore float64         `json:"similarity_score,omitempty"`
	MatchReasons    []string        `json:"match_reasons,omitempty"`
	MatchStatus     MatchStatus     `json:"match_status,omitempty"`
	Confidence      float64         `json:"confidence,omitempty"`
	Rationale       string          `json:"rationale,omitempty"`
}

// AtStage returns a copy of the candidate tagged with the given stage.
func (c Candidate) AtStage(stage ProcessingStage) Candidate {
	c.Stage = stage
	return c
}

// SelectionMethod records which pipeline path chose the candidate.
type SelectionMethod string

const (
	MethodSingleCandidate SelectionMethod = "single_candidate"
	MethodAIFilter        SelectionMethod = "ai_filter"
	MethodVisualMatching  SelectionMethod = "visual_matching"
)

// SelectionRecord is the final match for a detection. At most one
// active record exists per detection; writing a new one supersedes any
// prior record.
type SelectionRecord struct {
	ID          string          `json:"id"`
	DetectionID string          `json:"detection_id"`
	GTIN        string          `json:"gtin"`
	Brand       string          `json:"brand"`
	Title       string          `json:"title"`
	Size        string          `json:"size"`
	ImageURL    string          `json:"image_url"`
	Method      SelectionMethod `json:"method"`
	Confidence  float64         `json:"confidence,omitempty"`

	// Consolidated marks a selection produced by promoting a lone
	// almost_same candidate rather than an exact visual match.
	Consolidated bool `json:"consolidated,omitempty"`

	SelectedAt time.Time `json:"selected_at"`
}

// NewSelection builds a SelectionRecord for the chosen candidate.
func NewSelection(detectionID string, c Candidate, method SelectionMethod) SelectionRecord {
	return SelectionRecord{
		ID:          uuid.NewString(),
		DetectionID: detectionID,
		GTIN:        c.GTIN,
		Brand:       c.Brand,
		Title:       c.Title,
		Size:        c.Size,
		ImageURL:    c.ImageURL,
		Method:      method,
		Confidence:  c.Confidence,
		SelectedAt:  time.Now().UTC(),
	}
}
