// Package model defines the domain types shared across the matching
// pipeline: detections produced by the upstream extractor, catalog
// candidates, and the selection records the pipeline writes.
package model

import (
	"strings"
	"time"
)

// ProcessingState tracks a detection's progress through the pipeline.
// Transitions are strictly forward; saved, no_match and error are terminal.
type ProcessingState string

const (
	StatePending        ProcessingState = "pending"
	StateSearching      ProcessingState = "searching"
	StatePreFiltering   ProcessingState = "pre_filtering"
	StateAIFiltering    ProcessingState = "ai_filtering"
	StateVisualMatching ProcessingState = "visual_matching"
	StateSaved          ProcessingState = "saved"
	StateNoMatch        ProcessingState = "no_match"
	StateError          ProcessingState = "error"
)

// stateRank orders states for forward-only transition checks. Terminal
// states share a rank: once terminal, no further transition is legal.
var stateRank = map[ProcessingState]int{
	StatePending:        0,
	StateSearching:      1,
	StatePreFiltering:   2,
	StateAIFiltering:    3,
	StateVisualMatching: 4,
	StateSaved:          5,
	StateNoMatch:        5,
	StateError:          5,
}

// Valid reports whether s is a known state.
func (s ProcessingState) Valid() bool {
	_, ok := stateRank[s]
	return ok
}

// Terminal reports whether s is a final outcome for a detection.
func (s ProcessingState) Terminal() bool {
	return s == StateSaved || s == StateNoMatch || s == StateError
}

// InFlight reports whether s indicates a pipeline run currently working
// on the detection (anything between pending and a terminal state).
func (s ProcessingState) InFlight() bool {
	r, ok := stateRank[s]
	return ok && r > 0 && !s.Terminal()
}

// CanAdvance reports whether a transition from s to next is legal.
// Skipping intermediate states is allowed (a lone pre-filter survivor
// jumps straight to saved); moving backwards or out of a terminal
// state is not.
func (s ProcessingState) CanAdvance(next ProcessingState) bool {
	from, ok := stateRank[s]
	if !ok {
		return false
	}
	to, ok := stateRank[next]
	if !ok {
		return false
	}
	if s.Terminal() {
		return false
	}
	return to > from
}

// Attributes holds the text extracted from a detection's cropped image,
// with the extractor's per-field confidence.
type Attributes struct {
	Brand           string  `json:"brand"`
	ProductName     string  `json:"product_name"`
	Size            string  `json:"size"`
	Category        string  `json:"category"`
	BrandConfidence float64 `json:"brand_confidence"`
	NameConfidence  float64 `json:"name_confidence"`
	SizeConfidence  float64 `json:"size_confidence"`
}

// Query returns the catalog search string for these attributes: brand
// followed by product name, skipping whichever is empty.
func (a Attributes) Query() string {
	parts := make([]string, 0, 2)
	if b := strings.TrimSpace(a.Brand); b != "" {
		parts = append(parts, b)
	}
	if n := strings.TrimSpace(a.ProductName); n != "" {
		parts = append(parts, n)
	}
	return strings.Join(parts, " ")
}

// Detection is one detected product region within a shelf photo.
// Created by the upstream extractor; the pipeline mutates only State,
// StateNote and Selection.
type Detection struct {
	ID      string     `json:"id"`
	PhotoID string     `json:"photo_id"`
	Attrs   Attributes `json:"attrs"`

	// IsProduct is ternary: nil means the upstream classifier did not
	// decide, false means the region is known not to be a product.
	IsProduct *bool `json:"is_product,omitempty"`

	CropImageURL string `json:"crop_image_url,omitempty"`

	State     ProcessingState  `json:"state"`
	StateNote string           `json:"state_note,omitempty"`
	Selection *SelectionRecord `json:"selection,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
