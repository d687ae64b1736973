// Package audit records the pipeline's match decisions as structured
// events. Events are typed structs serialized as JSONL lines; the
// Logger writes them asynchronously via a buffered channel and a
// background drain goroutine. An optional RingBuffer keeps recent
// events in memory for inspection. The JSONL file answers "why did
// this detection match that product?" after the fact.
package audit

import (
	"encoding/json"
	"time"
)

// Level defines event severity for filtering.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// EventKind identifies the category of an audit event.
// Dot-delimited: "<stage>.<action>".
type EventKind string

const (
	// Batch lifecycle
	KindBatchStart    EventKind = "batch.start"
	KindBatchComplete EventKind = "batch.complete"

	// Per-detection lifecycle
	KindDetectionStart  EventKind = "detection.start"
	KindDetectionDone   EventKind = "detection.done"
	KindDetectionSkip   EventKind = "detection.skip"
	KindDetectionReject EventKind = "detection.reject"

	// Catalog search
	KindSearchStart    EventKind = "search.start"
	KindSearchComplete EventKind = "search.complete"
	KindSearchError    EventKind = "search.error"

	// Narrowing stages
	KindPreFilterComplete   EventKind = "prefilter.complete"
	KindClassifyComplete    EventKind = "classify.complete"
	KindClassifyError       EventKind = "classify.error"
	KindConsolidateComplete EventKind = "consolidate.complete"

	// Persistence
	KindSelectionSaved EventKind = "selection.saved"
	KindStoreError     EventKind = "store.error"

	// System events
	KindStartup  EventKind = "sys.startup"
	KindShutdown EventKind = "sys.shutdown"
)

// Event is the universal audit record. Every field except Kind and
// Time is optional. Serialized as a single JSONL line.
type Event struct {
	Time        time.Time      `json:"t"`
	Level       Level          `json:"level,omitempty"`
	Kind        EventKind      `json:"kind"`
	Comp        string         `json:"comp,omitempty"`       // component: "pipeline", "catalog", "vision", "store"
	SessionID   string         `json:"session_id,omitempty"` // random hex, same for entire process run
	BatchID     string         `json:"batch_id,omitempty"`
	DetectionID string         `json:"det,omitempty"`
	GTIN        string         `json:"gtin,omitempty"`
	Stage       string         `json:"stage,omitempty"`
	Status      string         `json:"status,omitempty"` // match status or terminal state
	Method      string         `json:"method,omitempty"` // selection method
	Score       float64        `json:"score,omitempty"`
	Dur         time.Duration  `json:"-"`                // not serialized directly
	DurMs       float64        `json:"dur_ms,omitempty"` // computed from Dur at marshal time
	Count       int            `json:"count,omitempty"`
	Query       string         `json:"query,omitempty"`
	Err         string         `json:"err,omitempty"`
	Msg         string         `json:"msg,omitempty"`   // free text
	Extra       map[string]any `json:"extra,omitempty"` // escape hatch for unusual fields
}

// MarshalJSON implements json.Marshaler, converting Dur to DurMs.
func (e Event) MarshalJSON() ([]byte, error) {
	type Alias Event
	a := struct {
		Alias
	}{Alias: Alias(e)}
	if e.Dur > 0 {
		a.DurMs = float64(e.Dur) / float64(time.Millisecond)
	}
	return json.Marshal(a)
}
