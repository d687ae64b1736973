package pipeline

import (
	"sync"
	"time"

	"shelfmatch/internal/model"
)

// EventType discriminates progress stream entries.
type EventType string

const (
	// EventProgress reports a stage transition or terminal outcome for
	// one detection.
	EventProgress EventType = "progress"
	// EventComplete is the final event of a batch.
	EventComplete EventType = "complete"
)

// ProgressEvent is one entry in a batch's progress stream. The counter
// fields are running cumulative totals, consistent within one event
// and monotonic across the stream.
type ProgressEvent struct {
	Type EventType `json:"type"`

	// DetectionIndex is the position in the batch's deduplicated id
	// list; -1 for complete events.
	DetectionIndex int    `json:"detection_index"`
	DetectionID    string `json:"detection_id,omitempty"`

	Stage   model.ProcessingState `json:"stage,omitempty"`
	Message string                `json:"message,omitempty"`

	Success   int `json:"success"`
	NoMatch   int `json:"no_match"`
	Errors    int `json:"errors"`
	Processed int `json:"processed"`
	Total     int `json:"total"`
}

// Summary is the final tally of a batch.
type Summary struct {
	Success int           `json:"success"`
	NoMatch int           `json:"no_match"`
	Errors  int           `json:"errors"`
	Total   int           `json:"total"`
	Elapsed time.Duration `json:"elapsed"`

	// EventsDropped counts progress events a slow consumer failed to
	// take. The counts above are exact regardless of delivery.
	EventsDropped uint64 `json:"events_dropped,omitempty"`
}

// board tracks batch counters and owns event delivery. One mutex
// covers both the counter update and the send, so delivered events
// carry consistent counts and never go backwards.
type board struct {
	mu        sync.Mutex
	events    chan<- ProgressEvent
	success   int
	noMatch   int
	errors    int
	processed int
	total     int
	dropped   uint64
}

func newBoard(events chan<- ProgressEvent, total int) *board {
	return &board{events: events, total: total}
}

// emit sends an event with the current counts, bumping nothing.
func (b *board) emit(ev ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.send(ev)
}

// finish records a terminal outcome and sends the detection's final
// event with the updated counts.
func (b *board) finish(outcome model.ProcessingState, ev ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch outcome {
	case model.StateSaved:
		b.success++
	case model.StateNoMatch:
		b.noMatch++
	default:
		b.errors++
	}
	b.processed++
	b.send(ev)
}

// send fills the counter fields and delivers without blocking; a full
// or absent channel drops the event. Caller holds b.mu.
func (b *board) send(ev ProgressEvent) {
	ev.Success, ev.NoMatch, ev.Errors = b.success, b.noMatch, b.errors
	ev.Processed, ev.Total = b.processed, b.total
	if b.events == nil {
		return
	}
	select {
	case b.events <- ev:
	default:
		b.dropped++
	}
}

func (b *board) summary(elapsed time.Duration) Summary {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Summary{
		Success:       b.success,
		NoMatch:       b.noMatch,
		Errors:        b.errors,
		Total:         b.total,
		Elapsed:       elapsed,
		EventsDropped: b.dropped,
	}
}
