package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// eventRecord mirrors audit.Event for JSON decoding. Decoding from
// JSONL rather than importing audit keeps this subcommand usable even
// if the event schema evolves.
type eventRecord struct {
	Time        time.Time      `json:"t"`
	Level       string         `json:"level"`
	Kind        string         `json:"kind"`
	Comp        string         `json:"comp"`
	SessionID   string         `json:"session_id"`
	BatchID     string         `json:"batch_id"`
	DetectionID string         `json:"det"`
	GTIN        string         `json:"gtin"`
	Stage       string         `json:"stage"`
	Status      string         `json:"status"`
	Method      string         `json:"method"`
	Score       float64        `json:"score"`
	DurMs       float64        `json:"dur_ms"`
	Count       int            `json:"count"`
	Query       string         `json:"query"`
	Err         string         `json:"err"`
	Msg         string         `json:"msg"`
	Extra       map[string]any `json:"extra"`
}

// levelRank returns a numeric rank for filtering (higher = more severe).
func levelRank(level string) int {
	switch level {
	case "debug":
		return 0
	case "info", "":
		return 1
	case "warn":
		return 2
	case "error":
		return 3
	default:
		return 0
	}
}

func runEvents() {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file (default ~/.shelfmatch/config.yaml)")
	tail := fs.Int("tail", 50, "Number of recent lines to show")
	follow := fs.Bool("f", false, "Follow mode (like tail -f)")
	kind := fs.String("kind", "", "Filter by event kind prefix (e.g. 'search', 'detection')")
	level := fs.String("level", "", "Minimum level: debug, info, warn, error")
	det := fs.String("det", "", "Filter by detection id")
	batch := fs.String("batch", "", "Filter by batch id")
	rawJSON := fs.Bool("json", false, "Output raw JSON lines")
	fs.Parse(os.Args[1:])

	cfg := mustConfig(*configPath)
	logPath := cfg.EventLogPath()

	f, err := os.Open(logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		fmt.Fprintf(os.Stderr, "  Event log not found at %s\n", logPath)
		fmt.Fprintf(os.Stderr, "  Run 'shelfmatch match' first to generate events.\n")
		os.Exit(1)
	}
	defer f.Close()

	minLevel := levelRank(*level)

	matchFn := func(ev eventRecord) bool {
		if *kind != "" && !strings.HasPrefix(ev.Kind, *kind) {
			return false
		}
		if *level != "" && levelRank(ev.Level) < minLevel {
			return false
		}
		if *det != "" && ev.DetectionID != *det {
			return false
		}
		if *batch != "" && ev.BatchID != *batch {
			return false
		}
		return true
	}

	formatFn := func(ev eventRecord, raw []byte) string {
		if *rawJSON {
			return string(raw)
		}
		ts := ev.Time.Format("15:04:05.000")
		lvl := strings.ToUpper(ev.Level)
		if lvl == "" {
			lvl = "INFO"
		}

		parts := []string{fmt.Sprintf("%s %-5s [%-8s] %-21s", ts, lvl, ev.Comp, ev.Kind)}

		if ev.DetectionID != "" {
			parts = append(parts, "det="+ev.DetectionID)
		}
		if ev.BatchID != "" {
			parts = append(parts, "batch="+ev.BatchID)
		}
		if ev.GTIN != "" {
			parts = append(parts, "gtin="+ev.GTIN)
		}
		if ev.Status != "" {
			parts = append(parts, "status="+ev.Status)
		}
		if ev.Method != "" {
			parts = append(parts, "method="+ev.Method)
		}
		if ev.Score > 0 {
			parts = append(parts, fmt.Sprintf("score=%.2f", ev.Score))
		}
		if ev.Count > 0 {
			parts = append(parts, fmt.Sprintf("n=%d", ev.Count))
		}
		if ev.DurMs > 0 {
			parts = append(parts, fmt.Sprintf("(%.*fms)", durPrecision(ev.DurMs), ev.DurMs))
		}
		if ev.Query != "" {
			parts = append(parts, fmt.Sprintf("q=%q", ev.Query))
		}
		if ev.Msg != "" {
			parts = append(parts, "— "+ev.Msg)
		}
		if ev.Err != "" {
			parts = append(parts, "err="+ev.Err)
		}

		return strings.Join(parts, " ")
	}

	// Read all lines, keep last N matching
	lines := readTailLines(f, *tail, matchFn)
	for _, l := range lines {
		fmt.Println(formatFn(l.ev, l.raw))
	}
	if !*follow {
		return
	}

	// Follow mode: the tail scan consumed the file, so poll for new lines
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return
		}
		line = trimLine(line)
		if len(line) == 0 {
			continue
		}
		var ev eventRecord
		if json.Unmarshal(line, &ev) != nil {
			continue
		}
		if matchFn(ev) {
			fmt.Println(formatFn(ev, line))
		}
	}
}

type parsedLine struct {
	ev  eventRecord
	raw []byte
}

// readTailLines reads the file and returns the last n lines matching the filter.
func readTailLines(f *os.File, n int, match func(eventRecord) bool) []parsedLine {
	scanner := bufio.NewScanner(f)
	// Allow large lines (some events may have big Extra maps)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)

	var ring []parsedLine
	if n > 0 {
		ring = make([]parsedLine, 0, n)
	}

	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ev eventRecord
		if json.Unmarshal(raw, &ev) != nil {
			continue
		}
		if !match(ev) {
			continue
		}
		// Make a copy of raw since scanner reuses the buffer
		rawCopy := make([]byte, len(raw))
		copy(rawCopy, raw)

		if len(ring) < n {
			ring = append(ring, parsedLine{ev: ev, raw: rawCopy})
		} else {
			// Shift left
			copy(ring, ring[1:])
			ring[n-1] = parsedLine{ev: ev, raw: rawCopy}
		}
	}

	return ring
}

func trimLine(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func durPrecision(ms float64) int {
	if ms >= 100 {
		return 0
	}
	if ms >= 1 {
		return 1
	}
	return 2
}
