package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"shelfmatch/internal/logging"
	"shelfmatch/internal/model"
)

// importFile is the wrapped dump shape; a bare JSON array of
// detections is also accepted.
type importFile struct {
	Detections []model.Detection `json:"detections"`
}

func runImport() {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file (default ~/.shelfmatch/config.yaml)")
	fs.Parse(os.Args[1:])

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: shelfmatch import [flags] <detections.json>")
		os.Exit(1)
	}
	path := fs.Arg(0)

	cfg := mustConfig(*configPath)
	if err := logging.Init(cfg.LogDir(), cfg.LogLevel); err != nil {
		fatalf("%v", err)
	}
	defer logging.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		fatalf("%v", err)
	}
	dets, err := decodeDetections(data)
	if err != nil {
		fatalf("parse %s: %v", path, err)
	}

	skipped := 0
	valid := make([]model.Detection, 0, len(dets))
	for _, d := range dets {
		if strings.TrimSpace(d.ID) == "" {
			skipped++
			continue
		}
		valid = append(valid, d)
	}
	if len(valid) == 0 {
		fmt.Println("No detections to import.")
		return
	}

	st := mustStore(cfg)
	defer st.Close()

	inserted, err := st.ImportDetections(context.Background(), valid)
	if err != nil {
		fatalf("import: %v", err)
	}
	logging.Info("detections imported", "file", path, "imported", inserted, "duplicates", len(valid)-inserted, "skipped", skipped)

	fmt.Printf("Imported:   %d\n", inserted)
	fmt.Printf("Duplicates: %d\n", len(valid)-inserted)
	if skipped > 0 {
		fmt.Printf("Skipped:    %d (missing id)\n", skipped)
	}
}

// decodeDetections accepts either a bare array or an object wrapping
// one under "detections".
func decodeDetections(data []byte) ([]model.Detection, error) {
	var dets []model.Detection
	if err := json.Unmarshal(data, &dets); err == nil {
		return dets, nil
	}
	var wrapped importFile
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("neither a detection array nor a {\"detections\": [...]} object: %w", err)
	}
	return wrapped.Detections, nil
}
