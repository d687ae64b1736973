package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"shelfmatch/internal/model"
)

func runStats() {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file (default ~/.shelfmatch/config.yaml)")
	recent := fs.Int("recent", 5, "Number of recent matches to show (0 = none)")
	fs.Parse(os.Args[1:])

	cfg := mustConfig(*configPath)
	st := mustStore(cfg)
	defer st.Close()

	ctx := context.Background()

	counts, err := st.StateCounts(ctx)
	if err != nil {
		fatalf("%v", err)
	}

	if cfg.Store.Driver == "postgres" {
		fmt.Println("Store: postgres")
	} else {
		fmt.Printf("Store: %s (sqlite)\n", cfg.StorePath())
	}

	resting := []model.ProcessingState{
		model.StatePending, model.StateSaved, model.StateNoMatch, model.StateError,
	}
	inFlight := []model.ProcessingState{
		model.StateSearching, model.StatePreFiltering,
		model.StateAIFiltering, model.StateVisualMatching,
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	fmt.Println()
	fmt.Println("Detections by state:")
	for _, s := range resting {
		fmt.Printf("  %-16s %d\n", s, counts[s])
	}
	for _, s := range inFlight {
		// Transient states appear only when a run was abandoned.
		if counts[s] > 0 {
			fmt.Printf("  %-16s %d\n", s, counts[s])
		}
	}
	fmt.Printf("  %-16s %d\n", "total", total)

	stages, err := st.CandidateStageCounts(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	if len(stages) > 0 {
		fmt.Println()
		fmt.Println("Candidates by stage:")
		for _, s := range []model.ProcessingStage{
			model.StageSearch, model.StagePreFilter, model.StageAIFilter, model.StageVisualMatch,
		} {
			if stages[s] > 0 {
				fmt.Printf("  %-16s %d\n", s, stages[s])
			}
		}
	}

	methods, err := st.MethodCounts(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	if len(methods) > 0 {
		fmt.Println()
		fmt.Println("Selections by method:")
		for _, m := range []model.SelectionMethod{
			model.MethodSingleCandidate, model.MethodAIFilter, model.MethodVisualMatching,
		} {
			if methods[m] > 0 {
				fmt.Printf("  %-16s %d\n", m, methods[m])
			}
		}
	}

	if *recent <= 0 {
		return
	}
	rows, err := st.Results(ctx, *recent)
	if err != nil {
		fatalf("%v", err)
	}
	if len(rows) == 0 {
		return
	}

	fmt.Println()
	fmt.Printf("Recent matches (%d):\n", len(rows))
	for _, d := range rows {
		sel := d.Selection
		if sel == nil {
			continue
		}
		fmt.Printf("  %-18s %-15s %-16s %.2f  %s\n",
			truncate(d.ID, 18), sel.GTIN, sel.Method, sel.Confidence, truncate(sel.Title, 40))
	}
}
