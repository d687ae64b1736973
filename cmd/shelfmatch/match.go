package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"shelfmatch/internal/audit"
	"shelfmatch/internal/logging"
	"shelfmatch/internal/model"
	"shelfmatch/internal/pipeline"
)

func runMatch() {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file (default ~/.shelfmatch/config.yaml)")
	all := fs.Bool("all", false, "Match every pending detection (including ones stranded mid-run)")
	retryErrors := fs.Bool("retry-errors", false, "With -all, reset errored detections to pending and match them again")
	concurrency := fs.Int("concurrency", 0, "Concurrent pipelines (0 = config value, negative = unbounded)")
	retailer := fs.String("retailer", "", "Retailer hint for candidate boosting")
	jsonOut := fs.Bool("json", false, "Stream progress events as JSON lines")
	fs.Parse(os.Args[1:])

	cfg := mustConfig(*configPath)
	if err := logging.Init(cfg.LogDir(), cfg.LogLevel); err != nil {
		fatalf("%v", err)
	}
	defer logging.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	st := mustStore(cfg)
	defer st.Close()

	ids := fs.Args()
	if *all {
		// Stranded in-flight states are re-runnable; an abandoned run
		// leaves them behind without reaching a terminal state.
		states := []model.ProcessingState{
			model.StatePending, model.StateSearching, model.StatePreFiltering,
			model.StateAIFiltering, model.StateVisualMatching,
		}
		var err error
		ids, err = st.ListDetectionIDs(ctx, states...)
		if err != nil {
			fatalf("list detections: %v", err)
		}

		// ERROR is terminal for the pipeline, so retrying is an
		// explicit operator reset back to pending.
		if *retryErrors {
			errored, err := st.ListDetectionIDs(ctx, model.StateError)
			if err != nil {
				fatalf("list errored detections: %v", err)
			}
			for _, id := range errored {
				if err := st.SetState(ctx, id, model.StatePending, "reset for retry"); err != nil {
					fatalf("reset %s: %v", id, err)
				}
			}
			if len(errored) > 0 {
				fmt.Printf("Reset %d errored detections to pending.\n", len(errored))
			}
			ids = append(ids, errored...)
		}
	}
	if len(ids) == 0 {
		fmt.Fprintln(os.Stderr, "error: nothing to match; pass detection ids or -all")
		os.Exit(1)
	}

	screen, err := newScreen(cfg)
	if err != nil {
		fatalf("%v", err)
	}

	aud, err := audit.Open(cfg.EventLogPath())
	if err != nil {
		fatalf("open audit log: %v", err)
	}
	defer aud.Close()
	aud.Emit(audit.Event{Kind: audit.KindStartup, Comp: "cli", Msg: fmt.Sprintf("match: %d detections", len(ids))})

	runner := pipeline.New(newSearcher(ctx, cfg), screen, st, aud, runnerOptions(cfg, *retailer))

	n := *concurrency
	if n == 0 {
		n = cfg.Pipeline.Concurrency
	}

	events := make(chan pipeline.ProgressEvent, cfg.Pipeline.EventBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		enc := json.NewEncoder(os.Stdout)
		for ev := range events {
			if *jsonOut {
				_ = enc.Encode(ev)
				continue
			}
			if ev.Type == pipeline.EventComplete {
				continue
			}
			fmt.Printf("[%d/%d] %-18s %-16s %s\n",
				ev.Processed, ev.Total, truncate(ev.DetectionID, 18), ev.Stage, ev.Message)
		}
	}()

	sum := runner.RunBatch(ctx, ids, n, events)
	close(events)
	<-done

	aud.Emit(audit.Event{Kind: audit.KindShutdown, Comp: "cli", Msg: "match finished"})

	fmt.Println()
	fmt.Printf("Processed:  %d\n", sum.Total)
	fmt.Printf("  matched:  %d\n", sum.Success)
	fmt.Printf("  no match: %d\n", sum.NoMatch)
	fmt.Printf("  errors:   %d\n", sum.Errors)
	fmt.Printf("Elapsed:    %s\n", sum.Elapsed.Round(time.Millisecond))
	if sum.EventsDropped > 0 {
		fmt.Printf("(%d progress events dropped)\n", sum.EventsDropped)
	}
	if sum.Errors > 0 {
		os.Exit(1)
	}
}
