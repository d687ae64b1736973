package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"shelfmatch/internal/report"
)

func runExport() {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file (default ~/.shelfmatch/config.yaml)")
	out := fs.String("out", "shelfmatch-results.xlsx", "Output workbook path")
	limit := fs.Int("limit", 0, "Max match rows to export (0 = all)")
	fs.Parse(os.Args[1:])

	cfg := mustConfig(*configPath)
	st := mustStore(cfg)
	defer st.Close()

	ctx := context.Background()

	rows, err := st.Results(ctx, *limit)
	if err != nil {
		fatalf("%v", err)
	}
	counts, err := st.StateCounts(ctx)
	if err != nil {
		fatalf("%v", err)
	}

	if err := report.Write(*out, rows, counts); err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("Exported %d match rows to %s\n", len(rows), *out)
}
