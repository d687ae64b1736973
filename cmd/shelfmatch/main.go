// Command shelfmatch matches retail shelf detections against a
// product catalog.
//
// Usage:
//
//	shelfmatch                  Show help
//	shelfmatch import           Load detections from a JSON dump
//	shelfmatch match            Run the matching pipeline
//	shelfmatch stats            Detection counts and recent matches
//	shelfmatch events           Audit log viewer
//	shelfmatch export           Write match results to an xlsx workbook
package main

import (
	"fmt"
	"os"
)

const usage = `shelfmatch — retail product matching pipeline

Usage:
  shelfmatch <command> [flags]

Commands:
  import      Load detections from a JSON dump into the store
  match       Match detections against the product catalog
  stats       Detection counts and recent matches
  events      Audit log viewer (JSONL)
  export      Write match results to an xlsx workbook

Configuration:
  ~/.shelfmatch/config.yaml, overridable per key with SHELFMATCH_*
  environment variables and per run with -config.

Run 'shelfmatch <command> -h' for command-specific help.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(0)
	}

	cmd := os.Args[1]
	// Strip the program name + subcommand so flag sets see only their flags
	os.Args = os.Args[1:]

	switch cmd {
	case "import":
		runImport()
	case "match":
		runMatch()
	case "stats":
		runStats()
	case "events":
		runEvents()
	case "export":
		runExport()
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "shelfmatch: unknown command %q\n\n", cmd)
		fmt.Print(usage)
		os.Exit(1)
	}
}
