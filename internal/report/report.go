// Package report writes match results to xlsx workbooks for review
// outside the tool: one sheet with the per-detection outcomes and one
// with summary counts.
package report

import (
	"fmt"
	"sort"

	"github.com/xuri/excelize/v2"

	"shelfmatch/internal/model"
)

const (
	resultsSheet = "Results"
	summarySheet = "Summary"

	timeLayout = "2006-01-02 15:04:05"
)

var resultHeaders = []string{
	"Detection ID", "Photo ID", "Brand", "Product Name", "Size", "Category",
	"State", "Note", "Method", "GTIN", "Matched Title", "Confidence",
	"Consolidated", "Selected At",
}

// Build renders the workbook in memory. dets fill the results sheet in
// the given order; rows without a selection leave the match columns
// empty. states fills the summary sheet alongside per-method tallies
// computed from the rows.
func Build(dets []model.Detection, states map[model.ProcessingState]int) (*excelize.File, error) {
	f := excelize.NewFile()
	f.SetSheetName("Sheet1", resultsSheet)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#D9E1F2"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	for i, h := range resultHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(resultsSheet, cell, h)
		f.SetCellStyle(resultsSheet, cell, cell, headerStyle)
	}

	methods := map[model.SelectionMethod]int{}
	for i, d := range dets {
		row := i + 2
		f.SetCellValue(resultsSheet, fmt.Sprintf("A%d", row), d.ID)
		f.SetCellValue(resultsSheet, fmt.Sprintf("B%d", row), d.PhotoID)
		f.SetCellValue(resultsSheet, fmt.Sprintf("C%d", row), d.Attrs.Brand)
		f.SetCellValue(resultsSheet, fmt.Sprintf("D%d", row), d.Attrs.ProductName)
		f.SetCellValue(resultsSheet, fmt.Sprintf("E%d", row), d.Attrs.Size)
		f.SetCellValue(resultsSheet, fmt.Sprintf("F%d", row), d.Attrs.Category)
		f.SetCellValue(resultsSheet, fmt.Sprintf("G%d", row), string(d.State))
		f.SetCellValue(resultsSheet, fmt.Sprintf("H%d", row), d.StateNote)
		if sel := d.Selection; sel != nil {
			f.SetCellValue(resultsSheet, fmt.Sprintf("I%d", row), string(sel.Method))
			f.SetCellValue(resultsSheet, fmt.Sprintf("J%d", row), sel.GTIN)
			f.SetCellValue(resultsSheet, fmt.Sprintf("K%d", row), sel.Title)
			f.SetCellValue(resultsSheet, fmt.Sprintf("L%d", row), sel.Confidence)
			f.SetCellValue(resultsSheet, fmt.Sprintf("M%d", row), sel.Consolidated)
			f.SetCellValue(resultsSheet, fmt.Sprintf("N%d", row), sel.SelectedAt.Format(timeLayout))
			methods[sel.Method]++
		}
	}

	for i := range resultHeaders {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(resultsSheet, col, col, 15)
	}
	// Titles and notes run long.
	f.SetColWidth(resultsSheet, "H", "H", 32)
	f.SetColWidth(resultsSheet, "K", "K", 32)

	if err := writeSummary(f, headerStyle, len(dets), states, methods); err != nil {
		return nil, err
	}

	idx, err := f.GetSheetIndex(resultsSheet)
	if err != nil {
		return nil, fmt.Errorf("locate results sheet: %w", err)
	}
	f.SetActiveSheet(idx)
	return f, nil
}

// Write renders the workbook and saves it to path.
func Write(path string, dets []model.Detection, states map[model.ProcessingState]int) error {
	f, err := Build(dets, states)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}

// writeSummary fills the summary sheet: state counts, per-method match
// counts, and the exported row total. Keys are sorted so the sheet is
// stable across runs.
func writeSummary(f *excelize.File, headerStyle, exported int, states map[model.ProcessingState]int, methods map[model.SelectionMethod]int) error {
	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("create summary sheet: %w", err)
	}

	rows := [][]any{{"Metric", "Count"}}

	stateKeys := make([]string, 0, len(states))
	for s := range states {
		stateKeys = append(stateKeys, string(s))
	}
	sort.Strings(stateKeys)
	for _, s := range stateKeys {
		rows = append(rows, []any{"state: " + s, states[model.ProcessingState(s)]})
	}

	methodKeys := make([]string, 0, len(methods))
	for m := range methods {
		methodKeys = append(methodKeys, string(m))
	}
	sort.Strings(methodKeys)
	for _, m := range methodKeys {
		rows = append(rows, []any{"method: " + m, methods[model.SelectionMethod(m)]})
	}

	rows = append(rows, []any{"rows exported", exported})

	for r, pair := range rows {
		for c, v := range pair {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+1)
			f.SetCellValue(summarySheet, cell, v)
		}
	}
	f.SetCellStyle(summarySheet, "A1", "B1", headerStyle)
	f.SetColWidth(summarySheet, "A", "A", 28)
	return nil
}
