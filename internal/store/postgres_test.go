package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"shelfmatch/internal/model"
)

// TestPostgresRoundTrip exercises the Postgres backend against a real
// database. Set SHELFMATCH_TEST_DSN to run, e.g.
// "host=localhost user=postgres dbname=shelfmatch_test sslmode=disable".
func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("SHELFMATCH_TEST_DSN")
	if dsn == "" {
		t.Skip("SHELFMATCH_TEST_DSN not set")
	}

	st, err := OpenPostgres(dsn)
	if err != nil {
		t.Fatalf("OpenPostgres failed: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	// Unique ids so reruns against a shared database don't collide.
	id1 := "pgtest-" + uuid.NewString()
	id2 := "pgtest-" + uuid.NewString()

	d1, d2 := testDetection(id1), testDetection(id2)
	yes := true
	d2.IsProduct = &yes

	count, err := st.ImportDetections(ctx, []model.Detection{d1, d2})
	if err != nil {
		t.Fatalf("ImportDetections failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 new detections, got %d", count)
	}

	// Duplicate import is ignored.
	count, err = st.ImportDetections(ctx, []model.Detection{d1})
	if err != nil {
		t.Fatalf("duplicate import failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 new detections on duplicate import, got %d", count)
	}

	got, err := st.Detection(ctx, id2)
	if err != nil {
		t.Fatalf("Detection failed: %v", err)
	}
	if got.Attrs.Brand != "Acme" || got.IsProduct == nil || !*got.IsProduct {
		t.Errorf("detection did not round-trip: %+v", got)
	}

	if err := st.SetState(ctx, id1, model.StateAIFiltering, ""); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	if err := st.SetState(ctx, "pgtest-missing-"+uuid.NewString(), model.StateSearching, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	cands := []model.Candidate{
		{
			GTIN:      "00000001",
			Brand:     "Acme",
			Title:     "Acme Cola Zero 12oz",
			Retailers: []string{"walmart"},
			Raw:       []byte(`{"score":0.9}`),
			Stage:     model.StageSearch,
		},
		{GTIN: "00000002", Brand: "Pepso", Stage: model.StageSearch},
	}
	if err := st.AppendCandidates(ctx, id1, model.StageSearch, cands); err != nil {
		t.Fatalf("AppendCandidates failed: %v", err)
	}
	gotCands, err := st.Candidates(ctx, id1)
	if err != nil {
		t.Fatalf("Candidates failed: %v", err)
	}
	if len(gotCands) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(gotCands))
	}
	if len(gotCands[0].Retailers) != 1 || gotCands[0].Retailers[0] != "walmart" {
		t.Errorf("retailers did not round-trip: %v", gotCands[0].Retailers)
	}

	sel := model.SelectionRecord{
		ID:          uuid.NewString(),
		DetectionID: id1,
		GTIN:        "00000001",
		Method:      model.MethodAIFilter,
		Confidence:  0.95,
		SelectedAt:  time.Now().UTC(),
	}
	if err := st.SaveSelection(ctx, sel); err != nil {
		t.Fatalf("SaveSelection failed: %v", err)
	}

	// Writing again for the same detection supersedes the first.
	sel.ID = uuid.NewString()
	sel.GTIN = "00000002"
	sel.Consolidated = true
	if err := st.SaveSelection(ctx, sel); err != nil {
		t.Fatalf("superseding SaveSelection failed: %v", err)
	}
	gotSel, err := st.Selection(ctx, id1)
	if err != nil {
		t.Fatalf("Selection failed: %v", err)
	}
	if gotSel.GTIN != "00000002" || !gotSel.Consolidated {
		t.Errorf("selection supersede failed: %+v", gotSel)
	}

	results, err := st.Results(ctx, 5)
	if err != nil {
		t.Fatalf("Results failed: %v", err)
	}
	found := false
	for _, r := range results {
		if r.ID == id1 {
			found = true
			if r.Selection == nil || r.Selection.GTIN != "00000002" {
				t.Errorf("result missing selection: %+v", r.Selection)
			}
		}
	}
	if !found {
		t.Errorf("detection %s missing from results", id1)
	}

	counts, err := st.StateCounts(ctx)
	if err != nil {
		t.Fatalf("StateCounts failed: %v", err)
	}
	if counts[model.StateAIFiltering] == 0 {
		t.Error("expected at least one ai_filtering detection")
	}

	stages, err := st.CandidateStageCounts(ctx)
	if err != nil {
		t.Fatalf("CandidateStageCounts failed: %v", err)
	}
	if stages[model.StageSearch] < 2 {
		t.Errorf("expected at least the 2 appended search rows, got %d", stages[model.StageSearch])
	}

	methods, err := st.MethodCounts(ctx)
	if err != nil {
		t.Fatalf("MethodCounts failed: %v", err)
	}
	if methods[model.MethodAIFilter] == 0 {
		t.Error("expected at least one ai_filter selection")
	}
}

func TestJSONStringsRoundTrip(t *testing.T) {
	tests := []struct {
		in   []string
		want []string
	}{
		{nil, nil},
		{[]string{}, nil},
		{[]string{"walmart"}, []string{"walmart"}},
		{[]string{"brand match", "size equal (12 oz)"}, []string{"brand match", "size equal (12 oz)"}},
	}
	for i, tt := range tests {
		got := stringsFromJSON(jsonStrings(tt.in))
		if fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Errorf("case %d: got %v, want %v", i, got, tt.want)
		}
	}
}

func TestStringsFromJSONMalformed(t *testing.T) {
	if got := stringsFromJSON([]byte(`{"not":"a list"}`)); got != nil {
		t.Errorf("expected nil for malformed payload, got %v", got)
	}
}
