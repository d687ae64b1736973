package e2e

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// buildShelfmatch builds the shelfmatch binary for testing.
// Returns the path to the binary and a cleanup function.
func buildShelfmatch(t *testing.T) (string, func()) {
	t.Helper()
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not in PATH")
	}

	dir := t.TempDir()
	binPath := filepath.Join(dir, "shelfmatch")

	rootDir, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	// We are in test/e2e, the module root is two levels up.
	rootDir = filepath.Join(rootDir, "..", "..")

	cmd := exec.Command("go", "build", "-o", binPath, "./cmd/shelfmatch")
	cmd.Dir = rootDir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("build failed: %v\n%s", err, out)
	}

	return binPath, func() { os.RemoveAll(dir) }
}

// runBin executes one subcommand with HOME pointed at the fixture
// workspace. Ambient SHELFMATCH_ overrides are stripped so the fixture
// config is authoritative.
func runBin(t *testing.T, bin, homeDir string, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(bin, args...)
	env := make([]string, 0, len(os.Environ())+1)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "SHELFMATCH_") || strings.HasPrefix(kv, "HOME=") {
			continue
		}
		env = append(env, kv)
	}
	cmd.Env = append(env, "HOME="+homeDir)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func TestE2E_OfflineMatchFlow(t *testing.T) {
	bin, cleanup := buildShelfmatch(t)
	defer cleanup()

	homeDir := t.TempDir()
	if err := seedWorkspace(homeDir); err != nil {
		t.Fatalf("seed workspace: %v", err)
	}
	detPath := filepath.Join(homeDir, "detections.json")
	if err := writeDetections(detPath); err != nil {
		t.Fatalf("write detections: %v", err)
	}

	// Import the fixture dump.
	out, err := runBin(t, bin, homeDir, "import", detPath)
	if err != nil {
		t.Fatalf("import failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Imported:   2") {
		t.Fatalf("import output missing count:\n%s", out)
	}

	// Importing the same file again inserts nothing.
	out, err = runBin(t, bin, homeDir, "import", detPath)
	if err != nil {
		t.Fatalf("re-import failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Duplicates: 2") {
		t.Fatalf("re-import should report duplicates:\n%s", out)
	}

	// Both fixtures short-circuit to no_match without a catalog or
	// classifier call.
	out, err = runBin(t, bin, homeDir, "match", "-all")
	if err != nil {
		t.Fatalf("match failed: %v\n%s", err, out)
	}
	for _, want := range []string{"Processed:  2", "no match: 2", "errors:   0"} {
		if !strings.Contains(out, want) {
			t.Fatalf("match summary missing %q:\n%s", want, out)
		}
	}

	// Terminal detections are not re-runnable; a second -all finds
	// nothing to do.
	out, err = runBin(t, bin, homeDir, "match", "-all")
	if err == nil {
		t.Fatalf("match -all with no pending detections should fail:\n%s", out)
	}
	if !strings.Contains(out, "nothing to match") {
		t.Fatalf("expected 'nothing to match', got:\n%s", out)
	}

	// Stats reflect the terminal states.
	out, err = runBin(t, bin, homeDir, "stats", "-recent", "0")
	if err != nil {
		t.Fatalf("stats failed: %v\n%s", err, out)
	}
	for _, want := range []string{
		fmt.Sprintf("  %-16s %d", "no_match", 2),
		fmt.Sprintf("  %-16s %d", "total", 2),
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("stats missing %q:\n%s", want, out)
		}
	}

	// The audit log recorded the run.
	out, err = runBin(t, bin, homeDir, "events", "-tail", "50")
	if err != nil {
		t.Fatalf("events failed: %v\n%s", err, out)
	}
	for _, want := range []string{"batch.start", "detection.done", "batch.complete"} {
		if !strings.Contains(out, want) {
			t.Fatalf("events output missing %q:\n%s", want, out)
		}
	}

	// Export produces a workbook even with zero saved matches.
	xlsxPath := filepath.Join(homeDir, "results.xlsx")
	out, err = runBin(t, bin, homeDir, "export", "-out", xlsxPath)
	if err != nil {
		t.Fatalf("export failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Exported 0 match rows") {
		t.Fatalf("unexpected export output:\n%s", out)
	}
	info, err := os.Stat(xlsxPath)
	if err != nil {
		t.Fatalf("workbook not written: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("workbook is empty")
	}
}
