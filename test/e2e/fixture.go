package e2e

import (
	"encoding/json"
	"os"
	"path/filepath"

	"shelfmatch/internal/model"
)

// seedWorkspace writes a config under homeDir that needs no network:
// the vision provider passes its availability check without being
// called, and the catalog base URL points at a closed local port so an
// accidental search fails fast instead of reaching out.
func seedWorkspace(homeDir string) error {
	dataDir := filepath.Join(homeDir, ".shelfmatch")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return err
	}
	cfg := `data_dir: ` + dataDir + `
log_level: debug
catalog:
  base_url: http://127.0.0.1:1
  api_key: fixture-key
vision:
  providers:
    openai:
      enabled: true
      api_key: fixture-key
`
	return os.WriteFile(filepath.Join(dataDir, "config.yaml"), []byte(cfg), 0644)
}

// writeDetections dumps a fixture detection file. Every entry resolves
// before the search stage, so the whole flow runs offline: one region
// is flagged as not a product, the other has no searchable attributes.
func writeDetections(path string) error {
	notProduct := false
	dets := []model.Detection{
		{
			ID:      "det-fixture-1",
			PhotoID: "photo-1",
			Attrs: model.Attributes{
				Brand:           "Acme",
				ProductName:     "Cola Zero",
				BrandConfidence: 0.98,
				NameConfidence:  0.91,
			},
			IsProduct: &notProduct,
		},
		{
			ID:      "det-fixture-2",
			PhotoID: "photo-1",
		},
	}
	data, err := json.Marshal(dets)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
