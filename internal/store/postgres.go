package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"shelfmatch/internal/model"
)

// Postgres persists pipeline state in a shared PostgreSQL database,
// for deployments where several workers or an API front-end need the
// same view of progress. Method set and semantics mirror SQLite.
type Postgres struct {
	db *gorm.DB
}

var pgMigrations = []string{
	`CREATE TABLE IF NOT EXISTS detections (
		id               TEXT PRIMARY KEY,
		photo_id         TEXT,
		brand            TEXT,
		product_name     TEXT,
		size             TEXT,
		category         TEXT,
		brand_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		name_confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
		size_confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
		is_product       BOOLEAN,
		crop_image_url   TEXT,
		state            TEXT NOT NULL,
		state_note       TEXT,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_detections_state ON detections(state);`,
	`CREATE TABLE IF NOT EXISTS candidates (
		id               BIGSERIAL PRIMARY KEY,
		detection_id     TEXT NOT NULL,
		stage            TEXT NOT NULL,
		gtin             TEXT NOT NULL,
		brand            TEXT,
		title            TEXT,
		size             TEXT,
		image_url        TEXT,
		retailers        JSONB,
		raw              JSONB,
		similarity_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		match_reasons    JSONB,
		match_status     TEXT,
		confidence       DOUBLE PRECISION NOT NULL DEFAULT 0,
		rationale        TEXT,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_candidates_detection ON candidates(detection_id, stage);`,
	`CREATE TABLE IF NOT EXISTS selections (
		detection_id TEXT PRIMARY KEY,
		record_id    TEXT NOT NULL,
		gtin         TEXT NOT NULL,
		brand        TEXT,
		title        TEXT,
		size         TEXT,
		image_url    TEXT,
		method       TEXT NOT NULL,
		confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
		consolidated BOOLEAN NOT NULL DEFAULT FALSE,
		selected_at  TIMESTAMPTZ NOT NULL
	);`,
}

// OpenPostgres connects to the given DSN and runs idempotent
// migrations.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	for i, stmt := range pgMigrations {
		if err := db.Exec(stmt).Error; err != nil {
			return nil, fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return &Postgres{db: db}, nil
}

type pgDetection struct {
	ID              string `gorm:"primaryKey"`
	PhotoID         string
	Brand           string
	ProductName     string
	Size            string
	Category        string
	BrandConfidence float64
	NameConfidence  float64
	SizeConfidence  float64
	IsProduct       *bool
	CropImageURL    string
	State           string `gorm:"not null;index"`
	StateNote       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (pgDetection) TableName() string { return "detections" }

type pgCandidate struct {
	ID              int64  `gorm:"primaryKey"`
	DetectionID     string `gorm:"not null"`
	Stage           string `gorm:"not null"`
	GTIN            string `gorm:"column:gtin;not null"`
	Brand           string
	Title           string
	Size            string
	ImageURL        string
	Retailers       datatypes.JSON `gorm:"type:jsonb"`
	Raw             datatypes.JSON `gorm:"type:jsonb"`
	SimilarityScore float64
	MatchReasons    datatypes.JSON `gorm:"type:jsonb"`
	MatchStatus     string
	Confidence      float64
	Rationale       string
	CreatedAt       time.Time
}

func (pgCandidate) TableName() string { return "candidates" }

type pgSelection struct {
	DetectionID  string `gorm:"primaryKey"`
	RecordID     string `gorm:"not null"`
	GTIN         string `gorm:"column:gtin;not null"`
	Brand        string
	Title        string
	Size         string
	ImageURL     string
	Method       string `gorm:"not null"`
	Confidence   float64
	Consolidated bool
	SelectedAt   time.Time
}

func (pgSelection) TableName() string { return "selections" }

// ImportDetections inserts detections, returning the count of new
// rows. Existing ids are silently ignored.
func (p *Postgres) ImportDetections(ctx context.Context, dets []model.Detection) (int, error) {
	if len(dets) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([]pgDetection, 0, len(dets))
	for _, d := range dets {
		state := d.State
		if state == "" {
			state = model.StatePending
		}
		created, updated := d.CreatedAt, d.UpdatedAt
		if created.IsZero() {
			created = now
		}
		if updated.IsZero() {
			updated = created
		}
		rows = append(rows, pgDetection{
			ID:              d.ID,
			PhotoID:         d.PhotoID,
			Brand:           d.Attrs.Brand,
			ProductName:     d.Attrs.ProductName,
			Size:            d.Attrs.Size,
			Category:        d.Attrs.Category,
			BrandConfidence: d.Attrs.BrandConfidence,
			NameConfidence:  d.Attrs.NameConfidence,
			SizeConfidence:  d.Attrs.SizeConfidence,
			IsProduct:       d.IsProduct,
			CropImageURL:    d.CropImageURL,
			State:           string(state),
			StateNote:       d.StateNote,
			CreatedAt:       created,
			UpdatedAt:       updated,
		})
	}

	tx := p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
	if tx.Error != nil {
		return 0, fmt.Errorf("%w: import detections: %w", ErrPersistenceFailed, tx.Error)
	}
	return int(tx.RowsAffected), nil
}

// Detection loads one detection with its selection, if any.
func (p *Postgres) Detection(ctx context.Context, id string) (model.Detection, error) {
	var row pgDetection
	err := p.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Detection{}, fmt.Errorf("detection %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Detection{}, fmt.Errorf("%w: load detection %s: %w", ErrPersistenceFailed, id, err)
	}

	d := model.Detection{
		ID:      row.ID,
		PhotoID: row.PhotoID,
		Attrs: model.Attributes{
			Brand:           row.Brand,
			ProductName:     row.ProductName,
			Size:            row.Size,
			Category:        row.Category,
			BrandConfidence: row.BrandConfidence,
			NameConfidence:  row.NameConfidence,
			SizeConfidence:  row.SizeConfidence,
		},
		IsProduct:    row.IsProduct,
		CropImageURL: row.CropImageURL,
		State:        model.ProcessingState(row.State),
		StateNote:    row.StateNote,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}

	sel, err := p.Selection(ctx, id)
	switch {
	case err == nil:
		d.Selection = &sel
	case !errors.Is(err, ErrNotFound):
		return model.Detection{}, err
	}
	return d, nil
}

// SetState updates a detection's processing state and note.
func (p *Postgres) SetState(ctx context.Context, id string, state model.ProcessingState, note string) error {
	tx := p.db.WithContext(ctx).Model(&pgDetection{}).Where("id = ?", id).Updates(map[string]any{
		"state":      string(state),
		"state_note": note,
		"updated_at": time.Now().UTC(),
	})
	if tx.Error != nil {
		return fmt.Errorf("%w: set state for %s: %w", ErrPersistenceFailed, id, tx.Error)
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("detection %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendCandidates records a stage's tagged candidate set for a
// detection.
func (p *Postgres) AppendCandidates(ctx context.Context, detectionID string, stage model.ProcessingStage, cands []model.Candidate) error {
	if len(cands) == 0 {
		return nil
	}

	now := time.Now().UTC()
	rows := make([]pgCandidate, 0, len(cands))
	for _, c := range cands {
		rows = append(rows, pgCandidate{
			DetectionID:     detectionID,
			Stage:           string(stage),
			GTIN:            c.GTIN,
			Brand:           c.Brand,
			Title:           c.Title,
			Size:            c.Size,
			ImageURL:        c.ImageURL,
			Retailers:       jsonStrings(c.Retailers),
			Raw:             datatypes.JSON(c.Raw),
			SimilarityScore: c.SimilarityScore,
			MatchReasons:    jsonStrings(c.MatchReasons),
			MatchStatus:     string(c.MatchStatus),
			Confidence:      c.Confidence,
			Rationale:       c.Rationale,
			CreatedAt:       now,
		})
	}

	if err := p.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("%w: append candidates for %s at %s: %w", ErrPersistenceFailed, detectionID, stage, err)
	}
	return nil
}

// Candidates returns every stored candidate row for a detection in
// insertion order, across all stages.
func (p *Postgres) Candidates(ctx context.Context, detectionID string) ([]model.Candidate, error) {
	var rows []pgCandidate
	err := p.db.WithContext(ctx).
		Where("detection_id = ?", detectionID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: load candidates for %s: %w", ErrPersistenceFailed, detectionID, err)
	}

	cands := make([]model.Candidate, 0, len(rows))
	for _, row := range rows {
		c := model.Candidate{
			GTIN:            row.GTIN,
			Brand:           row.Brand,
			Title:           row.Title,
			Size:            row.Size,
			ImageURL:        row.ImageURL,
			Retailers:       stringsFromJSON(row.Retailers),
			Stage:           model.ProcessingStage(row.Stage),
			SimilarityScore: row.SimilarityScore,
			MatchReasons:    stringsFromJSON(row.MatchReasons),
			MatchStatus:     model.MatchStatus(row.MatchStatus),
			Confidence:      row.Confidence,
			Rationale:       row.Rationale,
		}
		if len(row.Raw) > 0 {
			c.Raw = json.RawMessage(row.Raw)
		}
		cands = append(cands, c)
	}
	if len(cands) == 0 {
		return nil, nil
	}
	return cands, nil
}

// SaveSelection writes the final selection for a detection, replacing
// any prior one.
func (p *Postgres) SaveSelection(ctx context.Context, sel model.SelectionRecord) error {
	row := pgSelection{
		DetectionID:  sel.DetectionID,
		RecordID:     sel.ID,
		GTIN:         sel.GTIN,
		Brand:        sel.Brand,
		Title:        sel.Title,
		Size:         sel.Size,
		ImageURL:     sel.ImageURL,
		Method:       string(sel.Method),
		Confidence:   sel.Confidence,
		Consolidated: sel.Consolidated,
		SelectedAt:   sel.SelectedAt.UTC(),
	}
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "detection_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("%w: save selection for %s: %w", ErrPersistenceFailed, sel.DetectionID, err)
	}
	return nil
}

// Selection loads the active selection for a detection.
func (p *Postgres) Selection(ctx context.Context, detectionID string) (model.SelectionRecord, error) {
	var row pgSelection
	err := p.db.WithContext(ctx).First(&row, "detection_id = ?", detectionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.SelectionRecord{}, fmt.Errorf("selection for %s: %w", detectionID, ErrNotFound)
	}
	if err != nil {
		return model.SelectionRecord{}, fmt.Errorf("%w: load selection for %s: %w", ErrPersistenceFailed, detectionID, err)
	}
	return selectionFromRow(row), nil
}

func selectionFromRow(row pgSelection) model.SelectionRecord {
	return model.SelectionRecord{
		ID:           row.RecordID,
		DetectionID:  row.DetectionID,
		GTIN:         row.GTIN,
		Brand:        row.Brand,
		Title:        row.Title,
		Size:         row.Size,
		ImageURL:     row.ImageURL,
		Method:       model.SelectionMethod(row.Method),
		Confidence:   row.Confidence,
		Consolidated: row.Consolidated,
		SelectedAt:   row.SelectedAt,
	}
}

// ListDetectionIDs returns detection ids, oldest first, optionally
// filtered to the given states.
func (p *Postgres) ListDetectionIDs(ctx context.Context, states ...model.ProcessingState) ([]string, error) {
	q := p.db.WithContext(ctx).Model(&pgDetection{})
	if len(states) > 0 {
		ss := make([]string, len(states))
		for i, st := range states {
			ss[i] = string(st)
		}
		q = q.Where("state IN ?", ss)
	}

	var ids []string
	if err := q.Order("created_at ASC, id ASC").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("%w: list detections: %w", ErrPersistenceFailed, err)
	}
	return ids, nil
}

// StateCounts returns how many detections sit in each state.
func (p *Postgres) StateCounts(ctx context.Context) (map[model.ProcessingState]int, error) {
	var rows []struct {
		State string
		N     int
	}
	err := p.db.WithContext(ctx).Model(&pgDetection{}).
		Select("state, COUNT(*) AS n").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: count states: %w", ErrPersistenceFailed, err)
	}

	counts := make(map[model.ProcessingState]int, len(rows))
	for _, row := range rows {
		counts[model.ProcessingState(row.State)] = row.N
	}
	return counts, nil
}

// CandidateStageCounts returns how many candidate rows each stage has
// recorded across all detections.
func (p *Postgres) CandidateStageCounts(ctx context.Context) (map[model.ProcessingStage]int, error) {
	var rows []struct {
		Stage string
		N     int
	}
	err := p.db.WithContext(ctx).Model(&pgCandidate{}).
		Select("stage, COUNT(*) AS n").
		Group("stage").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: count candidate stages: %w", ErrPersistenceFailed, err)
	}

	counts := make(map[model.ProcessingStage]int, len(rows))
	for _, row := range rows {
		counts[model.ProcessingStage(row.Stage)] = row.N
	}
	return counts, nil
}

// MethodCounts returns how many active selections each method produced.
func (p *Postgres) MethodCounts(ctx context.Context) (map[model.SelectionMethod]int, error) {
	var rows []struct {
		Method string
		N      int
	}
	err := p.db.WithContext(ctx).Model(&pgSelection{}).
		Select("method, COUNT(*) AS n").
		Group("method").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: count selection methods: %w", ErrPersistenceFailed, err)
	}

	counts := make(map[model.SelectionMethod]int, len(rows))
	for _, row := range rows {
		counts[model.SelectionMethod(row.Method)] = row.N
	}
	return counts, nil
}

// Results returns matched detections with their selections, newest
// selection first. limit <= 0 returns all.
func (p *Postgres) Results(ctx context.Context, limit int) ([]model.Detection, error) {
	q := p.db.WithContext(ctx).Order("selected_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var sels []pgSelection
	if err := q.Find(&sels).Error; err != nil {
		return nil, fmt.Errorf("%w: load selections: %w", ErrPersistenceFailed, err)
	}
	if len(sels) == 0 {
		return nil, nil
	}

	ids := make([]string, len(sels))
	for i, s := range sels {
		ids[i] = s.DetectionID
	}
	var rows []pgDetection
	if err := p.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: load result detections: %w", ErrPersistenceFailed, err)
	}
	byID := make(map[string]pgDetection, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}

	dets := make([]model.Detection, 0, len(sels))
	for _, s := range sels {
		row, ok := byID[s.DetectionID]
		if !ok {
			continue
		}
		sel := selectionFromRow(s)
		dets = append(dets, model.Detection{
			ID:      row.ID,
			PhotoID: row.PhotoID,
			Attrs: model.Attributes{
				Brand:           row.Brand,
				ProductName:     row.ProductName,
				Size:            row.Size,
				Category:        row.Category,
				BrandConfidence: row.BrandConfidence,
				NameConfidence:  row.NameConfidence,
				SizeConfidence:  row.SizeConfidence,
			},
			IsProduct:    row.IsProduct,
			CropImageURL: row.CropImageURL,
			State:        model.ProcessingState(row.State),
			StateNote:    row.StateNote,
			Selection:    &sel,
			CreatedAt:    row.CreatedAt,
			UpdatedAt:    row.UpdatedAt,
		})
	}
	return dets, nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return fmt.Errorf("%w: unwrap connection: %w", ErrPersistenceFailed, err)
	}
	return sqlDB.Close()
}

// jsonStrings renders a string slice as a JSONB value. Empty slices
// store as NULL.
func jsonStrings(ss []string) datatypes.JSON {
	if len(ss) == 0 {
		return nil
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

// stringsFromJSON parses a JSONB column back into a string slice.
func stringsFromJSON(j datatypes.JSON) []string {
	if len(j) == 0 {
		return nil
	}
	var ss []string
	if err := json.Unmarshal(j, &ss); err != nil {
		return nil
	}
	return ss
}
