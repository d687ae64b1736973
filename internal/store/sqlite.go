package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"shelfmatch/internal/model"
)

// SQLite persists pipeline state in a single local database file.
// Thread-safety: all methods are safe for concurrent use via an
// internal mutex.
type SQLite struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates an SQLite store at the given path, creating tables if
// they don't exist. Uses WAL mode for file-based databases; ":memory:"
// opens a shared in-memory database for tests.
func Open(dbPath string) (*SQLite, error) {
	connStr := dbPath
	if dbPath == ":memory:" {
		// Shared cache so every connection in the pool sees the
		// same in-memory database.
		connStr = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	s := &SQLite{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLite) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS detections (
		id TEXT PRIMARY KEY,
		photo_id TEXT,
		brand TEXT,
		product_name TEXT,
		size TEXT,
		category TEXT,
		brand_confidence REAL DEFAULT 0,
		name_confidence REAL DEFAULT 0,
		size_confidence REAL DEFAULT 0,
		is_product INTEGER,
		crop_image_url TEXT,
		state TEXT NOT NULL,
		state_note TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_detections_state ON detections(state);

	CREATE TABLE IF NOT EXISTS candidates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		detection_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		gtin TEXT NOT NULL,
		brand TEXT,
		title TEXT,
		size TEXT,
		image_url TEXT,
		retailers TEXT,
		raw TEXT,
		similarity_score REAL DEFAULT 0,
		match_reasons TEXT,
		match_status TEXT,
		confidence REAL DEFAULT 0,
		rationale TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_candidates_detection ON candidates(detection_id, stage);

	CREATE TABLE IF NOT EXISTS selections (
		detection_id TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		gtin TEXT NOT NULL,
		brand TEXT,
		title TEXT,
		size TEXT,
		image_url TEXT,
		method TEXT NOT NULL,
		confidence REAL DEFAULT 0,
		consolidated INTEGER NOT NULL DEFAULT 0,
		selected_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// ImportDetections inserts detections, returning the count of new
// rows. Existing ids are silently ignored. Empty states default to
// pending; zero timestamps default to now.
func (s *SQLite) ImportDetections(ctx context.Context, dets []model.Detection) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(dets) == 0 {
		return 0, nil
	}

	stmt, err := s.db.PrepareContext(ctx, `
		INSERT OR IGNORE INTO detections (
			id, photo_id, brand, product_name, size, category,
			brand_confidence, name_confidence, size_confidence,
			is_product, crop_image_url, state, state_note,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("%w: prepare import: %w", ErrPersistenceFailed, err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	newCount := 0
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

		result, err := stmt.ExecContext(ctx,
			d.ID, d.PhotoID,
			d.Attrs.Brand, d.Attrs.ProductName, d.Attrs.Size, d.Attrs.Category,
			d.Attrs.BrandConfidence, d.Attrs.NameConfidence, d.Attrs.SizeConfidence,
			nullBool(d.IsProduct), d.CropImageURL,
			string(state), d.StateNote,
			created, updated,
		)
		if err != nil {
			return newCount, fmt.Errorf("%w: insert detection %s: %w", ErrPersistenceFailed, d.ID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return newCount, fmt.Errorf("%w: rows affected: %w", ErrPersistenceFailed, err)
		}
		if affected > 0 {
			newCount++
		}
	}
	return newCount, nil
}

// Detection loads one detection with its selection, if any.
func (s *SQLite) Detection(ctx context.Context, id string) (model.Detection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, photo_id, brand, product_name, size, category,
			brand_confidence, name_confidence, size_confidence,
			is_product, crop_image_url, state, state_note,
			created_at, updated_at
		FROM detections WHERE id = ?
	`, id)

	d, err := scanDetection(row)
	if err == sql.ErrNoRows {
		return model.Detection{}, fmt.Errorf("detection %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Detection{}, fmt.Errorf("%w: load detection %s: %w", ErrPersistenceFailed, id, err)
	}

	sel, err := s.selectionLocked(ctx, id)
	switch {
	case err == nil:
		d.Selection = &sel
	case !errors.Is(err, ErrNotFound):
		return model.Detection{}, err
	}
	return d, nil
}

// SetState updates a detection's processing state and note.
func (s *SQLite) SetState(ctx context.Context, id string, state model.ProcessingState, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE detections SET state = ?, state_note = ?, updated_at = ? WHERE id = ?
	`, string(state), note, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("%w: set state for %s: %w", ErrPersistenceFailed, id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %w", ErrPersistenceFailed, err)
	}
	if affected == 0 {
		return fmt.Errorf("detection %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendCandidates records a stage's tagged candidate set for a
// detection. Earlier stages' rows are never rewritten; each stage
// appends its own set.
func (s *SQLite) AppendCandidates(ctx context.Context, detectionID string, stage model.ProcessingStage, cands []model.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(cands) == 0 {
		return nil
	}

	stmt, err := s.db.PrepareContext(ctx, `
		INSERT INTO candidates (
			detection_id, stage, gtin, brand, title, size, image_url,
			retailers, raw, similarity_score, match_reasons,
			match_status, confidence, rationale, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("%w: prepare append: %w", ErrPersistenceFailed, err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, c := range cands {
		var raw any
		if len(c.Raw) > 0 {
			raw = string(c.Raw)
		}
		_, err := stmt.ExecContext(ctx,
			detectionID, string(stage), c.GTIN, c.Brand, c.Title, c.Size, c.ImageURL,
			encodeStrings(c.Retailers), raw, c.SimilarityScore, encodeStrings(c.MatchReasons),
			string(c.MatchStatus), c.Confidence, c.Rationale, now,
		)
		if err != nil {
			return fmt.Errorf("%w: insert candidate %s at %s: %w", ErrPersistenceFailed, c.GTIN, stage, err)
		}
	}
	return nil
}

// Candidates returns every stored candidate row for a detection in
// insertion order, across all stages.
func (s *SQLite) Candidates(ctx context.Context, detectionID string) ([]model.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, gtin, brand, title, size, image_url, retailers, raw,
			similarity_score, match_reasons, match_status, confidence, rationale
		FROM candidates WHERE detection_id = ? ORDER BY id ASC
	`, detectionID)
	if err != nil {
		return nil, fmt.Errorf("%w: load candidates for %s: %w", ErrPersistenceFailed, detectionID, err)
	}
	defer rows.Close()

	var cands []model.Candidate
	for rows.Next() {
		var c model.Candidate
		var stage, status string
		var retailers, reasons, rationale sql.NullString
		var raw sql.NullString
		if err := rows.Scan(&stage, &c.GTIN, &c.Brand, &c.Title, &c.Size, &c.ImageURL,
			&retailers, &raw, &c.SimilarityScore, &reasons, &status, &c.Confidence, &rationale); err != nil {
			return nil, fmt.Errorf("%w: scan candidate: %w", ErrPersistenceFailed, err)
		}
		c.Stage = model.ProcessingStage(stage)
		c.MatchStatus = model.MatchStatus(status)
		c.Retailers = decodeStrings(retailers)
		c.MatchReasons = decodeStrings(reasons)
		c.Rationale = rationale.String
		if raw.Valid && raw.String != "" {
			c.Raw = json.RawMessage(raw.String)
		}
		cands = append(cands, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate candidates: %w", ErrPersistenceFailed, err)
	}
	return cands, nil
}

// SaveSelection writes the final selection for a detection, replacing
// any prior one. The detection-id primary key makes the supersede
// atomic.
func (s *SQLite) SaveSelection(ctx context.Context, sel model.SelectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO selections (
			detection_id, id, gtin, brand, title, size, image_url,
			method, confidence, consolidated, selected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sel.DetectionID, sel.ID, sel.GTIN, sel.Brand, sel.Title, sel.Size, sel.ImageURL,
		string(sel.Method), sel.Confidence, boolToInt(sel.Consolidated), sel.SelectedAt.UTC())
	if err != nil {
		return fmt.Errorf("%w: save selection for %s: %w", ErrPersistenceFailed, sel.DetectionID, err)
	}
	return nil
}

// Selection loads the active selection for a detection.
func (s *SQLite) Selection(ctx context.Context, detectionID string) (model.SelectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectionLocked(ctx, detectionID)
}

func (s *SQLite) selectionLocked(ctx context.Context, detectionID string) (model.SelectionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT detection_id, id, gtin, brand, title, size, image_url,
			method, confidence, consolidated, selected_at
		FROM selections WHERE detection_id = ?
	`, detectionID)

	var sel model.SelectionRecord
	var method string
	var consolidated int
	err := row.Scan(&sel.DetectionID, &sel.ID, &sel.GTIN, &sel.Brand, &sel.Title, &sel.Size,
		&sel.ImageURL, &method, &sel.Confidence, &consolidated, &sel.SelectedAt)
	if err == sql.ErrNoRows {
		return model.SelectionRecord{}, fmt.Errorf("selection for %s: %w", detectionID, ErrNotFound)
	}
	if err != nil {
		return model.SelectionRecord{}, fmt.Errorf("%w: load selection for %s: %w", ErrPersistenceFailed, detectionID, err)
	}
	sel.Method = model.SelectionMethod(method)
	sel.Consolidated = consolidated != 0
	return sel, nil
}

// ListDetectionIDs returns detection ids, oldest first, optionally
// filtered to the given states.
func (s *SQLite) ListDetectionIDs(ctx context.Context, states ...model.ProcessingState) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT id FROM detections"
	var args []any
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, st := range states {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " WHERE state IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list detections: %w", ErrPersistenceFailed, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan id: %w", ErrPersistenceFailed, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate ids: %w", ErrPersistenceFailed, err)
	}
	return ids, nil
}

// StateCounts returns how many detections sit in each state.
func (s *SQLite) StateCounts(ctx context.Context) (map[model.ProcessingState]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM detections GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("%w: count states: %w", ErrPersistenceFailed, err)
	}
	defer rows.Close()

	counts := make(map[model.ProcessingState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("%w: scan count: %w", ErrPersistenceFailed, err)
		}
		counts[model.ProcessingState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate counts: %w", ErrPersistenceFailed, err)
	}
	return counts, nil
}

// CandidateStageCounts returns how many candidate rows each stage has
// recorded across all detections.
func (s *SQLite) CandidateStageCounts(ctx context.Context) (map[model.ProcessingStage]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT stage, COUNT(*) FROM candidates GROUP BY stage")
	if err != nil {
		return nil, fmt.Errorf("%w: count candidate stages: %w", ErrPersistenceFailed, err)
	}
	defer rows.Close()

	counts := make(map[model.ProcessingStage]int)
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, fmt.Errorf("%w: scan stage count: %w", ErrPersistenceFailed, err)
		}
		counts[model.ProcessingStage(stage)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate stage counts: %w", ErrPersistenceFailed, err)
	}
	return counts, nil
}

// MethodCounts returns how many active selections each method produced.
func (s *SQLite) MethodCounts(ctx context.Context) (map[model.SelectionMethod]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT method, COUNT(*) FROM selections GROUP BY method")
	if err != nil {
		return nil, fmt.Errorf("%w: count selection methods: %w", ErrPersistenceFailed, err)
	}
	defer rows.Close()

	counts := make(map[model.SelectionMethod]int)
	for rows.Next() {
		var method string
		var n int
		if err := rows.Scan(&method, &n); err != nil {
			return nil, fmt.Errorf("%w: scan method count: %w", ErrPersistenceFailed, err)
		}
		counts[model.SelectionMethod(method)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate method counts: %w", ErrPersistenceFailed, err)
	}
	return counts, nil
}

// Results returns matched detections with their selections, newest
// selection first. limit <= 0 returns all.
func (s *SQLite) Results(ctx context.Context, limit int) ([]model.Detection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.photo_id, d.brand, d.product_name, d.size, d.category,
			d.brand_confidence, d.name_confidence, d.size_confidence,
			d.is_product, d.crop_image_url, d.state, d.state_note,
			d.created_at, d.updated_at,
			s.detection_id, s.id, s.gtin, s.brand, s.title, s.size, s.image_url,
			s.method, s.confidence, s.consolidated, s.selected_at
		FROM detections d
		JOIN selections s ON s.detection_id = d.id
		ORDER BY s.selected_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: load results: %w", ErrPersistenceFailed, err)
	}
	defer rows.Close()

	var dets []model.Detection
	for rows.Next() {
		var d model.Detection
		var isProduct sql.NullInt64
		var state string
		var sel model.SelectionRecord
		var method string
		var consolidated int
		err := rows.Scan(&d.ID, &d.PhotoID, &d.Attrs.Brand, &d.Attrs.ProductName, &d.Attrs.Size,
			&d.Attrs.Category, &d.Attrs.BrandConfidence, &d.Attrs.NameConfidence, &d.Attrs.SizeConfidence,
			&isProduct, &d.CropImageURL, &state, &d.StateNote, &d.CreatedAt, &d.UpdatedAt,
			&sel.DetectionID, &sel.ID, &sel.GTIN, &sel.Brand, &sel.Title, &sel.Size, &sel.ImageURL,
			&method, &sel.Confidence, &consolidated, &sel.SelectedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: scan result: %w", ErrPersistenceFailed, err)
		}
		d.IsProduct = fromNullBool(isProduct)
		d.State = model.ProcessingState(state)
		sel.Method = model.SelectionMethod(method)
		sel.Consolidated = consolidated != 0
		d.Selection = &sel
		dets = append(dets, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate results: %w", ErrPersistenceFailed, err)
	}
	return dets, nil
}

// scanner lets scanDetection work with both Row and Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDetection(row scanner) (model.Detection, error) {
	var d model.Detection
	var isProduct sql.NullInt64
	var state string
	err := row.Scan(&d.ID, &d.PhotoID, &d.Attrs.Brand, &d.Attrs.ProductName, &d.Attrs.Size,
		&d.Attrs.Category, &d.Attrs.BrandConfidence, &d.Attrs.NameConfidence, &d.Attrs.SizeConfidence,
		&isProduct, &d.CropImageURL, &state, &d.StateNote, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return model.Detection{}, err
	}
	d.IsProduct = fromNullBool(isProduct)
	d.State = model.ProcessingState(state)
	return d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
