// Package store persists pipeline state: detections, their
// stage-tagged candidate sets, and final selections. Two backends
// share the same method set; SQLite is the default for single-node
// runs, Postgres for shared deployments. Selections are keyed by
// detection id, so writing a new one atomically supersedes the old
// and at most one active selection can exist per detection.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
)

// ErrPersistenceFailed marks a failed read or write. A pipeline run
// that hits one ends in the detection's terminal error state.
var ErrPersistenceFailed = errors.New("persistence failed")

// ErrNotFound reports a missing detection or selection.
var ErrNotFound = errors.New("not found")

// encodeStrings renders a string slice as JSON text for a TEXT column.
// Empty slices store as NULL.
func encodeStrings(ss []string) sql.NullString {
	if len(ss) == 0 {
		return sql.NullString{}
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

// decodeStrings parses a JSON text column back into a string slice.
func decodeStrings(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(ns.String), &ss); err != nil {
		return nil
	}
	return ss
}

// nullBool renders a ternary *bool for an INTEGER column: NULL, 0 or 1.
func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}

// fromNullBool parses an INTEGER column back into a ternary *bool.
func fromNullBool(n sql.NullInt64) *bool {
	if !n.Valid {
		return nil
	}
	v := n.Int64 != 0
	return &v
}
