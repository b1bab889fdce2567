package store

import (
	"context"
	"time"

	"github.com/ajitpratap0/tripflow/pkg/errors"
)

// Timing is one row of the ingest_timings log.
type Timing struct {
	Label     string
	View      string
	ElapsedMS float64
	Rows      int64
	Optimized bool
	At        time.Time
}

var timingColumns = []string{"label", "view_name", "elapsed_ms", "row_count", "optimized", "created_at"}

// InsertTimings appends timing rows.
func (db *DB) InsertTimings(ctx context.Context, timings []Timing) error {
	if len(timings) == 0 {
		return nil
	}
	rows := make([][]any, len(timings))
	for i, t := range timings {
		at := t.At
		if at.IsZero() {
			at = now()
		}
		rows[i] = []any{t.Label, t.View, t.ElapsedMS, t.Rows, t.Optimized, at.UTC()}
	}
	if _, err := db.InsertRows(ctx, db.sql, TableTimings, timingColumns, rows); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStore, "failed to write timings")
	}
	return nil
}

// RecentTimings returns the latest timing rows for label, newest first.
func (db *DB) RecentTimings(ctx context.Context, label string, limit int) ([]Timing, error) {
	rows, err := db.sql.QueryContext(ctx, db.Rebind(
		"SELECT label, view_name, elapsed_ms, row_count, optimized, created_at FROM ingest_timings WHERE label = ? ORDER BY id DESC LIMIT ?"),
		label, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "failed to query timings")
	}
	defer rows.Close()

	var out []Timing
	for rows.Next() {
		var t Timing
		if err := rows.Scan(&t.Label, &t.View, &t.ElapsedMS, &t.Rows, &t.Optimized, &t.At); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStore, "failed to scan timing")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
