package store

import (
	"context"

	"github.com/ajitpratap0/tripflow/pkg/models"
)

// TripChunkLimit is the largest number of trips one INSERT may carry.
func (db *DB) TripChunkLimit() int {
	return db.dialect.MaxBindParams() / len(models.TripColumns)
}

// InsertTrips appends recs with a single multi-row INSERT through q.
func (db *DB) InsertTrips(ctx context.Context, q Querier, recs []models.TripRecord) (int64, error) {
	rows := make([][]any, len(recs))
	for i := range recs {
		rows[i] = recs[i].Values()
	}
	return db.InsertRows(ctx, q, TableTrips, models.TripColumns, rows)
}
