package store

import (
	"context"
	"database/sql"

	"github.com/ajitpratap0/tripflow/pkg/errors"
	"github.com/ajitpratap0/tripflow/pkg/models"
)

var locationColumns = []string{"location_id", "borough", "zone", "service_zone"}

// ReplaceLocations swaps the whole locations table for locs inside one
// transaction, inserting chunkSize rows per statement. Readers never see an
// empty table.
func (db *DB) ReplaceLocations(ctx context.Context, locs []models.LocationZone, chunkSize int) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = 2000
	}
	if maxRows := db.dialect.MaxBindParams() / len(locationColumns); chunkSize > maxRows {
		chunkSize = maxRows
	}

	var inserted int64
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM locations"); err != nil {
			return errors.Wrap(err, errors.ErrorTypeStore, "failed to clear locations")
		}

		rows := make([][]any, 0, min(chunkSize, len(locs)))
		for start := 0; start < len(locs); start += chunkSize {
			end := min(start+chunkSize, len(locs))
			rows = rows[:0]
			for _, l := range locs[start:end] {
				rows = append(rows, []any{l.LocationID, l.Borough, l.Zone, stringArg(l.ServiceZone)})
			}
			n, err := db.InsertRows(ctx, tx, TableLocations, locationColumns, rows)
			if err != nil {
				return err
			}
			inserted += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ListLocations returns the lookup table ordered by id.
func (db *DB) ListLocations(ctx context.Context) ([]models.LocationZone, error) {
	rows, err := db.sql.QueryContext(ctx, "SELECT location_id, borough, zone, service_zone FROM locations ORDER BY location_id")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "failed to list locations")
	}
	defer rows.Close()

	var out []models.LocationZone
	for rows.Next() {
		var (
			l  models.LocationZone
			sz sql.NullString
		)
		if err := rows.Scan(&l.LocationID, &l.Borough, &l.Zone, &sz); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStore, "failed to scan location")
		}
		l.ServiceZone = nullString(sz)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "failed to read locations")
	}
	return out, nil
}
