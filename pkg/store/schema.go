package store

import (
	"context"
	"strings"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tripflow/pkg/errors"
)

// Table names.
const (
	TableTrips     = "trips"
	TableLocations = "locations"
	TableUploads   = "source_uploads"
	TableBatches   = "ingest_batches"
	TableItems     = "ingest_items"
	TableTimings   = "ingest_timings"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS trips (
		id {{ID}},
		vendor_id SMALLINT NOT NULL,
		tpep_pickup_datetime {{TS}} NULL,
		tpep_dropoff_datetime {{TS}} NULL,
		passenger_count SMALLINT NULL,
		trip_distance {{FLOAT}} NOT NULL,
		ratecode_id SMALLINT NULL,
		store_and_fwd_flag CHAR(1) NULL,
		pu_location_id INTEGER NOT NULL,
		do_location_id INTEGER NOT NULL,
		payment_type SMALLINT NOT NULL,
		fare_amount {{DEC}} NOT NULL,
		extra {{DEC}} NULL,
		mta_tax {{DEC}} NULL,
		tip_amount {{DEC}} NOT NULL,
		tolls_amount {{DEC}} NULL,
		total_amount {{DEC}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trips_pickup ON trips (tpep_pickup_datetime)`,
	`CREATE INDEX IF NOT EXISTS idx_trips_pu ON trips (pu_location_id)`,
	`CREATE INDEX IF NOT EXISTS idx_trips_do ON trips (do_location_id)`,
	`CREATE INDEX IF NOT EXISTS idx_trips_vendor_pickup ON trips (vendor_id, tpep_pickup_datetime)`,
	`CREATE INDEX IF NOT EXISTS idx_trips_payment ON trips (payment_type)`,
	`CREATE TABLE IF NOT EXISTS locations (
		location_id INTEGER NOT NULL PRIMARY KEY,
		borough VARCHAR(64) NOT NULL,
		zone VARCHAR(128) NOT NULL,
		service_zone VARCHAR(64) NULL
	)`,
	`CREATE TABLE IF NOT EXISTS source_uploads (
		id {{ID}},
		path {{TEXT}} NOT NULL,
		kind VARCHAR(20) NOT NULL,
		status VARCHAR(20) NOT NULL,
		processed_rows BIGINT NOT NULL DEFAULT 0,
		error_message {{TEXT}} NULL,
		created_at {{TS}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ingest_batches (
		id {{ID}},
		total INTEGER NOT NULL DEFAULT 0,
		done INTEGER NOT NULL DEFAULT 0,
		status VARCHAR(20) NOT NULL,
		error_message {{TEXT}} NULL,
		created_at {{TS}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ingest_items (
		id {{ID}},
		batch_id BIGINT NOT NULL,
		url {{TEXT}} NOT NULL,
		kind VARCHAR(20) NOT NULL,
		status VARCHAR(20) NOT NULL,
		processed_rows BIGINT NOT NULL DEFAULT 0,
		error_message {{TEXT}} NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at {{TS}} NOT NULL,
		updated_at {{TS}} NOT NULL,
		FOREIGN KEY (batch_id) REFERENCES ingest_batches (id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_items_batch_status ON ingest_items (batch_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_items_status ON ingest_items (status)`,
	`CREATE TABLE IF NOT EXISTS ingest_timings (
		id {{ID}},
		label VARCHAR(100) NOT NULL,
		view_name VARCHAR(100) NOT NULL,
		elapsed_ms {{FLOAT}} NOT NULL,
		row_count BIGINT NOT NULL,
		optimized {{BOOL}} NOT NULL,
		created_at {{TS}} NOT NULL
	)`,
}

func typeReplacer(d Dialect) *strings.Replacer {
	switch d {
	case DialectPostgres:
		return strings.NewReplacer(
			"{{ID}}", "BIGSERIAL PRIMARY KEY",
			"{{TS}}", "TIMESTAMPTZ",
			"{{FLOAT}}", "DOUBLE PRECISION",
			"{{DEC}}", "NUMERIC(10,2)",
			"{{TEXT}}", "TEXT",
			"{{BOOL}}", "BOOLEAN",
		)
	case DialectMySQL:
		return strings.NewReplacer(
			"{{ID}}", "BIGINT AUTO_INCREMENT PRIMARY KEY",
			"{{TS}}", "DATETIME(6)",
			"{{FLOAT}}", "DOUBLE",
			"{{DEC}}", "DECIMAL(10,2)",
			"{{TEXT}}", "TEXT",
			"{{BOOL}}", "TINYINT(1)",
			"CREATE INDEX IF NOT EXISTS", "CREATE INDEX",
		)
	default:
		return strings.NewReplacer(
			"{{ID}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
			"{{TS}}", "TIMESTAMP",
			"{{FLOAT}}", "REAL",
			"{{DEC}}", "NUMERIC(10,2)",
			"{{TEXT}}", "TEXT",
			"{{BOOL}}", "INTEGER",
		)
	}
}

// Migrate creates every table and index that does not exist yet.
func (db *DB) Migrate(ctx context.Context) error {
	r := typeReplacer(db.dialect)
	for _, stmt := range schemaStatements {
		ddl := r.Replace(stmt)
		if _, err := db.sql.ExecContext(ctx, ddl); err != nil {
			if isDuplicateIndex(err) {
				continue
			}
			return errors.Wrap(err, errors.ErrorTypeStore, "migration failed").
				WithDetail("statement", firstLine(ddl))
		}
	}
	db.logger.Info("Schema migrated", zap.Int("statements", len(schemaStatements)))
	return nil
}

// isDuplicateIndex matches mysql's ER_DUP_KEYNAME on re-run.
func isDuplicateIndex(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1061
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
