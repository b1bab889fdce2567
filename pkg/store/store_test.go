package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/tripflow/pkg/config"
	"github.com/ajitpratap0/tripflow/pkg/errors"
	"github.com/ajitpratap0/tripflow/pkg/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "tripflow.db"),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("pgx")
	require.NoError(t, err)
	assert.Equal(t, DialectPostgres, d)

	_, err = ParseDialect("oracle")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestRebind(t *testing.T) {
	q := "UPDATE x SET a = ?, b = ? WHERE id = ?"
	assert.Equal(t, "UPDATE x SET a = $1, b = $2 WHERE id = $3", rebind(DialectPostgres, q))
	assert.Equal(t, q, rebind(DialectSQLite, q))
	assert.Equal(t, q, rebind(DialectMySQL, q))
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "file:/tmp/a.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", sqliteDSN("/tmp/a.db"))
	assert.Equal(t, "file:x.db?_pragma=busy_timeout(100)&_pragma=foreign_keys(1)", sqliteDSN("file:x.db?_pragma=busy_timeout(100)"))
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Migrate(context.Background()))
	assert.False(t, db.SupportsCopy())
}

func TestUploadLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	u, err := db.CreateUpload(ctx, "/data/uploads/a.parquet", models.KindTripData)
	require.NoError(t, err)
	assert.NotZero(t, u.ID)

	claimed, err := db.ClaimUpload(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, claimed)
	got, err := db.GetUpload(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)

	msg := "data: failed to open parquet file"
	require.NoError(t, db.FinishUpload(ctx, u.ID, 0, &msg))
	got, err = db.GetUpload(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, msg, *got.ErrorMessage)

	require.NoError(t, db.FinishUpload(ctx, u.ID, 95, nil))
	got, err = db.GetUpload(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, got.Status)
	assert.Equal(t, int64(95), got.ProcessedRows)
	assert.Nil(t, got.ErrorMessage)

	_, err = db.GetUpload(ctx, 999)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	claimed, err = db.ClaimUpload(ctx, 999)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestClaimUploadOnlyFromPendingOrError(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	u, err := db.CreateUpload(ctx, "/data/uploads/a.parquet", models.KindTripData)
	require.NoError(t, err)

	claimed, err := db.ClaimUpload(ctx, u.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	// A second run while the first is loading must not start.
	claimed, err = db.ClaimUpload(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	msg := "data: bad file"
	require.NoError(t, db.FinishUpload(ctx, u.ID, 0, &msg))
	claimed, err = db.ClaimUpload(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, claimed, "errored uploads can be reprocessed")

	got, err := db.GetUpload(ctx, u.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ErrorMessage)

	require.NoError(t, db.FinishUpload(ctx, u.ID, 95, nil))
	claimed, err = db.ClaimUpload(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func createBatch(t *testing.T, db *DB, urls ...string) (*models.IngestBatch, []*models.IngestItem) {
	t.Helper()
	ctx := context.Background()
	var (
		batch *models.IngestBatch
		items []*models.IngestItem
	)
	require.NoError(t, db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		batch, err = db.InsertBatch(ctx, tx, len(urls))
		if err != nil {
			return err
		}
		for _, u := range urls {
			it, err := db.InsertItem(ctx, tx, batch.ID, u, models.KindFromURL(u))
			if err != nil {
				return err
			}
			items = append(items, it)
		}
		return nil
	}))
	return batch, items
}

func TestBatchItemsAndCounts(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	batch, items := createBatch(t, db, "https://x/a.parquet", "https://x/zones.csv", "https://x/c.parquet")
	require.Len(t, items, 3)

	listed, err := db.ListItems(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, models.KindZoneLookup, listed[1].Kind)
	assert.Equal(t, models.StatusPending, listed[0].Status)

	claimItem(t, db, items[0].ID, 0)
	require.NoError(t, db.FinishItem(ctx, items[0].ID, 10, nil))
	msg := "connection: unexpected HTTP status 500"
	claimItem(t, db, items[1].ID, 0)
	require.NoError(t, db.FinishItem(ctx, items[1].ID, 0, &msg))

	c, err := db.CountItems(ctx, db.SQL(), batch.ID)
	require.NoError(t, err)
	assert.Equal(t, ItemCounts{Total: 3, Terminal: 2, Errored: 1}, c)

	it, err := db.GetItem(ctx, items[1].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, it.Attempts)
	assert.Equal(t, models.StatusError, it.Status)

	pending, err := db.PendingItems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, items[2].ID, pending[0].ID)
}

func claimItem(t *testing.T, db *DB, id int64, attempts int) {
	t.Helper()
	claimed, err := db.ClaimItem(context.Background(), id, attempts)
	require.NoError(t, err)
	require.True(t, claimed)
}

func TestPendingItemsWithoutLimit(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	urls := make([]string, 1005)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://x/%d.parquet", i)
	}
	_, items := createBatch(t, db, urls...)
	require.Len(t, items, 1005)

	all, err := db.PendingItems(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1005)

	some, err := db.PendingItems(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, some, 7)
}

func TestClaimItemFromSameSnapshot(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, items := createBatch(t, db, "https://x/a.parquet")
	id := items[0].ID

	snapshot, err := db.GetItem(ctx, id)
	require.NoError(t, err)

	var (
		wg  sync.WaitGroup
		won atomic.Int32
	)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := db.ClaimItem(ctx, id, snapshot.Attempts)
			assert.NoError(t, err)
			if claimed {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())

	it, err := db.GetItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, it.Attempts)
	assert.Equal(t, models.StatusProcessing, it.Status)

	// A stalled processing item can be taken over with a fresh snapshot.
	claimItem(t, db, id, it.Attempts)

	require.NoError(t, db.FinishItem(ctx, id, 1, nil))
	claimed, err := db.ClaimItem(ctx, id, 2)
	require.NoError(t, err)
	assert.False(t, claimed, "done items are never claimed")
}

func TestLockAndUpdateBatch(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	batch, _ := createBatch(t, db, "https://x/a.parquet")

	msg := "1 of 1 items failed"
	require.NoError(t, db.WithTx(ctx, func(tx *sql.Tx) error {
		b, err := db.LockBatch(ctx, tx, batch.ID)
		if err != nil {
			return err
		}
		return db.UpdateBatchProgress(ctx, tx, b.ID, 1, models.StatusError, &msg)
	}))

	got, err := db.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Done)
	assert.Equal(t, models.StatusError, got.Status)
	require.NotNil(t, got.ErrorMessage)

	_, err = db.GetBatch(ctx, 12345)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestResetItem(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, items := createBatch(t, db, "https://x/a.parquet")

	_, err := db.ResetItem(ctx, items[0].ID)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	msg := "timeout: fetch timed out"
	require.NoError(t, db.FinishItem(ctx, items[0].ID, 0, &msg))
	it, err := db.ResetItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, it.Status)

	_, err = db.ResetItem(ctx, 4242)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestBatchDeleteCascades(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	batch, _ := createBatch(t, db, "https://x/a.parquet", "https://x/b.parquet")

	_, err := db.SQL().ExecContext(ctx, "DELETE FROM ingest_batches WHERE id = ?", batch.ID)
	require.NoError(t, err)

	n, err := db.Count(ctx, TableItems)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInsertTrips(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	pickup := time.Date(2024, 1, 1, 0, 57, 55, 0, time.UTC)
	recs := []models.TripRecord{
		{VendorID: 2, PickupAt: &pickup, TripDistance: 1.72, PULocationID: 186, DOLocationID: 79, PaymentType: 2,
			FareAmount: decimal.RequireFromString("17.70"), TotalAmount: decimal.RequireFromString("22.70")},
		{VendorID: 1, TripDistance: 0, PULocationID: 1, DOLocationID: 1, PaymentType: 1},
	}
	n, err := db.InsertTrips(ctx, db.SQL(), recs)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	var got time.Time
	require.NoError(t, db.SQL().QueryRowContext(ctx,
		"SELECT tpep_pickup_datetime FROM trips WHERE vendor_id = 2").Scan(&got))
	assert.True(t, pickup.Equal(got))

	var nulls int
	require.NoError(t, db.SQL().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM trips WHERE tpep_pickup_datetime IS NULL").Scan(&nulls))
	assert.Equal(t, 1, nulls)

	assert.Equal(t, 32766/16, db.TripChunkLimit())
}

func TestInsertRowsValidatesShape(t *testing.T) {
	db := openTestDB(t)
	_, err := db.InsertRows(context.Background(), db.SQL(), TableLocations, locationColumns, [][]any{{1, "x"}})
	assert.Error(t, err)

	n, err := db.InsertRows(context.Background(), db.SQL(), TableLocations, locationColumns, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReplaceLocationsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	sz := "Boro Zone"
	locs := make([]models.LocationZone, 0, 25)
	for i := 1; i <= 25; i++ {
		locs = append(locs, models.LocationZone{LocationID: int32(i), Borough: "Queens", Zone: "Z", ServiceZone: &sz})
	}

	n, err := db.ReplaceLocations(ctx, locs, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(25), n)

	n, err = db.ReplaceLocations(ctx, locs, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(25), n)

	got, err := db.ListLocations(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 25)
	assert.Equal(t, int32(1), got[0].LocationID)
}

func TestReplaceLocationsRollsBack(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.ReplaceLocations(ctx, []models.LocationZone{{LocationID: 1, Borough: "EWR", Zone: "Newark"}}, 10)
	require.NoError(t, err)

	// duplicate primary key fails the second statement
	dup := []models.LocationZone{{LocationID: 5, Borough: "B"}, {LocationID: 5, Borough: "B"}}
	_, err = db.ReplaceLocations(ctx, dup, 1)
	require.Error(t, err)

	got, err := db.ListLocations(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Newark", got[0].Zone)
}

func TestTimings(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.InsertTimings(ctx, []Timing{
		{Label: "load", View: "trip_data", ElapsedMS: 12.5, Rows: 95, Optimized: true},
		{Label: "load", View: "zone_lookup", ElapsedMS: 3, Rows: 10},
	}))

	got, err := db.RecentTimings(ctx, "load", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "zone_lookup", got[0].View)
	assert.True(t, got[1].Optimized)
	assert.Equal(t, int64(95), got[1].Rows)
}

func TestConcurrentItemUpdates(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, items := createBatch(t, db, "https://x/1.parquet", "https://x/2.parquet", "https://x/3.parquet", "https://x/4.parquet")

	var wg sync.WaitGroup
	for _, it := range items {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			claimed, err := db.ClaimItem(ctx, id, 0)
			assert.NoError(t, err)
			assert.True(t, claimed)
			assert.NoError(t, db.FinishItem(ctx, id, 1, nil))
		}(it.ID)
	}
	wg.Wait()

	c, err := db.CountItems(ctx, db.SQL(), items[0].BatchID)
	require.NoError(t, err)
	assert.Equal(t, 4, c.Terminal)
	assert.Zero(t, c.Errored)
}
