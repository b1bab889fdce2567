package columnar

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/decimal128"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tripflow/pkg/errors"
	"github.com/ajitpratap0/tripflow/pkg/testutil"
)

func TestReaderBatchesAreBounded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trips.parquet")
	testutil.WriteTripParquet(t, path, testutil.SyntheticTrips(7), 0)

	r, err := Open(context.Background(), path, WithBatchSize(3))
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, int64(7), r.NumRows())
	assert.Empty(t, r.Missing())

	var sizes []int
	for batch, err := range r.Batches(context.Background()) {
		require.NoError(t, err)
		sizes = append(sizes, batch.Len())
		batch.Release()
	}
	assert.Equal(t, []int{3, 3, 1}, sizes)

	// single pass
	_, err = r.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderMemoryMapped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trips.parquet")
	testutil.WriteTripParquet(t, path, testutil.SyntheticTrips(10), 4)

	r, err := Open(context.Background(), path, WithBatchSize(4), WithMemoryMap(true))
	require.NoError(t, err)
	defer r.Close()

	total := 0
	for batch, err := range r.Batches(context.Background()) {
		require.NoError(t, err)
		total += batch.Len()
		batch.Release()
	}
	assert.Equal(t, 10, total)
}

func TestReaderValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trips.parquet")
	trips := testutil.SyntheticTrips(2)
	trips[1].Passengers = nil
	testutil.WriteTripParquet(t, path, trips, 0)

	r, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer r.Close()

	batch, err := r.Next(context.Background())
	require.NoError(t, err)
	defer batch.Release()
	require.Equal(t, 2, batch.Len())

	row := batch.Row(0)
	assert.Equal(t, int32(1), row.Value("VendorID"))
	pickup, ok := row.Value("tpep_pickup_datetime").(time.Time)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), pickup)
	assert.Equal(t, time.UTC, pickup.Location())
	assert.Equal(t, "N", row.Value("store_and_fwd_flag"))
	assert.Equal(t, 10.0, row.Value("fare_amount"))
	// undeclared columns are not projected
	assert.Nil(t, row.Value("congestion_surcharge"))

	assert.Nil(t, batch.Row(1).Value("passenger_count"))
}

func TestReaderMissingDeclaredColumn(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "trip_distance", Type: arrow.PrimitiveTypes.Float64},
		{Name: "fare_amount", Type: &arrow.Decimal128Type{Precision: 10, Scale: 2}},
	}, nil)

	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	b.Field(0).(*array.Float64Builder).AppendValues([]float64{1.1, 2.2}, nil)
	b.Field(1).(*array.Decimal128Builder).AppendValues([]decimal128.Num{
		decimal128.FromI64(1250), decimal128.FromI64(-300),
	}, nil)
	rec := b.NewRecord()
	defer rec.Release()

	path := filepath.Join(t.TempDir(), "partial.parquet")
	testutil.WriteRecordParquet(t, path, rec, 0)

	r, err := Open(context.Background(), path, WithColumns("trip_distance", "fare_amount", "tip_amount"))
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, []string{"tip_amount"}, r.Missing())

	batch, err := r.Next(context.Background())
	require.NoError(t, err)
	defer batch.Release()

	assert.Nil(t, batch.Row(0).Value("tip_amount"))
	fare, ok := batch.Row(0).Value("fare_amount").(decimal.Decimal)
	require.True(t, ok)
	assert.Equal(t, "12.50", fare.StringFixed(2))
	fare = batch.Row(1).Value("fare_amount").(decimal.Decimal)
	assert.Equal(t, "-3.00", fare.StringFixed(2))
}

func TestReaderNoDeclaredColumnPresent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trips.parquet")
	testutil.WriteTripParquet(t, path, testutil.SyntheticTrips(5), 0)

	r, err := Open(context.Background(), path, WithColumns("nope"), WithBatchSize(2))
	require.NoError(t, err)
	defer r.Close()

	total := 0
	for batch, err := range r.Batches(context.Background()) {
		require.NoError(t, err)
		assert.Nil(t, batch.Row(0).Value("nope"))
		total += batch.Len()
		batch.Release()
	}
	assert.Equal(t, 5, total)
}

func TestOpenCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.parquet")
	require.NoError(t, os.WriteFile(path, []byte("definitely not parquet"), 0o600))

	_, err := Open(context.Background(), path)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
	assert.False(t, errors.IsRetryable(err))
}

func TestBatchesStopEarly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trips.parquet")
	testutil.WriteTripParquet(t, path, testutil.SyntheticTrips(10), 0)

	r, err := Open(context.Background(), path, WithBatchSize(4))
	require.NoError(t, err)
	defer r.Close()

	seen := 0
	for batch, err := range r.Batches(context.Background()) {
		require.NoError(t, err)
		seen++
		batch.Release()
		break
	}
	assert.Equal(t, 1, seen)
}

func TestWithBatchSizeClamps(t *testing.T) {
	var o options
	WithBatchSize(0)(&o)
	assert.Equal(t, 1, o.batchSize)
	WithBatchSize(5_000_000)(&o)
	assert.Equal(t, MaxBatchSize, o.batchSize)
}
