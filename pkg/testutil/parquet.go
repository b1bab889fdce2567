package testutil

import (
	"os"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/stretchr/testify/require"
)

// TripFixture is one synthetic trip row. A nil Passengers writes a null.
type TripFixture struct {
	VendorID   int32
	Pickup     time.Time
	Dropoff    time.Time
	Passengers *int64
	Distance   float64
	RatecodeID int64
	Flag       string
	PU, DO     int32
	Payment    int64
	Fare       float64
	Extra      float64
	MTATax     float64
	Tip        float64
	Tolls      float64
	Total      float64
}

// TripSchema mirrors the published yellow taxi layout: naive microsecond
// timestamps plus one column the loader does not read.
var TripSchema = arrow.NewSchema([]arrow.Field{
	{Name: "VendorID", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "tpep_pickup_datetime", Type: &arrow.TimestampType{Unit: arrow.Microsecond}, Nullable: true},
	{Name: "tpep_dropoff_datetime", Type: &arrow.TimestampType{Unit: arrow.Microsecond}, Nullable: true},
	{Name: "passenger_count", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	{Name: "trip_distance", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "RatecodeID", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	{Name: "store_and_fwd_flag", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "PULocationID", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "DOLocationID", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "payment_type", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	{Name: "fare_amount", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "extra", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "mta_tax", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "tip_amount", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "tolls_amount", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "total_amount", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "congestion_surcharge", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
}, nil)

// SyntheticTrips returns n valid trips; rows whose index is in negativeFare
// get a negative fare.
func SyntheticTrips(n int, negativeFare ...int) []TripFixture {
	bad := make(map[int]bool, len(negativeFare))
	for _, i := range negativeFare {
		bad[i] = true
	}

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	one := int64(1)
	trips := make([]TripFixture, n)
	for i := range trips {
		fare := 10.0 + float64(i%7)
		if bad[i] {
			fare = -fare
		}
		trips[i] = TripFixture{
			VendorID:   int32(1 + i%2),
			Pickup:     base.Add(time.Duration(i) * time.Minute),
			Dropoff:    base.Add(time.Duration(i)*time.Minute + 12*time.Minute),
			Passengers: &one,
			Distance:   1.5 + float64(i%5),
			RatecodeID: 1,
			Flag:       "N",
			PU:         int32(1 + i%263),
			DO:         int32(1 + (i*7)%263),
			Payment:    1,
			Fare:       fare,
			Extra:      1,
			MTATax:     0.5,
			Tip:        2,
			Tolls:      0,
			Total:      fare + 3.5,
		}
	}
	return trips
}

// WriteTripParquet writes trips to path using TripSchema. rowGroup bounds
// the rows per row group; zero keeps everything in one group.
func WriteTripParquet(t *testing.T, path string, trips []TripFixture, rowGroup int) {
	t.Helper()

	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, TripSchema)
	defer b.Release()

	for _, tr := range trips {
		b.Field(0).(*array.Int32Builder).Append(tr.VendorID)
		b.Field(1).(*array.TimestampBuilder).Append(arrow.Timestamp(tr.Pickup.UnixMicro()))
		b.Field(2).(*array.TimestampBuilder).Append(arrow.Timestamp(tr.Dropoff.UnixMicro()))
		if tr.Passengers == nil {
			b.Field(3).(*array.Int64Builder).AppendNull()
		} else {
			b.Field(3).(*array.Int64Builder).Append(*tr.Passengers)
		}
		b.Field(4).(*array.Float64Builder).Append(tr.Distance)
		b.Field(5).(*array.Int64Builder).Append(tr.RatecodeID)
		b.Field(6).(*array.StringBuilder).Append(tr.Flag)
		b.Field(7).(*array.Int32Builder).Append(tr.PU)
		b.Field(8).(*array.Int32Builder).Append(tr.DO)
		b.Field(9).(*array.Int64Builder).Append(tr.Payment)
		b.Field(10).(*array.Float64Builder).Append(tr.Fare)
		b.Field(11).(*array.Float64Builder).Append(tr.Extra)
		b.Field(12).(*array.Float64Builder).Append(tr.MTATax)
		b.Field(13).(*array.Float64Builder).Append(tr.Tip)
		b.Field(14).(*array.Float64Builder).Append(tr.Tolls)
		b.Field(15).(*array.Float64Builder).Append(tr.Total)
		b.Field(16).(*array.Float64Builder).Append(2.5)
	}

	rec := b.NewRecord()
	defer rec.Release()

	WriteRecordParquet(t, path, rec, rowGroup)
}

// WriteRecordParquet writes a single record to path as Parquet.
func WriteRecordParquet(t *testing.T, path string, rec arrow.Record, rowGroup int) {
	t.Helper()

	f, err := os.Create(path) //nolint:gosec // test fixture path
	require.NoError(t, err)

	opts := []parquet.WriterProperty{parquet.WithCompression(compress.Codecs.Snappy)}
	if rowGroup > 0 {
		opts = append(opts, parquet.WithMaxRowGroupLength(int64(rowGroup)))
	}

	w, err := pqarrow.NewFileWriter(rec.Schema(), f, parquet.NewWriterProperties(opts...),
		pqarrow.NewArrowWriterProperties(pqarrow.WithAllocator(memory.NewGoAllocator())))
	require.NoError(t, err)
	require.NoError(t, w.Write(rec))
	// Close also closes f.
	require.NoError(t, w.Close())
}
