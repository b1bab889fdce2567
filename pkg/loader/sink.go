package loader

import (
	"context"
	"database/sql"
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tripflow/pkg/config"
	"github.com/ajitpratap0/tripflow/pkg/errors"
	"github.com/ajitpratap0/tripflow/pkg/metrics"
	"github.com/ajitpratap0/tripflow/pkg/models"
	"github.com/ajitpratap0/tripflow/pkg/pool"
	"github.com/ajitpratap0/tripflow/pkg/store"
)

// Write strategies.
const (
	StrategyCopy   = "copy"
	StrategyInsert = "insert"
)

// TripSink commits accepted trip records to the store.
type TripSink interface {
	// Strategy names the write path for logs and metrics.
	Strategy() string
	// FlushSize is the number of records the loader accumulates per WriteBatch.
	FlushSize() int
	// WriteBatch commits recs and returns the number of rows committed, which
	// is accurate even when an error is returned.
	WriteBatch(ctx context.Context, recs []models.TripRecord) (int64, error)
}

// NewTripSink picks the write path once from the store capability.
func NewTripSink(db *store.DB, cfg config.IngestConfig, timings metrics.Sink, logger *zap.Logger) TripSink {
	if db.SupportsCopy() {
		return NewCopySink(db.Pool(), cfg.CopyBatchSize, timings, logger)
	}
	return NewInsertSink(db, cfg.InsertChunkSize, timings, logger)
}

var copySQL = "COPY " + store.TableTrips + " (" + strings.Join(models.TripColumns, ", ") +
	") FROM STDIN WITH (FORMAT csv, NULL '')"

// CopySink streams each batch through COPY FROM STDIN inside its own
// transaction.
type CopySink struct {
	pgx       *pgxpool.Pool
	batchSize int
	timings   metrics.Sink
	logger    *zap.Logger
}

// NewCopySink creates a COPY sink on a pgx pool.
func NewCopySink(p *pgxpool.Pool, batchSize int, timings metrics.Sink, logger *zap.Logger) *CopySink {
	if batchSize <= 0 {
		batchSize = 100_000
	}
	return &CopySink{
		pgx:       p,
		batchSize: batchSize,
		timings:   timings,
		logger:    logger.With(zap.String("component", "copy_sink")),
	}
}

// Strategy implements TripSink.
func (s *CopySink) Strategy() string { return StrategyCopy }

// FlushSize implements TripSink.
func (s *CopySink) FlushSize() int { return s.batchSize }

// WriteBatch implements TripSink.
func (s *CopySink) WriteBatch(ctx context.Context, recs []models.TripRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	timer := metrics.NewTimer("copy_batch")

	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	if err := EncodeTripsCSV(buf, recs); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode copy batch")
	}

	tx, err := s.pgx.Begin(ctx)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStore, "failed to begin copy transaction")
	}
	// no-op after a successful commit
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Conn().PgConn().CopyFrom(ctx, buf, copySQL)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStore, "copy failed").WithDetail("rows", len(recs))
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStore, "failed to commit copy batch")
	}

	n := tag.RowsAffected()
	s.timings.Report(timer.Event("trip_batch", StrategyCopy, n, true))
	s.logger.Debug("Copied batch", zap.Int64("rows", n), zap.Duration("elapsed", timer.Stop()))
	return n, nil
}

// InsertSink writes multi-row INSERT statements through database/sql, one
// transaction per chunk.
type InsertSink struct {
	db        *store.DB
	chunkSize int
	timings   metrics.Sink
	logger    *zap.Logger
}

// NewInsertSink creates an INSERT sink. chunkSize is capped by the dialect's
// bind parameter limit.
func NewInsertSink(db *store.DB, chunkSize int, timings metrics.Sink, logger *zap.Logger) *InsertSink {
	if chunkSize <= 0 {
		chunkSize = 10_000
	}
	if limit := db.TripChunkLimit(); chunkSize > limit {
		chunkSize = limit
	}
	return &InsertSink{
		db:        db,
		chunkSize: chunkSize,
		timings:   timings,
		logger:    logger.With(zap.String("component", "insert_sink")),
	}
}

// Strategy implements TripSink.
func (s *InsertSink) Strategy() string { return StrategyInsert }

// FlushSize implements TripSink.
func (s *InsertSink) FlushSize() int { return s.chunkSize }

// WriteBatch implements TripSink.
func (s *InsertSink) WriteBatch(ctx context.Context, recs []models.TripRecord) (int64, error) {
	var committed int64
	for start := 0; start < len(recs); start += s.chunkSize {
		chunk := recs[start:min(start+s.chunkSize, len(recs))]
		timer := metrics.NewTimer("insert_chunk")

		var n int64
		err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
			var err error
			n, err = s.db.InsertTrips(ctx, tx, chunk)
			return err
		})
		if err != nil {
			return committed, err
		}
		committed += n
		s.timings.Report(timer.Event("trip_batch", StrategyInsert, n, false))
	}
	return committed, nil
}

// EncodeTripsCSV writes recs as CSV rows in models.TripColumns order. Absent
// values are empty unquoted fields, which COPY reads as NULL.
func EncodeTripsCSV(w io.Writer, recs []models.TripRecord) error {
	cw := csv.NewWriter(w)
	fields := make([]string, len(models.TripColumns))
	for i := range recs {
		tripFields(&recs[i], fields)
		if err := cw.Write(fields); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func tripFields(r *models.TripRecord, f []string) {
	f[0] = strconv.FormatInt(int64(r.VendorID), 10)
	f[1] = formatTime(r.PickupAt)
	f[2] = formatTime(r.DropoffAt)
	f[3] = formatInt16(r.PassengerCount)
	f[4] = strconv.FormatFloat(r.TripDistance, 'f', -1, 64)
	f[5] = formatInt16(r.RatecodeID)
	f[6] = ""
	if r.StoreAndFwdFlag != nil {
		f[6] = *r.StoreAndFwdFlag
	}
	f[7] = strconv.FormatInt(int64(r.PULocationID), 10)
	f[8] = strconv.FormatInt(int64(r.DOLocationID), 10)
	f[9] = strconv.FormatInt(int64(r.PaymentType), 10)
	f[10] = r.FareAmount.StringFixed(2)
	f[11] = r.Extra.StringFixed(2)
	f[12] = r.MTATax.StringFixed(2)
	f[13] = r.TipAmount.StringFixed(2)
	f[14] = r.TollsAmount.StringFixed(2)
	f[15] = r.TotalAmount.StringFixed(2)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatInt16(v *int16) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(int64(*v), 10)
}
