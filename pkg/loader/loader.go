// Package loader moves normalized rows into the relational store.
//
// BulkLoader streams trip-data batches from a columnar source through the
// normalizer into a TripSink: the COPY protocol on postgres, or chunked
// multi-row INSERTs elsewhere. LookupLoader replaces the location lookup
// table from a delimited text file.
package loader

import (
	"context"
	"iter"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tripflow/pkg/columnar"
	"github.com/ajitpratap0/tripflow/pkg/config"
	"github.com/ajitpratap0/tripflow/pkg/errors"
	"github.com/ajitpratap0/tripflow/pkg/metrics"
	"github.com/ajitpratap0/tripflow/pkg/models"
	"github.com/ajitpratap0/tripflow/pkg/normalize"
	"github.com/ajitpratap0/tripflow/pkg/pool"
	"github.com/ajitpratap0/tripflow/pkg/store"
)

// Batch is a bounded window of source rows. *columnar.RowBatch satisfies it.
type Batch interface {
	Len() int
	Row(i int) normalize.Row
}

// BatchSource yields batches once, in order.
type BatchSource = iter.Seq2[Batch, error]

// Result summarizes one load. RowsLoaded is exactly what was committed, also
// when Load returns an error.
type Result struct {
	RowsRead    int64 `json:"rows_read"`
	RowsLoaded  int64 `json:"rows_loaded"`
	RowsSkipped int64 `json:"rows_skipped"`
	Batches     int   `json:"batches"`
}

// BulkLoader loads trip-data sources.
type BulkLoader struct {
	sink      TripSink
	readBatch int
	mmap      bool
	timings   metrics.Sink
	logger    *zap.Logger
}

// NewBulkLoader creates a loader whose write path is resolved once from db.
func NewBulkLoader(db *store.DB, cfg config.IngestConfig, timings metrics.Sink, logger *zap.Logger) *BulkLoader {
	if timings == nil {
		timings = metrics.Nop{}
	}
	l := NewBulkLoaderWithSink(NewTripSink(db, cfg, timings, logger), cfg.ReadBatchSize, timings, logger)
	l.mmap = cfg.MemoryMap
	return l
}

// NewBulkLoaderWithSink creates a loader writing to sink.
func NewBulkLoaderWithSink(sink TripSink, readBatch int, timings metrics.Sink, logger *zap.Logger) *BulkLoader {
	if readBatch <= 0 {
		readBatch = columnar.DefaultBatchSize
	}
	if timings == nil {
		timings = metrics.Nop{}
	}
	return &BulkLoader{
		sink:      sink,
		readBatch: readBatch,
		timings:   timings,
		logger:    logger.With(zap.String("component", "bulk_loader"), zap.String("strategy", sink.Strategy())),
	}
}

// Strategy returns the write path in use.
func (l *BulkLoader) Strategy() string { return l.sink.Strategy() }

// LoadFile loads a columnar trip-data file.
func (l *BulkLoader) LoadFile(ctx context.Context, path string) (Result, error) {
	r, err := columnar.Open(ctx, path, columnar.WithBatchSize(l.readBatch), columnar.WithMemoryMap(l.mmap))
	if err != nil {
		return Result{}, err
	}
	defer r.Close()

	if missing := r.Missing(); len(missing) > 0 {
		l.logger.Warn("Source is missing columns, reading them as null",
			zap.String("path", path), zap.Strings("columns", missing))
	}

	return l.Load(ctx, func(yield func(Batch, error) bool) {
		for b, err := range r.Batches(ctx) {
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(b, nil) {
				b.Release()
				return
			}
		}
	})
}

// LoadRows loads an in-memory table.
func (l *BulkLoader) LoadRows(ctx context.Context, rows []normalize.RawRow) (Result, error) {
	return l.Load(ctx, func(yield func(Batch, error) bool) {
		yield(rawBatch(rows), nil)
	})
}

// Load normalizes every row of src and writes the accepted ones. Rejected
// rows are counted, never returned as errors. A read or write failure stops
// the load; rows committed before it stay committed.
func (l *BulkLoader) Load(ctx context.Context, src BatchSource) (Result, error) {
	var res Result
	timer := metrics.NewTimer("load")
	strategy := l.sink.Strategy()
	flushSize := l.sink.FlushSize()
	throughput := metrics.NewThroughputTracker(strategy)

	pending := pool.GetTripSlice(flushSize)
	defer func() { pool.PutTripSlice(pending) }()

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		n, err := l.sink.WriteBatch(ctx, pending)
		res.RowsLoaded += n
		res.Batches++
		throughput.Increment(n)
		metrics.RowsLoaded.WithLabelValues(string(models.KindTripData), strategy).Add(float64(n))
		pending = pending[:0]
		return err
	}

	for b, err := range src {
		if err != nil {
			return res, err
		}
		if err := ctx.Err(); err != nil {
			release(b)
			return res, errors.Wrap(err, errors.ErrorTypeInternal, "load cancelled")
		}

		var skipped [4]int64
		for i := 0; i < b.Len(); i++ {
			rec, rej := normalize.Trip(b.Row(i))
			if !rej.OK() {
				skipped[rejectionIndex(rej)]++
				continue
			}
			pending = append(pending, rec)
			if len(pending) >= flushSize {
				if err := flush(); err != nil {
					res.RowsRead += int64(i + 1)
					res.RowsSkipped += sum(skipped[:])
					release(b)
					return res, err
				}
			}
		}

		res.RowsRead += int64(b.Len())
		res.RowsSkipped += sum(skipped[:])
		metrics.RowsRead.WithLabelValues(string(models.KindTripData)).Add(float64(b.Len()))
		for i, n := range skipped {
			if n > 0 {
				metrics.RowsSkipped.WithLabelValues(string(rejections[i])).Add(float64(n))
			}
		}
		release(b)
	}

	if err := flush(); err != nil {
		return res, err
	}

	elapsed := timer.Stop()
	l.timings.Report(timer.Event("trip_load", strategy, res.RowsLoaded, strategy == StrategyCopy))
	l.logger.Info("Load complete",
		zap.Int64("rows_read", res.RowsRead),
		zap.Int64("rows_loaded", res.RowsLoaded),
		zap.Int64("rows_skipped", res.RowsSkipped),
		zap.Int("batches", res.Batches),
		zap.Float64("rows_per_sec", throughput.GetAndReset()),
		zap.Duration("elapsed", elapsed))
	return res, nil
}

var rejections = [4]normalize.Rejection{
	normalize.RejectedDistance,
	normalize.RejectedFare,
	normalize.RejectedTotal,
	normalize.RejectedID,
}

func rejectionIndex(r normalize.Rejection) int {
	for i, x := range rejections {
		if x == r {
			return i
		}
	}
	return len(rejections) - 1
}

func sum(xs []int64) int64 {
	var n int64
	for _, x := range xs {
		n += x
	}
	return n
}

func release(b Batch) {
	if r, ok := b.(interface{ Release() }); ok {
		r.Release()
	}
}

type rawBatch []normalize.RawRow

func (b rawBatch) Len() int { return len(b) }

func (b rawBatch) Row(i int) normalize.Row { return b[i] }
