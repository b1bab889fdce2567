package columnar

import (
	"context"
	"fmt"
	"io"
	"iter"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/ajitpratap0/tripflow/pkg/errors"
	"github.com/ajitpratap0/tripflow/pkg/models"
	"github.com/ajitpratap0/tripflow/pkg/normalize"
)

const (
	// DefaultBatchSize balances memory against per-batch overhead
	DefaultBatchSize = 100_000
	// MaxBatchSize bounds a single batch
	MaxBatchSize = 1_000_000
)

// Option configures a Reader.
type Option func(*options)

type options struct {
	batchSize int
	columns   []string
	mem       memory.Allocator
	mmap      bool
}

// WithBatchSize sets the maximum rows per batch. Values outside
// 1..MaxBatchSize are clamped.
func WithBatchSize(n int) Option {
	return func(o *options) {
		switch {
		case n < 1:
			n = 1
		case n > MaxBatchSize:
			n = MaxBatchSize
		}
		o.batchSize = n
	}
}

// WithColumns declares the columns of interest.
func WithColumns(cols ...string) Option {
	return func(o *options) {
		o.columns = append([]string(nil), cols...)
	}
}

// WithAllocator sets the arrow allocator.
func WithAllocator(mem memory.Allocator) Option {
	return func(o *options) {
		o.mem = mem
	}
}

// WithMemoryMap maps the file into memory instead of reading it through
// buffered file I/O.
func WithMemoryMap(on bool) Option {
	return func(o *options) {
		o.mmap = on
	}
}

// Reader streams row batches out of a Parquet file.
type Reader struct {
	path    string
	opts    options
	pf      *file.Reader
	rr      pqarrow.RecordReader
	present []string
	missing []string

	// remaining counts rows still to emit when no declared column exists
	remaining int64
	done      bool
}

// Open opens path and prepares a projected record reader. Corrupt or non
// Parquet input fails with a data error.
func Open(ctx context.Context, path string, opts ...Option) (*Reader, error) {
	o := options{
		batchSize: DefaultBatchSize,
		columns:   models.SourceTripColumns,
		mem:       memory.DefaultAllocator,
	}
	for _, opt := range opts {
		opt(&o)
	}

	pf, err := file.OpenParquetFile(path, o.mmap)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to open parquet file").
			WithDetail("path", path)
	}

	r := &Reader{path: path, opts: o, pf: pf}

	schema := pf.MetaData().Schema
	indices := make([]int, 0, len(o.columns))
	for _, name := range o.columns {
		idx := schema.ColumnIndexByName(name)
		if idx < 0 {
			r.missing = append(r.missing, name)
			continue
		}
		indices = append(indices, idx)
		r.present = append(r.present, name)
	}

	if len(indices) == 0 {
		r.remaining = pf.NumRows()
		return r, nil
	}

	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: int64(o.batchSize)}, o.mem)
	if err != nil {
		_ = pf.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to create arrow reader").
			WithDetail("path", path)
	}

	rr, err := fr.GetRecordReader(ctx, indices, nil)
	if err != nil {
		_ = pf.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to create record reader").
			WithDetail("path", path)
	}
	r.rr = rr

	return r, nil
}

// NumRows returns the row count recorded in the file footer.
func (r *Reader) NumRows() int64 { return r.pf.NumRows() }

// Missing returns the declared columns absent from the file.
func (r *Reader) Missing() []string { return r.missing }

// Next returns the next batch or io.EOF once the file is exhausted. The
// caller must Release every returned batch.
func (r *Reader) Next(ctx context.Context) (*RowBatch, error) {
	if r.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if r.rr == nil {
		if r.remaining <= 0 {
			r.done = true
			return nil, io.EOF
		}
		n := min(r.remaining, int64(r.opts.batchSize))
		r.remaining -= n
		return &RowBatch{rows: int(n)}, nil
	}

	if !r.rr.Next() {
		r.done = true
		if err := r.rr.Err(); err != nil && !errors.Is(err, io.EOF) {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to read parquet batch").
				WithDetail("path", r.path)
		}
		return nil, io.EOF
	}

	rec := r.rr.Record()
	rec.Retain()
	return newRowBatch(rec), nil
}

// Batches adapts Next to a range-over-func sequence. Iteration stops after
// the first error. Yielded batches are owned by the caller.
func (r *Reader) Batches(ctx context.Context) iter.Seq2[*RowBatch, error] {
	return func(yield func(*RowBatch, error) bool) {
		for {
			batch, err := r.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(batch, nil) {
				return
			}
		}
	}
}

// Close releases the record reader and the file.
func (r *Reader) Close() error {
	if r.rr != nil {
		r.rr.Release()
		r.rr = nil
	}
	if r.pf == nil {
		return nil
	}
	err := r.pf.Close()
	r.pf = nil
	if err != nil {
		return fmt.Errorf("close parquet file: %w", err)
	}
	return nil
}

// RowBatch is one bounded slice of rows. Rows are only valid until Release.
type RowBatch struct {
	rec  arrow.Record
	rows int
	cols map[string]arrow.Array
}

func newRowBatch(rec arrow.Record) *RowBatch {
	b := &RowBatch{
		rec:  rec,
		rows: int(rec.NumRows()),
		cols: make(map[string]arrow.Array, rec.NumCols()),
	}
	for i, f := range rec.Schema().Fields() {
		b.cols[f.Name] = rec.Column(i)
	}
	return b
}

// Len returns the number of rows in the batch.
func (b *RowBatch) Len() int { return b.rows }

// Row returns a view of row i.
func (b *RowBatch) Row(i int) normalize.Row {
	return Row{batch: b, idx: i}
}

// Release frees the arrow buffers backing the batch.
func (b *RowBatch) Release() {
	if b.rec != nil {
		b.rec.Release()
		b.rec = nil
	}
}

// Row is a view over one row of a RowBatch.
type Row struct {
	batch *RowBatch
	idx   int
}

// Value returns the Go value of column at this row, or nil when the column
// is absent or null.
func (r Row) Value(column string) any {
	arr, ok := r.batch.cols[column]
	if !ok {
		return nil
	}
	return extractValue(arr, r.idx)
}
