package loader

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tripflow/pkg/compression"
	"github.com/ajitpratap0/tripflow/pkg/errors"
	"github.com/ajitpratap0/tripflow/pkg/metrics"
	"github.com/ajitpratap0/tripflow/pkg/models"
	"github.com/ajitpratap0/tripflow/pkg/normalize"
	"github.com/ajitpratap0/tripflow/pkg/store"
)

// StrategyReplace labels whole-table lookup replacement in metrics.
const StrategyReplace = "replace"

// lookupColumns maps lower-cased header names to the normalizer's names.
var lookupColumns = map[string]string{
	"locationid":   "LocationID",
	"borough":      "Borough",
	"zone":         "Zone",
	"service_zone": "service_zone",
}

// LookupLoader replaces the location lookup table from a delimited file.
type LookupLoader struct {
	db        *store.DB
	chunkSize int
	timings   metrics.Sink
	logger    *zap.Logger
}

// NewLookupLoader creates a lookup loader inserting chunkSize rows per statement.
func NewLookupLoader(db *store.DB, chunkSize int, timings metrics.Sink, logger *zap.Logger) *LookupLoader {
	if chunkSize <= 0 {
		chunkSize = 2000
	}
	if timings == nil {
		timings = metrics.Nop{}
	}
	return &LookupLoader{
		db:        db,
		chunkSize: chunkSize,
		timings:   timings,
		logger:    logger.With(zap.String("component", "lookup_loader")),
	}
}

// LoadFile loads the file at path, decompressing by suffix.
func (l *LookupLoader) LoadFile(ctx context.Context, path string) (Result, error) {
	rc, err := compression.Open(path)
	if err != nil {
		return Result{}, errors.Wrap(err, errors.ErrorTypeData, "failed to open lookup file").WithDetail("path", path)
	}
	defer rc.Close()
	return l.Load(ctx, rc)
}

// Load parses r and replaces the lookup table with its valid rows. When no
// row is valid the table is left untouched.
func (l *LookupLoader) Load(ctx context.Context, r io.Reader) (Result, error) {
	timer := metrics.NewTimer("lookup")

	locs, res, err := ParseLocations(r)
	metrics.RowsRead.WithLabelValues(string(models.KindZoneLookup)).Add(float64(res.RowsRead))
	if res.RowsSkipped > 0 {
		metrics.RowsSkipped.WithLabelValues(string(normalize.RejectedID)).Add(float64(res.RowsSkipped))
	}
	if err != nil {
		return res, err
	}

	if len(locs) == 0 {
		l.logger.Warn("Lookup file has no valid rows, keeping current table",
			zap.Int64("rows_read", res.RowsRead))
		return res, nil
	}

	n, err := l.db.ReplaceLocations(ctx, locs, l.chunkSize)
	if err != nil {
		return res, err
	}
	res.RowsLoaded = n
	res.Batches = 1
	metrics.RowsLoaded.WithLabelValues(string(models.KindZoneLookup), StrategyReplace).Add(float64(n))
	l.timings.Report(timer.Event("lookup_load", StrategyReplace, n, false))

	l.logger.Info("Lookup table replaced",
		zap.Int64("rows_read", res.RowsRead),
		zap.Int64("rows_loaded", res.RowsLoaded),
		zap.Int64("rows_skipped", res.RowsSkipped),
		zap.Duration("elapsed", timer.Stop()))
	return res, nil
}

// ParseLocations reads a header line and then one location per line. Header
// names are matched case-insensitively. Rows without a valid id, and repeats
// of an id already seen, are skipped.
func ParseLocations(r io.Reader) ([]models.LocationZone, Result, error) {
	var res Result

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, res, nil
	}
	if err != nil {
		return nil, res, errors.Wrap(err, errors.ErrorTypeData, "failed to read lookup header")
	}

	index := make(map[string]int, len(lookupColumns))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if name, ok := lookupColumns[h]; ok {
			index[name] = i
		}
	}
	if _, ok := index["LocationID"]; !ok {
		return nil, res, errors.New(errors.ErrorTypeData, "lookup file has no LocationID column")
	}

	var (
		locs = make([]models.LocationZone, 0, 512)
		seen = make(map[int32]struct{}, 512)
		row  = make(normalize.RawRow, len(index))
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, res, errors.Wrap(err, errors.ErrorTypeData, "malformed lookup file")
		}
		res.RowsRead++

		clear(row)
		for name, i := range index {
			if i < len(rec) {
				row[name] = rec[i]
			}
		}
		loc, rej := normalize.Location(row)
		if !rej.OK() {
			res.RowsSkipped++
			continue
		}
		if _, dup := seen[loc.LocationID]; dup {
			res.RowsSkipped++
			continue
		}
		seen[loc.LocationID] = struct{}{}
		locs = append(locs, loc)
	}
	return locs, res, nil
}
