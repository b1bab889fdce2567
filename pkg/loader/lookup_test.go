package loader

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tripflow/pkg/errors"
	"github.com/ajitpratap0/tripflow/pkg/store"
	"github.com/ajitpratap0/tripflow/pkg/testutil"
)

func TestParseLocations(t *testing.T) {
	locs, res, err := ParseLocations(bytes.NewReader(testutil.ZoneLookupCSV(10, true)))
	require.NoError(t, err)
	require.Len(t, locs, 10)
	assert.Equal(t, int64(11), res.RowsRead)
	assert.Equal(t, int64(1), res.RowsSkipped)

	assert.Equal(t, int32(1), locs[0].LocationID)
	assert.Equal(t, "Queens", locs[0].Borough)
	assert.Equal(t, "Zone 1", locs[0].Zone)
	require.NotNil(t, locs[0].ServiceZone)
	assert.Equal(t, "Boro Zone", *locs[0].ServiceZone)
}

func TestParseLocationsHeaderVariants(t *testing.T) {
	body := "\ufefflocationid, BOROUGH ,zone\n7,Queens,Astoria\n7,Queens,Astoria again\n8,Bronx,\n"
	locs, res, err := ParseLocations(strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, locs, 2)
	assert.Equal(t, "Astoria", locs[0].Zone)
	assert.Nil(t, locs[0].ServiceZone)
	assert.Equal(t, int32(8), locs[1].LocationID)
	assert.Equal(t, int64(1), res.RowsSkipped)
}

func TestParseLocationsErrors(t *testing.T) {
	_, _, err := ParseLocations(strings.NewReader("Borough,Zone\nQueens,Astoria\n"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))

	locs, res, err := ParseLocations(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, locs)
	assert.Equal(t, Result{}, res)
}

func TestLookupLoad(t *testing.T) {
	ctx := testutil.TestContext(t)
	db := testutil.OpenStore(t)
	timings := &recordingSink{}
	l := NewLookupLoader(db, testutil.IngestConfig().LookupChunkSize, timings, testutil.TestLogger(t))

	res, err := l.Load(ctx, bytes.NewReader(testutil.ZoneLookupCSV(10, true)))
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.RowsLoaded)
	assert.Equal(t, int64(1), res.RowsSkipped)
	assert.Equal(t, []string{"lookup_load"}, timings.labels())

	// Loading the same file again replaces rather than appends.
	res, err = l.Load(ctx, bytes.NewReader(testutil.ZoneLookupCSV(10, true)))
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.RowsLoaded)

	n, err := db.Count(ctx, store.TableLocations)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	// A smaller file shrinks the table.
	_, err = l.Load(ctx, bytes.NewReader(testutil.ZoneLookupCSV(4, false)))
	require.NoError(t, err)
	locs, err := db.ListLocations(ctx)
	require.NoError(t, err)
	require.Len(t, locs, 4)
	assert.Equal(t, int32(4), locs[3].LocationID)
}

func TestLookupLoadNoValidRowsKeepsTable(t *testing.T) {
	ctx := testutil.TestContext(t)
	db := testutil.OpenStore(t)
	l := NewLookupLoader(db, 0, nil, testutil.TestLogger(t))

	_, err := l.Load(ctx, bytes.NewReader(testutil.ZoneLookupCSV(5, false)))
	require.NoError(t, err)

	res, err := l.Load(ctx, strings.NewReader("LocationID,Borough\n,Queens\nabc,Bronx\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowsRead)
	assert.Equal(t, int64(0), res.RowsLoaded)
	assert.Equal(t, int64(2), res.RowsSkipped)

	n, err := db.Count(ctx, store.TableLocations)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestLookupLoadFileCompressed(t *testing.T) {
	body := testutil.ZoneLookupCSV(12, true)

	for _, name := range []string{
		"taxi_zone_lookup.csv",
		"taxi_zone_lookup.csv.gz",
		"taxi_zone_lookup.csv.zst",
		"taxi_zone_lookup.csv.lz4",
		"taxi_zone_lookup.csv.s2",
	} {
		t.Run(name, func(t *testing.T) {
			ctx := testutil.TestContext(t)
			db := testutil.OpenStore(t)
			l := NewLookupLoader(db, 5, nil, testutil.TestLogger(t))

			path := filepath.Join(t.TempDir(), name)
			testutil.WriteCompressed(t, path, body)

			res, err := l.LoadFile(ctx, path)
			require.NoError(t, err)
			assert.Equal(t, int64(12), res.RowsLoaded)

			n, err := db.Count(ctx, store.TableLocations)
			require.NoError(t, err)
			assert.Equal(t, int64(12), n)
		})
	}
}

func TestLookupLoadFileCorrupt(t *testing.T) {
	db := testutil.OpenStore(t)
	l := NewLookupLoader(db, 0, nil, testutil.TestLogger(t))

	path := testutil.WriteFile(t, t.TempDir(), "zones.csv.gz", []byte("not gzip at all"))
	_, err := l.LoadFile(testutil.TestContext(t), path)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
}
