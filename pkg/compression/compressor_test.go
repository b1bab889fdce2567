package compression

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromPath(t *testing.T) {
	cases := map[string]Algorithm{
		"taxi_zone_lookup.csv":            None,
		"taxi_zone_lookup.csv.gz":         Gzip,
		"taxi_zone_lookup.CSV.GZ":         Gzip,
		"zones.csv.zst":                   Zstd,
		"zones.csv.lz4":                   LZ4,
		"zones.csv.sz":                    S2,
		"https://h/z.csv.gz?sig=abc.lz4":  Gzip,
		"yellow_tripdata_2024-01.parquet": None,
	}
	for name, want := range cases {
		assert.Equal(t, want, FromPath(name), name)
	}
}

func TestTrimExtension(t *testing.T) {
	assert.Equal(t, "zones.csv", TrimExtension("zones.csv.zst"))
	assert.Equal(t, "zones.csv", TrimExtension("zones.csv"))
	assert.Equal(t, ".gz", Extension("a.csv.gz?x=1"))
	assert.Equal(t, "", Extension("a.parquet"))
}

// compress encodes payload with the library behind alg.
func compress(t *testing.T, alg Algorithm, payload []byte) []byte {
	t.Helper()
	var (
		buf bytes.Buffer
		w   io.WriteCloser
	)
	switch alg {
	case Gzip:
		w = gzip.NewWriter(&buf)
	case Zstd:
		zw, err := zstd.NewWriter(&buf)
		require.NoError(t, err)
		w = zw
	case LZ4:
		w = lz4.NewWriter(&buf)
	case S2:
		w = s2.NewWriter(&buf)
	default:
		return payload
	}
	_, err := w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("1,\"Manhattan\",\"Alphabet City\",\"Yellow Zone\"\n"), 200)

	for _, alg := range []Algorithm{None, Gzip, Zstd, LZ4, S2} {
		t.Run(string(alg), func(t *testing.T) {
			encoded := compress(t, alg, payload)
			if alg != None {
				assert.Less(t, len(encoded), len(payload))
			}

			r, err := NewReader(bytes.NewReader(encoded), alg)
			require.NoError(t, err)
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			require.NoError(t, r.Close())
			assert.Equal(t, payload, got)
		})
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "zones.csv.gz")

	body := compress(t, Gzip, []byte("LocationID,Borough\n1,EWR\n"))
	require.NoError(t, os.WriteFile(name, body, 0o600))

	rc, err := Open(name)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "LocationID,Borough\n1,EWR\n", string(got))
}

func TestInvalidStream(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("not gzip")), Gzip)
	assert.Error(t, err)

	_, err = NewReader(bytes.NewReader(nil), Algorithm("brotli"))
	assert.Error(t, err)

	_, err = Open(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}
