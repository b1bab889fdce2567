// Package testutil provides testing utilities for tripflow
package testutil

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/tripflow/pkg/compression"
)

// TestLogger creates a test logger that writes to the test output.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a test context with a 30-second timeout that is
// cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// AssertEventually asserts that a condition becomes true within the specified timeout.
// It checks the condition every 10ms until it succeeds or the timeout expires.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// WriteFile writes content under dir and returns the path.
func WriteFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

// ZoneLookupCSV returns a lookup file body with n valid rows and, when
// withBadRow is set, one extra row that has no LocationID.
func ZoneLookupCSV(n int, withBadRow bool) []byte {
	boroughs := []string{"EWR", "Queens", "Bronx", "Manhattan", "Staten Island", "Brooklyn"}
	buf := []byte("\"LocationID\",\"Borough\",\"Zone\",\"service_zone\"\n")
	for i := 1; i <= n; i++ {
		b := boroughs[i%len(boroughs)]
		buf = append(buf, []byte(
			strconv.Itoa(i)+",\""+b+"\",\"Zone "+strconv.Itoa(i)+"\",\"Boro Zone\"\n")...)
		if withBadRow && i == (n+1)/2 {
			buf = append(buf, []byte(",\"Queens\",\"Nowhere\",\"Boro Zone\"\n")...)
		}
	}
	return buf
}

// WriteCompressed writes body to path, compressed with the algorithm its
// suffix names.
func WriteCompressed(t *testing.T, path string, body []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	var w io.WriteCloser
	switch compression.FromPath(path) {
	case compression.Gzip:
		w = gzip.NewWriter(f)
	case compression.Zstd:
		zw, err := zstd.NewWriter(f)
		require.NoError(t, err)
		w = zw
	case compression.LZ4:
		w = lz4.NewWriter(f)
	case compression.S2:
		w = s2.NewWriter(f)
	default:
		_, err = f.Write(body)
		require.NoError(t, err)
		return
	}
	_, err = w.Write(body)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}
