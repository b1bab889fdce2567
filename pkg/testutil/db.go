package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tripflow/pkg/config"
	"github.com/ajitpratap0/tripflow/pkg/store"
)

// OpenStore returns a migrated sqlite store in a temp dir, closed on cleanup.
func OpenStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "tripflow.db"),
	}, TestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

// IngestConfig returns small batch sizes so tests exercise several flushes.
func IngestConfig() config.IngestConfig {
	return config.IngestConfig{
		ReadBatchSize:   3,
		CopyBatchSize:   4,
		InsertChunkSize: 4,
		LookupChunkSize: 3,
	}
}
