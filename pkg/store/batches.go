package store

import (
	"context"
	"database/sql"

	"github.com/ajitpratap0/tripflow/pkg/errors"
	"github.com/ajitpratap0/tripflow/pkg/models"
)

const (
	batchColumns = "id, total, done, status, error_message, created_at"
	itemColumns  = "id, batch_id, url, kind, status, processed_rows, error_message, attempts, created_at, updated_at"
)

// ItemCounts aggregates the item states of one batch.
type ItemCounts struct {
	Total    int
	Terminal int
	Errored  int
}

// InsertBatch creates a batch row in processing state.
func (db *DB) InsertBatch(ctx context.Context, q Querier, total int) (*models.IngestBatch, error) {
	b := &models.IngestBatch{
		Total:     total,
		Status:    models.StatusProcessing,
		CreatedAt: now(),
	}
	id, err := db.insertID(ctx, q,
		"INSERT INTO ingest_batches (total, done, status, created_at) VALUES (?, 0, ?, ?)",
		b.Total, string(b.Status), b.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "failed to create batch")
	}
	b.ID = id
	return b, nil
}

// InsertItem creates a pending item of batchID.
func (db *DB) InsertItem(ctx context.Context, q Querier, batchID int64, url string, kind models.Kind) (*models.IngestItem, error) {
	ts := now()
	it := &models.IngestItem{
		BatchID:   batchID,
		URL:       url,
		Kind:      kind,
		Status:    models.StatusPending,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	id, err := db.insertID(ctx, q,
		"INSERT INTO ingest_items (batch_id, url, kind, status, processed_rows, attempts, created_at, updated_at) VALUES (?, ?, ?, ?, 0, 0, ?, ?)",
		it.BatchID, it.URL, string(it.Kind), string(it.Status), it.CreatedAt, it.UpdatedAt)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "failed to create item").WithDetail("url", url)
	}
	it.ID = id
	return it, nil
}

// GetBatch loads one batch.
func (db *DB) GetBatch(ctx context.Context, id int64) (*models.IngestBatch, error) {
	return db.scanBatch(db.sql.QueryRowContext(ctx,
		db.Rebind("SELECT "+batchColumns+" FROM ingest_batches WHERE id = ?"), id), id)
}

// LockBatch loads a batch inside tx, taking a row lock where the dialect
// has one. sqlite transactions already serialize writers.
func (db *DB) LockBatch(ctx context.Context, tx *sql.Tx, id int64) (*models.IngestBatch, error) {
	query := "SELECT " + batchColumns + " FROM ingest_batches WHERE id = ?"
	if db.dialect != DialectSQLite {
		query += " FOR UPDATE"
	}
	return db.scanBatch(tx.QueryRowContext(ctx, db.Rebind(query), id), id)
}

func (db *DB) scanBatch(row *sql.Row, id int64) (*models.IngestBatch, error) {
	var (
		b     models.IngestBatch
		state string
		msg   sql.NullString
	)
	err := row.Scan(&b.ID, &b.Total, &b.Done, &state, &msg, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "batch %d not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "failed to load batch")
	}
	b.Status = models.Status(state)
	b.ErrorMessage = nullString(msg)
	return &b, nil
}

// CountItems aggregates item states for batchID from current rows.
func (db *DB) CountItems(ctx context.Context, q Querier, batchID int64) (ItemCounts, error) {
	var (
		c                 ItemCounts
		terminal, errored sql.NullInt64
	)
	err := q.QueryRowContext(ctx, db.Rebind(
		`SELECT COUNT(*),
			SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END)
		FROM ingest_items WHERE batch_id = ?`),
		string(models.StatusDone), string(models.StatusError), string(models.StatusError), batchID,
	).Scan(&c.Total, &terminal, &errored)
	if err != nil {
		return c, errors.Wrap(err, errors.ErrorTypeStore, "failed to count items").WithDetail("batch_id", batchID)
	}
	c.Terminal = int(terminal.Int64)
	c.Errored = int(errored.Int64)
	return c, nil
}

// UpdateBatchProgress writes the recomputed aggregate of a batch.
func (db *DB) UpdateBatchProgress(ctx context.Context, q Querier, id int64, done int, status models.Status, errMsg *string) error {
	_, err := q.ExecContext(ctx,
		db.Rebind("UPDATE ingest_batches SET done = ?, status = ?, error_message = ? WHERE id = ?"),
		done, string(status), stringArg(errMsg), id)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStore, "failed to update batch").WithDetail("batch_id", id)
	}
	return nil
}

// GetItem loads one item.
func (db *DB) GetItem(ctx context.Context, id int64) (*models.IngestItem, error) {
	rows, err := db.sql.QueryContext(ctx, db.Rebind("SELECT "+itemColumns+" FROM ingest_items WHERE id = ?"), id)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "failed to load item")
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "item %d not found", id)
	}
	return &items[0], nil
}

// ListItems returns the items of a batch in creation order.
func (db *DB) ListItems(ctx context.Context, batchID int64) ([]models.IngestItem, error) {
	rows, err := db.sql.QueryContext(ctx,
		db.Rebind("SELECT "+itemColumns+" FROM ingest_items WHERE batch_id = ? ORDER BY id"), batchID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "failed to list items")
	}
	return scanItems(rows)
}

// PendingItems returns items in pending state, oldest first. A limit of
// zero or less returns all of them.
func (db *DB) PendingItems(ctx context.Context, limit int) ([]models.IngestItem, error) {
	query := "SELECT " + itemColumns + " FROM ingest_items WHERE status = ? ORDER BY id"
	args := []any{string(models.StatusPending)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := db.sql.QueryContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "failed to list pending items")
	}
	return scanItems(rows)
}

func scanItems(rows *sql.Rows) ([]models.IngestItem, error) {
	defer rows.Close()

	var items []models.IngestItem
	for rows.Next() {
		var (
			it          models.IngestItem
			kind, state string
			msg         sql.NullString
		)
		if err := rows.Scan(&it.ID, &it.BatchID, &it.URL, &kind, &state, &it.ProcessedRows,
			&msg, &it.Attempts, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStore, "failed to scan item")
		}
		it.Kind = models.Kind(kind)
		it.Status = models.Status(state)
		it.ErrorMessage = nullString(msg)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "failed to read items")
	}
	return items, nil
}

// ClaimItem moves an item to processing and counts the attempt, provided
// its attempt counter still equals attempts. It reports false when another
// runner claimed the item first or the item no longer exists.
func (db *DB) ClaimItem(ctx context.Context, id int64, attempts int) (bool, error) {
	res, err := db.sql.ExecContext(ctx,
		db.Rebind("UPDATE ingest_items SET status = ?, attempts = attempts + 1, updated_at = ? WHERE id = ? AND attempts = ? AND status <> ?"),
		string(models.StatusProcessing), now(), id, attempts, string(models.StatusDone))
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeStore, "failed to claim item").WithDetail("item_id", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeStore, "failed to claim item").WithDetail("item_id", id)
	}
	return n == 1, nil
}

// FinishItem records the terminal state of an item. A nil errMsg means
// success and clears any previous message.
func (db *DB) FinishItem(ctx context.Context, id int64, rows int64, errMsg *string) error {
	status := models.StatusDone
	if errMsg != nil {
		status = models.StatusError
	}
	_, err := db.sql.ExecContext(ctx,
		db.Rebind("UPDATE ingest_items SET status = ?, processed_rows = ?, error_message = ?, updated_at = ? WHERE id = ?"),
		string(status), rows, stringArg(errMsg), now(), id)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStore, "failed to finish item").WithDetail("item_id", id)
	}
	return nil
}

// ResetItem returns an errored item to pending and clears its message.
// Items in any other state are rejected with a conflict error.
func (db *DB) ResetItem(ctx context.Context, id int64) (*models.IngestItem, error) {
	res, err := db.sql.ExecContext(ctx,
		db.Rebind("UPDATE ingest_items SET status = ?, error_message = NULL, updated_at = ? WHERE id = ? AND status = ?"),
		string(models.StatusPending), now(), id, string(models.StatusError))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "failed to reset item").WithDetail("item_id", id)
	}

	it, err := db.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, errors.Newf(errors.ErrorTypeConflict, "item %d is %s, only errored items can be retried", id, it.Status)
	}
	return it, nil
}
