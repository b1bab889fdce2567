package store

import (
	"context"
	"database/sql"

	"github.com/ajitpratap0/tripflow/pkg/errors"
	"github.com/ajitpratap0/tripflow/pkg/models"
)

const uploadColumns = "id, path, kind, status, processed_rows, error_message, created_at"

// CreateUpload records a stored file in pending state.
func (db *DB) CreateUpload(ctx context.Context, path string, kind models.Kind) (*models.SourceUpload, error) {
	u := &models.SourceUpload{
		Path:      path,
		Kind:      kind,
		Status:    models.StatusPending,
		CreatedAt: now(),
	}
	id, err := db.insertID(ctx, db.sql,
		"INSERT INTO source_uploads (path, kind, status, processed_rows, created_at) VALUES (?, ?, ?, 0, ?)",
		u.Path, string(u.Kind), string(u.Status), u.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "failed to create upload")
	}
	u.ID = id
	return u, nil
}

// GetUpload loads one upload.
func (db *DB) GetUpload(ctx context.Context, id int64) (*models.SourceUpload, error) {
	row := db.sql.QueryRowContext(ctx, db.Rebind("SELECT "+uploadColumns+" FROM source_uploads WHERE id = ?"), id)

	var (
		u           models.SourceUpload
		kind, state string
		msg         sql.NullString
	)
	err := row.Scan(&u.ID, &u.Path, &kind, &state, &u.ProcessedRows, &msg, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "upload %d not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "failed to load upload")
	}
	u.Kind = models.Kind(kind)
	u.Status = models.Status(state)
	u.ErrorMessage = nullString(msg)
	return &u, nil
}

// ClaimUpload moves a pending or errored upload to processing and clears
// any previous error. It reports false when the upload is in another state,
// including when a concurrent run claimed it first.
func (db *DB) ClaimUpload(ctx context.Context, id int64) (bool, error) {
	res, err := db.sql.ExecContext(ctx,
		db.Rebind("UPDATE source_uploads SET status = ?, processed_rows = 0, error_message = NULL WHERE id = ? AND status IN (?, ?)"),
		string(models.StatusProcessing), id, string(models.StatusPending), string(models.StatusError))
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeStore, "failed to claim upload").WithDetail("upload_id", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeStore, "failed to claim upload").WithDetail("upload_id", id)
	}
	return n == 1, nil
}

// FinishUpload records the terminal state of an upload. A nil errMsg
// means success.
func (db *DB) FinishUpload(ctx context.Context, id int64, rows int64, errMsg *string) error {
	status := models.StatusDone
	if errMsg != nil {
		status = models.StatusError
	}
	return db.setUploadState(ctx, id, status, rows, errMsg)
}

func (db *DB) setUploadState(ctx context.Context, id int64, status models.Status, rows int64, errMsg *string) error {
	res, err := db.sql.ExecContext(ctx,
		db.Rebind("UPDATE source_uploads SET status = ?, processed_rows = ?, error_message = ? WHERE id = ?"),
		string(status), rows, stringArg(errMsg), id)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStore, "failed to update upload").WithDetail("upload_id", id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Newf(errors.ErrorTypeNotFound, "upload %d not found", id)
	}
	return nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func stringArg(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
