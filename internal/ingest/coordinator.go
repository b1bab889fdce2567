package ingest

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tripflow/pkg/models"
	"github.com/ajitpratap0/tripflow/pkg/store"
)

// Coordinator owns the batch aggregate. Its progress is always recomputed
// from the current item rows inside one transaction, never incremented, so
// concurrent completions converge on the same result.
type Coordinator struct {
	db     *store.DB
	logger *zap.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(db *store.DB, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		db:     db,
		logger: logger.With(zap.String("component", "batch_coordinator")),
	}
}

// Create inserts a processing batch and one pending item per URL in a
// single transaction. Each item's kind is inferred from its URL.
func (c *Coordinator) Create(ctx context.Context, urls []string) (*models.IngestBatch, []models.IngestItem, error) {
	var (
		batch *models.IngestBatch
		items = make([]models.IngestItem, 0, len(urls))
	)
	err := c.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		batch, err = c.db.InsertBatch(ctx, tx, len(urls))
		if err != nil {
			return err
		}
		for _, u := range urls {
			it, err := c.db.InsertItem(ctx, tx, batch.ID, u, models.KindFromURL(u))
			if err != nil {
				return err
			}
			items = append(items, *it)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	c.logger.Info("Batch created", zap.Int64("batch_id", batch.ID), zap.Int("items", len(items)))
	return batch, items, nil
}

// Refresh recomputes done and status of a batch from its items. done is
// the number of items in a terminal state; the batch is done or error only
// once every item is terminal, and error when any of them failed.
func (c *Coordinator) Refresh(ctx context.Context, batchID int64) (*models.IngestBatch, error) {
	var batch *models.IngestBatch
	err := c.db.WithTx(ctx, func(tx *sql.Tx) error {
		b, err := c.db.LockBatch(ctx, tx, batchID)
		if err != nil {
			return err
		}
		counts, err := c.db.CountItems(ctx, tx, batchID)
		if err != nil {
			return err
		}

		total := counts.Total
		if total == 0 {
			total = b.Total
		}
		status := models.DeriveBatchStatus(total, counts.Terminal, counts.Errored)

		var msg *string
		if counts.Errored > 0 {
			m := fmt.Sprintf("%d of %d items failed", counts.Errored, total)
			msg = &m
		}
		if err := c.db.UpdateBatchProgress(ctx, tx, batchID, counts.Terminal, status, msg); err != nil {
			return err
		}

		b.Done = counts.Terminal
		b.Status = status
		b.ErrorMessage = msg
		batch = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	if batch.Status.Terminal() {
		c.logger.Info("Batch finished",
			zap.Int64("batch_id", batch.ID),
			zap.String("status", batch.Status.String()),
			zap.Int("done", batch.Done),
			zap.Int("total", batch.Total))
	}
	return batch, nil
}
