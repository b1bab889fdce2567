// Package ingest orchestrates ingestion jobs.
//
// # Overview
//
// Two kinds of job exist. A SourceUpload is a file already stored locally;
// it is processed synchronously on the caller's goroutine. A batch groups
// one IngestItem per submitted URL; each item is dispatched as an
// independent task and may complete in any order.
//
// Every job moves pending -> processing -> done|error. The processing state
// is written before any I/O so a crash leaves an observable stuck job
// instead of a lost one. Job failures never escape as errors: they are
// recorded on the job with a human readable message.
//
// # Components
//
//   - Runner: executes one job, dispatching on the source kind
//   - Coordinator: creates batches and recomputes their aggregate state
//   - Service: the operations exposed to the HTTP API and the CLI
package ingest

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tripflow/internal/queue"
	"github.com/ajitpratap0/tripflow/pkg/config"
	"github.com/ajitpratap0/tripflow/pkg/errors"
	"github.com/ajitpratap0/tripflow/pkg/logger"
	"github.com/ajitpratap0/tripflow/pkg/models"
	"github.com/ajitpratap0/tripflow/pkg/store"
)

// BatchStatus is a batch with all of its items.
type BatchStatus struct {
	Batch models.IngestBatch  `json:"batch"`
	Items []models.IngestItem `json:"items"`
}

// PendingResult summarizes a ProcessPending sweep.
type PendingResult struct {
	Processed int `json:"processed"`
	Done      int `json:"done"`
	Failed    int `json:"failed"`
}

// Service implements the ingestion operations.
type Service struct {
	db         *store.DB
	runner     *Runner
	dispatcher queue.Dispatcher
	uploadDir  string
	logger     *zap.Logger
}

// NewService creates a Service. dispatcher receives one task per batch
// item; uploads are stored under cfg.UploadDir.
func NewService(db *store.DB, runner *Runner, dispatcher queue.Dispatcher, cfg config.IngestConfig, logger *zap.Logger) *Service {
	dir := cfg.UploadDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "tripflow", "uploads")
	}
	return &Service{
		db:         db,
		runner:     runner,
		dispatcher: dispatcher,
		uploadDir:  dir,
		logger:     logger.With(zap.String("component", "ingest_service")),
	}
}

// SubmitUpload stores r under the upload directory and records a pending
// upload of the given kind.
func (s *Service) SubmitUpload(ctx context.Context, name string, r io.Reader, kind models.Kind) (*models.SourceUpload, error) {
	if !kind.Valid() {
		return nil, errors.Newf(errors.ErrorTypeValidation, "unknown source kind %q", kind)
	}
	if err := os.MkdirAll(s.uploadDir, 0o750); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create upload dir")
	}

	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." {
		base = "upload"
	}
	path := filepath.Join(s.uploadDir, uuid.New().String()[:8]+"_"+base)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create upload file")
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to store upload").WithDetail("name", name)
	}

	u, err := s.db.CreateUpload(ctx, path, kind)
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	logger.FromContext(ctx, s.logger).Info("Upload stored",
		zap.Int64("upload_id", u.ID),
		zap.String("kind", kind.String()),
		zap.Int64("bytes", n))
	return u, nil
}

// ProcessUpload ingests an upload synchronously and returns its final state.
func (s *Service) ProcessUpload(ctx context.Context, id int64) (*models.SourceUpload, error) {
	return s.runner.RunUpload(ctx, id)
}

// Upload returns one upload.
func (s *Service) Upload(ctx context.Context, id int64) (*models.SourceUpload, error) {
	return s.db.GetUpload(ctx, id)
}

// ParseURLList splits newline separated text into URLs. Blank lines and
// lines starting with # are ignored.
func ParseURLList(text string) []string {
	var urls []string
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls
}

// SubmitBatch records a batch with one pending item per URL in text and
// dispatches a task per item. It returns as soon as the tasks are queued.
// An item whose task cannot be queued stays pending for ProcessPending.
func (s *Service) SubmitBatch(ctx context.Context, text string) (*models.IngestBatch, error) {
	urls := ParseURLList(text)
	if len(urls) == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "no urls submitted")
	}

	batch, items, err := s.runner.Coordinator().Create(ctx, urls)
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, logger.BatchIDKey, batch.ID)
	log := logger.FromContext(ctx, s.logger)
	for _, it := range items {
		if err := s.dispatcher.Enqueue(ctx, queue.NewTask(ctx, batch.ID, it.ID)); err != nil {
			log.Warn("Failed to dispatch item, leaving it pending",
				zap.Int64("item_id", it.ID), zap.Error(err))
		}
	}
	return batch, nil
}

// BatchStatus returns a batch and all of its items.
func (s *Service) BatchStatus(ctx context.Context, id int64) (*BatchStatus, error) {
	b, err := s.db.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := s.db.ListItems(ctx, id)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []models.IngestItem{}
	}
	return &BatchStatus{Batch: *b, Items: items}, nil
}

// RetryItem returns an errored item to pending, refreshes its batch and
// dispatches it again. Items in other states are rejected.
func (s *Service) RetryItem(ctx context.Context, itemID int64) (*models.IngestItem, error) {
	it, err := s.db.ResetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if _, err := s.runner.Coordinator().Refresh(ctx, it.BatchID); err != nil {
		return nil, err
	}
	if err := s.dispatcher.Enqueue(ctx, queue.NewTask(ctx, it.BatchID, it.ID)); err != nil {
		return nil, err
	}
	logger.FromContext(ctx, s.logger).Info("Item requeued",
		zap.Int64("item_id", it.ID), zap.Int64("batch_id", it.BatchID))
	return it, nil
}

// ProcessPending runs up to limit pending items synchronously, oldest
// first. A limit of zero or less means all of them.
func (s *Service) ProcessPending(ctx context.Context, limit int) (PendingResult, error) {
	var res PendingResult

	items, err := s.db.PendingItems(ctx, limit)
	if err != nil {
		return res, err
	}
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		status, err := s.runner.RunItem(ctx, it.ID)
		if err != nil {
			return res, err
		}
		// Items claimed by a concurrent runner are left to it.
		switch status {
		case models.StatusDone:
			res.Processed++
			res.Done++
		case models.StatusError:
			res.Processed++
			res.Failed++
		}
	}
	return res, nil
}
