package ingest

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tripflow/internal/queue"
	"github.com/ajitpratap0/tripflow/pkg/errors"
	"github.com/ajitpratap0/tripflow/pkg/fetch"
	"github.com/ajitpratap0/tripflow/pkg/loader"
	"github.com/ajitpratap0/tripflow/pkg/logger"
	"github.com/ajitpratap0/tripflow/pkg/metrics"
	"github.com/ajitpratap0/tripflow/pkg/models"
	"github.com/ajitpratap0/tripflow/pkg/observability"
	"github.com/ajitpratap0/tripflow/pkg/retry"
	"github.com/ajitpratap0/tripflow/pkg/store"
)

// Handler loads one local source file. *loader.BulkLoader and
// *loader.LookupLoader implement it.
type Handler interface {
	LoadFile(ctx context.Context, path string) (loader.Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, path string) (loader.Result, error)

// LoadFile implements Handler.
func (f HandlerFunc) LoadFile(ctx context.Context, path string) (loader.Result, error) {
	return f(ctx, path)
}

// Handlers is the kind dispatch table.
type Handlers map[models.Kind]Handler

// NewHandlers maps each kind to its loader.
func NewHandlers(trips *loader.BulkLoader, lookup *loader.LookupLoader) Handlers {
	return Handlers{
		models.KindTripData:   trips,
		models.KindZoneLookup: lookup,
	}
}

// Fetcher downloads a remote source to a scratch file.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*fetch.Scratch, error)
}

// Runner executes ingestion jobs for uploads and batch items. Every job
// records processing before doing any I/O and always ends in done or error.
type Runner struct {
	db          *store.DB
	fetcher     Fetcher
	handlers    Handlers
	policy      *retry.Policy
	coordinator *Coordinator
	tracer      *observability.StageTracer
	logger      *zap.Logger
}

// NewRunner creates a Runner. policy applies to the fetch stage only; nil
// means a single attempt.
func NewRunner(db *store.DB, fetcher Fetcher, handlers Handlers, policy *retry.Policy, logger *zap.Logger) *Runner {
	if policy == nil {
		policy = retry.NoRetry()
	}
	return &Runner{
		db:          db,
		fetcher:     fetcher,
		handlers:    handlers,
		policy:      policy,
		coordinator: NewCoordinator(db, logger),
		tracer:      observability.NewStageTracer("job"),
		logger:      logger.With(zap.String("component", "job_runner")),
	}
}

// Coordinator returns the batch coordinator the runner refreshes.
func (r *Runner) Coordinator() *Coordinator { return r.coordinator }

// HandleTask runs the item named by t. It is the queue.Handler of workers.
func (r *Runner) HandleTask(ctx context.Context, t queue.Task) error {
	ctx = observability.ExtractContext(ctx, t.Trace)
	_, err := r.RunItem(ctx, t.ItemID)
	return err
}

// RunItem fetches and loads one batch item and refreshes its batch. Job
// failures are recorded on the item and are not returned; the error result
// is reserved for failures to read or record job state. Items that are
// already done are skipped.
func (r *Runner) RunItem(ctx context.Context, id int64) (models.Status, error) {
	it, err := r.db.GetItem(ctx, id)
	if err != nil {
		return "", err
	}
	ctx = context.WithValue(ctx, logger.ItemIDKey, it.ID)
	ctx = context.WithValue(ctx, logger.BatchIDKey, it.BatchID)
	log := logger.FromContext(ctx, r.logger)

	if !it.Status.Runnable() {
		log.Debug("Skipping item", zap.String("status", it.Status.String()))
		return it.Status, nil
	}

	claimed, err := r.db.ClaimItem(ctx, it.ID, it.Attempts)
	if err != nil {
		return "", err
	}
	if !claimed {
		log.Debug("Item claimed by another runner", zap.Int("attempts", it.Attempts))
		return models.StatusProcessing, nil
	}

	ctx, span := r.tracer.StartSpan(ctx, "item")
	span.SetAttribute("tripflow.item_id", it.ID)
	span.SetAttribute("tripflow.kind", it.Kind.String())

	start := time.Now()
	res, jobErr := r.runItem(ctx, it)
	span.AddEvent("loaded",
		attribute.Int64("tripflow.rows_loaded", res.RowsLoaded),
		attribute.Int64("tripflow.rows_skipped", res.RowsSkipped))
	span.Finish(jobErr)

	status := models.StatusDone
	var msg *string
	if jobErr != nil {
		status = models.StatusError
		m := jobErr.Error()
		msg = &m
		log.Error("Item failed", zap.String("url", it.URL), zap.Int64("rows_loaded", res.RowsLoaded), zap.Error(jobErr))
	} else {
		log.Info("Item done",
			zap.String("url", it.URL),
			zap.Int64("rows_loaded", res.RowsLoaded),
			zap.Int64("rows_skipped", res.RowsSkipped),
			zap.Duration("elapsed", time.Since(start)))
	}
	metrics.ItemsProcessed.WithLabelValues(it.Kind.String(), status.String()).Inc()

	// Record the outcome even when the caller has gone away.
	recordCtx := context.WithoutCancel(ctx)
	if err := r.db.FinishItem(recordCtx, it.ID, res.RowsLoaded, msg); err != nil {
		return "", err
	}
	if _, err := r.coordinator.Refresh(recordCtx, it.BatchID); err != nil {
		return status, err
	}
	return status, nil
}

func (r *Runner) runItem(ctx context.Context, it *models.IngestItem) (loader.Result, error) {
	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	h, err := r.handler(it.Kind)
	if err != nil {
		return loader.Result{}, err
	}

	scratch, err := r.fetch(ctx, it.URL)
	if err != nil {
		return loader.Result{}, err
	}
	defer func() {
		if err := scratch.Close(); err != nil {
			r.logger.Warn("Failed to remove scratch file", zap.String("path", scratch.Path), zap.Error(err))
		}
	}()

	return r.load(ctx, h, scratch.Path)
}

// fetch downloads url, retrying retryable failures per the policy.
func (r *Runner) fetch(ctx context.Context, url string) (*fetch.Scratch, error) {
	var scratch *fetch.Scratch

	policy := r.policy.Clone()
	log := logger.FromContext(ctx, r.logger)
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		log.Warn("Retrying fetch",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	err := r.tracer.TraceStage(ctx, "fetch", func(ctx context.Context) error {
		return policy.Execute(ctx, func(ctx context.Context) error {
			s, err := r.fetcher.Fetch(ctx, url)
			if err != nil {
				return err
			}
			scratch = s
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return scratch, nil
}

func (r *Runner) load(ctx context.Context, h Handler, path string) (loader.Result, error) {
	var res loader.Result
	err := r.tracer.TraceStage(ctx, "load", func(ctx context.Context) error {
		var err error
		res, err = h.LoadFile(ctx, path)
		return err
	})
	return res, err
}

func (r *Runner) handler(kind models.Kind) (Handler, error) {
	h, ok := r.handlers[kind]
	if !ok || h == nil {
		return nil, errors.Newf(errors.ErrorTypeValidation, "unsupported source kind %q", kind)
	}
	return h, nil
}

// RunUpload ingests a stored upload synchronously and returns its final
// state. Like RunItem, job failures are recorded on the upload rather than
// returned. Only pending and errored uploads run: a done upload is returned
// as is and one that is already processing yields a conflict error.
func (r *Runner) RunUpload(ctx context.Context, id int64) (*models.SourceUpload, error) {
	u, err := r.db.GetUpload(ctx, id)
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, logger.UploadIDKey, u.ID)
	log := logger.FromContext(ctx, r.logger)

	if u.Status == models.StatusDone {
		log.Debug("Skipping upload", zap.String("status", u.Status.String()))
		return u, nil
	}
	claimed, err := r.db.ClaimUpload(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, errors.Newf(errors.ErrorTypeConflict, "upload %d is already processing", u.ID)
	}

	ctx, span := r.tracer.StartSpan(ctx, "upload")
	span.SetAttribute("tripflow.upload_id", u.ID)
	span.SetAttribute("tripflow.kind", u.Kind.String())

	metrics.ActiveJobs.Inc()
	var res loader.Result
	h, jobErr := r.handler(u.Kind)
	if jobErr == nil {
		res, jobErr = r.load(ctx, h, u.Path)
	}
	metrics.ActiveJobs.Dec()
	span.AddEvent("loaded",
		attribute.Int64("tripflow.rows_loaded", res.RowsLoaded),
		attribute.Int64("tripflow.rows_skipped", res.RowsSkipped))
	span.Finish(jobErr)

	var msg *string
	status := models.StatusDone
	if jobErr != nil {
		status = models.StatusError
		m := jobErr.Error()
		msg = &m
		log.Error("Upload failed", zap.String("path", u.Path), zap.Error(jobErr))
	} else {
		log.Info("Upload done", zap.Int64("rows_loaded", res.RowsLoaded), zap.Int64("rows_skipped", res.RowsSkipped))
	}
	metrics.ItemsProcessed.WithLabelValues(u.Kind.String(), status.String()).Inc()

	recordCtx := context.WithoutCancel(ctx)
	if err := r.db.FinishUpload(recordCtx, u.ID, res.RowsLoaded, msg); err != nil {
		return nil, err
	}
	return r.db.GetUpload(recordCtx, u.ID)
}
