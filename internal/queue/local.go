package queue

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/tripflow/pkg/metrics"
)

const localQueueName = "local"

// LocalPool runs tasks on a fixed number of goroutines. Enqueue blocks
// while the buffer is full.
type LocalPool struct {
	tasks   chan Task
	handler Handler
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu     sync.RWMutex
	closed bool
}

// NewLocalPool starts workers goroutines that pass tasks to handler.
// capacity bounds the number of tasks waiting for a worker.
func NewLocalPool(workers, capacity int, handler Handler, logger *zap.Logger) *LocalPool {
	workers = max(workers, 1)
	if capacity <= 0 {
		capacity = workers * 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &LocalPool{
		tasks:   make(chan Task, capacity),
		handler: handler,
		logger:  logger.With(zap.String("component", "local_pool")),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := range workers {
		p.group.Go(func() error {
			p.work(i)
			return nil
		})
	}
	p.logger.Info("Worker pool started", zap.Int("workers", workers), zap.Int("capacity", capacity))
	return p
}

// Enqueue implements Dispatcher.
func (p *LocalPool) Enqueue(ctx context.Context, t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.tasks <- t:
		metrics.QueueDepth.WithLabelValues(localQueueName).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks, waits for queued ones to finish and stops
// the workers.
func (p *LocalPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	err := p.group.Wait()
	p.cancel()
	return err
}

func (p *LocalPool) work(id int) {
	for t := range p.tasks {
		metrics.QueueDepth.WithLabelValues(localQueueName).Dec()
		if err := p.run(t); err != nil {
			p.logger.Error("Task failed",
				zap.Int("worker", id),
				zap.Int64("item_id", t.ItemID),
				zap.Int64("batch_id", t.BatchID),
				zap.Error(err))
		}
	}
}

// run calls the handler, turning a panic into an error so one bad task
// cannot take the worker down.
func (p *LocalPool) run(t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return p.handler(p.ctx, t)
}
