// Package queue dispatches batch item tasks to workers.
//
// Two dispatchers exist: LocalPool runs tasks on a bounded set of
// goroutines inside the serving process, and RedisQueue appends them to a
// Redis stream consumed by separate worker processes through a consumer
// group. Tasks carry the submitting request's trace context so worker spans
// join the same trace.
package queue

import (
	"context"
	"time"

	"github.com/ajitpratap0/tripflow/pkg/errors"
	"github.com/ajitpratap0/tripflow/pkg/observability"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New(errors.ErrorTypeConflict, "queue is closed")

// Task asks a worker to run one batch item.
type Task struct {
	ItemID     int64             `json:"item_id"`
	BatchID    int64             `json:"batch_id"`
	Delivery   int               `json:"delivery"`
	Trace      map[string]string `json:"trace,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// NewTask creates a task for an item, capturing the trace context of ctx.
func NewTask(ctx context.Context, batchID, itemID int64) Task {
	carrier := make(map[string]string, 2)
	observability.InjectContext(ctx, carrier)
	if len(carrier) == 0 {
		carrier = nil
	}
	return Task{
		ItemID:     itemID,
		BatchID:    batchID,
		Trace:      carrier,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Handler runs a task. A returned error means the task could not be
// processed at all; job failures are recorded by the handler itself.
type Handler func(ctx context.Context, t Task) error

// Dispatcher schedules tasks.
type Dispatcher interface {
	Enqueue(ctx context.Context, t Task) error
	Close() error
}
