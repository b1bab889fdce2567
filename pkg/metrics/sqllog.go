package metrics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tripflow/pkg/store"
)

// TimingWriter persists timing rows. *store.DB satisfies it.
type TimingWriter interface {
	InsertTimings(ctx context.Context, timings []store.Timing) error
}

// SQLLogConfig tunes the SQL timing log.
type SQLLogConfig struct {
	BufferSize    int
	FlushSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

// DefaultSQLLogConfig returns the defaults used by the service.
func DefaultSQLLogConfig() SQLLogConfig {
	return SQLLogConfig{
		BufferSize:    1024,
		FlushSize:     64,
		FlushInterval: 2 * time.Second,
		WriteTimeout:  5 * time.Second,
	}
}

// SQLLog buffers events and appends them to the ingest_timings table from a
// background goroutine. A full buffer drops the event.
type SQLLog struct {
	writer TimingWriter
	cfg    SQLLogConfig
	logger *zap.Logger

	events chan Event
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSQLLog starts the background writer.
func NewSQLLog(writer TimingWriter, cfg SQLLogConfig, logger *zap.Logger) *SQLLog {
	def := DefaultSQLLogConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = def.FlushSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	l := &SQLLog{
		writer: writer,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "timing_log")),
		events: make(chan Event, cfg.BufferSize),
		stopCh: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Report implements Sink.
func (l *SQLLog) Report(e Event) {
	select {
	case <-l.stopCh:
		TimingEvents.WithLabelValues("sql", "dropped").Inc()
		return
	default:
	}
	select {
	case l.events <- e:
	default:
		TimingEvents.WithLabelValues("sql", "dropped").Inc()
	}
}

func (l *SQLLog) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	pending := make([]store.Timing, 0, l.cfg.FlushSize)
	for {
		select {
		case e := <-l.events:
			pending = append(pending, toTiming(e))
			if len(pending) >= l.cfg.FlushSize {
				pending = l.flush(pending)
			}
		case <-ticker.C:
			pending = l.flush(pending)
		case <-l.stopCh:
			for {
				select {
				case e := <-l.events:
					pending = append(pending, toTiming(e))
				default:
					l.flush(pending)
					return
				}
			}
		}
	}
}

func (l *SQLLog) flush(pending []store.Timing) []store.Timing {
	if len(pending) == 0 {
		return pending
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.WriteTimeout)
	defer cancel()

	if err := l.writer.InsertTimings(ctx, pending); err != nil {
		TimingEvents.WithLabelValues("sql", "failed").Add(float64(len(pending)))
		l.logger.Warn("Failed to write timing rows", zap.Int("rows", len(pending)), zap.Error(err))
	} else {
		TimingEvents.WithLabelValues("sql", "sent").Add(float64(len(pending)))
	}
	return pending[:0]
}

// Close flushes buffered events and stops the writer.
func (l *SQLLog) Close() error {
	l.once.Do(func() {
		close(l.stopCh)
		l.wg.Wait()
	})
	return nil
}

func toTiming(e Event) store.Timing {
	return store.Timing{
		Label:     e.Label,
		View:      e.View,
		ElapsedMS: e.ElapsedMS,
		Rows:      e.Rows,
		Optimized: e.Optimized,
		At:        e.At,
	}
}
