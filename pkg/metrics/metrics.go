// Package metrics provides ingestion observability for tripflow using
// Prometheus metrics, plus the timing Sink that ingestion stages report to.
//
// # Overview
//
// The metrics package provides:
//   - Pre-defined Prometheus vectors for rows, stages and items
//   - A Timer and a ThroughputTracker for stage measurements
//   - Sink implementations for timing events (Prometheus, SQL log, Kafka)
//
// # Basic Usage
//
//	timer := metrics.NewTimer("load")
//	res, err := loader.LoadFile(ctx, path)
//	timer.ObserveStage()
//	sink.Report(timer.Event("upload", "trip_data", res.RowsLoaded, true))
//
// Sinks never block the caller and never return errors; a full buffer
// drops the event and counts the drop.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RowsRead counts source rows handed to the normalizer.
	// Labels: kind (trip_data, zone_lookup)
	RowsRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripflow_rows_read_total",
			Help: "Total number of source rows read",
		},
		[]string{"kind"},
	)

	// RowsLoaded counts rows committed to the store.
	// Labels: kind, strategy (copy, insert, replace)
	RowsLoaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripflow_rows_loaded_total",
			Help: "Total number of rows committed to the store",
		},
		[]string{"kind", "strategy"},
	)

	// RowsSkipped counts rows dropped by validation.
	// Labels: reason (distance, fare, total, id)
	RowsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripflow_rows_skipped_total",
			Help: "Total number of rows rejected by validation",
		},
		[]string{"reason"},
	)

	// StageDuration tracks how long each job stage takes, in seconds.
	// Labels: stage (fetch, load, lookup, refresh)
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "tripflow_stage_duration_seconds",
			Help: "Duration of ingestion stages in seconds",
			Buckets: []float64{
				0.01, // 10ms - small lookup tables
				0.1,  // 100ms
				1,    // 1s - single batches
				10,   // 10s
				60,   // 1m - typical monthly file
				300,  // 5m
				1800, // 30m - very large downloads
			},
		},
		[]string{"stage"},
	)

	// ItemsProcessed counts finished jobs.
	// Labels: kind, status (done, error)
	ItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripflow_items_processed_total",
			Help: "Total number of ingestion jobs finished",
		},
		[]string{"kind", "status"},
	)

	// ActiveJobs tracks jobs currently running in this process.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tripflow_active_jobs",
			Help: "Number of ingestion jobs currently running",
		},
	)

	// QueueDepth tracks tasks waiting for a worker.
	// Labels: queue_name
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tripflow_queue_depth",
			Help: "Current queue depth",
		},
		[]string{"queue_name"},
	)

	// Throughput tracks rows per second of the most recent load.
	// Labels: strategy
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tripflow_throughput_rows_per_second",
			Help: "Rows per second of the most recent load",
		},
		[]string{"strategy"},
	)

	// TimingEvents counts timing events by sink and outcome.
	// Labels: sink, outcome (sent, dropped, failed)
	TimingEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripflow_timing_events_total",
			Help: "Timing events handled by each sink",
		},
		[]string{"sink", "outcome"},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
// It captures the start time on creation and calculates elapsed time on stop.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Name returns the name the timer was created with.
func (t *Timer) Name() string { return t.name }

// Stop returns the elapsed duration since creation. The timer can be
// stopped multiple times.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ObserveStage records the elapsed time in StageDuration under the timer's name.
func (t *Timer) ObserveStage() time.Duration {
	d := t.Stop()
	StageDuration.WithLabelValues(t.name).Observe(d.Seconds())
	return d
}

// Event builds a timing event for label and view from the elapsed time.
func (t *Timer) Event(label, view string, rows int64, optimized bool) Event {
	return Event{
		Label:     label,
		View:      view,
		ElapsedMS: float64(t.Stop().Microseconds()) / 1000,
		Rows:      rows,
		Optimized: optimized,
		At:        time.Now().UTC(),
	}
}

// ThroughputTracker tracks throughput (rows per second) over time windows.
// Thread-safe for concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64     // Rows since last reset
	lastReset time.Time // Time of last reset
	strategy  string
}

// NewThroughputTracker creates a tracker reporting under strategy.
func NewThroughputTracker(strategy string) *ThroughputTracker {
	return &ThroughputTracker{
		lastReset: time.Now(),
		strategy:  strategy,
	}
}

// Increment adds n to the row count. Safe for concurrent use.
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset calculates the current throughput, updates the Prometheus
// gauge, resets the counter and returns the rate.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}

	throughput := float64(t.count) / elapsed

	t.count = 0
	t.lastReset = time.Now()

	Throughput.WithLabelValues(t.strategy).Set(throughput)

	return throughput
}
