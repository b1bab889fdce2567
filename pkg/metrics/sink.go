package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event is one timing measurement of an ingestion stage.
type Event struct {
	Label     string    `json:"label"`
	View      string    `json:"view"`
	ElapsedMS float64   `json:"elapsed_ms"`
	Rows      int64     `json:"rows"`
	Optimized bool      `json:"optimized"`
	At        time.Time `json:"at"`
}

// Sink receives timing events. Report must not block and must not fail the
// caller.
type Sink interface {
	Report(Event)
}

// Nop discards every event.
type Nop struct{}

// Report implements Sink.
func (Nop) Report(Event) {}

// Multi fans an event out to every member.
type Multi []Sink

// Report implements Sink.
func (m Multi) Report(e Event) {
	for _, s := range m {
		s.Report(e)
	}
}

// NewMulti combines sinks, dropping nils. It returns Nop when nothing is left.
func NewMulti(sinks ...Sink) Sink {
	out := make(Multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return Nop{}
	case 1:
		return out[0]
	}
	return out
}

var (
	eventElapsed = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tripflow_timing_event_milliseconds",
			Help:    "Elapsed milliseconds reported by timing events",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
		[]string{"label", "optimized"},
	)
	eventRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripflow_timing_event_rows_total",
			Help: "Rows reported by timing events",
		},
		[]string{"label"},
	)
)

// PrometheusSink records events into Prometheus vectors.
type PrometheusSink struct{}

// Report implements Sink.
func (PrometheusSink) Report(e Event) {
	opt := "false"
	if e.Optimized {
		opt = "true"
	}
	eventElapsed.WithLabelValues(e.Label, opt).Observe(e.ElapsedMS)
	eventRows.WithLabelValues(e.Label).Add(float64(e.Rows))
	TimingEvents.WithLabelValues("prometheus", "sent").Inc()
}
