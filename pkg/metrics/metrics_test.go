package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/tripflow/pkg/errors"
	"github.com/ajitpratap0/tripflow/pkg/store"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Report(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]store.Timing
	err     error
	block   chan struct{}
}

func (f *fakeWriter) InsertTimings(_ context.Context, timings []store.Timing) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]store.Timing(nil), timings...)
	f.batches = append(f.batches, cp)
	return f.err
}

func (f *fakeWriter) rows() []store.Timing {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Timing
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func TestTimerEvent(t *testing.T) {
	timer := NewTimer("load")
	time.Sleep(2 * time.Millisecond)

	e := timer.Event("upload", "trip_data", 95, true)
	assert.Equal(t, "upload", e.Label)
	assert.Equal(t, "trip_data", e.View)
	assert.Equal(t, int64(95), e.Rows)
	assert.True(t, e.Optimized)
	assert.GreaterOrEqual(t, e.ElapsedMS, 2.0)
	assert.Equal(t, time.UTC, e.At.Location())
	assert.Equal(t, "load", timer.Name())
}

func TestTimerObserveStage(t *testing.T) {
	timer := NewTimer("observe-test")
	time.Sleep(time.Millisecond)

	assert.GreaterOrEqual(t, timer.ObserveStage(), time.Millisecond)
	assert.GreaterOrEqual(t, testutil.CollectAndCount(StageDuration), 1)
}

func TestNewMulti(t *testing.T) {
	assert.Equal(t, Nop{}, NewMulti())
	assert.Equal(t, Nop{}, NewMulti(nil, nil))

	a := &recordingSink{}
	assert.Same(t, a, NewMulti(nil, a))

	b := &recordingSink{}
	m := NewMulti(a, b)
	m.Report(Event{Label: "x"})
	assert.Equal(t, 1, a.len())
	assert.Equal(t, 1, b.len())
}

func TestPrometheusSink(t *testing.T) {
	before := testutil.ToFloat64(eventRows.WithLabelValues("prom-test"))
	PrometheusSink{}.Report(Event{Label: "prom-test", ElapsedMS: 12, Rows: 40})
	PrometheusSink{}.Report(Event{Label: "prom-test", ElapsedMS: 3, Rows: 2, Optimized: true})
	assert.Equal(t, before+42, testutil.ToFloat64(eventRows.WithLabelValues("prom-test")))
}

func TestThroughputTracker(t *testing.T) {
	tr := NewThroughputTracker("test")
	tr.Increment(500)
	time.Sleep(5 * time.Millisecond)
	rate := tr.GetAndReset()
	assert.Greater(t, rate, 0.0)
	assert.Equal(t, rate, testutil.ToFloat64(Throughput.WithLabelValues("test")))
}

func TestSQLLogFlushesOnClose(t *testing.T) {
	w := &fakeWriter{}
	l := NewSQLLog(w, SQLLogConfig{FlushInterval: time.Hour}, zaptest.NewLogger(t))

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	l.Report(Event{Label: "copy", View: "trip_data", ElapsedMS: 1.5, Rows: 10, Optimized: true, At: at})
	l.Report(Event{Label: "insert", View: "trip_data", ElapsedMS: 9, Rows: 10})
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	rows := w.rows()
	require.Len(t, rows, 2)
	assert.Equal(t, store.Timing{Label: "copy", View: "trip_data", ElapsedMS: 1.5, Rows: 10, Optimized: true, At: at}, rows[0])
	assert.Equal(t, "insert", rows[1].Label)

	// reports after close are dropped, not written
	l.Report(Event{Label: "late"})
	assert.Len(t, w.rows(), 2)
}

func TestSQLLogFlushSize(t *testing.T) {
	w := &fakeWriter{}
	l := NewSQLLog(w, SQLLogConfig{FlushSize: 2, FlushInterval: time.Hour}, zaptest.NewLogger(t))
	defer l.Close()

	for i := 0; i < 4; i++ {
		l.Report(Event{Label: "batch"})
	}
	assert.Eventually(t, func() bool { return len(w.rows()) == 4 }, time.Second, 5*time.Millisecond)
}

func TestSQLLogDropsWhenFull(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	l := NewSQLLog(w, SQLLogConfig{BufferSize: 1, FlushSize: 1, FlushInterval: time.Hour}, zaptest.NewLogger(t))

	before := testutil.ToFloat64(TimingEvents.WithLabelValues("sql", "dropped"))
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			l.Report(Event{Label: "flood"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Report blocked on a full buffer")
	}
	assert.Greater(t, testutil.ToFloat64(TimingEvents.WithLabelValues("sql", "dropped")), before)

	close(w.block)
	require.NoError(t, l.Close())
}

func TestSQLLogWriterFailureIsSwallowed(t *testing.T) {
	w := &fakeWriter{err: errors.New(errors.ErrorTypeStore, "disk full")}
	l := NewSQLLog(w, SQLLogConfig{}, zaptest.NewLogger(t))
	l.Report(Event{Label: "x"})
	require.NoError(t, l.Close())
	assert.Len(t, w.rows(), 1)
}

func TestKafkaSink(t *testing.T) {
	config := KafkaConfig()
	producer := mocks.NewAsyncProducer(t, config)

	producer.ExpectInputWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, "tripflow.timings", msg.Topic)
		key, err := msg.Key.Encode()
		require.NoError(t, err)
		assert.Equal(t, "upload", string(key))

		raw, err := msg.Value.Encode()
		require.NoError(t, err)
		var e Event
		require.NoError(t, json.Unmarshal(raw, &e))
		assert.Equal(t, int64(95), e.Rows)
		assert.True(t, e.Optimized)
		return nil
	})
	producer.ExpectInputAndFail(sarama.ErrOutOfBrokers)

	sink := NewKafkaSinkFromProducer(producer, "tripflow.timings", zaptest.NewLogger(t))

	sentBefore := testutil.ToFloat64(TimingEvents.WithLabelValues("kafka", "sent"))
	failedBefore := testutil.ToFloat64(TimingEvents.WithLabelValues("kafka", "failed"))

	sink.Report(Event{Label: "upload", View: "trip_data", Rows: 95, Optimized: true, At: time.Now().UTC()})
	sink.Report(Event{Label: "batch", Rows: 3})
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	assert.Equal(t, sentBefore+1, testutil.ToFloat64(TimingEvents.WithLabelValues("kafka", "sent")))
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(TimingEvents.WithLabelValues("kafka", "failed")))

	// closed sink drops instead of panicking on the closed input channel
	sink.Report(Event{Label: "late"})
}

func TestNewKafkaSinkRequiresBrokers(t *testing.T) {
	_, err := NewKafkaSink(nil, "t", zaptest.NewLogger(t))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
