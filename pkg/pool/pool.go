package pool

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/ajitpratap0/tripflow/pkg/models"
)

// Pool represents a generic object pool with type safety.
// It wraps sync.Pool with a reset hook and statistics tracking. The pool is
// safe for concurrent use.
type Pool[T any] struct {
	pool  sync.Pool
	new   func() T
	reset func(T) bool
	stats struct {
		allocated int64
		inUse     int64
		hits      int64
		misses    int64
		discarded int64
	}
}

// New creates a new typed pool. reset is called on Put; returning false
// discards the object instead of pooling it.
//
// Example:
//
//	p := New(
//	    func() *bytes.Buffer { return new(bytes.Buffer) },
//	    func(b *bytes.Buffer) bool { b.Reset(); return true },
//	)
func New[T any](new func() T, reset func(T) bool) *Pool[T] {
	return &Pool[T]{
		new:   new,
		reset: reset,
	}
}

// Get retrieves an object from the pool, allocating one when it is empty.
func (p *Pool[T]) Get() T {
	atomic.AddInt64(&p.stats.inUse, 1)
	if obj, ok := p.pool.Get().(T); ok {
		atomic.AddInt64(&p.stats.hits, 1)
		return obj
	}
	atomic.AddInt64(&p.stats.misses, 1)
	atomic.AddInt64(&p.stats.allocated, 1)
	return p.new()
}

// Put returns an object to the pool for reuse.
func (p *Pool[T]) Put(obj T) {
	atomic.AddInt64(&p.stats.inUse, -1)
	if p.reset != nil && !p.reset(obj) {
		atomic.AddInt64(&p.stats.discarded, 1)
		return
	}
	p.pool.Put(obj)
}

// Stats holds pool counters.
type Stats struct {
	Allocated int64
	InUse     int64
	Hits      int64
	Misses    int64
	Discarded int64
}

// Stats returns current pool statistics.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Allocated: atomic.LoadInt64(&p.stats.allocated),
		InUse:     atomic.LoadInt64(&p.stats.inUse),
		Hits:      atomic.LoadInt64(&p.stats.hits),
		Misses:    atomic.LoadInt64(&p.stats.misses),
		Discarded: atomic.LoadInt64(&p.stats.discarded),
	}
}

const (
	// MaxPooledBuffer is the largest buffer capacity kept for reuse.
	MaxPooledBuffer = 64 << 20
	// MaxPooledTrips is the largest trip slice capacity kept for reuse.
	MaxPooledTrips = 1_000_000
)

var (
	// BufferPool holds encoding buffers for COPY batches.
	BufferPool = New(
		func() *bytes.Buffer { return bytes.NewBuffer(make([]byte, 0, 1<<20)) },
		func(b *bytes.Buffer) bool {
			if b.Cap() > MaxPooledBuffer {
				return false
			}
			b.Reset()
			return true
		},
	)

	// TripSlicePool holds record slices used between loader flushes.
	TripSlicePool = New(
		func() *[]models.TripRecord {
			s := make([]models.TripRecord, 0, 10_000)
			return &s
		},
		func(s *[]models.TripRecord) bool {
			if cap(*s) > MaxPooledTrips {
				return false
			}
			clear((*s)[:cap(*s)])
			*s = (*s)[:0]
			return true
		},
	)
)

// GetBuffer returns an empty buffer.
func GetBuffer() *bytes.Buffer {
	return BufferPool.Get()
}

// PutBuffer returns a buffer to the pool. Safe to call with nil.
func PutBuffer(b *bytes.Buffer) {
	if b != nil {
		BufferPool.Put(b)
	}
}

// GetTripSlice returns an empty slice with at least capacity elements of room.
func GetTripSlice(capacity int) []models.TripRecord {
	sp := TripSlicePool.Get()
	s := *sp
	if cap(s) < capacity {
		s = make([]models.TripRecord, 0, capacity)
	}
	return s[:0]
}

// PutTripSlice returns a slice to the pool. Safe to call with nil.
func PutTripSlice(s []models.TripRecord) {
	if s == nil {
		return
	}
	TripSlicePool.Put(&s)
}
