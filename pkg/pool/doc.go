// Package pool implements type-safe object pooling for the hot paths of the
// bulk loader: CSV encoding buffers for the COPY protocol and the record
// slices that accumulate accepted rows between flushes.
//
// # Core Types
//
//   - Pool[T]: generic pool built on sync.Pool with reset hooks and stats
//   - Buffer and trip-slice pools: pre-configured global pools
//
// # Usage Patterns
//
//	buf := pool.GetBuffer()
//	defer pool.PutBuffer(buf)
//
//	recs := pool.GetTripSlice(10_000)
//	defer pool.PutTripSlice(recs)
//
// Oversized objects are not returned to the pool so one unusually large
// batch does not pin its memory for the life of the process.
package pool
