// Package normalize converts raw source values into typed trip and lookup
// records.
//
// Every function is total: nil, NaN, infinities, out-of-range integers and
// malformed strings all map to "absent" (a false second return) instead of
// an error or a panic. Row level functions turn absent mandatory fields into
// a Rejection, which callers count as skipped rows.
package normalize
