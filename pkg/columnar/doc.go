// Package columnar reads Parquet trip files as a lazy sequence of bounded
// row batches.
//
// Only the declared columns that exist in the file are projected; declared
// columns missing from the file read as nil on every row so callers can apply
// their own defaults. Batches are produced on demand and never hold more than
// the configured number of rows:
//
//	r, err := columnar.Open(ctx, path, columnar.WithBatchSize(100_000))
//	if err != nil {
//	    return err
//	}
//	defer r.Close()
//
//	for batch, err := range r.Batches(ctx) {
//	    if err != nil {
//	        return err
//	    }
//	    for i := 0; i < batch.Len(); i++ {
//	        rec, rej := normalize.Trip(batch.Row(i))
//	        ...
//	    }
//	    batch.Release()
//	}
//
// A Reader is single pass and not safe for concurrent use.
package columnar
