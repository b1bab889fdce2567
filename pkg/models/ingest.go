package models

import "time"

// SourceUpload is a file submitted directly for ingestion.
type SourceUpload struct {
	ID            int64     `json:"id"`
	Path          string    `json:"path"`
	Kind          Kind      `json:"kind"`
	Status        Status    `json:"status"`
	ProcessedRows int64     `json:"processed_rows"`
	ErrorMessage  *string   `json:"error_message"`
	CreatedAt     time.Time `json:"created_at"`
}

// IngestBatch groups the items of one URL list submission.
type IngestBatch struct {
	ID           int64     `json:"id"`
	Total        int       `json:"total"`
	Done         int       `json:"done"`
	Status       Status    `json:"status"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// IngestItem is one remote source inside a batch.
type IngestItem struct {
	ID            int64     `json:"id"`
	BatchID       int64     `json:"batch_id"`
	URL           string    `json:"url"`
	Kind          Kind      `json:"kind"`
	Status        Status    `json:"status"`
	ProcessedRows int64     `json:"processed_rows"`
	ErrorMessage  *string   `json:"error_message"`
	Attempts      int       `json:"attempts"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// DeriveBatchStatus computes a batch status from item counts. terminal counts
// items in done or error, errored those in error.
func DeriveBatchStatus(total, terminal, errored int) Status {
	if terminal < total {
		return StatusProcessing
	}
	if errored > 0 {
		return StatusError
	}
	return StatusDone
}
