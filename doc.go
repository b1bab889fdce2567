// Package tripflow loads published taxi trip records and the taxi zone lookup
// table into a relational store.
//
// Sources arrive two ways: a file uploaded directly and processed on the
// caller's goroutine, or a newline separated list of URLs submitted as a
// batch whose items are fetched and loaded independently by a worker pool.
// Every upload and item ends in done or error with a readable message, and a
// batch reports how many of its items reached a terminal state.
//
// # Architecture
//
//	URL list -> BatchCoordinator -> queue.Dispatcher -> Runner
//	                                                   |-> fetch (http, s3, gs)
//	                                                   |-> loader (trip data | zone lookup)
//	upload   -> Runner ------------------------------------^
//
// Trip data is read from Parquet in bounded columnar batches, normalized row
// by row (rows with negative distance, fare or total are skipped) and written
// with COPY on Postgres or multi-row INSERT elsewhere. The zone lookup is
// replaced in a single transaction.
//
// # Quick Start
//
//	tripflow migrate
//	tripflow ingest file yellow_tripdata_2024-01.parquet
//	tripflow ingest file taxi_zone_lookup.csv --kind zone_lookup
//	tripflow ingest urls --file sources.txt
//	tripflow serve --addr :8080
//
// # Key Packages
//
//	internal/ingest   - Jobs, batch coordination and the service API
//	internal/queue    - Local worker pool and Redis Streams dispatch
//	internal/api      - HTTP surface
//	pkg/columnar      - Parquet batch reader
//	pkg/normalize     - Row validation and coercion
//	pkg/loader        - Trip and lookup loaders with COPY / INSERT sinks
//	pkg/fetch         - Remote source download to scratch files
//	pkg/store         - Metadata and target tables (postgres, mysql, sqlite)
//	pkg/metrics       - Prometheus metrics and timing sinks
//	pkg/config        - Unified configuration management
//	pkg/errors        - Structured error handling
//	pkg/logger        - Structured logging
//
// # Configuration
//
// tripflow uses a unified configuration system:
//
//	type BaseConfig struct {
//	    Database      DatabaseConfig      // Driver, DSN, COPY toggle
//	    Ingest        IngestConfig        // Batch and chunk sizes, upload dir
//	    Fetch         FetchConfig         // Timeout, scratch dir, cloud endpoints
//	    Reliability   ReliabilityConfig   // Fetch retries
//	    Queue         QueueConfig         // local or redis dispatch
//	    Server        ServerConfig        // HTTP address, upload limit
//	    Observability ObservabilityConfig // Logging, metrics, tracing, timing sinks
//	}
//
// YAML files support ${VAR_NAME} substitution, and every key can be
// overridden with a TRIPFLOW_* environment variable such as
// TRIPFLOW_DATABASE_DSN.
package tripflow
