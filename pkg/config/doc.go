// Package config holds the tripflow runtime configuration.
//
// A single BaseConfig is shared by the HTTP server, the queue workers and the
// one-shot CLI commands. It is organized into sections:
//   - Database: metadata and trip store connection, bulk-copy switch
//   - Ingest: read batch, copy batch and insert chunk sizes, upload directory
//   - Fetch: remote download timeout, scratch directory, copy buffer
//   - Reliability: fetch retry policy
//   - Queue: local worker pool or Redis Streams dispatch
//   - Server: HTTP listen address and upload limits
//   - Observability: logging, metrics, tracing and timing sinks
//
// Values are loaded from YAML with ${ENV} substitution:
//
//	cfg := config.NewBaseConfig()
//	if err := config.Load("tripflow.yaml", cfg); err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config
