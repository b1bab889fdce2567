package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// BaseConfig is the unified configuration for every tripflow process.
type BaseConfig struct {
	// Name identifies the deployment in logs and metrics
	Name string `yaml:"name" json:"name"`

	Database      DatabaseConfig      `yaml:"database" json:"database"`
	Ingest        IngestConfig        `yaml:"ingest" json:"ingest"`
	Fetch         FetchConfig         `yaml:"fetch" json:"fetch"`
	Reliability   ReliabilityConfig   `yaml:"reliability" json:"reliability"`
	Queue         QueueConfig         `yaml:"queue" json:"queue"`
	Server        ServerConfig        `yaml:"server" json:"server"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// DatabaseConfig describes the relational store.
type DatabaseConfig struct {
	// Driver is one of postgres, mysql or sqlite
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the driver specific connection string
	DSN string `yaml:"dsn" json:"dsn"`
	// MaxConns bounds the connection pool
	MaxConns int `yaml:"max_conns" json:"max_conns"`
	// CopyEnabled allows the streaming COPY path on postgres
	CopyEnabled bool `yaml:"copy_enabled" json:"copy_enabled"`
}

// IngestConfig controls batch sizes of the load pipeline.
type IngestConfig struct {
	// ReadBatchSize is the number of rows per columnar read batch
	ReadBatchSize int `yaml:"read_batch_size" json:"read_batch_size"`
	// CopyBatchSize is the number of rows streamed per COPY transaction
	CopyBatchSize int `yaml:"copy_batch_size" json:"copy_batch_size"`
	// InsertChunkSize is the number of rows per multi-row INSERT
	InsertChunkSize int `yaml:"insert_chunk_size" json:"insert_chunk_size"`
	// LookupChunkSize is the number of lookup rows per INSERT
	LookupChunkSize int `yaml:"lookup_chunk_size" json:"lookup_chunk_size"`
	// UploadDir stores uploaded source files
	UploadDir string `yaml:"upload_dir" json:"upload_dir"`
	// MemoryMap maps columnar files into memory while reading
	MemoryMap bool `yaml:"memory_map" json:"memory_map"`
}

// FetchConfig controls remote source downloads.
type FetchConfig struct {
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	ScratchDir string        `yaml:"scratch_dir" json:"scratch_dir"`
	BufferSize int           `yaml:"buffer_size" json:"buffer_size"`
	UserAgent  string        `yaml:"user_agent" json:"user_agent"`
	S3Region   string        `yaml:"s3_region" json:"s3_region"`
	// S3Endpoint and GCSEndpoint point the cloud getters at compatible
	// services such as MinIO or a storage emulator
	S3Endpoint  string `yaml:"s3_endpoint" json:"s3_endpoint"`
	GCSEndpoint string `yaml:"gcs_endpoint" json:"gcs_endpoint"`
}

// ReliabilityConfig contains the fetch retry settings.
type ReliabilityConfig struct {
	// RetryAttempts is the total number of fetch attempts
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// RetryDelay is the initial delay between attempts
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// RetryMultiplier increases delay exponentially
	RetryMultiplier float64 `yaml:"retry_multiplier" json:"retry_multiplier"`
	// MaxRetryDelay caps the delay
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
}

// Queue modes.
const (
	QueueModeLocal = "local"
	QueueModeRedis = "redis"
)

// QueueConfig selects how batch items are dispatched.
type QueueConfig struct {
	Mode          string `yaml:"mode" json:"mode"`
	Workers       int    `yaml:"workers" json:"workers"`
	RedisURL      string `yaml:"redis_url" json:"redis_url"`
	Stream        string `yaml:"stream" json:"stream"`
	ConsumerGroup string `yaml:"consumer_group" json:"consumer_group"`
	BlockMs       int    `yaml:"block_ms" json:"block_ms"`
	// MaxDeliveries bounds redeliveries of a task whose handler failed
	// before it is moved to the dead letter stream
	MaxDeliveries int `yaml:"max_deliveries" json:"max_deliveries"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr        string `yaml:"addr" json:"addr"`
	MaxUploadMB int    `yaml:"max_upload_mb" json:"max_upload_mb"`
}

// ObservabilityConfig contains logging, metrics and tracing settings.
type ObservabilityConfig struct {
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
	// LogEncoding is json or console
	LogEncoding   string `yaml:"log_encoding" json:"log_encoding"`
	EnableMetrics bool   `yaml:"enable_metrics" json:"enable_metrics"`
	EnableTracing bool   `yaml:"enable_tracing" json:"enable_tracing"`
	// TimingLog persists stage timings into the ingest_timings table
	TimingLog bool `yaml:"timing_log" json:"timing_log"`
	// KafkaBrokers enables the Kafka timing sink when non-empty
	KafkaBrokers []string `yaml:"kafka_brokers" json:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic" json:"kafka_topic"`
}

// NewBaseConfig creates a BaseConfig with defaults suitable for a single
// node development setup on sqlite.
func NewBaseConfig() *BaseConfig {
	tmp := os.TempDir()
	return &BaseConfig{
		Name: "tripflow",
		Database: DatabaseConfig{
			Driver:      "sqlite",
			DSN:         "file:tripflow.db?_pragma=busy_timeout(5000)",
			MaxConns:    10,
			CopyEnabled: true,
		},
		Ingest: IngestConfig{
			ReadBatchSize:   100_000,
			CopyBatchSize:   100_000,
			InsertChunkSize: 10_000,
			LookupChunkSize: 2_000,
			UploadDir:       filepath.Join(tmp, "tripflow", "uploads"),
		},
		Fetch: FetchConfig{
			Timeout:    120 * time.Second,
			ScratchDir: tmp,
			BufferSize: 1 << 20,
			UserAgent:  "tripflow/1.0",
			S3Region:   "us-east-1",
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:   3,
			RetryDelay:      time.Second,
			RetryMultiplier: 2.0,
			MaxRetryDelay:   30 * time.Second,
		},
		Queue: QueueConfig{
			Mode:          QueueModeLocal,
			Workers:       runtime.NumCPU(),
			Stream:        "tripflow:items",
			ConsumerGroup: "tripflow-workers",
			BlockMs:       5000,
			MaxDeliveries: 3,
		},
		Server: ServerConfig{
			Addr:        ":8080",
			MaxUploadMB: 1024,
		},
		Observability: ObservabilityConfig{
			LogLevel:      "info",
			LogEncoding:   "json",
			EnableMetrics: true,
			KafkaTopic:    "tripflow.timings",
		},
	}
}

// Validate checks required fields and value ranges.
func (bc *BaseConfig) Validate() error {
	switch strings.ToLower(bc.Database.Driver) {
	case "postgres", "pgx", "mysql", "sqlite":
	default:
		return fmt.Errorf("database.driver %q is not supported", bc.Database.Driver)
	}
	if bc.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if bc.Ingest.ReadBatchSize < 1 || bc.Ingest.ReadBatchSize > 1_000_000 {
		return fmt.Errorf("ingest.read_batch_size must be between 1 and 1000000")
	}
	if bc.Ingest.CopyBatchSize <= 0 {
		return fmt.Errorf("ingest.copy_batch_size must be positive")
	}
	if bc.Ingest.InsertChunkSize <= 0 {
		return fmt.Errorf("ingest.insert_chunk_size must be positive")
	}
	if bc.Ingest.LookupChunkSize <= 0 {
		return fmt.Errorf("ingest.lookup_chunk_size must be positive")
	}
	if bc.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be positive")
	}
	if bc.Reliability.RetryAttempts < 1 {
		return fmt.Errorf("reliability.retry_attempts must be at least 1")
	}
	if bc.Reliability.RetryMultiplier < 1 {
		return fmt.Errorf("reliability.retry_multiplier must be at least 1")
	}
	switch bc.Queue.Mode {
	case QueueModeLocal:
	case QueueModeRedis:
		if bc.Queue.RedisURL == "" {
			return fmt.Errorf("queue.redis_url is required in redis mode")
		}
	default:
		return fmt.Errorf("queue.mode %q is not supported", bc.Queue.Mode)
	}
	if len(bc.Observability.KafkaBrokers) > 0 && bc.Observability.KafkaTopic == "" {
		return fmt.Errorf("observability.kafka_topic is required with kafka_brokers")
	}
	return nil
}

// GetWorkers returns the number of workers, ensuring it's at least 1
func (q *QueueConfig) GetWorkers() int {
	if q.Workers <= 0 {
		return runtime.NumCPU()
	}
	return q.Workers
}

// MaxUploadBytes returns the upload limit in bytes.
func (s *ServerConfig) MaxUploadBytes() int64 {
	if s.MaxUploadMB <= 0 {
		return 32 << 20
	}
	return int64(s.MaxUploadMB) << 20
}
