package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tripflow/internal/ingest"
	"github.com/ajitpratap0/tripflow/internal/queue"
	"github.com/ajitpratap0/tripflow/pkg/config"
	"github.com/ajitpratap0/tripflow/pkg/fetch"
	"github.com/ajitpratap0/tripflow/pkg/loader"
	"github.com/ajitpratap0/tripflow/pkg/logger"
	"github.com/ajitpratap0/tripflow/pkg/metrics"
	"github.com/ajitpratap0/tripflow/pkg/observability"
	"github.com/ajitpratap0/tripflow/pkg/retry"
	"github.com/ajitpratap0/tripflow/pkg/store"
)

// flagKeys maps persistent flags to configuration keys. The same keys are
// read from TRIPFLOW_* environment variables, e.g. TRIPFLOW_DATABASE_DSN.
var flagKeys = map[string]string{
	"config":     "config",
	"log-level":  "observability.log_level",
	"db-driver":  "database.driver",
	"db-dsn":     "database.dsn",
	"queue-mode": "queue.mode",
	"redis-url":  "queue.redis_url",
	"workers":    "queue.workers",
}

func bindFlags(v *viper.Viper, root *cobra.Command) {
	for flag, key := range flagKeys {
		_ = v.BindPFlag(key, root.PersistentFlags().Lookup(flag))
	}
}

// loadConfig reads the YAML file named by config, then applies environment
// and flag overrides on top.
func loadConfig(v *viper.Viper) (*config.BaseConfig, error) {
	cfg := config.NewBaseConfig()
	if path := v.GetString("config"); path != "" {
		if err := config.Load(path, cfg); err != nil {
			return nil, err
		}
	}

	str := func(key string, dst *string) {
		if v.IsSet(key) && v.GetString(key) != "" {
			*dst = v.GetString(key)
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) && v.GetInt(key) > 0 {
			*dst = v.GetInt(key)
		}
	}
	flag := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v.IsSet(key) && v.GetDuration(key) > 0 {
			*dst = v.GetDuration(key)
		}
	}

	str("database.driver", &cfg.Database.Driver)
	str("database.dsn", &cfg.Database.DSN)
	num("database.max_conns", &cfg.Database.MaxConns)
	flag("database.copy_enabled", &cfg.Database.CopyEnabled)
	str("ingest.upload_dir", &cfg.Ingest.UploadDir)
	num("ingest.read_batch_size", &cfg.Ingest.ReadBatchSize)
	dur("fetch.timeout", &cfg.Fetch.Timeout)
	str("fetch.scratch_dir", &cfg.Fetch.ScratchDir)
	str("fetch.s3_region", &cfg.Fetch.S3Region)
	str("fetch.s3_endpoint", &cfg.Fetch.S3Endpoint)
	str("fetch.gcs_endpoint", &cfg.Fetch.GCSEndpoint)
	num("reliability.retry_attempts", &cfg.Reliability.RetryAttempts)
	str("queue.mode", &cfg.Queue.Mode)
	num("queue.workers", &cfg.Queue.Workers)
	str("queue.redis_url", &cfg.Queue.RedisURL)
	str("queue.stream", &cfg.Queue.Stream)
	str("server.addr", &cfg.Server.Addr)
	num("server.max_upload_mb", &cfg.Server.MaxUploadMB)
	str("observability.log_level", &cfg.Observability.LogLevel)
	str("observability.log_encoding", &cfg.Observability.LogEncoding)
	flag("observability.enable_metrics", &cfg.Observability.EnableMetrics)
	flag("observability.enable_tracing", &cfg.Observability.EnableTracing)
	flag("observability.timing_log", &cfg.Observability.TimingLog)
	if v.IsSet("observability.kafka_brokers") {
		cfg.Observability.KafkaBrokers = v.GetStringSlice("observability.kafka_brokers")
	}
	str("observability.kafka_topic", &cfg.Observability.KafkaTopic)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// app holds the components shared by every command.
type app struct {
	cfg     *config.BaseConfig
	logger  *zap.Logger
	db      *store.DB
	runner  *ingest.Runner
	closers []func() error
}

func setup(ctx context.Context, v *viper.Viper) (*app, error) {
	cfg, err := loadConfig(v)
	if err != nil {
		return nil, err
	}

	if err := logger.Init(logger.Config{
		Level:    cfg.Observability.LogLevel,
		Encoding: cfg.Observability.LogEncoding,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.Get().With(zap.String("component", "tripflow-cli"))

	a := &app{cfg: cfg, logger: log}
	a.closers = append(a.closers, func() error {
		_ = logger.Sync()
		return nil
	})

	if cfg.Observability.EnableTracing {
		if err := observability.Initialize(observability.DefaultTracingConfig(version)); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return observability.Shutdown(shutdownCtx)
		})
	}

	db, err := store.Open(ctx, cfg.Database, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	sink, err := a.timingSink()
	if err != nil {
		a.Close()
		return nil, err
	}

	handlers := ingest.NewHandlers(
		loader.NewBulkLoader(db, cfg.Ingest, sink, log),
		loader.NewLookupLoader(db, cfg.Ingest.LookupChunkSize, sink, log),
	)
	a.runner = ingest.NewRunner(db, fetch.New(cfg.Fetch, log), handlers, retry.FromConfig(cfg.Reliability), log)

	log.Debug("Configured",
		zap.String("driver", cfg.Database.Driver),
		zap.String("queue_mode", cfg.Queue.Mode),
		zap.Bool("copy", db.SupportsCopy()))
	return a, nil
}

// timingSink fans stage timings out to every enabled sink.
func (a *app) timingSink() (metrics.Sink, error) {
	obs := a.cfg.Observability
	var sinks []metrics.Sink
	if obs.EnableMetrics {
		sinks = append(sinks, metrics.PrometheusSink{})
	}
	if obs.TimingLog {
		l := metrics.NewSQLLog(a.db, metrics.DefaultSQLLogConfig(), a.logger)
		sinks = append(sinks, l)
		// Registered after the store so it flushes before the store closes.
		a.closers = append(a.closers, l.Close)
	}
	if len(obs.KafkaBrokers) > 0 {
		k, err := metrics.NewKafkaSink(obs.KafkaBrokers, obs.KafkaTopic, a.logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, k)
		a.closers = append(a.closers, k.Close)
	}
	return metrics.NewMulti(sinks...), nil
}

// dispatcher returns the configured task dispatcher. The local pool runs
// items on this process's runner.
func (a *app) dispatcher(ctx context.Context) (queue.Dispatcher, error) {
	if a.cfg.Queue.Mode == config.QueueModeRedis {
		return queue.NewRedisQueue(ctx, a.cfg.Queue, a.logger)
	}
	return queue.NewLocalPool(a.cfg.Queue.GetWorkers(), 0, a.runner.HandleTask, a.logger), nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Shutdown step failed", zap.Error(err))
		}
	}
}
