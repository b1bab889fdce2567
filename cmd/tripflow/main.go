package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tripflow/internal/api"
	"github.com/ajitpratap0/tripflow/internal/ingest"
	"github.com/ajitpratap0/tripflow/internal/queue"
	"github.com/ajitpratap0/tripflow/pkg/config"
	"github.com/ajitpratap0/tripflow/pkg/models"
)

var version = "0.1.0"

func main() {
	v := viper.New()
	v.SetEnvPrefix("TRIPFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "tripflow",
		Short: "tripflow - bulk trip record ingestion",
		Long: `tripflow loads taxi trip data and the zone lookup table into a relational store.
Files can be uploaded directly or submitted as batches of URLs (http, https, s3, gs)
that are fetched and loaded by a pool of workers.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().String("db-driver", "", "Database driver (postgres, mysql, sqlite)")
	root.PersistentFlags().String("db-dsn", "", "Database connection string")
	root.PersistentFlags().String("queue-mode", "", "Item dispatch mode (local, redis)")
	root.PersistentFlags().String("redis-url", "", "Redis URL for the redis queue mode")
	root.PersistentFlags().Int("workers", 0, "Number of local workers")
	bindFlags(v, root)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tripflow v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.db.Migrate(cmd.Context())
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API. In local queue mode batch items are processed by an
in-process worker pool; in redis mode they are appended to the stream for
tripflow worker processes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v)
		},
	}
	serveCmd.Flags().String("addr", "", "Listen address")
	_ = v.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	root.AddCommand(serveCmd)

	root.AddCommand(&cobra.Command{
		Use:   "worker",
		Short: "Consume batch items from the redis stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), v)
		},
	})

	root.AddCommand(ingestCommand(v))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func ingestCommand(v *viper.Viper) *cobra.Command {
	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest sources without the HTTP API",
	}

	var kind string
	fileCmd := &cobra.Command{
		Use:   "file PATH",
		Short: "Load a local trip or lookup file",
		Long: `Load a local file synchronously.

Example:
  tripflow ingest file yellow_tripdata_2024-01.parquet
  tripflow ingest file taxi_zone_lookup.csv --kind zone_lookup`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngestFile(cmd.Context(), v, args[0], kind)
		},
	}
	fileCmd.Flags().StringVar(&kind, "kind", "", "Source kind (trip_data, zone_lookup); inferred from the name when empty")
	ingestCmd.AddCommand(fileCmd)

	var listFile string
	urlsCmd := &cobra.Command{
		Use:   "urls",
		Short: "Submit a newline separated list of URLs as a batch",
		Long: `Submit a batch of URLs. In local queue mode the command waits for every
item and prints the batch status; in redis mode it prints the batch id.

Example:
  tripflow ingest urls --file sources.txt
  cat sources.txt | tripflow ingest urls --file -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngestURLs(cmd.Context(), v, listFile)
		},
	}
	urlsCmd.Flags().StringVarP(&listFile, "file", "f", "-", "File holding the URL list, - for stdin")
	ingestCmd.AddCommand(urlsCmd)

	var limit int
	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "Run pending batch items synchronously",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPending(cmd.Context(), v, limit)
		},
	}
	pendingCmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of items, 0 for all")
	ingestCmd.AddCommand(pendingCmd)

	return ingestCmd
}

func runServe(ctx context.Context, v *viper.Viper) error {
	a, err := setup(ctx, v)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.db.Migrate(ctx); err != nil {
		return err
	}
	dispatcher, err := a.dispatcher(ctx)
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	svc := ingest.NewService(a.db, a.runner, dispatcher, a.cfg.Ingest, a.logger)
	srv := api.NewServer(svc, a.db, a.cfg.Server, a.cfg.Observability.EnableMetrics, a.logger)
	return srv.Run(ctx)
}

func runWorker(ctx context.Context, v *viper.Viper) error {
	a, err := setup(ctx, v)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Queue.Mode != config.QueueModeRedis {
		return fmt.Errorf("worker requires queue.mode %q", config.QueueModeRedis)
	}
	q, err := queue.NewRedisQueue(ctx, a.cfg.Queue, a.logger)
	if err != nil {
		return err
	}
	defer q.Close()

	a.logger.Info("Worker started", zap.String("stream", a.cfg.Queue.Stream))
	return q.Consume(ctx, a.runner.HandleTask)
}

func runIngestFile(ctx context.Context, v *viper.Viper, path, rawKind string) error {
	a, err := setup(ctx, v)
	if err != nil {
		return err
	}
	defer a.Close()

	kind := models.KindFromURL(path)
	if rawKind != "" {
		if kind, err = models.ParseKind(rawKind); err != nil {
			return err
		}
	}

	f, err := os.Open(path) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	if err := a.db.Migrate(ctx); err != nil {
		return err
	}
	svc := ingest.NewService(a.db, a.runner, nil, a.cfg.Ingest, a.logger)
	u, err := svc.SubmitUpload(ctx, path, f, kind)
	if err != nil {
		return err
	}
	u, err = svc.ProcessUpload(ctx, u.ID)
	if err != nil {
		return err
	}
	if err := printJSON(u); err != nil {
		return err
	}
	if u.Status == models.StatusError {
		return fmt.Errorf("upload %d failed", u.ID)
	}
	return nil
}

func runIngestURLs(ctx context.Context, v *viper.Viper, listFile string) error {
	a, err := setup(ctx, v)
	if err != nil {
		return err
	}
	defer a.Close()

	var r io.Reader = os.Stdin
	if listFile != "-" {
		f, err := os.Open(listFile) //nolint:gosec // G304: path comes from the operator
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", listFile, err)
		}
		defer f.Close()
		r = f
	}
	text, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read url list: %w", err)
	}

	if err := a.db.Migrate(ctx); err != nil {
		return err
	}
	dispatcher, err := a.dispatcher(ctx)
	if err != nil {
		return err
	}
	svc := ingest.NewService(a.db, a.runner, dispatcher, a.cfg.Ingest, a.logger)
	batch, err := svc.SubmitBatch(ctx, string(text))
	if err != nil {
		_ = dispatcher.Close()
		return err
	}

	// Closing a local pool waits for the batch; redis hands it to workers.
	if err := dispatcher.Close(); err != nil {
		return err
	}
	if a.cfg.Queue.Mode == config.QueueModeRedis {
		return printJSON(map[string]any{"batch_id": batch.ID, "total": batch.Total})
	}

	st, err := svc.BatchStatus(ctx, batch.ID)
	if err != nil {
		return err
	}
	return printJSON(st)
}

func runPending(ctx context.Context, v *viper.Viper, limit int) error {
	a, err := setup(ctx, v)
	if err != nil {
		return err
	}
	defer a.Close()

	svc := ingest.NewService(a.db, a.runner, nil, a.cfg.Ingest, a.logger)
	res, err := svc.ProcessPending(ctx, limit)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
