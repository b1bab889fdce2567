// Package api exposes the ingestion service over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tripflow/internal/ingest"
	"github.com/ajitpratap0/tripflow/pkg/config"
	"github.com/ajitpratap0/tripflow/pkg/errors"
	"github.com/ajitpratap0/tripflow/pkg/logger"
	"github.com/ajitpratap0/tripflow/pkg/observability"
)

const (
	requestIDHeader = "X-Request-ID"
	shutdownTimeout = 30 * time.Second
)

// Pinger reports whether the metadata store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves the ingestion API.
type Server struct {
	svc       *ingest.Service
	db        Pinger
	cfg       config.ServerConfig
	maxUpload int64
	router    *mux.Router
	logger    *zap.Logger
}

// NewServer builds the router. metrics adds the Prometheus endpoint.
func NewServer(svc *ingest.Service, db Pinger, cfg config.ServerConfig, metrics bool, logger *zap.Logger) *Server {
	s := &Server{
		svc:       svc,
		db:        db,
		cfg:       cfg,
		maxUpload: cfg.MaxUploadBytes(),
		router:    mux.NewRouter(),
		logger:    logger.With(zap.String("component", "api")),
	}

	s.router.Use(s.requestID, observability.TracingMiddleware("tripflow-api"))

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if metrics {
		s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	r := s.router.PathPrefix("/ingest").Subrouter()
	r.HandleFunc("/uploads", s.handleSubmitUpload).Methods(http.MethodPost)
	r.HandleFunc("/uploads/{id:[0-9]+}", s.handleGetUpload).Methods(http.MethodGet)
	r.HandleFunc("/uploads/{id:[0-9]+}/process", s.handleProcessUpload).Methods(http.MethodPost)
	r.HandleFunc("/batches", s.handleSubmitBatch).Methods(http.MethodPost)
	r.HandleFunc("/batches/{id:[0-9]+}", s.handleBatchStatus).Methods(http.MethodGet)
	r.HandleFunc("/items/{id:[0-9]+}/retry", s.handleRetryItem).Methods(http.MethodPost)
	r.HandleFunc("/process-pending", s.handleProcessPending).Methods(http.MethodPost)

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("API listening", zap.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Wrap(err, errors.ErrorTypeConnection, "http server failed")
			return
		}
		errc <- nil
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down API")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "http shutdown failed")
	}
	return <-errc
}

// requestID tags the request context and response with a request id and
// logs each request once it completes.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), logger.RequestIDKey, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))

		logger.FromContext(ctx, s.logger).Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		s.logger.Warn("Health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
