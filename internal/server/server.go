// Package server exposes the HTTP API and orchestrates the component
// lifecycle: listener, scheduler, and graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/chatlens/chatlens/internal/config"
	"github.com/chatlens/chatlens/internal/database"
	"github.com/chatlens/chatlens/internal/ingest"
	"github.com/chatlens/chatlens/internal/logger"
	"github.com/chatlens/chatlens/internal/metrics"
	"github.com/chatlens/chatlens/internal/notify"
	"github.com/chatlens/chatlens/internal/stats"
)

// Server wires the HTTP API to the store, the ingestion coordinator, and the
// aggregation engine, and manages the run loop.
type Server struct {
	logger      *slog.Logger
	cfg         *config.Config
	store       database.Store
	coordinator *ingest.Coordinator
	engine      *stats.Engine
	metrics     *metrics.Metrics
	notifier    notify.Notifier
	scheduler   *Scheduler
	registry    *prometheus.Registry
	router      *mux.Router
}

// New creates the server and builds its routes.
func New(
	log *slog.Logger,
	cfg *config.Config,
	store database.Store,
	coordinator *ingest.Coordinator,
	engine *stats.Engine,
	m *metrics.Metrics,
	notifier notify.Notifier,
	scheduler *Scheduler,
	registry *prometheus.Registry,
) *Server {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	s := &Server{
		logger:      log.With("component", "server"),
		cfg:         cfg,
		store:       store,
		coordinator: coordinator,
		engine:      engine,
		metrics:     m,
		notifier:    notifier,
		scheduler:   scheduler,
		registry:    registry,
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(logger.Middleware(s.logger))

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/ingest", s.handleIngest).Methods(http.MethodPost)
	api.HandleFunc("/chats", s.handleListChats).Methods(http.MethodGet)

	api.HandleFunc("/stats/overview", s.handleOverview).Methods(http.MethodGet)
	api.HandleFunc("/stats/users-summary", s.handleUsersSummary).Methods(http.MethodGet)
	api.HandleFunc("/stats/period-detail", s.handlePeriodDetail).Methods(http.MethodGet)

	// The by-id surfaces must be registered before the {fromID} wildcard.
	api.HandleFunc("/users/by-id/{id:[0-9]+}", s.handleGetUserByID).Methods(http.MethodGet)
	api.HandleFunc("/users/by-id/{id:[0-9]+}", s.handlePatchUserByID).Methods(http.MethodPatch)
	api.HandleFunc("/users/by-id/{id:[0-9]+}/calls", s.handlePostCallByID).Methods(http.MethodPost)

	api.HandleFunc("/users", s.handleListContacts).Methods(http.MethodGet)
	api.HandleFunc("/users/{fromID}", s.handleGetUser).Methods(http.MethodGet)
	api.HandleFunc("/users/{fromID}", s.handlePatchUser).Methods(http.MethodPatch)
	api.HandleFunc("/users/{fromID}/messages", s.handleUserMessages).Methods(http.MethodGet)
	api.HandleFunc("/users/{fromID}/stats", s.handleUserStats).Methods(http.MethodGet)
	api.HandleFunc("/users/{fromID}/reactions-given", s.handleUserReactionsGiven).Methods(http.MethodGet)
	api.HandleFunc("/users/{fromID}/calls", s.handlePostCall).Methods(http.MethodPost)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

// Run starts the HTTP listener and the scheduler, blocking until the context
// is cancelled or a component fails.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting server...", "addr", s.cfg.Server.Addr)

	httpServer := &http.Server{
		Addr:         s.cfg.Server.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http listener failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		s.logger.Info("Shutdown signal received, stopping HTTP listener...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := s.scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		<-gCtx.Done()
		s.logger.Info("Shutdown signal received, stopping scheduler...")
		if err := s.scheduler.Stop(); err != nil {
			s.logger.Error("Error stopping scheduler", "error", err)
		}
		return nil
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("Server stopped due to error", "error", err)
		return err
	}
	s.logger.Info("Server stopped gracefully.")
	return nil
}
