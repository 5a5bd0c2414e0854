// Package api exposes the Echoport HTTP surface: the public status
// endpoint, the trigger endpoints, and the operational plumbing
// (healthz/readyz, metrics).
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/echoport/echoport/internal/api/handler"
	mw "github.com/echoport/echoport/internal/api/middleware"
	"github.com/echoport/echoport/internal/config"
	"github.com/echoport/echoport/internal/core"
)

type Server struct {
	router chi.Router
	logger zerolog.Logger
	pool   *pgxpool.Pool
	worker *core.Worker
	cfg    *config.Config
}

// NewServer wires the stores, orchestrators, and background worker around
// the given pool and job runner and returns a ready-to-serve handler.
func NewServer(logger zerolog.Logger, pool *pgxpool.Pool, jobs core.JobRunner, cfg *config.Config) *Server {
	targets := core.NewTargetStore(pool)
	backups := core.NewBackupRunStore(pool)
	restores := core.NewRestoreRunStore(pool)

	backup := core.NewBackupOrchestrator(backups, restores, jobs, cfg.PollInterval(), logger)
	restore := core.NewRestoreOrchestrator(pool, backups, restores, jobs, cfg.PollInterval(), !cfg.DisableRowLocks, logger)
	worker := core.NewWorker(targets, backups, restores, backup, restore, logger)
	health := core.NewHealthService(targets, backups, logger)

	s := &Server{
		router: chi.NewRouter(),
		logger: logger,
		pool:   pool,
		worker: worker,
		cfg:    cfg,
	}

	s.setupMiddleware()
	s.setupRoutes(
		handler.NewStatus(health),
		handler.NewTarget(targets, backups, restores, worker),
		handler.NewRun(backups, restores, worker),
	)

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
}

func (s *Server) setupRoutes(status *handler.Status, target *handler.Target, run *handler.Run) {
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	// Public backup health aggregate, consumed by external monitors.
	s.router.Get("/status", status.Get)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Route("/targets", func(r chi.Router) {
			r.Get("/", target.List)
			r.Get("/{name}", target.Get)
			r.Get("/{name}/runs", target.Runs)
			r.Post("/{name}/runs", target.TriggerBackup)
		})
		r.Route("/runs", func(r chi.Router) {
			r.Get("/{id}", run.Get)
			r.Post("/{id}/restores", run.TriggerRestore)
		})
		r.Get("/restores/{id}", run.GetRestore)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := s.pool.Ping(ctx); err != nil {
		checks["db"] = err.Error()
		healthy = false
	} else {
		checks["db"] = "ok"
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(checks)
}

// Drain waits for in-flight background runs to finish. Called during
// shutdown after the HTTP listener has stopped accepting requests.
func (s *Server) Drain() {
	s.worker.Wait()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
