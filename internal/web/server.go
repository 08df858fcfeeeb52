// Package web serves the run history and a trigger endpoint over HTTP.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lucasnoah/matrixci/internal/db"
	"github.com/lucasnoah/matrixci/internal/log"
	"github.com/lucasnoah/matrixci/internal/orchestrator"
	"github.com/lucasnoah/matrixci/internal/pipeline"
)

// PipelineLoader returns the pipeline to run for a trigger. It is called
// per request so edits to the pipeline file are picked up.
type PipelineLoader func() (*pipeline.Pipeline, error)

// Server is the JSON API server.
type Server struct {
	store *pipeline.Store
	db    *db.DB // optional; enables event and stats endpoints
	addr  string
	l     *slog.Logger

	// Triggering is enabled by EnableTrigger.
	driver *orchestrator.Driver
	load   PipelineLoader

	// runCtx outlives requests; background runs are cancelled through it on
	// shutdown.
	runCtx    context.Context
	cancelRun context.CancelFunc
	runs      sync.WaitGroup

	pollInterval time.Duration // log stream poll; defaults to 1s
}

// NewServer creates a read-only Server. database may be nil.
func NewServer(store *pipeline.Store, database *db.DB, addr string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		store:        store,
		db:           database,
		addr:         addr,
		l:            slog.Default(),
		runCtx:       ctx,
		cancelRun:    cancel,
		pollInterval: time.Second,
	}
}

// SetLogger sets the logger used for requests and background runs.
func (s *Server) SetLogger(l *slog.Logger) {
	s.l = l
}

// EnableTrigger allows POST /runs to start runs through driver.
func (s *Server) EnableTrigger(driver *orchestrator.Driver, load PipelineLoader) {
	s.driver = driver
	s.load = load
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/events", s.handleRecentEvents)
	r.Get("/stats/jobs", s.handleJobStats)

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Post("/", s.handleTrigger)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Get("/events", s.handleRunEvents)
			r.Get("/jobs/{job}/log", s.handleJobLog)
			r.Get("/jobs/{job}/log/stream", s.handleJobLogStream)
		})
	})
	return r
}

// Start listens until ctx is cancelled, then shuts down gracefully and
// cancels any runs still in flight.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.l.Info("matrixci API listening", "addr", "http://"+s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.cancelRun()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.cancelRun()
	s.Wait()
	return err
}

// Wait blocks until every run started through the API has finished.
func (s *Server) Wait() {
	s.runs.Wait()
}

// launch creates a run and executes it in the background.
func (s *Server) launch(ctx context.Context, p *pipeline.Pipeline, trigger pipeline.Trigger) (*pipeline.Run, error) {
	run, err := s.driver.Create(ctx, p, trigger)
	if err != nil {
		return nil, err
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		runCtx := log.IntoContext(s.runCtx, s.l)
		if _, err := s.driver.Execute(runCtx, p, run); err != nil {
			s.l.Warn("run finished with error", "run", run.ID, "error", err)
		}
	}()
	return run, nil
}
