package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"berkut-cases/config"
	"berkut-cases/core/cases"
	"berkut-cases/core/utils"

	"github.com/go-chi/chi/v5"
)

// BackgroundWorker is a component started with the server and stopped on
// shutdown.
type BackgroundWorker interface {
	StartWithContext(ctx context.Context)
	StopWithContext(ctx context.Context) error
}

type ServerDeps struct {
	CasesSvc *cases.Service
}

type Server struct {
	cfg      *config.AppConfig
	logger   *utils.Logger
	casesSvc *cases.Service
	workers  []BackgroundWorker
	http     *http.Server
}

func NewServer(cfg *config.AppConfig, deps ServerDeps, workers []BackgroundWorker, logger *utils.Logger) *Server {
	s := &Server{cfg: cfg, logger: logger, casesSvc: deps.CasesSvc, workers: workers}
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(s.securityHeadersMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.limitBody)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	h := s.newRouteHandlers()
	r.Route("/api", func(apiRouter chi.Router) {
		s.registerCasesRoutes(apiRouter, h)
	})
	return r
}

// Run serves until ctx is cancelled, then drains requests and stops workers.
func (s *Server) Run(ctx context.Context) error {
	for _, w := range s.workers {
		w.StartWithContext(ctx)
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on %s", s.cfg.ListenAddr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Errorf("http shutdown: %v", err)
	}
	for _, w := range s.workers {
		if err := w.StopWithContext(shutdownCtx); err != nil {
			s.logger.Errorf("worker stop: %v", err)
		}
	}
	return runErr
}
