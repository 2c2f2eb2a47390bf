// Package server exposes the round coordinator over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/polyglot-roundtable/internal/runtime"
)

// Config configures the HTTP surface.
type Config struct {
	Port           int
	RequestTimeout time.Duration
	Logger         *slog.Logger
	// Metrics, when set, is mounted at /metrics.
	Metrics http.Handler
}

type Server struct {
	Router *chi.Mux
	Port   int
	coord  *runtime.Coordinator
	logger *slog.Logger
	http   *http.Server
}

func New(coord *runtime.Coordinator, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(cfg.RequestTimeout))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "roundtable")
	})

	s := &Server{
		Router: r,
		Port:   cfg.Port,
		coord:  coord,
		logger: logger,
	}
	s.routes(cfg.Metrics)
	return s
}

func (s *Server) routes(metrics http.Handler) {
	s.Router.Get("/healthz", s.handleHealth)
	if metrics != nil {
		s.Router.Method(http.MethodGet, "/metrics", metrics)
	}

	s.Router.Route("/v1/threads/{thread_id}", func(r chi.Router) {
		r.Post("/rounds", s.handleStartRound)
		r.Post("/rounds/{round}/stop", s.handleStop)
		r.Post("/rounds/{round}/regenerate", s.handleRegenerate)
		r.Get("/rounds/{round}/status", s.handleRoundStatus)
		r.Post("/messages", s.handlePushMessages)
		r.Post("/messages/{message_id}/chunks", s.handleAppendChunk)
		r.Post("/phases", s.handleUpdatePhase)
		r.Post("/streams", s.handleReportStream)
		r.Post("/attach", s.handleAttach)
		r.Get("/next-action", s.handleNextAction)
		r.Get("/timeline", s.handleTimeline)
		r.Get("/events", s.handleEvents)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting server", slog.Int("port", s.Port))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
