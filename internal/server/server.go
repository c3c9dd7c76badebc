// Package server hosts the sessiond HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/sessiond/internal/errors"
	"github.com/3leaps/sessiond/internal/server/handlers"
	"github.com/3leaps/sessiond/internal/server/middleware"
)

// Timeouts bound the underlying http.Server.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

type Option func(*Server)

// WithJobs mounts the jobs API under /jobs.
func WithJobs(api *handlers.JobsAPI) Option {
	return func(s *Server) { s.jobs = api }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithTimeouts(t Timeouts) Option {
	return func(s *Server) { s.timeouts = t }
}

type Server struct {
	host     string
	port     int
	logger   *zap.Logger
	timeouts Timeouts
	jobs     *handlers.JobsAPI

	router chi.Router
	http   *http.Server
}

func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:   host,
		port:   port,
		logger: zap.NewNop(),
		timeouts: Timeouts{
			Read:  30 * time.Second,
			Write: 30 * time.Second,
			Idle:  120 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.timeouts.Read,
		WriteTimeout:      s.timeouts.Write,
		IdleTimeout:       s.timeouts.Idle,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logger(s.logger))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, apperrors.NewNotFoundError(fmt.Sprintf("no route for %s", r.URL.Path)))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, apperrors.NewMethodNotAllowedError(r.Method, r.URL.Path))
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.jobs != nil {
		r.Route("/jobs", s.jobs.Routes)
	}
	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Port() int {
	return s.port
}

// Start listens and serves until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
