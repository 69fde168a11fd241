// Package api serves the pool's HTTP surface: job submission, job history,
// pool state, health and metrics.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-rserve-pool/internal/job"
	"github.com/randomizedcoder/go-rserve-pool/internal/metrics"
	"github.com/randomizedcoder/go-rserve-pool/internal/pool"
	"github.com/randomizedcoder/go-rserve-pool/internal/store"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 60 * time.Second
)

// Submitter runs command sequences. job.Executor implements it.
type Submitter interface {
	Submit(ctx context.Context, seq *job.Sequence, timeout time.Duration) (*job.Record, error)
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, seq *job.Sequence, timeout time.Duration) (*job.Record, error)

// Submit calls f.
func (f SubmitterFunc) Submit(ctx context.Context, seq *job.Sequence, timeout time.Duration) (*job.Record, error) {
	return f(ctx, seq, timeout)
}

// PoolState is the read-only view of the pool the API reports.
type PoolState interface {
	Stats() pool.Stats
	Closed() bool
}

// Options configures a Server.
type Options struct {
	Addr string

	// AllowedIPs matches the client IP of every /ping and /v1 request.
	// Nil allows everyone.
	AllowedIPs *regexp.Regexp

	// CORSOrigins lists allowed origins; empty disables CORS headers.
	CORSOrigins []string

	// JobTimeout is the run deadline when a request names none.
	// MaxJobTimeout caps what a request may ask for.
	JobTimeout    time.Duration
	MaxJobTimeout time.Duration

	// Registerer receives the HTTP request metrics, Gatherer backs /metrics.
	// Nil uses the Prometheus defaults.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router  *chi.Mux
	pool    PoolState
	jobs    Submitter
	store   store.Store
	logger  *slog.Logger
	opts    Options
	metrics *httpMetrics

	httpServer *http.Server
	addr       string
}

// NewServer creates and configures a new HTTP server. st may be nil when job
// history is disabled.
func NewServer(opts Options, p PoolState, jobs Submitter, st store.Store, logger *slog.Logger) *Server {
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 30 * time.Second
	}
	if opts.MaxJobTimeout < opts.JobTimeout {
		opts.MaxJobTimeout = 10 * opts.JobTimeout
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}

	srv := &Server{
		router:  chi.NewRouter(),
		pool:    p,
		jobs:    jobs,
		store:   st,
		logger:  logger,
		opts:    opts,
		metrics: newHTTPMetrics(opts.Registerer),
		addr:    opts.Addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(srv.metrics.middleware)
	if len(opts.CORSOrigins) > 0 {
		srv.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
			ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metrics.Handler(s.opts.Gatherer))

	s.router.Group(func(r chi.Router) {
		r.Use(s.allowIPMiddleware)

		r.Get("/ping", s.handlePing)
		r.Get("/v1/pool", s.handlePool)

		r.Route("/v1/jobs", func(r chi.Router) {
			r.Post("/", s.handleSubmitJob)
			r.Get("/", s.handleListJobs)
			r.Get("/summary", s.handleJobSummary)
			r.Get("/{id}", s.handleGetJob)
		})
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start binds the listener and serves in a goroutine.
// Returns once the address is bound. Use Shutdown to stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", s.opts.Addr, err)
	}
	s.addr = ln.Addr().String()

	// No WriteTimeout: a job may legitimately run for MaxJobTimeout.
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	go func() {
		s.logger.Info("api_server_listening", "addr", s.addr)
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api_server_error", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Debug("api_server_shutting_down")
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the listen address. After Start it is the bound address.
func (s *Server) Addr() string {
	return s.addr
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// allowIPMiddleware rejects clients whose IP does not match AllowedIPs.
// The peer address is used as is; forwarding headers are not trusted.
func (s *Server) allowIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AllowedIPs == nil {
			next.ServeHTTP(w, r)
			return
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.opts.AllowedIPs.MatchString(host) {
			s.logger.Warn("api_client_rejected", "remote", host, "path", r.URL.Path)
			s.writeError(w, http.StatusForbidden, "client not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CompileAllowedIPs compiles pattern so that it must match the whole IP.
func CompileAllowedIPs(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return regexp.Compile(`^(?:` + pattern + `)$`)
}
