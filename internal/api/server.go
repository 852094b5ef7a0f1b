package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/zengqingfu1442/onnx-simplifier/internal/jobs"
	"github.com/zengqingfu1442/onnx-simplifier/internal/onnx"
	"github.com/zengqingfu1442/onnx-simplifier/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 2 * time.Minute

	// DefaultMaxBodySize bounds POST /v1/conversions bodies.
	DefaultMaxBodySize = 512 << 20
)

// Dispatcher is the view of the dispatcher pool the HTTP layer needs.
// *dispatch.Pool implements it.
type Dispatcher interface {
	Ready() <-chan struct{}
	Available() int
	Catalog() (onnx.Catalog, bool)
	Queued() int
}

// Option configures a Server.
type Option func(*Server)

// WithMaxBodySize sets the conversion request body limit in bytes.
func WithMaxBodySize(n int64) Option {
	return func(s *Server) { s.maxBodySize = n }
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router      *chi.Mux
	store       store.Store
	jobs        *jobs.Manager
	dispatcher  Dispatcher
	logger      *slog.Logger
	addr        string
	maxBodySize int64
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, s store.Store, m *jobs.Manager, d Dispatcher, logger *slog.Logger, opts ...Option) *Server {
	srv := &Server{
		router:      chi.NewRouter(),
		store:       s,
		jobs:        m,
		dispatcher:  d,
		logger:      logger,
		addr:        addr,
		maxBodySize: DefaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/passes", s.handleListPasses)
	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.Route("/v1/conversions", func(r chi.Router) {
		r.Post("/", s.handleCreateConversion)
		r.Get("/", s.handleListConversions)
		r.Get("/{id}", s.handleGetConversion)
		r.Get("/{id}/result", s.handleGetResult)
		r.Get("/{id}/messages", s.handleStreamMessages)
		r.Get("/{id}/messages/history", s.handleGetMessageHistory)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received
// or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", context.Cause(ctx).Error())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
