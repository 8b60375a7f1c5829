// Package http provides the HTTP server and handlers.
package http //nolint:revive // package name conflicts with stdlib but is acceptable in this context

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jobrunner/tessera/internal/application"
	"github.com/jobrunner/tessera/internal/config"
	"github.com/jobrunner/tessera/internal/ports/input"
)

// WarmTrigger starts a manual cache warm-up.
type WarmTrigger interface {
	TriggerWarm(ctx context.Context) (application.WarmResult, error)
}

// MetricsExporter exposes request metrics.
type MetricsExporter interface {
	Handler() http.Handler
	Middleware(next http.Handler) http.Handler
}

// Services bundles the application ports served over HTTP. Warmer and
// Metrics are optional.
type Services struct {
	Features input.FeatureService
	Tiles    input.TileService
	Datasets input.DatasetService
	Health   input.HealthChecker
	Warmer   WarmTrigger
	Metrics  MetricsExporter
}

// Options holds request handling settings that are not part of the
// server configuration.
type Options struct {
	QueryTimeout time.Duration // per request, 0 disables
	TileMaxAge   time.Duration // Cache-Control max-age of tiles
	MaxZoom      int           // highest zoom requested by the viewer
	MetricsPath  string
}

// Server wraps the HTTP server with application handlers.
type Server struct {
	server   *http.Server
	router   *mux.Router
	handler  http.Handler
	features input.FeatureService
	tiles    input.TileService
	datasets input.DatasetService
	health   input.HealthChecker
	warmer   WarmTrigger
	metrics  MetricsExporter
	logger   *slog.Logger
	config   config.ServerConfig
	opts     Options
}

// NewServer creates a new HTTP server.
func NewServer(cfg config.ServerConfig, opts Options, svc Services, logger *slog.Logger) *Server {
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}

	s := &Server{
		features: svc.Features,
		tiles:    svc.Tiles,
		datasets: svc.Datasets,
		health:   svc.Health,
		warmer:   svc.Warmer,
		metrics:  svc.Metrics,
		logger:   logger,
		config:   cfg,
		opts:     opts,
	}

	s.router = s.setupRoutes()
	s.handler = s.router

	// CORS wraps the router so that preflight requests, which match no
	// route method, are answered too.
	if cfg.CORS.Enabled() {
		s.handler = newCORSPolicy(cfg.CORS.AllowedOrigins).middleware(s.router)
	}

	s.server = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	// Add middleware
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}

	// Health endpoints
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReadiness).Methods(http.MethodGet)

	// Features
	r.HandleFunc("/features", s.handleFeatures).Methods(http.MethodGet)
	r.HandleFunc("/features/count", s.handleCount).Methods(http.MethodGet)

	// Datasets
	r.HandleFunc("/datasets", s.handleDataset).Methods(http.MethodGet)
	r.HandleFunc("/datasets", s.handleInvalidate).Methods(http.MethodDelete)

	// Tiles, with an optional .mvt or .pbf suffix on y
	r.HandleFunc("/tiles/{z}/{x}/{y}", s.handleTile).Methods(http.MethodGet)

	// Warm-up endpoint (only if a warmer is configured)
	if s.warmer != nil {
		r.HandleFunc("/cache/warm", s.handleWarm).Methods(http.MethodPost)
	}

	if s.metrics != nil {
		r.Handle(s.opts.MetricsPath, s.metrics.Handler()).Methods(http.MethodGet)
	}

	// OpenAPI spec
	r.HandleFunc("/openapi.json", s.handleOpenAPI).Methods(http.MethodGet)

	// Map viewer (if enabled)
	if s.config.ViewerEnabled {
		r.HandleFunc("/viewer", s.handleViewer).Methods(http.MethodGet)
	}

	return r
}

// Router returns the mux router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "address", s.config.Address())
	return s.server.ListenAndServe()
}

// StartTLS starts the HTTPS server with the given TLS configuration.
func (s *Server) StartTLS(tlsConfig *tls.Config) error {
	s.server.TLSConfig = tlsConfig
	s.logger.Info("starting HTTPS server", "address", s.config.Address())
	return s.server.ListenAndServeTLS("", "")
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// requestContext applies the configured query timeout.
func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.opts.QueryTimeout > 0 {
		return context.WithTimeout(r.Context(), s.opts.QueryTimeout)
	}
	return context.WithCancel(r.Context())
}

// loggingMiddleware logs incoming requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"bytes", wrapped.written,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Flush implements http.Flusher for streamed responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
