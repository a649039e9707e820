package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/variomedb/variome/internal/service/review"
	"github.com/variomedb/variome/internal/storage"
)

// Server is the Variome HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	// Required dependencies.
	DB      *storage.DB
	Reviews *review.Service
	Runner  Runner
	Logger  *slog.Logger

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	ExtractorVersion    string
	APIKey              string // empty disables auth
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Reviews:             cfg.Reviews,
		Runner:              cfg.Runner,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		ExtractorVersion:    cfg.ExtractorVersion,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Curation workflow.
	mux.HandleFunc("POST /v1/curation/submit", h.HandleSubmitReview)
	mux.HandleFunc("POST /v1/curation/bulk", h.HandleBulkReview)
	mux.HandleFunc("GET /v1/curation/queue", h.HandleListCuration)
	mux.HandleFunc("POST /v1/curation/comments", h.HandleAnnotate)

	// Extraction queue dashboard.
	mux.HandleFunc("GET /v1/extractions/queue", h.HandleListExtractions)

	// Pipeline control and ingest.
	mux.HandleFunc("POST /v1/pipeline/run", h.HandlePipelineRun)
	mux.HandleFunc("POST /v1/publications", h.HandleCreatePublication)

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = apiKeyMiddleware(cfg.APIKey, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
