// Package server provides the HTTP API for Kiroku.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/kiroku/internal/config"
	"github.com/hyperjump/kiroku/internal/consistency"
	"github.com/hyperjump/kiroku/internal/ingest"
	"github.com/hyperjump/kiroku/internal/repair"
)

// Server is the HTTP server for the Kiroku API.
type Server struct {
	svc      *ingest.Service
	checker  *consistency.Checker
	repairer *repair.Engine
	config   *config.ServerConfig
	logger   *zap.Logger
	server   *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(
	svc *ingest.Service,
	checker *consistency.Checker,
	repairer *repair.Engine,
	cfg *config.ServerConfig,
	logger *zap.Logger,
) *Server {
	return &Server{
		svc:      svc,
		checker:  checker,
		repairer: repairer,
		config:   cfg,
		logger:   logger,
	}
}

// Router builds the chi router with all API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	r.Post("/api/v1/documents", s.handleUpload)
	r.Get("/api/v1/documents", s.handleListDocuments)
	r.Get("/api/v1/documents/{id}", s.handleGetDocument)
	r.Delete("/api/v1/documents/{id}", s.handleDeleteDocument)
	r.Post("/api/v1/documents/{id}/process", s.handleProcessDocument)
	r.Post("/api/v1/batches", s.handleCreateBatch)
	r.Get("/api/v1/batches/{id}", s.handleGetBatch)
	r.Get("/api/v1/tasks/{id}", s.handleGetTask)
	r.Get("/api/v1/consistency", s.handleConsistencyScan)
	r.Get("/api/v1/consistency/{id}", s.handleConsistencyCheck)
	r.Post("/api/v1/consistency/{id}/repair", s.handleRepair)
	r.Post("/api/v1/consistency/repair", s.handleRepairAll)
	r.Get("/api/v1/status", s.handleStatus)
	r.Get("/health", s.handleHealth)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
