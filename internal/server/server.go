package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/medtext/deid/internal/config"
	"github.com/medtext/deid/internal/docs"
	"github.com/medtext/deid/internal/entity"
	"github.com/medtext/deid/internal/export"
	"github.com/medtext/deid/internal/logger"
	"github.com/medtext/deid/internal/pipeline"
	"github.com/medtext/deid/internal/ws"
)

// Server is the HTTP front of the de-identification service.
type Server struct {
	config   *config.Config
	logger   *logger.Logger
	jobs     *pipeline.Service
	source   docs.Source
	exporter *export.Exporter
	wsHub    *ws.Hub
	router   *mux.Router
	server   *http.Server

	// maskingCfg is the default for jobs that carry no override. Guarded
	// separately because configuration reloads swap it at runtime.
	cfgMu      sync.RWMutex
	maskingCfg entity.MaskingConfig
}

// New creates the HTTP server. wsHub may be nil when the event feed is
// disabled.
func New(cfg *config.Config, log *logger.Logger, jobs *pipeline.Service, source docs.Source, wsHub *ws.Hub) (*Server, error) {
	maskingCfg, err := cfg.Masking.ToMaskingConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid masking configuration: %w", err)
	}

	s := &Server{
		config:     cfg,
		logger:     log.WithComponent("server"),
		jobs:       jobs,
		source:     source,
		exporter:   export.NewExporter(log.WithComponent("export").Logger),
		wsHub:      wsHub,
		router:     mux.NewRouter(),
		maskingCfg: maskingCfg,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/info", s.handleInfo).Methods("GET")

	if s.wsHub != nil {
		path := s.config.WebSocket.Path
		if path == "" {
			path = "/ws"
		}
		s.router.HandleFunc(path, s.handleWebSocket).Methods("GET")
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.loggingMiddleware)

	api.HandleFunc("/documents", s.handleUploadDocument).Methods("POST")
	api.HandleFunc("/jobs", s.handleSubmitJob).Methods("POST")
	api.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleCancelJob).Methods("DELETE")
	api.HandleFunc("/jobs/{id}/result", s.handleGetJobResult).Methods("GET")
	api.HandleFunc("/jobs/{id}/export", s.handleExportLedger).Methods("GET")
}

// Start begins serving. Blocks until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("Starting de-identification server",
		zap.Int("port", s.config.Server.Port),
		zap.String("detector_endpoint", s.config.Detector.Endpoint),
		zap.Bool("websocket_enabled", s.wsHub != nil),
	)

	if s.wsHub != nil {
		go s.wsHub.Run()
	}
	return s.server.ListenAndServe()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping de-identification server")
	return s.server.Shutdown(ctx)
}

// UpdateMaskingConfig swaps the default masking configuration. Jobs
// already running keep their snapshot.
func (s *Server) UpdateMaskingConfig(cfg entity.MaskingConfig) {
	s.cfgMu.Lock()
	s.maskingCfg = cfg
	s.cfgMu.Unlock()
	s.logger.Info("Masking configuration updated")
}

func (s *Server) defaultMaskingConfig() entity.MaskingConfig {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.maskingCfg.Clone()
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
