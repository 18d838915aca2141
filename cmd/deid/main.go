package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/medtext/deid/internal/config"
	"github.com/medtext/deid/internal/detector"
	"github.com/medtext/deid/internal/docs"
	"github.com/medtext/deid/internal/entity"
	"github.com/medtext/deid/internal/hardrules"
	"github.com/medtext/deid/internal/jobstore"
	"github.com/medtext/deid/internal/logger"
	"github.com/medtext/deid/internal/masking"
	"github.com/medtext/deid/internal/pipeline"
	"github.com/medtext/deid/internal/server"
	"github.com/medtext/deid/internal/ws"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.Bool("health-check", false, "Perform health check and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("deid %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if *healthCheck {
		performHealthCheck()
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		}
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting deid",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)

	store, err := buildStore(cfg, log)
	if err != nil {
		log.Fatal("Failed to create job store", zap.Error(err))
	}
	defer store.Close()

	det, err := buildDetector(cfg, log)
	if err != nil {
		log.Fatal("Failed to create detector", zap.Error(err))
	}
	defer det.Close()

	source, err := docs.NewDirSource(cfg.Documents.Dir, log.WithComponent("docs").Logger)
	if err != nil {
		log.Fatal("Failed to create document source", zap.Error(err))
	}

	var hub *ws.Hub
	var notify func(entity.JobState)
	if cfg.WebSocket.Enabled {
		hub = ws.NewHub(&ws.Config{AllowedOrigins: cfg.WebSocket.AllowedOrigins}, log.WithComponent("ws").Logger)
		notify = hub.BroadcastJobState
	}

	proc := pipeline.New(
		det,
		hardrules.New(hardrules.Config{AgeThreshold: cfg.Masking.AgeThreshold}, log.WithComponent("hardrules").Logger),
		masking.NewRegistry(log.WithComponent("masking").Logger),
		log.WithComponent("pipeline").Logger,
	)
	jobs := pipeline.NewService(proc, source, store, log.WithComponent("jobs").Logger, notify)

	srv, err := server.New(cfg, log, jobs, source, hub)
	if err != nil {
		log.Fatal("Failed to create server", zap.Error(err))
	}

	// Configuration reloads update defaults for jobs submitted afterwards.
	if err := config.Watch(cfg, func(updated *config.Config) {
		maskingCfg, err := updated.Masking.ToMaskingConfig()
		if err != nil {
			log.Warn("Ignoring reloaded configuration", zap.Error(err))
			return
		}
		srv.UpdateMaskingConfig(maskingCfg)
	}); err != nil {
		log.Warn("Configuration watching disabled", zap.Error(err))
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("Server error", zap.Error(err))
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Stop(ctx); err != nil {
			log.Error("Failed to shutdown server gracefully", zap.Error(err))
			os.Exit(1)
		}

		// Let in-flight jobs record their final state.
		jobs.Wait()
		log.Info("Server shutdown complete")
	}
}

func buildStore(cfg *config.Config, log *logger.Logger) (jobstore.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return jobstore.NewPostgresStore(cfg.Store, log.WithComponent("jobstore").Logger)
	case "memory", "":
		return jobstore.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store driver: %s", cfg.Store.Driver)
}

func buildDetector(cfg *config.Config, log *logger.Logger) (detector.Detector, error) {
	det := detector.NewHTTPDetector(cfg.Detector, log.WithComponent("detector").Logger)
	if !cfg.Detector.Cache.Enabled {
		return det, nil
	}

	cached, err := detector.NewCachedDetector(det, cfg.Detector.Cache, log.WithComponent("cache").Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to enable detector cache: %w", err)
	}
	return cached, nil
}

func performHealthCheck() {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get("http://localhost:8080/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
	os.Exit(0)
}
