package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/tvanhle/medproc-be/internal/api/handler"
	"github.com/tvanhle/medproc-be/internal/api/router"
	"github.com/tvanhle/medproc-be/internal/artifact"
	"github.com/tvanhle/medproc-be/internal/batch"
	"github.com/tvanhle/medproc-be/internal/config"
	"github.com/tvanhle/medproc-be/internal/executor"
	"github.com/tvanhle/medproc-be/internal/ingest"
	"github.com/tvanhle/medproc-be/internal/job"
	"github.com/tvanhle/medproc-be/internal/processor"
	"github.com/tvanhle/medproc-be/shared/logger"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	if err := os.MkdirAll(cfg.Artifacts.WorkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}

	// Initialize artifact store
	artifacts, err := artifact.NewStore(&artifact.Config{
		Root:          cfg.Artifacts.Dir,
		TTL:           cfg.Artifacts.ResultTTL,
		SweepInterval: cfg.Artifacts.SweepInterval,
		Logger:        appLogger.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize artifact store: %w", err)
	}
	defer artifacts.Close()

	// Initialize job registry; evicted jobs release their artifact
	registry := job.NewRegistry(&job.RegistryConfig{
		MaxJobs: cfg.Registry.MaxJobs,
		Logger:  appLogger.Logger,
		OnEvict: artifacts.Remove,
	})

	// Initialize async executor
	exec := executor.New(&executor.Config{
		Registry:    registry,
		Logger:      appLogger.Logger,
		Concurrency: cfg.Executor.Concurrency,
		QueueSize:   cfg.Executor.QueueSize,
		JobTimeout:  cfg.Executor.JobTimeout,
	})
	exec.Start(context.Background())
	defer exec.Stop()

	appLogger.Info("Executor started",
		slog.Int("concurrency", cfg.Executor.Concurrency),
		slog.Int("queue_size", cfg.Executor.QueueSize),
	)

	limits := ingest.Limits{
		MaxFiles:            cfg.Ingest.MaxFilesInZip,
		MaxExtractionSize:   cfg.Ingest.MaxExtractionSize,
		MaxCompressionRatio: cfg.Ingest.MaxCompressionRatio,
	}

	// Initialize batch orchestrator with the configured processors
	orchestrator := batch.New(&batch.Config{
		Limits:     limits,
		Processors: buildProcessors(&cfg.Processors, appLogger.Logger),
		WorkRoot:   cfg.Artifacts.WorkDir,
		Logger:     appLogger.Logger,
	})

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, registry, exec, artifacts, orchestrator, limits)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// buildProcessors wires one processor per category. Text is always handled
// locally; images and signals forward to their services when configured.
func buildProcessors(cfg *config.ProcessorsConfig, logger *slog.Logger) map[string]processor.Processor {
	procs := map[string]processor.Processor{
		batch.CategoryText: processor.NewText(logger),
	}

	if cfg.ImageURL != "" {
		procs[batch.CategoryImages] = processor.NewRemote(&processor.RemoteConfig{
			Name:    batch.CategoryImages,
			URL:     cfg.ImageURL,
			Timeout: cfg.RequestTimeout,
			Logger:  logger,
		})
	}

	if cfg.SignalURL != "" {
		procs[batch.CategorySignals] = processor.NewRemote(&processor.RemoteConfig{
			Name:    batch.CategorySignals,
			URL:     cfg.SignalURL,
			Timeout: cfg.RequestTimeout,
			Logger:  logger,
		})
	}

	return procs
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(
	cfg *config.Config,
	logger *slog.Logger,
	registry *job.Registry,
	exec *executor.Executor,
	artifacts *artifact.Store,
	orchestrator *batch.Orchestrator,
	limits ingest.Limits,
) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger:       logger,
		Registry:     registry,
		Executor:     exec,
		Artifacts:    artifacts,
		Orchestrator: orchestrator,
		IngestLimits: limits,
		Upload: handler.UploadLimits{
			MaxFiles:    cfg.Upload.MaxFiles,
			MaxFileSize: cfg.Upload.MaxFileSize,
		},
		WorkDir: cfg.Artifacts.WorkDir,
	}

	return router.SetupRouter(handlerDeps, router.RateLimit{
		Calls:  cfg.RateLimit.Calls,
		Period: cfg.RateLimit.PeriodSeconds,
	})
}
