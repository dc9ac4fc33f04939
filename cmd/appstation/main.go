package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/braxtechnologies/appstation/internal/catalog"
	"github.com/braxtechnologies/appstation/internal/cleanup"
	"github.com/braxtechnologies/appstation/internal/config"
	"github.com/braxtechnologies/appstation/internal/http/rest"
	"github.com/braxtechnologies/appstation/internal/installer"
	"github.com/braxtechnologies/appstation/internal/logctx"
	"github.com/braxtechnologies/appstation/internal/pipeline"
	"github.com/braxtechnologies/appstation/internal/queue"
	"github.com/braxtechnologies/appstation/internal/store/sqlite"
	"github.com/braxtechnologies/appstation/internal/telemetry"
	"github.com/braxtechnologies/appstation/internal/transfer"
	"github.com/go-chi/chi/v5"
)

const serviceName = "appstation"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("appstation starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:     cfg.TelemetryEnabled,
		ServiceName: serviceName,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	jobs := sqlite.NewInstrumentedJobRepository(database, tel)
	retries := sqlite.NewRetryRepository(database)

	// =========================================================================
	// Start Catalog Client
	resolver := catalog.NewInstrumentedResolver(
		catalog.NewClient(cfg.CatalogBaseURL, cfg.CatalogToken, cfg.ResolveTimeout), tel,
	)

	// =========================================================================
	// Start Installer
	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}

	stagingDir := cfg.StagingDir
	if stagingDir == "" {
		stagingDir = filepath.Join(cfg.DownloadDir, ".staging")
	}

	platform := installer.NewHostPlatform(cfg.AppsDir, stagingDir)
	manager := installer.NewManager(platform, logger)
	platform.SetResultHandler(manager.HandleResult)

	// =========================================================================
	// Start Pipeline
	tasks := queue.NewMemoryQueue()
	defer tasks.Close()

	orch := pipeline.NewOrchestrator(jobs, retries, resolver, transfer.NewEngine(), manager, tasks, tel, pipeline.Options{
		DownloadDir:    cfg.DownloadDir,
		GracePeriod:    cfg.CancelGracePeriod,
		CancelDebounce: cfg.CancelDebounce,
	})

	consumeEvents(ctx, orch)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cfg, tel, orch, jobs, retries)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for install requests...",
		"download_dir", cfg.DownloadDir,
		"apps_dir", cfg.AppsDir,
		"sweep_interval", cfg.SweepInterval.String(),
		"retention", cfg.KeepDownloadedFor.String(),
	)

	// =========================================================================
	// Start Cleanup
	setupCleanup(ctx, jobs, cfg)

	// =========================================================================
	// Start Retry Sweep Loop
	sweeper := pipeline.NewSweeper(retries, resolver, orch)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-serverErrors:
			return fmt.Errorf("server error: %w", err)
		case <-ctx.Done():
			logger.Info("start shutdown")

			// Give outstanding requests a deadline for completion.
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
			defer cancel()

			if err := server.Shutdown(ctx); err != nil {
				logger.Error("failed to gracefully shutdown the server", "err", err)

				if err = server.Close(); err != nil {
					return fmt.Errorf("could not stop server gracefully: %w", err)
				}
			}

			return nil
		case <-ticker.C:
			if err := sweeper.Sweep(ctx); err != nil {
				logger.Error("retry sweep failed", "err", err)
			}
		}
	}
}

// consumeEvents drains the orchestrator's outcome channels for logging.
func consumeEvents(ctx context.Context, orch *pipeline.Orchestrator) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-orch.OnCompleted:
				logger.Info("package installed", "package_id", ev.PackageID)
			case ev := <-orch.OnFailed:
				logger.Error("package install failed", "package_id", ev.PackageID, "err", ev.Err)
			case ev := <-orch.OnCancelled:
				logger.Info("package install cancelled", "package_id", ev.PackageID)
			}
		}
	}()
}

// setupServer prepares the handlers and middleware for the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, orch *pipeline.Orchestrator, jobs *sqlite.InstrumentedJobRepository, retries *sqlite.RetryRepository) *http.Server {
	handler := rest.NewInstallHandler(cfg.API.Username, cfg.API.Password, orch, jobs, retries)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)

	r.Mount("/", handler.Routes())
	r.Method(http.MethodGet, "/metrics", tel.Handler())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func setupCleanup(ctx context.Context, jobs *sqlite.InstrumentedJobRepository, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		cleanupTicker := time.NewTicker(cfg.CleanupInterval)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down.")

				return
			case <-cleanupTicker.C:
				if err := cleanup.DeleteExpiredArtifacts(ctx, jobs, cfg.DownloadDir, cfg.KeepDownloadedFor); err != nil {
					logger.Error("failed to delete expired artifacts", "err", err)
				}
			}
		}
	}()
}
