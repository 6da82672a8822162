package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mxtoai/mailengine/config"
	httpx "github.com/mxtoai/mailengine/internal/http"
)

// ServiceOrchestrationConfig groups everything RunServicesWithShutdown needs.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    *ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// RunServicesWithShutdown starts the enabled services and blocks until a
// termination signal arrives, then shuts everything down gracefully.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)

	var server *http.Server
	if cfg.Config.IsHTTPServerEnabled() {
		server = startHTTPServer(cfg, logger)
	}
	if cfg.Services.SchedulerRunner != nil {
		group.Go(func() error { return cfg.Services.SchedulerRunner.Run(gctx) })
	}
	if cfg.Services.EmailRunner != nil {
		group.Go(func() error { return cfg.Services.EmailRunner.Run(gctx) })
	}
	if cfg.Services.ReaperRunner != nil {
		group.Go(func() error { return cfg.Services.ReaperRunner.Run(gctx) })
	}

	<-gctx.Done()
	logger.Info("shutdown signal received")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown failed", "error", err)
		}
		cancel()
	}

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if cfg.Services.Metrics != nil {
		if closeErr := cfg.Services.Metrics.Close(); closeErr != nil {
			logger.Warn("metrics client close failed", "error", closeErr)
		}
	}

	logger.Info("all services stopped")
	return err
}

func startHTTPServer(cfg *ServiceOrchestrationConfig, logger *slog.Logger) *http.Server {
	handler := httpx.NewRouter(httpx.RouterServices{
		Ingress:        cfg.Services.Ingress,
		Tasks:          cfg.Services.Tasks,
		APIKey:         cfg.Config.Auth.APIKey,
		AttachmentsDir: cfg.Config.HTTP.AttachmentsDir,
		Logger:         logger,
		Metrics:        cfg.Services.Metrics,
	})

	addr := cfg.Config.HTTP.Addr
	if addr == "" {
		addr = ":8000"
	}

	server := &http.Server{
		Addr:    addr,
		Handler: handler,
		// Agent processing rides on this server via the self-callback, so
		// the write timeout must exceed the scheduler API timeout.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Config.Scheduler.APITimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
		}
	}()
	return server
}
