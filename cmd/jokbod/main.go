// jokbod analysis server — runs the chunked PDF analysis pipeline and the
// operator HTTP API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/jokbolink/jokbod/pkg/api"
	"github.com/jokbolink/jokbod/pkg/cleanup"
	"github.com/jokbolink/jokbod/pkg/config"
	"github.com/jokbolink/jokbod/pkg/credential"
	"github.com/jokbolink/jokbod/pkg/jobs"
	"github.com/jokbolink/jokbod/pkg/kv"
	"github.com/jokbolink/jokbod/pkg/llm"
	"github.com/jokbolink/jokbod/pkg/orchestrator"
	"github.com/jokbolink/jokbod/pkg/pdf"
	"github.com/jokbolink/jokbod/pkg/storage"
	"github.com/jokbolink/jokbod/pkg/version"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	slog.Info("Starting jokbod",
		"version", version.Full(),
		"http_port", cfg.HTTP.Port,
		"storage_root", cfg.Storage.Root,
		"api_keys", len(cfg.Credentials.APIKeys))

	kvClient := kv.New(ctx, cfg.Redis, cfg.Storage.MaxRetries)
	svc, err := storage.New(kvClient, cfg.Storage)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			slog.Error("Error closing storage", "error", err)
		}
	}()
	if !svc.Available(ctx) {
		slog.Warn("KV store unreachable at startup, file operations degrade to disk-only")
	}

	pool, err := credential.NewPool(ctx, cfg.Credentials,
		func(ctx context.Context, apiKey string) (llm.Client, error) {
			return llm.NewGeminiClient(ctx, apiKey)
		})
	if err != nil {
		slog.Error("Failed to initialize credential pool", "error", err)
		os.Exit(1)
	}
	slog.Info("Credential pool initialized", "keys", pool.Size())

	ops := pdf.NewOps(filepath.Join(cfg.Storage.Root, "temp"))
	orch := orchestrator.New(pool, svc, ops, nil)
	runner := jobs.New(svc, pool, orch, ops, cfg, nil)

	sweeper := cleanup.NewService(cfg.Retention, cfg.Storage.Root)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	statusCtx, stopStatus := context.WithCancel(ctx)
	defer stopStatus()
	go logPoolStatus(statusCtx, pool, 10*time.Minute)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	api.NewServer(svc, runner, pool).Register(router)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTP.Port,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown incomplete", "error", err)
	}

	slog.Info("jokbod stopped")
}

// logPoolStatus periodically records credential pool health so cooldown
// storms show up in the logs without hitting the API.
func logPoolStatus(ctx context.Context, pool *credential.Pool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := pool.StatusReport()
			slog.Info("Credential pool status",
				"available", report.AvailableKeys,
				"total", report.TotalKeys)
		}
	}
}
