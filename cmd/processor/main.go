// Package main is the entrypoint for the uploadq background processor.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/uploadq/internal/cache"
	"github.com/kiranshivaraju/uploadq/internal/config"
	"github.com/kiranshivaraju/uploadq/internal/credentials"
	"github.com/kiranshivaraju/uploadq/internal/debrid"
	"github.com/kiranshivaraju/uploadq/internal/files"
	"github.com/kiranshivaraju/uploadq/internal/ops"
	"github.com/kiranshivaraju/uploadq/internal/queue"
	"github.com/kiranshivaraju/uploadq/internal/ratelimit"
	"github.com/kiranshivaraju/uploadq/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("processor failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Ops.Env, "cycle_interval", cfg.Queue.CycleInterval)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Payload file storage
	fileStore, err := files.NewLocalStorage(cfg.Files.DataDir)
	if err != nil {
		return fmt.Errorf("open file storage: %w", err)
	}

	// 6. Store, credentials and rate accounting
	pgStore := store.NewPostgresStore(pool)

	keychain, err := credentials.NewKeychain(cfg.Queue.MasterKey)
	if err != nil {
		return fmt.Errorf("init keychain: %w", err)
	}
	clients := credentials.NewClientCache(pgStore, keychain, func(apiKey string) debrid.Client {
		return debrid.NewHTTPClient(cfg.Debrid.BaseURL, apiKey, cfg.Debrid.Timeout)
	})

	accountant := ratelimit.NewAccountant(pgStore)

	// 7. Processor: startup recovery runs inside Start, before any dispatch
	processor := queue.NewProcessor(pgStore, fileStore, redisCache, clients, accountant, cfg.Queue, cfg.Files)
	if err := processor.Start(ctx); err != nil {
		return fmt.Errorf("start processor: %w", err)
	}

	// 8. Ops HTTP server
	addr := fmt.Sprintf(":%d", cfg.Ops.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      ops.NewRouter(pgStore, redisCache),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ops server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		processor.Stop()
		return fmt.Errorf("ops server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining...")
	}

	processor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}

	slog.Info("processor stopped gracefully")
	return nil
}
