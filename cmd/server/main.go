// Package main is the entrypoint for the marbix API server.
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

	"github.com/robfig/cron/v3"

	"github.com/abdusss111/marbix-service/internal/api"
	"github.com/abdusss111/marbix-service/internal/api/handler"
	mw "github.com/abdusss111/marbix-service/internal/api/middleware"
	"github.com/abdusss111/marbix-service/internal/cache"
	"github.com/abdusss111/marbix-service/internal/config"
	"github.com/abdusss111/marbix-service/internal/moderation"
	"github.com/abdusss111/marbix-service/internal/notify"
	"github.com/abdusss111/marbix-service/internal/queue"
	"github.com/abdusss111/marbix-service/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env)

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

	// 5. Create job queue producer
	hostname, _ := os.Hostname()
	jobQueue, err := queue.NewRedisQueue(ctx, cfg.Redis.URL, "api-"+hostname, cfg.Queue)
	if err != nil {
		return fmt.Errorf("create job queue: %w", err)
	}
	defer jobQueue.Close()
	slog.Info("job queue ready", "stream", cfg.Queue.Stream)

	// 6. Create store, moderation gate, and push notifier
	pgStore := store.NewPostgresStore(pool)
	checker := moderation.NewOpenAIChecker(cfg.Moderation)
	notifier := notify.NewNotifier(cfg.Notify.CacheTTL)

	// Worker events arrive over the redis bridge and land on local sockets.
	go func() {
		if err := notify.Subscribe(ctx, cfg.Redis.URL, cfg.Notify.EventChannel, notifier); err != nil && ctx.Err() == nil {
			slog.Error("event subscription ended", "error", err)
		}
	}()

	// 7. Background sweeps
	sched := cron.New()
	if _, err := sched.AddFunc("@hourly", func() {
		notifier.Sweep()
	}); err != nil {
		return fmt.Errorf("schedule notifier sweep: %w", err)
	}
	if _, err := sched.AddFunc("@daily", func() {
		cutoff := time.Now().UTC().Add(-cfg.Retention.MaxAge)
		deleted, err := pgStore.DeleteTerminalBefore(context.Background(), cutoff)
		if err != nil {
			slog.Error("retention sweep failed", "error", err)
			return
		}
		slog.Info("retention sweep", "deleted", deleted, "cutoff", cutoff)
	}); err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	// 8. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMin)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler:    handler.NewHealthHandler(pgStore, redisCache),
		SubmitHandler:    handler.NewSubmitHandler(pgStore, checker, jobQueue, cfg.Queue.MaxTries),
		StatusHandler:    handler.NewStatusHandler(pgStore),
		ListHandler:      handler.NewListHandler(pgStore),
		CallbackHandler:  handler.NewCallbackHandler(pgStore, notifier),
		WSHandler:        handler.NewWSHandler(pgStore, redisCache, notifier, cfg.Notify.IdleTimeout),
		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket streams rule out a global write timeout
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
