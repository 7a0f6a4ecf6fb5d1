// Package main is the entrypoint for the marbix pipeline worker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/abdusss111/marbix-service/internal/ai/anthropic"
	"github.com/abdusss111/marbix-service/internal/ai/perplexity"
	"github.com/abdusss111/marbix-service/internal/cache"
	"github.com/abdusss111/marbix-service/internal/config"
	"github.com/abdusss111/marbix-service/internal/notify"
	"github.com/abdusss111/marbix-service/internal/queue"
	"github.com/abdusss111/marbix-service/internal/store"
	"github.com/abdusss111/marbix-service/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "concurrency", cfg.Queue.Concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	publisher, err := notify.NewPublisher(cfg.Redis.URL, cfg.Notify.EventChannel)
	if err != nil {
		return fmt.Errorf("create event publisher: %w", err)
	}
	defer publisher.Close()

	hostname, _ := os.Hostname()
	jobQueue, err := queue.NewRedisQueue(ctx, cfg.Redis.URL, "worker-"+hostname, cfg.Queue)
	if err != nil {
		return fmt.Errorf("create job queue: %w", err)
	}
	defer jobQueue.Close()
	slog.Info("job queue ready", "stream", cfg.Queue.Stream, "group", cfg.Queue.Group)

	pipeline := worker.NewPipeline(
		store.NewPostgresStore(pool),
		redisCache,
		perplexity.NewClient(cfg.AI.Perplexity, cfg.AI.CallTimeout, cfg.AI.RetryDelay),
		anthropic.NewClient(cfg.AI.Anthropic, cfg.AI.CallTimeout, cfg.AI.RetryDelay),
		publisher,
		slog.Default(),
	)

	slog.Info("worker consuming")
	jobQueue.Consume(ctx, pipeline.Run, pipeline.Abandon)

	slog.Info("worker stopped gracefully")
	return nil
}
