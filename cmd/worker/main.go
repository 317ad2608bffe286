package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"bulk-job-orchestrator/internal/artifacts"
	"bulk-job-orchestrator/internal/config"
	"bulk-job-orchestrator/internal/logging"
	"bulk-job-orchestrator/internal/models"
	"bulk-job-orchestrator/internal/pushsync"
	"bulk-job-orchestrator/internal/queue"
	"bulk-job-orchestrator/internal/render"
	"bulk-job-orchestrator/internal/store"
	"bulk-job-orchestrator/internal/telemetry"
	"bulk-job-orchestrator/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		fatal(logger, "connect postgres", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		fatal(logger, "migrations", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	storage, err := artifacts.Open(ctx, cfg)
	if err != nil {
		fatal(logger, "artifact storage", err)
	}
	registry, err := worker.NewRegistry(ctx, cfg, render.New(), storage, logger)
	if err != nil {
		fatal(logger, "handlers", err)
	}

	q := queue.NewRedisQueue(rdb, cfg.WorkerTypes, cfg.VisibilityTimeout)
	processor := worker.NewProcessor(cfg, q, st, pushsync.NewPublisher(rdb), logger)
	for _, t := range cfg.WorkerTypes {
		h, ok := registry[models.JobType(t)]
		if !ok {
			logger.Warn("no handler for worker type", slog.String("type", t))
			continue
		}
		processor.RegisterHandler(models.JobType(t), h)
	}

	sweeps := cron.New()
	if _, err := sweeps.AddFunc(cfg.SweepSchedule, func() {
		n, err := st.PurgeExpiredDedupeKeys(ctx)
		if err != nil {
			logger.Warn("purge dedupe keys", slog.Any("error", err))
			return
		}
		if n > 0 {
			logger.Info("purged dedupe keys", slog.Int64("count", n))
		}
	}); err != nil {
		fatal(logger, "sweep schedule", err)
	}
	sweeps.Start()
	defer sweeps.Stop()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", slog.Any("error", err))
		}
	}()

	logger.Info("worker started",
		slog.Any("types", cfg.WorkerTypes),
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.Duration("visibility", cfg.VisibilityTimeout),
		slog.Duration("backoff_initial", cfg.BackoffInitial))
	if err := processor.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("worker stopped", slog.Any("error", err))
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.Any("error", err))
	os.Exit(1)
}
