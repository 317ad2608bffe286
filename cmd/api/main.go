package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"bulk-job-orchestrator/internal/api"
	"bulk-job-orchestrator/internal/artifacts"
	"bulk-job-orchestrator/internal/config"
	"bulk-job-orchestrator/internal/logging"
	"bulk-job-orchestrator/internal/pushsync"
	"bulk-job-orchestrator/internal/queue"
	"bulk-job-orchestrator/internal/ratelimit"
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
	telemetry.Register()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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
	renderer := render.New()
	registry, err := worker.NewRegistry(ctx, cfg, renderer, storage, logger)
	if err != nil {
		fatal(logger, "handlers", err)
	}

	server := api.New(cfg, api.Deps{
		Store:     st,
		Queue:     queue.NewRedisQueue(rdb, cfg.WorkerTypes, cfg.VisibilityTimeout),
		Limiter:   ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour),
		Changes:   pushsync.NewPublisher(rdb),
		Renderer:  renderer,
		Bulk:      registry,
		Artifacts: storage,
		Logger:    logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", slog.String("port", cfg.HTTPPort), slog.String("artifacts", cfg.ArtifactBackend))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "listen", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.Any("error", err))
	os.Exit(1)
}
