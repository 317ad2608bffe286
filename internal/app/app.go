// Package app assembles the client side: job store, push reconciler, poller, notifier,
// execution tiers and the orchestrator, plus the periodic sweeps that keep the store bounded.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"bulk-job-orchestrator/internal/artifactcache"
	"bulk-job-orchestrator/internal/artifacts"
	"bulk-job-orchestrator/internal/client"
	"bulk-job-orchestrator/internal/clientstate"
	"bulk-job-orchestrator/internal/config"
	"bulk-job-orchestrator/internal/hasher"
	"bulk-job-orchestrator/internal/jobstore"
	"bulk-job-orchestrator/internal/models"
	"bulk-job-orchestrator/internal/notifier"
	"bulk-job-orchestrator/internal/orchestrator"
	"bulk-job-orchestrator/internal/poller"
	"bulk-job-orchestrator/internal/pushsync"
	"bulk-job-orchestrator/internal/tiers"
)

// App owns every long-lived client component. Close releases them in reverse order.
type App struct {
	Config       config.Config
	Client       *client.Client
	Store        *jobstore.Store
	Poller       *poller.Poller
	Notifier     *notifier.Notifier
	Orchestrator *orchestrator.Orchestrator
	Reconciler   *pushsync.Reconciler

	redis   *redis.Client
	cron    *cron.Cron
	logger  *slog.Logger
	runCtx  context.Context
	cancel  context.CancelFunc
	detach  func()
	wg      sync.WaitGroup
	closers []func() error

	watchMu sync.Mutex
	watched map[string]struct{}
}

// New connects to Redis and the API and starts the push reconciler and the sweep schedule.
// The caller must call Close.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a := &App{Config: cfg, redis: rdb, logger: logger, runCtx: runCtx, cancel: cancel, watched: make(map[string]struct{})}
	a.Client = client.New(cfg.APIBaseURL, cfg.Principal, &http.Client{Timeout: 2 * time.Minute})

	a.Store = jobstore.New(jobstore.Options{
		MaxJobs:   cfg.StoreMaxJobs,
		Retention: cfg.Retention,
		Remote:    a.Client,
		Persister: clientstate.NewJobCache(rdb, cfg.Principal, cfg.Retention, logger),
		Logger:    logger,
	})
	if err := a.Store.Load(ctx); err != nil {
		logger.Warn("job cache not restored", slog.Any("error", err))
	}

	sinks := []notifier.Sink{notifier.LogSink{Logger: logger}}
	if cfg.AMQPURL != "" {
		sink, closeFn, err := notifier.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			logger.Warn("amqp notifications disabled", slog.Any("error", err))
		} else {
			sinks = append(sinks, sink)
			a.closers = append(a.closers, closeFn)
		}
	}
	a.Notifier = notifier.New(notifier.Options{PhaseInterval: cfg.PhaseInterval, Sinks: sinks, Logger: logger})
	a.detach = a.Notifier.Attach(a.Store)

	a.Poller = poller.New(a.Client, a.Store, poller.Options{
		Interval:   cfg.PollInterval,
		Deadline:   cfg.PollDeadline,
		NudgeAfter: cfg.NudgeAfter,
		Nudger:     a.Client,
		Resume:     clientstate.NewResumeStore(rdb, cfg.Principal, logger),
		Warn:       a.Notifier.Warn,
		Logger:     logger,
	})

	h := hasher.New(logger)
	selector := tiers.NewSelector(h, logger,
		tiers.NewQueueTier(a.Client, a.Poller),
		tiers.NewLegacyBulkTier(a.Client, tiers.LegacyOptions{LargeBatch: cfg.LargeBatch, Backoff: cfg.BulkBackoff, Logger: logger}),
		tiers.NewLocalMergeTier(a.Client, artifactcache.New(cfg.CacheEntries), h, logger),
	)
	orch, err := orchestrator.New(orchestrator.Options{
		Store:    a.Store,
		Runner:   selector,
		Keeper:   artifacts.NewLocal(cfg.ArtifactDir, ""),
		Remote:   a.Client,
		Notifier: a.Notifier,
		Logger:   logger,
	})
	if err != nil {
		a.detach()
		a.Notifier.Close()
		_ = rdb.Close()
		cancel()
		return nil, err
	}
	a.Orchestrator = orch

	feed := pushsync.NewRedisFeed(rdb, cfg.Principal, logger)
	a.Reconciler = pushsync.NewReconciler(feed, a.Store, logger)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.Reconciler.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("push feed stopped; relying on polling", slog.Any("error", err))
		}
	}()

	// Active server jobs restored from the cache have no run; poll them until the feed
	// catches up.
	a.watchUnowned()

	a.cron = cron.New()
	if _, err := a.cron.AddFunc(cfg.SweepSchedule, func() { a.Sweep(runCtx) }); err != nil {
		a.Close()
		return nil, fmt.Errorf("sweep schedule %q: %w", cfg.SweepSchedule, err)
	}
	a.cron.Start()
	return a, nil
}

// Sweep evicts expired terminal jobs, persists the store and reconciles tombstones against
// the server listing.
func (a *App) Sweep(ctx context.Context) {
	if n := a.Store.EvictExpired(); n > 0 {
		a.logger.Info("evicted expired jobs", slog.Int("count", n))
	}
	if err := a.Store.Flush(ctx); err != nil {
		a.logger.Warn("flush job cache", slog.Any("error", err))
	}
	report, err := a.Store.Resync(ctx, a.Client)
	if err != nil {
		a.logger.Warn("resync with server", slog.Any("error", err))
	} else {
		a.logger.Debug("resync done", slog.Any("report", report), slog.Int("push_applied", a.Reconciler.Applied()))
	}
	if a.Reconciler.Stale(a.Config.PushStaleAfter) {
		if n := a.watchUnowned(); n > 0 {
			a.logger.Info("push feed stale, polling active jobs", slog.Int("count", n))
		}
	}
}

// watchUnowned starts a poll for every active server job that no run is following and
// returns how many it started.
func (a *App) watchUnowned() int {
	started := 0
	for _, job := range a.Store.List() {
		if !job.Status.Active() || jobstore.IsPlaceholder(job.ID) || a.Orchestrator.Running(job.ID) {
			continue
		}
		if a.claim(job.ID) {
			started++
			go a.watch(job)
		}
	}
	return started
}

// claim reserves id for one watcher. Close cancels runCtx under watchMu, so no watcher is
// added once shutdown has begun.
func (a *App) claim(id string) bool {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	if _, busy := a.watched[id]; busy || a.runCtx.Err() != nil {
		return false
	}
	a.watched[id] = struct{}{}
	a.wg.Add(1)
	return true
}

func (a *App) watch(job models.Job) {
	defer a.wg.Done()
	defer func() {
		a.watchMu.Lock()
		delete(a.watched, job.ID)
		a.watchMu.Unlock()
	}()
	_, err := a.Poller.Poll(a.runCtx, poller.Watch{
		JobID:           job.ID,
		Type:            job.Type,
		Scope:           job.Scope,
		DedupeKey:       job.DedupeKey,
		ExpireOnTimeout: true,
	})
	if err != nil && a.runCtx.Err() == nil {
		a.logger.Info("watch ended", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

// Resume continues watching the job saved for scope after a restart.
func (a *App) Resume(ctx context.Context, scope string) (models.Job, error) {
	return a.Poller.Resume(ctx, scope)
}

func (a *App) Close() {
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	if a.Orchestrator != nil {
		a.Orchestrator.Close()
	}
	a.watchMu.Lock()
	a.cancel()
	a.watchMu.Unlock()
	a.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Store.Flush(ctx); err != nil {
		a.logger.Warn("flush job cache on close", slog.Any("error", err))
	}
	a.Store.Close()
	a.detach()
	a.Notifier.Close()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close", slog.Any("error", err))
		}
	}
	_ = a.redis.Close()
}
