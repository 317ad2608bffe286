package pushsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bulk-job-orchestrator/internal/models"
)

// Applier is the part of the job store the reconciler writes to.
type Applier interface {
	ApplyRemote(change models.Change) bool
}

// Reconciler folds feed changes into the job store and remembers when the feed last spoke.
type Reconciler struct {
	feed   Feed
	store  Applier
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	started  time.Time
	lastSeen time.Time
	applied  int
	stopped  bool
}

func NewReconciler(feed Feed, store Applier, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{feed: feed, store: store, logger: logger, now: time.Now}
}

// Run blocks until ctx is cancelled or the feed fails.
func (r *Reconciler) Run(ctx context.Context) error {
	r.mu.Lock()
	r.started = r.now()
	r.stopped = false
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
	}()
	return r.feed.Listen(ctx, func(change models.Change) {
		changed := r.store.ApplyRemote(change)
		r.mu.Lock()
		r.lastSeen = r.now()
		if changed {
			r.applied++
		}
		r.mu.Unlock()
		r.logger.Debug("applied push change",
			slog.String("job_id", change.Record.ID),
			slog.String("op", string(change.Op)),
			slog.Bool("changed", changed))
	})
}

// Stale reports whether nothing arrived for longer than maxSilence. A reconciler that never
// started or whose feed has stopped is always stale.
func (r *Reconciler) Stale(maxSilence time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return true
	}
	last := r.lastSeen
	if last.IsZero() {
		last = r.started
	}
	if last.IsZero() {
		return true
	}
	return r.now().Sub(last) > maxSilence
}

// Applied returns how many changes altered the store.
func (r *Reconciler) Applied() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applied
}
