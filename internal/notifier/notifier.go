// Package notifier turns job store transitions into user-facing notifications: one group
// per job, rate-limited phase updates and exactly one message per terminal failure.
package notifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bulk-job-orchestrator/internal/jobstore"
	"bulk-job-orchestrator/internal/models"
	"bulk-job-orchestrator/internal/telemetry"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

const DefaultPhaseInterval = 2500 * time.Millisecond

// Notification is one toast. A later notification with the same Group replaces the earlier
// one. AutoCloseMs of zero keeps it open until dismissed.
type Notification struct {
	Message     string    `json:"message"`
	Level       Level     `json:"type"`
	Group       string    `json:"group,omitempty"`
	AutoCloseMs int       `json:"auto_close_ms,omitempty"`
	JobID       string    `json:"job_id,omitempty"`
	At          time.Time `json:"at"`
}

// Sink delivers notifications outside the process.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

type Options struct {
	PhaseInterval time.Duration
	Templates     map[models.JobType]Templates
	Sinks         []Sink
	Logger        *slog.Logger
	Now           func() time.Time
}

type tracking struct {
	group      string
	phase      string
	lastPhase  time.Time
	failedSent bool
}

type Notifier struct {
	interval  time.Duration
	templates map[models.JobType]Templates
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	jobs map[string]*tracking

	subsMu  sync.RWMutex
	subs    map[uint64]func(Notification)
	nextSub uint64

	// queue feeds subscribers from their own goroutine, off the store's commit path.
	queueMu sync.Mutex
	queued  *sync.Cond
	queue   []Notification
	busy    bool
	closed  bool

	sinks  []Sink
	outbox chan Notification
	wg     sync.WaitGroup
}

func New(opts Options) *Notifier {
	if opts.PhaseInterval <= 0 {
		opts.PhaseInterval = DefaultPhaseInterval
	}
	if opts.Templates == nil {
		opts.Templates = DefaultTemplates()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	n := &Notifier{
		interval:  opts.PhaseInterval,
		templates: opts.Templates,
		logger:    opts.Logger.With(slog.String("component", "notifier")),
		now:       opts.Now,
		jobs:      make(map[string]*tracking),
		subs:      make(map[uint64]func(Notification)),
		sinks:     opts.Sinks,
		outbox:    make(chan Notification, 64),
	}
	n.queued = sync.NewCond(&n.queueMu)
	n.wg.Add(2)
	go n.fanout()
	go n.deliver()
	return n
}

// Attach subscribes the notifier to store events.
func (n *Notifier) Attach(store *jobstore.Store) (detach func()) {
	return store.Subscribe(n.Handle)
}

// Subscribe registers a callback for every notification. Callbacks run in emission order on
// a dedicated goroutine, so they may call back into the job store.
func (n *Notifier) Subscribe(fn func(Notification)) (unsubscribe func()) {
	n.subsMu.Lock()
	id := n.nextSub
	n.nextSub++
	n.subs[id] = fn
	n.subsMu.Unlock()
	return func() {
		n.subsMu.Lock()
		delete(n.subs, id)
		n.subsMu.Unlock()
	}
}

// Warn emits a one-off warning in the job's group, e.g. a poll that cannot reach the server.
func (n *Notifier) Warn(jobID, message string) {
	n.mu.Lock()
	t := n.trackLocked(jobID)
	group := t.group
	n.mu.Unlock()
	n.emit(Notification{Message: message, Level: LevelWarning, Group: group, AutoCloseMs: 6000, JobID: jobID})
}

// Handle maps one store event to at most one notification.
func (n *Notifier) Handle(ev jobstore.Event) {
	job := ev.Job
	n.mu.Lock()
	if ev.Kind == jobstore.EventReconciled && ev.PreviousID != "" {
		if t, ok := n.jobs[ev.PreviousID]; ok {
			delete(n.jobs, ev.PreviousID)
			n.jobs[job.ID] = t
		}
	}
	if ev.Kind == jobstore.EventRemoved {
		delete(n.jobs, job.ID)
		n.mu.Unlock()
		return
	}
	t := n.trackLocked(job.ID)
	out, ok := n.decideLocked(ev, t)
	n.mu.Unlock()
	if ok {
		out.Group = t.group
		out.JobID = job.ID
		n.emit(out)
	}
}

func (n *Notifier) decideLocked(ev jobstore.Event, t *tracking) (Notification, bool) {
	job := ev.Job
	var prev models.Job
	if ev.Previous != nil {
		prev = *ev.Previous
	}
	tpl := n.templates[job.Type]

	switch {
	case ev.Kind == jobstore.EventAdded:
		t.phase = phaseOf(job)
		t.lastPhase = n.now()
		if job.Status.Terminal() {
			return n.terminalLocked(job, t, tpl)
		}
		return Notification{Message: job.Label + " queued", Level: LevelInfo, AutoCloseMs: 3000}, true

	case ev.Kind == jobstore.EventRetryRequested:
		t.failedSent = false
		t.phase = phaseOf(job)
		t.lastPhase = n.now()
		return Notification{Message: "Retrying " + job.Label, Level: LevelInfo, AutoCloseMs: 3000}, true

	case job.Status.Terminal() && job.Status != prev.Status:
		return n.terminalLocked(job, t, tpl)

	case job.Status.Active():
		if prev.Status.Terminal() {
			t.failedSent = false
		}
		phase := phaseOf(job)
		if phase == t.phase {
			return Notification{}, false
		}
		now := n.now()
		t.phase = phase
		if !t.lastPhase.IsZero() && now.Sub(t.lastPhase) < n.interval {
			return Notification{}, false
		}
		t.lastPhase = now
		return Notification{Message: job.Label + ": " + phase, Level: LevelInfo, AutoCloseMs: 3000}, true
	}
	return Notification{}, false
}

func (n *Notifier) terminalLocked(job models.Job, t *tracking, tpl Templates) (Notification, bool) {
	switch job.Status {
	case models.StatusCompleted:
		return Notification{Message: render(tpl.Success, genericSuccess, job), Level: LevelSuccess, AutoCloseMs: 5000}, true
	case models.StatusFailed:
		if t.failedSent {
			return Notification{}, false
		}
		t.failedSent = true
		return Notification{Message: render(tpl.Failure, genericFailure, job), Level: LevelError}, true
	default:
		return Notification{Message: job.Label + " cancelled", Level: LevelInfo, AutoCloseMs: 3000}, true
	}
}

func (n *Notifier) trackLocked(jobID string) *tracking {
	t, ok := n.jobs[jobID]
	if !ok {
		t = &tracking{group: "job:" + jobID}
		n.jobs[jobID] = t
	}
	return t
}

func phaseOf(j models.Job) string {
	if j.Phase != "" {
		return j.Phase
	}
	return string(j.Status)
}

func (n *Notifier) emit(out Notification) {
	if out.At.IsZero() {
		out.At = n.now()
	}
	telemetry.Notifications.WithLabelValues(string(out.Level)).Inc()

	n.queueMu.Lock()
	if !n.closed {
		n.queue = append(n.queue, out)
		n.queued.Broadcast()
	}
	n.queueMu.Unlock()

	if len(n.sinks) == 0 {
		return
	}
	select {
	case n.outbox <- out:
	default:
		n.logger.Warn("notification outbox full, dropping", slog.String("group", out.Group))
	}
}

func (n *Notifier) fanout() {
	defer n.wg.Done()
	n.queueMu.Lock()
	for {
		for len(n.queue) == 0 && !n.closed {
			n.queued.Wait()
		}
		if len(n.queue) == 0 {
			n.queueMu.Unlock()
			return
		}
		batch := n.queue
		n.queue = nil
		n.busy = true
		n.queueMu.Unlock()

		n.subsMu.RLock()
		subs := make([]func(Notification), 0, len(n.subs))
		for _, fn := range n.subs {
			subs = append(subs, fn)
		}
		n.subsMu.RUnlock()
		for _, out := range batch {
			for _, fn := range subs {
				fn(out)
			}
		}

		n.queueMu.Lock()
		n.busy = false
		n.queued.Broadcast()
	}
}

// Flush blocks until subscribers have seen every notification emitted so far. It must not
// be called from a subscriber callback.
func (n *Notifier) Flush() {
	n.queueMu.Lock()
	for len(n.queue) > 0 || n.busy {
		n.queued.Wait()
	}
	n.queueMu.Unlock()
}

func (n *Notifier) deliver() {
	defer n.wg.Done()
	for out := range n.outbox {
		for _, s := range n.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Notify(ctx, out); err != nil {
				n.logger.Warn("notification sink failed", slog.String("group", out.Group), slog.Any("error", err))
			}
			cancel()
		}
	}
}

// Close flushes pending subscriber and sink deliveries. Handle must not be called afterwards.
func (n *Notifier) Close() {
	n.queueMu.Lock()
	n.closed = true
	n.queued.Broadcast()
	n.queueMu.Unlock()
	close(n.outbox)
	n.wg.Wait()
}
