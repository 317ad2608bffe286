// Package jobstore is the client-resident source of truth for job records between server
// round trips. It accepts optimistic placeholders, reconciles them with server-confirmed
// records, folds in push-channel changes and keeps its size bounded.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"bulk-job-orchestrator/internal/models"
	"bulk-job-orchestrator/internal/telemetry"
)

const (
	DefaultMaxJobs   = 100
	DefaultRetention = 12 * time.Hour

	remoteDeleteTimeout = 10 * time.Second
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrNotRetryable      = errors.New("only failed or cancelled jobs can be retried")
	ErrIllegalTransition = errors.New("illegal status transition")
)

// RemoteDeleter issues the server-side delete behind an optimistic local removal.
type RemoteDeleter interface {
	DeleteJob(ctx context.Context, id string) error
}

// Lister returns the full remote listing for the current principal.
type Lister interface {
	ListJobs(ctx context.Context) ([]models.Job, error)
}

// Persister keeps a bounded snapshot of the store across restarts.
type Persister interface {
	LoadJobs(ctx context.Context) ([]models.Job, error)
	SaveJobs(ctx context.Context, jobs []models.Job) error
}

type Options struct {
	MaxJobs   int
	Retention time.Duration
	Remote    RemoteDeleter
	Persister Persister
	Logger    *slog.Logger
	Now       func() time.Time
}

type Store struct {
	maxJobs   int
	retention time.Duration
	remote    RemoteDeleter
	persister Persister
	logger    *slog.Logger
	now       func() time.Time

	// commitMu serializes mutate-then-dispatch so listeners observe commit order.
	commitMu sync.Mutex

	mu         sync.RWMutex
	jobs       map[string]*models.Job
	aliases    map[string]string
	tombstones map[string]time.Time

	listenersMu  sync.RWMutex
	listeners    map[uint64]Listener
	nextListener uint64

	wg sync.WaitGroup
}

func New(opts Options) *Store {
	if opts.MaxJobs <= 0 {
		opts.MaxJobs = DefaultMaxJobs
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		maxJobs:    opts.MaxJobs,
		retention:  opts.Retention,
		remote:     opts.Remote,
		persister:  opts.Persister,
		logger:     opts.Logger.With(slog.String("component", "jobstore")),
		now:        opts.Now,
		jobs:       make(map[string]*models.Job),
		aliases:    make(map[string]string),
		tombstones: make(map[string]time.Time),
		listeners:  make(map[uint64]Listener),
	}
}

// commit runs fn under the write lock and dispatches the events it returns.
func (s *Store) commit(fn func() []Event) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	s.mu.Lock()
	events := fn()
	n := len(s.jobs)
	s.mu.Unlock()
	telemetry.StoreJobs.Set(float64(n))
	s.dispatch(events)
}

// Get returns a snapshot of the job. Ids that were reconciled or detached resolve to the
// record that replaced them.
func (s *Store) Get(id string) (models.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[s.resolveLocked(id)]
	if !ok {
		return models.Job{}, false
	}
	return j.Clone(), true
}

// List returns snapshots ordered by creation time.
func (s *Store) List() []models.Job {
	s.mu.RLock()
	out := make([]models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// FindActive returns the active job of the given type and scope. An empty scope never matches.
func (s *Store) FindActive(jobType models.JobType, scope string) (models.Job, bool) {
	if scope == "" {
		return models.Job{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		if j.Type == jobType && j.Scope == scope && j.Status.Active() {
			return j.Clone(), true
		}
	}
	return models.Job{}, false
}

// FindByDedupe returns the active job with the same type, scope and dedupe key.
func (s *Store) FindByDedupe(jobType models.JobType, scope, key string) (models.Job, bool) {
	if key == "" {
		return models.Job{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		if j.Type == jobType && j.Scope == scope && j.DedupeKey == key && j.Status.Active() {
			return j.Clone(), true
		}
	}
	return models.Job{}, false
}

// OptimisticAdd inserts a client-only record. It is a no-op when the id is already known,
// which absorbs duplicate event delivery.
func (s *Store) OptimisticAdd(job models.Job) (models.Job, bool) {
	var (
		out   models.Job
		added bool
	)
	s.commit(func() []Event {
		if job.ID == "" {
			job.ID = NewPlaceholderID(s.now())
		}
		if existing, ok := s.jobs[job.ID]; ok {
			out = existing.Clone()
			return nil
		}
		now := s.now()
		if job.CreatedAt.IsZero() {
			job.CreatedAt = now
		}
		if job.UpdatedAt.IsZero() {
			job.UpdatedAt = job.CreatedAt
		}
		if job.Status == "" {
			job.Status = models.StatusPending
		}
		j := normalize(job.Clone())
		s.jobs[j.ID] = &j
		out, added = j.Clone(), true
		events := []Event{{Kind: EventAdded, Job: j.Clone()}}
		return append(events, s.enforceLimitLocked()...)
	})
	return out, added
}

// Reconcile replaces a placeholder with the server-confirmed record. The earlier createdAt
// and the client-known replay payload survive. If the server record already arrived through
// the push channel the two are merged instead of duplicated.
func (s *Store) Reconcile(placeholderID string, real models.Job) (models.Job, error) {
	var (
		out models.Job
		err error
	)
	s.commit(func() []Event {
		if real.ID == "" {
			err = errors.New("reconcile: server record has no id")
			return nil
		}
		if _, dead := s.tombstones[placeholderID]; dead {
			s.tombstones[real.ID] = s.now()
			s.deleteRemote(real.ID)
			err = fmt.Errorf("reconcile %s: %w", placeholderID, ErrNotFound)
			return nil
		}
		ph, ok := s.jobs[placeholderID]
		if !ok {
			if cur, ok := s.jobs[s.resolveLocked(placeholderID)]; ok && cur.ID == real.ID {
				out = cur.Clone()
				return nil
			}
			err = fmt.Errorf("reconcile %s: %w", placeholderID, ErrNotFound)
			return nil
		}
		prev := ph.Clone()
		if placeholderID == real.ID {
			merged, accepted := resolve(prev, real)
			if !accepted {
				out = prev
				return nil
			}
			s.jobs[merged.ID] = &merged
			out = merged.Clone()
			return []Event{{Kind: EventUpdated, Job: merged.Clone(), Previous: &prev}}
		}

		target := normalize(real.Clone())
		if existing, ok := s.jobs[real.ID]; ok {
			if merged, accepted := resolve(existing.Clone(), real); accepted {
				target = merged
			} else {
				target = existing.Clone()
			}
		}
		target = normalize(adopt(prev, target))

		delete(s.jobs, placeholderID)
		s.jobs[target.ID] = &target
		s.aliasLocked(placeholderID, target.ID)
		if !IsPlaceholder(placeholderID) {
			// A retried server job was resubmitted under a new id; keep the old row from
			// coming back through the feed.
			s.tombstones[placeholderID] = s.now()
		}
		out = target.Clone()
		return []Event{{Kind: EventReconciled, Job: target.Clone(), Previous: &prev, PreviousID: placeholderID}}
	})
	return out, err
}

// ApplyLocal applies a client-originated change, subject to the same conflict rules as
// remote changes.
func (s *Store) ApplyLocal(id string, mutate func(*models.Job)) (models.Job, error) {
	var (
		out models.Job
		err error
	)
	s.commit(func() []Event {
		cur, ok := s.jobs[s.resolveLocked(id)]
		if !ok {
			err = fmt.Errorf("apply %s: %w", id, ErrNotFound)
			return nil
		}
		prev := cur.Clone()
		next := cur.Clone()
		mutate(&next)
		next.ID = prev.ID
		next.UpdatedAt = s.now()
		merged, accepted := resolve(prev, next)
		if !accepted {
			out = prev
			err = fmt.Errorf("apply %s %s -> %s: %w", id, prev.Status, next.Status, ErrIllegalTransition)
			return nil
		}
		s.jobs[merged.ID] = &merged
		out = merged.Clone()
		return []Event{{Kind: EventUpdated, Job: merged.Clone(), Previous: &prev}}
	})
	return out, err
}

// ApplyRemote folds one push-channel or poll result into the store. Unknown ids create a
// minimal record so no event is dropped before metadata loads. It reports whether the
// change altered the store.
func (s *Store) ApplyRemote(change models.Change) bool {
	changed := false
	s.commit(func() []Event {
		id := change.Record.ID
		if id == "" {
			return nil
		}
		if change.Op == models.ChangeDelete {
			delete(s.tombstones, id)
			j, ok := s.jobs[id]
			if !ok {
				return nil
			}
			prev := j.Clone()
			s.removeLocked(id)
			changed = true
			return []Event{{Kind: EventRemoved, Job: prev, Previous: &prev}}
		}
		if _, dead := s.tombstones[id]; dead {
			s.logger.Debug("dropping change for removed job", slog.String("job_id", id))
			return nil
		}

		cur, ok := s.jobs[id]
		if !ok {
			j := change.Record.Clone()
			if j.CreatedAt.IsZero() {
				j.CreatedAt = s.now()
			}
			if j.UpdatedAt.IsZero() {
				j.UpdatedAt = j.CreatedAt
			}
			j = normalize(j)
			s.jobs[id] = &j
			changed = true
			events := []Event{{Kind: EventAdded, Job: j.Clone()}}
			return append(events, s.enforceLimitLocked()...)
		}

		prev := cur.Clone()
		merged, accepted := resolve(prev, change.Record)
		if !accepted {
			s.logger.Debug("rejected remote change",
				slog.String("job_id", id),
				slog.String("from", string(prev.Status)),
				slog.String("to", string(change.Record.Status)))
			return nil
		}
		s.jobs[id] = &merged
		changed = true
		return []Event{{Kind: EventUpdated, Job: merged.Clone(), Previous: &prev}}
	})
	return changed
}

// RequestRetry resets a failed or cancelled job to pending, bumps the retry counter in its
// meta and announces EventRetryRequested so the replay side can run it again.
func (s *Store) RequestRetry(id string) (models.Job, error) {
	var (
		out models.Job
		err error
	)
	s.commit(func() []Event {
		cur, ok := s.jobs[s.resolveLocked(id)]
		if !ok {
			err = fmt.Errorf("retry %s: %w", id, ErrNotFound)
			return nil
		}
		if !models.Retryable(cur.Status) {
			err = fmt.Errorf("retry %s (%s): %w", id, cur.Status, ErrNotRetryable)
			return nil
		}
		prev := cur.Clone()
		next := resetForRetry(prev, s.now())
		next.Meta.RetryCount++
		s.jobs[next.ID] = &next
		out = next.Clone()
		return []Event{{Kind: EventRetryRequested, Job: next.Clone(), Previous: &prev}}
	})
	return out, err
}

// Detach re-keys a record to a fresh local id and re-enters it at pending. It is used when
// execution falls back to a local tier after a server job produced nothing; pushes for the
// abandoned server id are ignored from then on.
func (s *Store) Detach(id string) (models.Job, error) {
	var (
		out models.Job
		err error
	)
	s.commit(func() []Event {
		oldID := s.resolveLocked(id)
		cur, ok := s.jobs[oldID]
		if !ok {
			err = fmt.Errorf("detach %s: %w", id, ErrNotFound)
			return nil
		}
		prev := cur.Clone()
		next := resetForRetry(prev, s.now())
		next.ID = newLocalID(s.now())
		delete(s.jobs, oldID)
		s.jobs[next.ID] = &next
		s.aliasLocked(oldID, next.ID)
		if !IsPlaceholder(oldID) {
			s.tombstones[oldID] = s.now()
		}
		out = next.Clone()
		return []Event{{Kind: EventReconciled, Job: next.Clone(), Previous: &prev, PreviousID: oldID}}
	})
	return out, err
}

// Remove deletes the job locally right away and issues the remote delete in the
// background. A failed remote delete does not restore the record; the id stays
// tombstoned until Resync confirms the remote row is gone.
func (s *Store) Remove(id string) bool {
	removed := false
	s.commit(func() []Event {
		rid := s.resolveLocked(id)
		j, ok := s.jobs[rid]
		if !ok {
			return nil
		}
		prev := j.Clone()
		s.removeLocked(rid)
		s.tombstones[rid] = s.now()
		s.deleteRemote(rid)
		removed = true
		return []Event{{Kind: EventRemoved, Job: prev, Previous: &prev}}
	})
	return removed
}

// ClearCompleted removes every completed or cancelled job. Failed jobs stay so they can be
// retried.
func (s *Store) ClearCompleted() int {
	n := 0
	s.commit(func() []Event {
		var events []Event
		for id, j := range s.jobs {
			if j.Status != models.StatusCompleted && j.Status != models.StatusCancelled {
				continue
			}
			prev := j.Clone()
			s.removeLocked(id)
			s.tombstones[id] = s.now()
			s.deleteRemote(id)
			events = append(events, Event{Kind: EventRemoved, Job: prev, Previous: &prev})
			n++
		}
		return events
	})
	return n
}

// EvictExpired drops terminal jobs whose last update is older than the retention window.
// Eviction is local only; server rows are untouched.
func (s *Store) EvictExpired() int {
	n := 0
	s.commit(func() []Event {
		cutoff := s.now().Add(-s.retention)
		var events []Event
		for id, j := range s.jobs {
			if !j.Status.Terminal() || !j.UpdatedAt.Before(cutoff) {
				continue
			}
			prev := j.Clone()
			s.removeLocked(id)
			events = append(events, Event{Kind: EventRemoved, Job: prev, Previous: &prev})
			n++
		}
		tombCutoff := s.now().Add(-2 * s.retention)
		for id, at := range s.tombstones {
			if at.Before(tombCutoff) {
				delete(s.tombstones, id)
			}
		}
		return events
	})
	return n
}

// ResyncReport summarizes one Resync pass.
type ResyncReport struct {
	Upserted  int
	Redeleted int
	Cleared   int
}

// Resync reconciles the store against the full remote listing. Tombstoned ids that still
// exist remotely get their delete re-issued; tombstones whose row is gone are dropped.
func (s *Store) Resync(ctx context.Context, lister Lister) (ResyncReport, error) {
	var report ResyncReport
	remote, err := lister.ListJobs(ctx)
	if err != nil {
		return report, fmt.Errorf("list remote jobs: %w", err)
	}
	present := make(map[string]struct{}, len(remote))
	for _, j := range remote {
		present[j.ID] = struct{}{}
	}

	s.mu.Lock()
	for id, at := range s.tombstones {
		if IsPlaceholder(id) {
			if s.now().Sub(at) > s.retention {
				delete(s.tombstones, id)
			}
			continue
		}
		if _, ok := present[id]; ok {
			s.deleteRemote(id)
			report.Redeleted++
			continue
		}
		delete(s.tombstones, id)
		report.Cleared++
	}
	s.mu.Unlock()

	for _, j := range remote {
		if s.ApplyRemote(models.Change{Op: models.ChangeUpdate, Record: j}) {
			report.Upserted++
		}
	}
	return report, nil
}

// Load hydrates the store from the persister. Records already present win.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	jobs, err := s.persister.LoadJobs(ctx)
	if err != nil {
		return fmt.Errorf("load job cache: %w", err)
	}
	s.commit(func() []Event {
		var events []Event
		for _, j := range jobs {
			if j.ID == "" {
				continue
			}
			if _, ok := s.jobs[j.ID]; ok {
				continue
			}
			rec := normalize(j.Clone())
			s.jobs[rec.ID] = &rec
			events = append(events, Event{Kind: EventAdded, Job: rec.Clone()})
		}
		return append(events, s.enforceLimitLocked()...)
	})
	return nil
}

// Flush writes the current snapshot to the persister.
func (s *Store) Flush(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	if err := s.persister.SaveJobs(ctx, s.List()); err != nil {
		return fmt.Errorf("save job cache: %w", err)
	}
	return nil
}

// Close waits for outstanding remote deletes.
func (s *Store) Close() {
	s.wg.Wait()
}

func (s *Store) resolveLocked(id string) string {
	for i := 0; i < 8; i++ {
		next, ok := s.aliases[id]
		if !ok {
			return id
		}
		id = next
	}
	return id
}

func (s *Store) aliasLocked(from, to string) {
	s.aliases[from] = to
	for k, v := range s.aliases {
		if v == from {
			s.aliases[k] = to
		}
	}
}

func (s *Store) removeLocked(id string) {
	delete(s.jobs, id)
	for k, v := range s.aliases {
		if v == id {
			delete(s.aliases, k)
		}
	}
}

// enforceLimitLocked evicts the oldest terminal jobs while the store is over capacity.
func (s *Store) enforceLimitLocked() []Event {
	if len(s.jobs) <= s.maxJobs {
		return nil
	}
	terminal := make([]*models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j.Status.Terminal() {
			terminal = append(terminal, j)
		}
	}
	sort.Slice(terminal, func(i, k int) bool {
		return terminal[i].UpdatedAt.Before(terminal[k].UpdatedAt)
	})
	excess := len(s.jobs) - s.maxJobs
	if excess > len(terminal) {
		excess = len(terminal)
	}
	events := make([]Event, 0, excess)
	for _, j := range terminal[:excess] {
		prev := j.Clone()
		s.removeLocked(j.ID)
		events = append(events, Event{Kind: EventRemoved, Job: prev, Previous: &prev})
	}
	return events
}

func (s *Store) deleteRemote(id string) {
	if s.remote == nil || IsPlaceholder(id) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), remoteDeleteTimeout)
		defer cancel()
		if err := s.remote.DeleteJob(ctx, id); err != nil {
			s.logger.Warn("remote delete failed; local removal kept until next resync",
				slog.String("job_id", id),
				slog.Any("error", err))
		}
	}()
}
