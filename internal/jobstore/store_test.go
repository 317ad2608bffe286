package jobstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulk-job-orchestrator/internal/models"
)

type fakeRemote struct {
	mu      sync.Mutex
	deleted []string
	err     error
}

func (f *fakeRemote) DeleteJob(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return f.err
}

func (f *fakeRemote) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type fakeLister struct{ jobs []models.Job }

func (f fakeLister) ListJobs(context.Context) ([]models.Job, error) { return f.jobs, nil }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, opts Options) (*Store, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	opts.Now = c.Now
	s := New(opts)
	t.Cleanup(s.Close)
	return s, c
}

func placeholder(id string, created time.Time) models.Job {
	return models.Job{
		ID:        id,
		Type:      models.TypeBulkDocument,
		Label:     "Match sheets day 3",
		Scope:     "day-3",
		Status:    models.StatusPending,
		Total:     2,
		DedupeKey: "abc",
		Meta: models.Meta{Items: []models.WorkItem{
			{Subject: "A", Target: "x"},
			{Subject: "A", Target: "y"},
		}},
		CreatedAt: created,
	}
}

func TestOptimisticAddIgnoresDuplicateID(t *testing.T) {
	s, c := newTestStore(t, Options{})
	_, added := s.OptimisticAdd(placeholder("tmp_1", c.Now()))
	require.True(t, added)

	dup := placeholder("tmp_1", c.Now())
	dup.Label = "other"
	got, added := s.OptimisticAdd(dup)
	assert.False(t, added)
	assert.Equal(t, "Match sheets day 3", got.Label)
	assert.Equal(t, 1, s.Len())
}

func TestReconcileKeepsEarlierCreatedAt(t *testing.T) {
	s, c := newTestStore(t, Options{})
	t0 := c.Now()
	s.OptimisticAdd(placeholder("tmp_1", t0))

	real := models.Job{
		ID:        "srv-1",
		Type:      models.TypeBulkDocument,
		Status:    models.StatusProcessing,
		Total:     2,
		CreatedAt: t0.Add(3 * time.Second),
	}
	got, err := s.Reconcile("tmp_1", real)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", got.ID)
	assert.True(t, got.CreatedAt.Equal(t0))
	assert.Len(t, got.Meta.Items, 2, "replay payload must survive reconciliation")
	assert.Equal(t, "Match sheets day 3", got.Label)

	_, ok := s.Get("tmp_1")
	assert.True(t, ok, "placeholder id resolves to the reconciled record")
	assert.Equal(t, 1, s.Len())
}

func TestReconcileMergesRecordDeliveredByPushFirst(t *testing.T) {
	s, c := newTestStore(t, Options{})
	t0 := c.Now()
	s.OptimisticAdd(placeholder("tmp_1", t0))
	s.ApplyRemote(models.Change{Op: models.ChangeInsert, Record: models.Job{
		ID: "srv-1", Type: models.TypeBulkDocument, Status: models.StatusProcessing,
		Total: 2, Completed: 1, CreatedAt: t0.Add(time.Second),
	}})
	require.Equal(t, 2, s.Len())

	got, err := s.Reconcile("tmp_1", models.Job{ID: "srv-1", Type: models.TypeBulkDocument, Status: models.StatusPending})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, models.StatusProcessing, got.Status, "stale submit response must not move status backwards")
	assert.Equal(t, 1, got.Completed)
	assert.True(t, got.CreatedAt.Equal(t0))
}

func TestApplyRemoteUnknownIDCreatesMinimalRecord(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	changed := s.ApplyRemote(models.Change{Op: models.ChangeInsert, Record: models.Job{
		ID: "srv-9", Type: models.TypeBulkMessage, Status: models.StatusProcessing,
	}})
	require.True(t, changed)
	got, ok := s.Get("srv-9")
	require.True(t, ok)
	assert.Equal(t, string(models.TypeBulkMessage), got.Label)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestTerminalStateIsProtected(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	s.ApplyRemote(models.Change{Op: models.ChangeInsert, Record: models.Job{
		ID: "srv-1", Type: models.TypeBulkDocument, Status: models.StatusCompleted, ArtifactURL: "https://files/a.zip",
	}})

	sequence := []models.Status{models.StatusProcessing, models.StatusPending, models.StatusFailed, models.StatusRetrying}
	for _, st := range sequence {
		changed := s.ApplyRemote(models.Change{Op: models.ChangeUpdate, Record: models.Job{ID: "srv-1", Status: st, Error: "late"}})
		assert.False(t, changed, "status %s must not revive a completed job", st)
	}
	_, err := s.ApplyLocal("srv-1", func(j *models.Job) { j.Status = models.StatusProcessing })
	assert.ErrorIs(t, err, ErrIllegalTransition)

	got, _ := s.Get("srv-1")
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "https://files/a.zip", got.ArtifactURL)
}

func TestProgressIsMonotonic(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	s.ApplyRemote(models.Change{Op: models.ChangeInsert, Record: models.Job{
		ID: "srv-1", Type: models.TypeBulkDocument, Status: models.StatusProcessing, Total: 10, Completed: 4,
	}})
	s.ApplyRemote(models.Change{Op: models.ChangeUpdate, Record: models.Job{ID: "srv-1", Status: models.StatusProcessing, Completed: 2}})
	got, _ := s.Get("srv-1")
	assert.Equal(t, 4, got.Completed)

	s.ApplyRemote(models.Change{Op: models.ChangeUpdate, Record: models.Job{ID: "srv-1", Status: models.StatusProcessing, Completed: 14}})
	got, _ = s.Get("srv-1")
	assert.Equal(t, 10, got.Completed)
}

func TestCompletedWithoutArtifactBecomesFailure(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	s.ApplyRemote(models.Change{Op: models.ChangeInsert, Record: models.Job{
		ID: "srv-1", Type: models.TypeBulkDocument, Status: models.StatusProcessing, Total: 2,
	}})
	s.ApplyRemote(models.Change{Op: models.ChangeUpdate, Record: models.Job{ID: "srv-1", Status: models.StatusCompleted}})
	got, _ := s.Get("srv-1")
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, models.ErrorCodeMissingArtifact, got.ErrorCode)
}

func TestRequestRetryResetsAndKeepsPayload(t *testing.T) {
	s, c := newTestStore(t, Options{})
	s.OptimisticAdd(placeholder("tmp_1", c.Now()))
	_, err := s.RequestRetry("tmp_1")
	assert.ErrorIs(t, err, ErrNotRetryable)

	_, err = s.ApplyLocal("tmp_1", func(j *models.Job) {
		j.Status = models.StatusFailed
		j.Completed = 1
		j.Error = "renderer down"
	})
	require.NoError(t, err)

	var events []Event
	s.Subscribe(func(ev Event) { events = append(events, ev) })
	got, err := s.RequestRetry("tmp_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 0, got.Completed)
	assert.Empty(t, got.Error)
	assert.Equal(t, "abc", got.DedupeKey)
	assert.Equal(t, 1, got.Meta.RetryCount)
	assert.Len(t, got.Meta.Items, 2)
	require.Len(t, events, 1)
	assert.Equal(t, EventRetryRequested, events[0].Kind)
}

func TestRemoveIsNotRolledBackOnRemoteFailure(t *testing.T) {
	remote := &fakeRemote{err: errors.New("503")}
	s, _ := newTestStore(t, Options{Remote: remote})
	s.ApplyRemote(models.Change{Op: models.ChangeInsert, Record: models.Job{ID: "srv-1", Type: models.TypeBulkMessage, Status: models.StatusCompleted}})

	require.True(t, s.Remove("srv-1"))
	require.Eventually(t, func() bool { return len(remote.calls()) == 1 }, time.Second, 5*time.Millisecond)
	_, ok := s.Get("srv-1")
	assert.False(t, ok)

	changed := s.ApplyRemote(models.Change{Op: models.ChangeUpdate, Record: models.Job{ID: "srv-1", Type: models.TypeBulkMessage, Status: models.StatusCompleted}})
	assert.False(t, changed, "a removed job is not resurrected by a stale push")
}

func TestResyncRedeletesAndClearsTombstones(t *testing.T) {
	remote := &fakeRemote{}
	s, _ := newTestStore(t, Options{Remote: remote})
	for _, id := range []string{"srv-1", "srv-2"} {
		s.ApplyRemote(models.Change{Op: models.ChangeInsert, Record: models.Job{ID: id, Type: models.TypeBulkMessage, Status: models.StatusCompleted}})
		s.Remove(id)
	}
	require.Eventually(t, func() bool { return len(remote.calls()) == 2 }, time.Second, 5*time.Millisecond)

	report, err := s.Resync(context.Background(), fakeLister{jobs: []models.Job{
		{ID: "srv-1", Type: models.TypeBulkMessage, Status: models.StatusCompleted},
		{ID: "srv-3", Type: models.TypeBulkMessage, Status: models.StatusProcessing},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Redeleted)
	assert.Equal(t, 1, report.Cleared)
	assert.Equal(t, 1, report.Upserted)
	require.Eventually(t, func() bool { return len(remote.calls()) == 3 }, time.Second, 5*time.Millisecond)

	_, ok := s.Get("srv-1")
	assert.False(t, ok)
	_, ok = s.Get("srv-3")
	assert.True(t, ok)
}

func TestRemovedPlaceholderDeletesServerJobOnReconcile(t *testing.T) {
	remote := &fakeRemote{}
	s, c := newTestStore(t, Options{Remote: remote})
	s.OptimisticAdd(placeholder("tmp_1", c.Now()))
	s.Remove("tmp_1")

	_, err := s.Reconcile("tmp_1", models.Job{ID: "srv-1", Type: models.TypeBulkDocument, Status: models.StatusPending})
	assert.ErrorIs(t, err, ErrNotFound)
	require.Eventually(t, func() bool { return len(remote.calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"srv-1"}, remote.calls())
}

func TestClearCompletedKeepsFailedAndActive(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	s.ApplyRemote(models.Change{Op: models.ChangeInsert, Record: models.Job{ID: "a", Type: models.TypeBulkMessage, Status: models.StatusCompleted}})
	s.ApplyRemote(models.Change{Op: models.ChangeInsert, Record: models.Job{ID: "b", Type: models.TypeBulkMessage, Status: models.StatusCancelled}})
	s.ApplyRemote(models.Change{Op: models.ChangeInsert, Record: models.Job{ID: "c", Type: models.TypeBulkMessage, Status: models.StatusFailed, Error: "x"}})
	s.ApplyRemote(models.Change{Op: models.ChangeInsert, Record: models.Job{ID: "d", Type: models.TypeBulkMessage, Status: models.StatusProcessing}})

	assert.Equal(t, 2, s.ClearCompleted())
	assert.Equal(t, 2, s.Len())
}

func TestStoreIsBounded(t *testing.T) {
	s, c := newTestStore(t, Options{MaxJobs: 3})
	for i := 0; i < 5; i++ {
		c.Advance(time.Second)
		s.ApplyRemote(models.Change{Op: models.ChangeInsert, Record: models.Job{
			ID: fmt.Sprintf("done-%d", i), Type: models.TypeBulkMessage, Status: models.StatusCompleted,
		}})
	}
	assert.Equal(t, 3, s.Len())
	_, ok := s.Get("done-0")
	assert.False(t, ok, "oldest terminal job goes first")
	_, ok = s.Get("done-4")
	assert.True(t, ok)
}

func TestEvictExpiredRemovesOldTerminalJobs(t *testing.T) {
	s, c := newTestStore(t, Options{Retention: time.Hour})
	s.ApplyRemote(models.Change{Op: models.ChangeInsert, Record: models.Job{ID: "old", Type: models.TypeBulkMessage, Status: models.StatusCompleted}})
	s.ApplyRemote(models.Change{Op: models.ChangeInsert, Record: models.Job{ID: "running", Type: models.TypeBulkMessage, Status: models.StatusProcessing}})
	c.Advance(2 * time.Hour)
	s.ApplyRemote(models.Change{Op: models.ChangeInsert, Record: models.Job{ID: "fresh", Type: models.TypeBulkMessage, Status: models.StatusCompleted}})

	assert.Equal(t, 1, s.EvictExpired())
	_, ok := s.Get("old")
	assert.False(t, ok)
	_, ok = s.Get("running")
	assert.True(t, ok)
}

func TestDetachRekeysAndIgnoresServerID(t *testing.T) {
	s, c := newTestStore(t, Options{})
	s.OptimisticAdd(placeholder("tmp_1", c.Now()))
	_, err := s.Reconcile("tmp_1", models.Job{ID: "srv-1", Type: models.TypeBulkDocument, Status: models.StatusProcessing})
	require.NoError(t, err)
	s.ApplyRemote(models.Change{Op: models.ChangeUpdate, Record: models.Job{ID: "srv-1", Status: models.StatusFailed, Error: "worker crashed"}})

	detached, err := s.Detach("tmp_1")
	require.NoError(t, err)
	assert.True(t, IsPlaceholder(detached.ID))
	assert.Equal(t, models.StatusPending, detached.Status)
	assert.Len(t, detached.Meta.Items, 2)

	assert.False(t, s.ApplyRemote(models.Change{Op: models.ChangeUpdate, Record: models.Job{ID: "srv-1", Status: models.StatusFailed, Error: "again"}}))
	got, ok := s.Get("tmp_1")
	require.True(t, ok)
	assert.Equal(t, detached.ID, got.ID)
}

func TestConcurrentMutationsKeepInvariants(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	s.ApplyRemote(models.Change{Op: models.ChangeInsert, Record: models.Job{
		ID: "srv-1", Type: models.TypeBulkDocument, Status: models.StatusProcessing, Total: 50,
	}})

	var last int
	var mu sync.Mutex
	s.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		assert.GreaterOrEqual(t, ev.Job.Completed, last)
		last = ev.Job.Completed
	})

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			s.ApplyRemote(models.Change{Op: models.ChangeUpdate, Record: models.Job{ID: "srv-1", Status: models.StatusProcessing, Completed: n}})
		}(i)
		go func(n int) {
			defer wg.Done()
			_, _ = s.ApplyLocal("srv-1", func(j *models.Job) { j.Completed = n })
		}(i)
	}
	wg.Wait()

	got, _ := s.Get("srv-1")
	assert.Equal(t, 50, got.Completed)
}

type memPersister struct{ jobs []models.Job }

func (m *memPersister) LoadJobs(context.Context) ([]models.Job, error) { return m.jobs, nil }
func (m *memPersister) SaveJobs(_ context.Context, jobs []models.Job) error {
	m.jobs = jobs
	return nil
}

func TestFlushAndLoadRoundTrip(t *testing.T) {
	p := &memPersister{}
	s, c := newTestStore(t, Options{Persister: p})
	s.OptimisticAdd(placeholder("tmp_1", c.Now()))
	require.NoError(t, s.Flush(context.Background()))

	fresh, _ := newTestStore(t, Options{Persister: p})
	require.NoError(t, fresh.Load(context.Background()))
	got, ok := fresh.Get("tmp_1")
	require.True(t, ok)
	assert.Len(t, got.Meta.Items, 2)
}
