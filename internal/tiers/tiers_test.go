package tiers

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulk-job-orchestrator/internal/artifactcache"
	"bulk-job-orchestrator/internal/faults"
	"bulk-job-orchestrator/internal/models"
	"bulk-job-orchestrator/internal/poller"
)

// countingHandler counts records per level.
type countingHandler struct {
	mu     sync.Mutex
	levels map[slog.Level]int
}

func newCountingLogger() (*slog.Logger, *countingHandler) {
	h := &countingHandler{levels: map[slog.Level]int{}}
	return slog.New(h), h
}

func (h *countingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *countingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	h.levels[r.Level]++
	h.mu.Unlock()
	return nil
}
func (h *countingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *countingHandler) WithGroup(string) slog.Handler      { return h }

func (h *countingHandler) count(l slog.Level) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.levels[l]
}

type downSubmitter struct{ calls atomic.Int32 }

func (d *downSubmitter) Submit(context.Context, models.SubmitRequest) (models.Job, error) {
	d.calls.Add(1)
	return models.Job{}, faults.FromStatus("submit", http.StatusBadGateway, "")
}
func (d *downSubmitter) FetchArtifact(context.Context, string) ([]byte, error) {
	return nil, errors.New("unreachable")
}

type flakyBulk struct {
	calls atomic.Int32
	errs  []error
	delay time.Duration
}

func (f *flakyBulk) BulkGenerate(ctx context.Context, _ models.JobType, _ models.BulkRequest) (models.BulkResponse, error) {
	n := int(f.calls.Add(1)) - 1
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if n < len(f.errs) && f.errs[n] != nil {
		return models.BulkResponse{}, f.errs[n]
	}
	return models.BulkResponse{ArtifactPath: "bulk/out.zip", Result: models.Result{Succeeded: 30}}, nil
}
func (f *flakyBulk) FetchArtifact(_ context.Context, ref string) ([]byte, error) {
	return []byte("zip:" + ref), nil
}

type fakeGenerator struct {
	calls atomic.Int32
	fail  map[string]bool
}

func (g *fakeGenerator) Render(_ context.Context, _ models.JobType, item models.WorkItem) ([]byte, error) {
	g.calls.Add(1)
	if g.fail[item.Subject] {
		return nil, fmt.Errorf("render %s: template error", item.Subject)
	}
	return []byte("doc " + item.Subject + "/" + item.Target), nil
}

func items(n int) []models.WorkItem {
	out := make([]models.WorkItem, n)
	for i := range out {
		out[i] = models.WorkItem{Subject: fmt.Sprintf("m%02d", i+1), Target: "official"}
	}
	return out
}

func zipEntries(t *testing.T, data []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func TestFallsThroughToLocalMerge(t *testing.T) {
	logger, _ := newCountingLogger()
	sub := &downSubmitter{}
	bulk := &flakyBulk{errs: []error{errors.New("down"), errors.New("down")}}
	gen := &fakeGenerator{}
	sel := NewSelector(nil, logger,
		NewQueueTier(sub, nil),
		NewLegacyBulkTier(bulk, LegacyOptions{LargeBatch: 2, Backoff: time.Millisecond, Logger: logger}),
		NewLocalMergeTier(gen, artifactcache.New(10), nil, logger),
	)

	var progress []Progress
	var hops []string
	b := &Batch{
		Type:          models.TypeBulkDocument,
		Label:         "Day 3 sheets",
		Items:         items(3),
		OnProgress:    func(p Progress) { progress = append(progress, p) },
		OnFallthrough: func(from, to string) { hops = append(hops, from+">"+to) },
	}
	art, err := sel.Run(context.Background(), b)
	require.NoError(t, err)

	assert.Equal(t, TierLocalMerge, art.Tier)
	assert.Equal(t, "application/zip", art.ContentType)
	assert.Equal(t, "day-3-sheets.zip", art.Filename)
	assert.Len(t, zipEntries(t, art.Data), 3)
	assert.NotEmpty(t, b.DedupeKey)

	require.Len(t, progress, 4)
	assert.Equal(t, 100, progress[3].Percent)
	assert.Equal(t, []int{1, 2, 3}, []int{progress[0].Done, progress[1].Done, progress[2].Done})
	assert.Equal(t, []string{"job_queue>legacy_bulk", "legacy_bulk>local_merge"}, hops)
	assert.Equal(t, int32(1), sub.calls.Load())
	assert.Equal(t, int32(1), bulk.calls.Load(), "permanent failure is not retried")
}

func TestPartialFailureSkipsItem(t *testing.T) {
	logger, counts := newCountingLogger()
	gen := &fakeGenerator{fail: map[string]bool{"m03": true}}
	sel := NewSelector(nil, logger, NewLocalMergeTier(gen, artifactcache.New(10), nil, logger))

	art, err := sel.Run(context.Background(), &Batch{Type: models.TypeBulkDocument, Items: items(5)})
	require.NoError(t, err)
	entries := zipEntries(t, art.Data)
	assert.Len(t, entries, 4)
	for _, e := range entries {
		assert.NotContains(t, e, "m03")
	}
	assert.Equal(t, models.Result{Succeeded: 4, Failed: 1}, art.Result)
	assert.Equal(t, 1, counts.count(slog.LevelError))
}

func TestCancellationStopsGeneration(t *testing.T) {
	gen := &fakeGenerator{}
	sel := NewSelector(nil, nil, NewLocalMergeTier(gen, artifactcache.New(20), nil, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := &Batch{Type: models.TypeBulkDocument, Items: items(10), OnProgress: func(p Progress) {
		if p.Done == 2 {
			cancel()
		}
	}}
	_, err := sel.Run(ctx, b)
	require.Error(t, err)
	assert.Equal(t, faults.Aborted, faults.Classify(err))
	assert.Equal(t, int32(2), gen.calls.Load())
}

func TestCancelOnLastItemDiscardsArtifact(t *testing.T) {
	gen := &fakeGenerator{}
	sel := NewSelector(nil, nil, NewLocalMergeTier(gen, artifactcache.New(20), nil, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := &Batch{Type: models.TypeBulkDocument, Items: items(3), OnProgress: func(p Progress) {
		if p.Done == p.Total {
			cancel()
		}
	}}
	art, err := sel.Run(ctx, b)
	require.Error(t, err)
	assert.Equal(t, faults.Aborted, faults.Classify(err))
	assert.Empty(t, art.Data)
	assert.Equal(t, int32(3), gen.calls.Load())
}

func TestLocalMergeUsesCache(t *testing.T) {
	gen := &fakeGenerator{}
	cache := artifactcache.New(20)
	tier := NewLocalMergeTier(gen, cache, nil, nil)
	for i := 0; i < 2; i++ {
		out, err := tier.Attempt(context.Background(), &Batch{Type: models.TypeBulkDocument, Items: items(3)})
		require.NoError(t, err)
		require.True(t, out.IsPresent())
	}
	assert.Equal(t, int32(3), gen.calls.Load())
	assert.Equal(t, 3, cache.Len())
}

func TestLocalMergeWithNoOutputYieldsNothing(t *testing.T) {
	gen := &fakeGenerator{fail: map[string]bool{"m01": true, "m02": true}}
	sel := NewSelector(nil, nil, NewLocalMergeTier(gen, nil, nil, nil))
	_, err := sel.Run(context.Background(), &Batch{Type: models.TypeBulkDocument, Items: items(2)})
	require.ErrorIs(t, err, ErrExhausted)
}

func TestMessageBatchProducesReport(t *testing.T) {
	gen := &fakeGenerator{}
	tier := NewLocalMergeTier(gen, nil, nil, nil)
	out, err := tier.Attempt(context.Background(), &Batch{Type: models.TypeBulkMessage, Label: "Reminders", Items: items(2)})
	require.NoError(t, err)
	art := out.MustGet()
	assert.Equal(t, "reminders.ndjson", art.Filename)
	assert.Equal(t, 2, bytes.Count(art.Data, []byte("\n")))
}

func TestLegacyBulkSkipsSmallBatches(t *testing.T) {
	bulk := &flakyBulk{}
	tier := NewLegacyBulkTier(bulk, LegacyOptions{LargeBatch: 25})
	out, err := tier.Attempt(context.Background(), &Batch{Type: models.TypeBulkDocument, Items: items(25)})
	require.NoError(t, err)
	assert.True(t, out.IsAbsent())
	assert.Equal(t, int32(0), bulk.calls.Load())
}

func TestLegacyBulkRetriesTransientFailureOnce(t *testing.T) {
	unavailable := faults.FromStatus("bulk", http.StatusServiceUnavailable, "")
	bulk := &flakyBulk{errs: []error{unavailable}}
	tier := NewLegacyBulkTier(bulk, LegacyOptions{LargeBatch: 2, Backoff: time.Millisecond})

	out, err := tier.Attempt(context.Background(), &Batch{Type: models.TypeBulkDocument, Items: items(3)})
	require.NoError(t, err)
	art := out.MustGet()
	assert.Equal(t, []byte("zip:bulk/out.zip"), art.Data)
	assert.Equal(t, "bulk/out.zip", art.Path)
	assert.Equal(t, int32(2), bulk.calls.Load())

	bulk = &flakyBulk{errs: []error{unavailable, unavailable, unavailable}}
	tier = NewLegacyBulkTier(bulk, LegacyOptions{LargeBatch: 2, Backoff: time.Millisecond})
	_, err = tier.Attempt(context.Background(), &Batch{Type: models.TypeBulkDocument, Items: items(3)})
	require.Error(t, err)
	assert.Equal(t, int32(2), bulk.calls.Load())
}

func TestLegacyBulkAbortDiscardsResult(t *testing.T) {
	bulk := &flakyBulk{delay: 50 * time.Millisecond}
	tier := NewLegacyBulkTier(bulk, LegacyOptions{LargeBatch: 2})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	out, err := tier.Attempt(ctx, &Batch{Type: models.TypeBulkDocument, Items: items(3)})
	require.Error(t, err)
	assert.Equal(t, faults.Aborted, faults.Classify(err))
	assert.True(t, out.IsAbsent())
	require.Eventually(t, func() bool { return bulk.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

type scriptedSubmitter struct {
	job     models.Job
	fetched []string
}

func (s *scriptedSubmitter) Submit(_ context.Context, req models.SubmitRequest) (models.Job, error) {
	j := s.job
	j.DedupeKey = req.DedupeKey
	return j, nil
}
func (s *scriptedSubmitter) FetchArtifact(_ context.Context, ref string) ([]byte, error) {
	s.fetched = append(s.fetched, ref)
	return []byte("remote"), nil
}

type fakeWatcher struct {
	watched []poller.Watch
	result  models.Job
	err     error
}

func (w *fakeWatcher) Poll(_ context.Context, watch poller.Watch) (models.Job, error) {
	w.watched = append(w.watched, watch)
	return w.result, w.err
}

func TestQueueTierReturnsCompletedDuplicateWithoutPolling(t *testing.T) {
	sub := &scriptedSubmitter{job: models.Job{ID: "srv-1", Status: models.StatusCompleted, ArtifactPath: "bulk/srv-1.zip"}}
	w := &fakeWatcher{}
	var submitted []models.Job
	tier := NewQueueTier(sub, w)

	out, err := tier.Attempt(context.Background(), &Batch{Type: models.TypeBulkDocument, Items: items(2), DedupeKey: "abc",
		OnSubmitted: func(j models.Job) { submitted = append(submitted, j) }})
	require.NoError(t, err)
	art := out.MustGet()
	assert.Equal(t, "srv-1", art.JobID)
	assert.Equal(t, []byte("remote"), art.Data)
	assert.Empty(t, w.watched)
	assert.Equal(t, []string{"bulk/srv-1.zip"}, sub.fetched)
	require.Len(t, submitted, 1)
	assert.Equal(t, "abc", submitted[0].DedupeKey)
}

func TestQueueTierPollsActiveJob(t *testing.T) {
	sub := &scriptedSubmitter{job: models.Job{ID: "srv-2", Status: models.StatusPending}}
	w := &fakeWatcher{result: models.Job{ID: "srv-2", Status: models.StatusCompleted, ArtifactURL: "https://cdn/x.zip"}}
	out, err := NewQueueTier(sub, w).Attempt(context.Background(), &Batch{Type: models.TypeBulkDocument, Scope: "day-3", Items: items(2), DedupeKey: "abc"})
	require.NoError(t, err)
	assert.True(t, out.IsPresent())
	require.Len(t, w.watched, 1)
	assert.Equal(t, "srv-2", w.watched[0].JobID)
	assert.True(t, w.watched[0].ExtendOnce)
	assert.False(t, w.watched[0].ExpireOnTimeout)
	assert.Equal(t, []string{"https://cdn/x.zip"}, sub.fetched)
}

func TestQueueTierForceDisablesDedupe(t *testing.T) {
	var seen models.SubmitRequest
	sub := submitFunc(func(req models.SubmitRequest) { seen = req })
	_, _ = NewQueueTier(sub, &fakeWatcher{err: poller.ErrDeadlineExceeded}).Attempt(context.Background(),
		&Batch{Type: models.TypeBulkDocument, Items: items(1), Force: true})
	assert.False(t, seen.Dedupe)
}

type submitFunc func(models.SubmitRequest)

func (f submitFunc) Submit(_ context.Context, req models.SubmitRequest) (models.Job, error) {
	f(req)
	return models.Job{ID: "srv-3", Status: models.StatusPending}, nil
}
func (f submitFunc) FetchArtifact(context.Context, string) ([]byte, error) { return nil, nil }
