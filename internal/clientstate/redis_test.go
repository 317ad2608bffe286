package clientstate

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulk-job-orchestrator/internal/models"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestJobCacheRoundTrip(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()
	cache := NewJobCache(client, "org-1", time.Hour, nil)

	jobs := []models.Job{{ID: "srv-1", Type: models.TypeBulkDocument, Status: models.StatusProcessing, Total: 3}}
	require.NoError(t, cache.SaveJobs(ctx, jobs))

	got, err := cache.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "srv-1", got[0].ID)
	assert.Equal(t, 3, got[0].Total)
}

func TestJobCacheIsNamespacedPerPrincipal(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()
	require.NoError(t, NewJobCache(client, "org-1", time.Hour, nil).SaveJobs(ctx, []models.Job{{ID: "a"}}))

	assert.True(t, mr.Exists("bulkjobs:v1:org-1:jobs"))
	got, err := NewJobCache(client, "org-2", time.Hour, nil).LoadJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIncompatibleVersionIsDiscarded(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()
	require.NoError(t, mr.Set("bulkjobs:v1:org-1:jobs", `{"version":0,"data":[{"id":"legacy"}]}`))

	got, err := NewJobCache(client, "org-1", time.Hour, nil).LoadJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.False(t, mr.Exists("bulkjobs:v1:org-1:jobs"))
}

func TestGarbageIsDiscarded(t *testing.T) {
	mr, client := newRedis(t)
	require.NoError(t, mr.Set("bulkjobs:v1:org-1:poll:day-3", `not json`))

	_, ok, err := NewResumeStore(client, "org-1", nil).Load(context.Background(), "day-3")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("bulkjobs:v1:org-1:poll:day-3"))
}

func TestResumeStoreLifecycle(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()
	rs := NewResumeStore(client, "org-1", nil)

	st := ResumeState{Scope: "day-3", JobID: "srv-1", Type: models.TypeBulkDocument, DedupeKey: "abc",
		StartedAt: time.Now().UTC().Truncate(time.Second), Deadline: time.Minute}
	require.NoError(t, rs.Save(ctx, st))
	assert.Equal(t, 2*time.Minute, mr.TTL("bulkjobs:v1:org-1:poll:day-3"))

	got, ok, err := rs.Load(ctx, "day-3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "srv-1", got.JobID)
	assert.True(t, got.StartedAt.Equal(st.StartedAt))

	require.NoError(t, rs.Clear(ctx, "day-3"))
	_, ok, err = rs.Load(ctx, "day-3")
	require.NoError(t, err)
	assert.False(t, ok)
}
