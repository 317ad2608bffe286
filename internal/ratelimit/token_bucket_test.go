package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, refill, time.Minute), mr
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket, mr := newBucket(t, 2, 1)
	start := time.Now()
	bucket.now = func() time.Time { return start }

	d, err := bucket.Allow(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.InDelta(t, 1, d.Tokens, 0.001)
	assert.Zero(t, d.RetryAfter)

	d, _ = bucket.Allow(ctx, "org-1")
	assert.True(t, d.Allowed)
	d, _ = bucket.Allow(ctx, "org-1")
	assert.False(t, d.Allowed, "third token in the same instant is rejected")
	assert.Equal(t, time.Second, d.RetryAfter)

	d, _ = bucket.Allow(ctx, "org-2")
	assert.True(t, d.Allowed, "buckets are per principal")
	assert.True(t, mr.Exists(Key("org-2")))
}

func TestTokenBucketRefills(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 1, 2)
	now := time.Now()
	bucket.now = func() time.Time { return now }

	d, err := bucket.Allow(ctx, "org-1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	d, _ = bucket.Allow(ctx, "org-1")
	require.False(t, d.Allowed)
	assert.Equal(t, 500*time.Millisecond, d.RetryAfter)

	// The clock is passed into the script, so advancing it here is enough.
	now = now.Add(300 * time.Millisecond)
	d, err = bucket.Allow(ctx, "org-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.InDelta(t, 0.6, d.Tokens, 0.01)
	assert.InDelta(t, 200, d.RetryAfter.Milliseconds(), 1)

	now = now.Add(300 * time.Millisecond)
	d, err = bucket.Allow(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
