// Package queue dispatches job ids to workers through Redis: one ready list per job type,
// an in-flight lease set and a membership set that makes nudges idempotent.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue coordinates ready and in-flight jobs in Redis.
type RedisQueue struct {
	client        *redis.Client
	lanes         []string
	inflightKey   string
	queuedKey     string
	jobMetaPrefix string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue over the given lanes; workers drain lanes in order.
func NewRedisQueue(client *redis.Client, lanes []string, visibility time.Duration) *RedisQueue {
	if len(lanes) == 0 {
		lanes = []string{"default"}
	}
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		lanes:         lanes,
		inflightKey:   "bulkjobs:queue:inflight",
		queuedKey:     "bulkjobs:queue:queued",
		jobMetaPrefix: "bulkjobs:queue:jobmeta:",
		visibilityTTL: visibility,
	}
}

func (q *RedisQueue) readyKey(lane string) string {
	return fmt.Sprintf("bulkjobs:queue:ready:%s", lane)
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

func (q *RedisQueue) laneFor(ctx context.Context, jobID string) string {
	lane, err := q.client.HGet(ctx, q.metaKey(jobID), "lane").Result()
	if err != nil || lane == "" {
		return q.lanes[0]
	}
	return lane
}

// Enqueue appends a job to its lane's ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID, lane string) error {
	if lane == "" {
		lane = q.lanes[0]
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "lane", lane)
	pipe.SAdd(ctx, q.queuedKey, jobID)
	pipe.RPush(ctx, q.readyKey(lane), jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// Nudge re-enqueues a job unless it is already waiting or leased. It reports whether the
// job was pushed.
func (q *RedisQueue) Nudge(ctx context.Context, jobID, lane string) (bool, error) {
	if lane == "" {
		lane = q.laneFor(ctx, jobID)
	}
	res, err := nudgeScript.Run(ctx, q.client,
		[]string{q.queuedKey, q.inflightKey, q.readyKey(lane), q.metaKey(jobID)},
		jobID, lane).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// DequeueWithLease pops a job from the ready lanes in order and places it in flight with a
// visibility timeout. An empty id means nothing was ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.lanes)+2)
	for _, l := range q.lanes {
		keys = append(keys, q.readyKey(l))
	}
	keys = append(keys, q.queuedKey, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// RecordAttempt increments and returns the attempt counter of a leased job. The counter
// is dropped on Ack.
func (q *RedisQueue) RecordAttempt(ctx context.Context, jobID string) (int, error) {
	n, err := q.client.HIncrBy(ctx, q.metaKey(jobID), "attempts", 1).Result()
	return int(n), err
}

// RetryAfter keeps the job leased for delay; RequeueExpired returns it to its lane afterwards.
func (q *RedisQueue) RetryAfter(ctx context.Context, jobID string, delay time.Duration) error {
	return q.ExtendLease(ctx, jobID, delay)
}

// Ack removes a job from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out and puts them back on their lanes.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.SAdd(ctx, q.queuedKey, id)
		pipe.RPush(ctx, q.readyKey(q.laneFor(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes a job from every lane and from in-flight tracking.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	for _, l := range q.lanes {
		pipe.LRem(ctx, q.readyKey(l), 0, jobID)
	}
	pipe.SRem(ctx, q.queuedKey, jobID)
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// ReadyDepth returns the total length of all ready lanes.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.lanes))
	for _, l := range q.lanes {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(l)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// InFlight returns how many jobs currently hold a lease.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
local queued = KEYS[#KEYS-1]
for i=1,#KEYS-2 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('SREM', queued, job)
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)

var nudgeScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then return 0 end
if redis.call('ZSCORE', KEYS[2], ARGV[1]) then return 0 end
redis.call('HSET', KEYS[4], 'lane', ARGV[2])
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)
