// Package ratelimit throttles job submissions per principal with a token bucket held in Redis,
// so every API replica draws from the same budget.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// Tokens left in the bucket after this call.
	Tokens float64
	// RetryAfter is how long until one token is available again. Zero when allowed.
	RetryAfter time.Duration
}

type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Key returns the bucket key for a principal.
func Key(principal string) string {
	return "bulkjobs:ratelimit:submit:" + principal
}

// Allow takes one token from the principal's bucket when one is available.
func (b *TokenBucket) Allow(ctx context.Context, principal string) (Decision, error) {
	res, err := takeScript.Run(ctx, b.client, []string{Key(principal)},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", principal, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected reply %v", principal, res)
	}
	var d Decision
	granted, _ := res[0].(int64)
	d.Allowed = granted == 1
	if s, ok := res[1].(string); ok {
		d.Tokens, _ = strconv.ParseFloat(s, 64)
	}
	if waitMs, ok := res[2].(int64); ok && waitMs > 0 {
		d.RetryAfter = time.Duration(waitMs) * time.Millisecond
	}
	return d, nil
}

// The token count travels as a string; Lua numbers are truncated to integers on the way
// back to Redis. A bucket that never refills reports wait -1.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_ms')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now

if now > last then
  tokens = math.min(capacity, tokens + (now - last) / 1000 * rate)
end

local granted = 0
local wait = 0
if tokens >= 1 then
  granted = 1
  tokens = tokens - 1
elseif rate > 0 then
  wait = math.ceil((1 - tokens) / rate * 1000)
else
  wait = -1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'last_ms', now)
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {granted, tostring(tokens), wait}
`)
