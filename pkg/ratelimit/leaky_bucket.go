package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// leakyBucketScript drains the persisted level at a constant rate and fills
// it by one per admitted request. Capacity equals the configured limit; the
// leak interval is window/limit, so the sustained rate matches the window
// strategies while bursts drain smoothly instead of cutting at a boundary.
//
// KEYS[1] bucket hash {level, last_leak}; ARGV: now_ms, capacity, leak_ms.
// Returns {allowed, remaining, wait_ms, level}.
var leakyBucketScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local leak_ms = tonumber(ARGV[3])

local state = redis.call('HMGET', key, 'level', 'last_leak')
local level = tonumber(state[1]) or 0
local last = tonumber(state[2]) or now

local leaked = math.floor((now - last) / leak_ms)
if leaked > 0 then
    level = level - leaked
    last = last + leaked * leak_ms
    if level <= 0 then
        level = 0
        last = now
    end
end

if level < capacity then
    level = level + 1
    redis.call('HMSET', key, 'level', level, 'last_leak', last)
    redis.call('PEXPIRE', key, (capacity + 1) * leak_ms)
    return {1, capacity - level, 0, level}
end

redis.call('HMSET', key, 'level', level, 'last_leak', last)
redis.call('PEXPIRE', key, (capacity + 1) * leak_ms)
return {0, 0, last + leak_ms - now, level}
`)

type LeakyBucket struct {
	rdb *redis.Client
}

func NewLeakyBucket(rdb *redis.Client) *LeakyBucket {
	return &LeakyBucket{rdb: rdb}
}

func (l *LeakyBucket) Admit(ctx context.Context, credentialID string, limit int, window time.Duration) (*Decision, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("leaky bucket requires a positive limit, got %d", limit)
	}
	leakInterval := window / time.Duration(limit)
	if leakInterval < time.Millisecond {
		leakInterval = time.Millisecond
	}

	now := time.Now()
	res, err := leakyBucketScript.Run(ctx, l.rdb,
		[]string{credKey(credentialID)},
		now.UnixMilli(), limit, leakInterval.Milliseconds(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("leaky bucket script failed: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 4 {
		return nil, fmt.Errorf("leaky bucket script returned unexpected result: %v", res)
	}
	allowed := vals[0].(int64) == 1
	remaining := int(vals[1].(int64))
	wait := time.Duration(vals[2].(int64)) * time.Millisecond
	level := vals[3].(int64)

	d := &Decision{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		// The bucket is fully drained once the current level leaks away.
		ResetAt: now.Add(time.Duration(level) * leakInterval),
	}
	if !allowed {
		d.RetryAfter = wait
		if d.RetryAfter <= 0 {
			d.RetryAfter = leakInterval
		}
	}
	return d, nil
}

// leak replays the script's drain math in Go. Kept in lockstep with
// leakyBucketScript so the behavior is unit-testable without Redis.
func leak(level int64, last, now time.Time, leakInterval time.Duration) (int64, time.Time) {
	if leakInterval <= 0 {
		return level, last
	}
	leaked := int64(now.Sub(last) / leakInterval)
	if leaked <= 0 {
		return level, last
	}
	level -= leaked
	last = last.Add(time.Duration(leaked) * leakInterval)
	if level <= 0 {
		level = 0
		last = now
	}
	return level, last
}
