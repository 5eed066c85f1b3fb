package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript evicts, counts and conditionally inserts in one
// server-side evaluation. No two concurrent callers can both observe
// count < limit and both be admitted when only one slot remains.
//
// KEYS[1] request ZSET; ARGV: now_ms, window_ms, limit, member.
// Returns {allowed, remaining, reset_ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window)
    return {1, limit - count - 1, now + window}
end

local reset = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if #oldest == 2 then
    reset = tonumber(oldest[2]) + window
end
return {0, 0, reset}
`)

// SlidingWindow is the exact variant of the trailing-window counter: the
// whole read-evict-count-insert sequence runs as a single atomic script.
type SlidingWindow struct {
	rdb *redis.Client
}

func NewSlidingWindow(rdb *redis.Client) *SlidingWindow {
	return &SlidingWindow{rdb: rdb}
}

func (l *SlidingWindow) Admit(ctx context.Context, credentialID string, limit int, window time.Duration) (*Decision, error) {
	now := time.Now()
	res, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{credKey(credentialID)},
		now.UnixMilli(), window.Milliseconds(), limit, uuid.New().String(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("sliding window script failed: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return nil, fmt.Errorf("sliding window script returned unexpected result: %v", res)
	}
	allowed := vals[0].(int64) == 1
	remaining := int(vals[1].(int64))
	resetAt := time.UnixMilli(vals[2].(int64))

	d := &Decision{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !allowed {
		d.RetryAfter = resetAt.Sub(now)
		if d.RetryAfter < 0 {
			d.RetryAfter = time.Second
		}
	}
	return d, nil
}
