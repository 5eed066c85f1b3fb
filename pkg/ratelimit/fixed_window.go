package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// FixedWindow keeps a per-credential ZSET of request timestamps. Eviction,
// insertion and the count run in one MULTI so the count-read cannot race the
// insert. The caller's own timestamp is counted; if that pushes the set over
// the limit the request is rejected and its timestamp removed again, so
// rejected bursts do not extend the window. A rejected request can hold a
// slot for the length of that cleanup round trip, which is the accuracy gap
// the sliding-window strategy closes.
type FixedWindow struct {
	rdb *redis.Client
}

func NewFixedWindow(rdb *redis.Client) *FixedWindow {
	return &FixedWindow{rdb: rdb}
}

func (l *FixedWindow) Admit(ctx context.Context, credentialID string, limit int, window time.Duration) (*Decision, error) {
	key := credKey(credentialID)
	now := time.Now()
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.New().String())

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", now.Add(-window).UnixNano()))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("fixed window pipeline failed: %w", err)
	}

	count := int(countCmd.Val())
	resetAt := now.Add(window)
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		resetAt = time.Unix(0, int64(oldest[0].Score)).Add(window)
	}

	if count > limit {
		// Give the slot back; best effort, the eviction sweep of the next
		// call cleans up if this fails.
		l.rdb.ZRem(ctx, key, member)

		retry := time.Until(resetAt)
		if retry < 0 {
			retry = time.Second
		}
		return &Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: retry,
		}, nil
	}

	return &Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - count,
		ResetAt:   resetAt,
	}, nil
}
