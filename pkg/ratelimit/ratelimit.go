// Package ratelimit implements per-credential admission control on Redis.
//
// Four interchangeable strategies share one Admit contract: fixed window
// (ZSET, evict+insert+count in a single MULTI), sliding window (one
// server-side Lua script), leaky bucket (persisted level plus last-leak
// timestamp) and tiered (burst window checked before sustained window).
// Every strategy is atomic per key; concurrent callers racing for the last
// slot are serialized by Redis itself.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Algorithm names accepted by New.
const (
	AlgorithmFixedWindow   = "fixed_window"
	AlgorithmSlidingWindow = "sliding_window"
	AlgorithmLeakyBucket   = "leaky_bucket"
	AlgorithmTiered        = "tiered"
)

// Decision is the outcome of one admission check. It is populated on both
// admits and rejections so callers can always emit limiter metadata.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration // zero unless rejected
}

// RetryAfterSeconds renders RetryAfter for a Retry-After header.
// Rejections always report at least one second.
func (d *Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int(d.RetryAfter / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

type Limiter interface {
	// Admit decides whether the credential may proceed under the given
	// quota. An error means the backing store misbehaved; callers decide
	// the failure policy (the gate wraps limiters in FailOpen).
	Admit(ctx context.Context, credentialID string, limit int, window time.Duration) (*Decision, error)
}

// Options carries strategy-specific settings.
type Options struct {
	// Tiered only: the short burst quota evaluated before the sustained one.
	BurstLimit  int
	BurstWindow time.Duration
}

// New builds the limiter selected by algorithm name.
func New(algorithm string, rdb *redis.Client, opts Options) (Limiter, error) {
	switch algorithm {
	case AlgorithmFixedWindow:
		return NewFixedWindow(rdb), nil
	case AlgorithmSlidingWindow:
		return NewSlidingWindow(rdb), nil
	case AlgorithmLeakyBucket:
		return NewLeakyBucket(rdb), nil
	case AlgorithmTiered:
		sw := NewSlidingWindow(rdb)
		return NewTiered(sw, sw, opts.BurstLimit, opts.BurstWindow), nil
	default:
		return nil, fmt.Errorf("unknown rate limit algorithm: %q", algorithm)
	}
}

func credKey(credentialID string) string {
	return fmt.Sprintf("ratelimit:cred:%s", credentialID)
}

// FailOpen admits on backend failure: throttling protects the service, but
// never at the cost of taking it down with Redis. The error is logged and
// the caller sees a full-quota admit.
type FailOpen struct {
	next Limiter
	log  zerolog.Logger
}

func NewFailOpen(next Limiter, logger zerolog.Logger) *FailOpen {
	return &FailOpen{next: next, log: logger}
}

func (f *FailOpen) Admit(ctx context.Context, credentialID string, limit int, window time.Duration) (*Decision, error) {
	d, err := f.next.Admit(ctx, credentialID, limit, window)
	if err != nil {
		f.log.Warn().Err(err).
			Str("credential_id", credentialID).
			Msg("rate limit store unavailable, admitting request")
		return &Decision{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit,
			ResetAt:   time.Now().Add(window),
		}, nil
	}
	return d, nil
}
