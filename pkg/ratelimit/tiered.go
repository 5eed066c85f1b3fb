package ratelimit

import (
	"context"
	"time"
)

// Tiered evaluates a short burst quota before the sustained one. A burst
// rejection short-circuits; the burst check therefore consumes a sustained
// slot only for requests that pass it. The two tiers track state under
// distinct keys so their windows do not interfere.
type Tiered struct {
	burst       Limiter
	sustained   Limiter
	burstLimit  int
	burstWindow time.Duration
}

func NewTiered(burst, sustained Limiter, burstLimit int, burstWindow time.Duration) *Tiered {
	return &Tiered{
		burst:       burst,
		sustained:   sustained,
		burstLimit:  burstLimit,
		burstWindow: burstWindow,
	}
}

func (t *Tiered) Admit(ctx context.Context, credentialID string, limit int, window time.Duration) (*Decision, error) {
	d, err := t.burst.Admit(ctx, credentialID+":burst", t.burstLimit, t.burstWindow)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return d, nil
	}
	return t.sustained.Admit(ctx, credentialID, limit, window)
}
