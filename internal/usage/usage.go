package usage

import (
	"context"
	"time"
)

// Record is one gated operation: what was called, how it went and what it
// cost. Written best-effort after the response; billing truth lives in the
// credit ledger, not here.
type Record struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	RequestID      string    `json:"request_id"`
	Endpoint       string    `json:"endpoint"`
	QueryKind      string    `json:"query_kind"`
	Status         int       `json:"status"`
	LatencyMs      int64     `json:"latency_ms"`
	CreditsCharged int64     `json:"credits_charged"`
	CacheHit       bool      `json:"cache_hit"`
	CreatedAt      time.Time `json:"created_at"`
}

type Store interface {
	Log(ctx context.Context, rec *Record) error
	GetByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*Record, error)
	GetTotalCreditsByTenant(ctx context.Context, tenantID string, from, to time.Time) (int64, error)
}
