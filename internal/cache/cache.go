package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrMiss = errors.New("cache miss")

// State records the outcome of the search that produced an entry.
type State string

const (
	StateSuccess   State = "SUCCESS"
	StateNoResults State = "NO_RESULTS"
	StateError     State = "ERROR"
)

// Entry is one cached search result, keyed by
// (tenant, normalized query, kind).
type Entry struct {
	TenantID       string    `json:"tenant_id"`
	Query          string    `json:"query"` // normalized
	Kind           string    `json:"kind"`
	Payload        []byte    `json:"payload"`
	ResultCount    int       `json:"result_count"`
	State          State     `json:"state"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int64     `json:"access_count"`
}

type Store interface {
	// Lookup returns the entry for the normalized key, bumping its
	// access_count and last_accessed_at in the same statement.
	// Returns ErrMiss when no entry exists.
	Lookup(ctx context.Context, tenantID, rawQuery, kind string) (*Entry, error)

	// Store upserts on the normalized key. On conflict the payload, count
	// and state are overwritten and access_count is incremented rather
	// than reset.
	Store(ctx context.Context, tenantID, rawQuery, kind string, payload []byte, count int, state State) (*Entry, error)

	// Sweep deletes entries untouched for longer than maxAge and reports
	// how many were removed. Safe to run concurrently with lookups.
	Sweep(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Normalize is the shared key function: lookups and stores must agree on it
// or repeats stop deduplicating.
func Normalize(rawQuery string) string {
	return strings.ToLower(strings.TrimSpace(rawQuery))
}
