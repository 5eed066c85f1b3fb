package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db  DB
	log zerolog.Logger
}

func NewPostgresStore(db DB, logger zerolog.Logger) Store {
	return &PostgresStore{db: db, log: logger}
}

func (s *PostgresStore) Lookup(ctx context.Context, tenantID, rawQuery, kind string) (*Entry, error) {
	// The hit counter update and the read are one statement, so the bump
	// never races a concurrent sweep into resurrecting a deleted row.
	query := `
		UPDATE search_cache
		SET access_count = access_count + 1, last_accessed_at = now()
		WHERE tenant_id = $1 AND query = $2 AND kind = $3
		RETURNING tenant_id, query, kind, payload, result_count, state,
		          first_seen_at, last_accessed_at, access_count
	`

	var e Entry
	err := s.db.QueryRow(ctx, query, tenantID, Normalize(rawQuery), kind).Scan(
		&e.TenantID, &e.Query, &e.Kind, &e.Payload, &e.ResultCount, &e.State,
		&e.FirstSeenAt, &e.LastAccessedAt, &e.AccessCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("failed to look up cache entry: %w", err)
	}

	return &e, nil
}

func (s *PostgresStore) Store(ctx context.Context, tenantID, rawQuery, kind string, payload []byte, count int, state State) (*Entry, error) {
	query := `
		INSERT INTO search_cache (tenant_id, query, kind, payload, result_count, state, access_count)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
		ON CONFLICT (tenant_id, query, kind) DO UPDATE
		SET payload = EXCLUDED.payload,
		    result_count = EXCLUDED.result_count,
		    state = EXCLUDED.state,
		    access_count = search_cache.access_count + 1,
		    last_accessed_at = now()
		RETURNING tenant_id, query, kind, payload, result_count, state,
		          first_seen_at, last_accessed_at, access_count
	`

	var e Entry
	err := s.db.QueryRow(ctx, query, tenantID, Normalize(rawQuery), kind, payload, count, state).Scan(
		&e.TenantID, &e.Query, &e.Kind, &e.Payload, &e.ResultCount, &e.State,
		&e.FirstSeenAt, &e.LastAccessedAt, &e.AccessCount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to store cache entry: %w", err)
	}

	return &e, nil
}

func (s *PostgresStore) Sweep(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM search_cache WHERE last_accessed_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int64(maxAge.Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep cache: %w", err)
	}

	removed := tag.RowsAffected()
	if removed > 0 {
		s.log.Info().Int64("removed", removed).Msg("cache sweep completed")
	}
	return removed, nil
}
