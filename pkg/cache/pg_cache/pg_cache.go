/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

package pg_cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/domainscope/domainscope/pkg/cache"
	"github.com/domainscope/domainscope/pkg/resource"
)

// PgCache is a cache.Store on the cached_resources table.
type PgCache struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

type Opts struct {
	// Now is the clock. Default is time.Now.
	Now func() time.Time
}

func NewPgCache(pool *pgxpool.Pool, opts Opts) *PgCache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &PgCache{pool: pool, now: opts.Now}
}

func (c *PgCache) Get(ctx context.Context, domainID string, kind resource.Kind) (*resource.Cached, bool, error) {
	r := &resource.Cached{DomainID: domainID, Kind: kind}
	err := c.pool.QueryRow(ctx, `
		SELECT payload, definitively_absent, fetched_at, expires_at, source_label
		FROM cached_resources WHERE domain_id = $1 AND kind = $2
	`, domainID, kind.String()).Scan(&r.Payload, &r.DefinitivelyAbsent, &r.FetchedAt, &r.ExpiresAt, &r.SourceLabel)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached resource: %w", err)
	}
	return r, cache.IsHit(r, c.now()), nil
}

// Upsert implements cache.Store. The conditional update makes the
// stale-write check and the replace one statement.
func (c *PgCache) Upsert(ctx context.Context, r *resource.Cached) error {
	tag, err := c.pool.Exec(ctx, `
		INSERT INTO cached_resources (domain_id, kind, payload, definitively_absent, fetched_at, expires_at, source_label)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (domain_id, kind) DO UPDATE SET
			payload = EXCLUDED.payload,
			definitively_absent = EXCLUDED.definitively_absent,
			fetched_at = EXCLUDED.fetched_at,
			expires_at = EXCLUDED.expires_at,
			source_label = EXCLUDED.source_label
		WHERE cached_resources.fetched_at <= EXCLUDED.fetched_at
	`, r.DomainID, r.Kind.String(), r.Payload, r.DefinitivelyAbsent, r.FetchedAt, r.ExpiresAt, r.SourceLabel)
	if err != nil {
		return fmt.Errorf("upsert cached resource: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return cache.ErrStaleWrite
	}
	return nil
}

// Purge deletes rows that expired before the given time.
func (c *PgCache) Purge(ctx context.Context, before time.Time) (int64, error) {
	tag, err := c.pool.Exec(ctx, `DELETE FROM cached_resources WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Close is a no-op. The pool is owned by the caller.
func (c *PgCache) Close() error {
	return nil
}
