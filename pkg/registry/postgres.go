package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/domainscope/domainscope/pkg/resource"
)

// Postgres is a Registry on the domains table.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Registry = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Resolve upserts the name. The no-op update makes RETURNING yield the id
// of an existing row too.
func (p *Postgres) Resolve(ctx context.Context, name string) (resource.Domain, error) {
	d := resource.Domain{Name: name}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO domains (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id::text
	`, name).Scan(&d.ID)
	if err != nil {
		return resource.Domain{}, fmt.Errorf("resolve domain %s: %w", name, err)
	}
	return d, nil
}

func (p *Postgres) LastAccessed(ctx context.Context, domainID string) (time.Time, bool, error) {
	var t *time.Time
	err := p.pool.QueryRow(ctx, `SELECT last_accessed_at FROM domains WHERE id::text = $1`, domainID).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, ErrUnknownDomain
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if t == nil {
		return time.Time{}, false, nil
	}
	return *t, true, nil
}

func (p *Postgres) Touch(ctx context.Context, domainID string, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE domains SET last_accessed_at = GREATEST(COALESCE(last_accessed_at, $2), $2)
		WHERE id::text = $1
	`, domainID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownDomain
	}
	return nil
}
