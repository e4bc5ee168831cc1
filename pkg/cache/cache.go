package cache

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/domainscope/domainscope/pkg/resource"
)

// ErrStaleWrite is returned by Store.Upsert when the stored row was
// fetched after the row being written. The stored row is kept.
var ErrStaleWrite = errors.New("stale write rejected")

// Store holds exactly one row per (domain id, kind).
type Store interface {
	// Get returns the stored row, which may be stale, and whether it is a
	// usable cache hit. A missing row returns (nil, false, nil).
	// Callers must rely on hit instead of checking freshness themselves.
	Get(ctx context.Context, domainID string, kind resource.Kind) (r *resource.Cached, hit bool, err error)

	// Upsert atomically replaces the row of (r.DomainID, r.Kind).
	// Writes older than the stored row fail with ErrStaleWrite.
	Upsert(ctx context.Context, r *resource.Cached) error

	io.Closer
}

// IsHit is the freshness predicate shared by every Store implementation.
func IsHit(r *resource.Cached, now time.Time) bool {
	return r != nil && r.Usable(now)
}

// Accepts reports whether incoming may replace stored.
// Equal fetch times are accepted so that Upsert stays idempotent.
func Accepts(stored, incoming *resource.Cached) bool {
	return stored == nil || !incoming.FetchedAt.Before(stored.FetchedAt)
}

// Key returns the row key used by key-value backends.
func Key(domainID string, kind resource.Kind) string {
	return domainID + "/" + kind.String()
}
