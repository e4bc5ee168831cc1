// Package registry maps domain names to stable ids and records when a
// user last looked at each domain.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/domainscope/domainscope/pkg/resource"
)

var ErrUnknownDomain = errors.New("unknown domain id")

type Registry interface {
	// Resolve returns the domain of name, creating it on first use.
	// name must already be normalized.
	Resolve(ctx context.Context, name string) (resource.Domain, error)

	// LastAccessed returns when the domain was last looked at. known is
	// false for a domain nobody has looked at yet.
	LastAccessed(ctx context.Context, domainID string) (t time.Time, known bool, err error)

	// Touch records a user access. Only user facing handlers call it,
	// background revalidation must not.
	Touch(ctx context.Context, domainID string, at time.Time) error
}
