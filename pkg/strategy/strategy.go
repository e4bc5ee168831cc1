// Package strategy holds the fetchers of every resource kind. A fetcher
// talks to the outside world and classifies what happened, it never
// touches the cache.
package strategy

import (
	"context"
	"fmt"

	"github.com/domainscope/domainscope/pkg/resource"
)

// Fetcher fetches one kind of resource for a normalized domain name.
// Fetch must return one of resource.Success, resource.PermanentFailure or
// resource.RetryableFailure, and must respect ctx.
type Fetcher interface {
	Kind() resource.Kind
	Fetch(ctx context.Context, domain string) resource.Outcome
}

// FetcherFunc adapts a function to a Fetcher.
type FetcherFunc struct {
	K resource.Kind
	F func(ctx context.Context, domain string) resource.Outcome
}

func (f FetcherFunc) Kind() resource.Kind { return f.K }

func (f FetcherFunc) Fetch(ctx context.Context, domain string) resource.Outcome {
	return f.F(ctx, domain)
}

// Set maps each kind to its fetcher.
type Set map[resource.Kind]Fetcher

func NewSet(fetchers ...Fetcher) (Set, error) {
	s := make(Set, len(fetchers))
	for _, f := range fetchers {
		k := f.Kind()
		if !k.Valid() {
			return nil, fmt.Errorf("fetcher has invalid kind %d", k)
		}
		if _, dup := s[k]; dup {
			return nil, fmt.Errorf("duplicated fetcher for kind %s", k)
		}
		s[k] = f
	}
	return s, nil
}

func (s Set) Get(k resource.Kind) (Fetcher, bool) {
	f, ok := s[k]
	return f, ok
}
