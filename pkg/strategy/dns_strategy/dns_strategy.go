/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

// Package dns_strategy collects the A, AAAA, MX, TXT and NS records of a
// domain from an ordered list of DoH providers.
package dns_strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/domainscope/domainscope/pkg/resource"
)

const (
	sourcePrefix           = "doh:"
	defaultProviderTimeout = 4 * time.Second
)

// ErrAllFailed is wrapped by the error of an all_providers_failed outcome.
var ErrAllFailed = errors.New("all dns providers failed")

// Result is the payload of a successful lookup.
type Result struct {
	Resolver string   `json:"resolver"`
	Records  []Record `json:"records"`
}

type Opts struct {
	// Providers are asked in order.
	Providers []Provider
	// ProviderTimeout bounds the queries of one provider, so a hung
	// provider still leaves time for the next one. Default is 4s.
	ProviderTimeout time.Duration
	Logger          *zap.Logger
}

func (opts *Opts) Init() {
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = defaultProviderTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
}

type Fetcher struct {
	opts Opts
}

func NewFetcher(opts Opts) *Fetcher {
	opts.Init()
	return &Fetcher{opts: opts}
}

func (f *Fetcher) Kind() resource.Kind { return resource.KindDNS }

// Fetch asks providers in order. A provider that fails any query type or
// runs out of its own time is skipped as a whole, records are never mixed
// between providers.
func (f *Fetcher) Fetch(ctx context.Context, domain string) resource.Outcome {
	var errs []error
	for _, p := range f.opts.Providers {
		records, err := f.query(ctx, p, domain)
		if err != nil {
			if ctx.Err() != nil {
				return resource.Retryable(resource.ReasonTimeout, sourcePrefix+p.Name(), ctx.Err())
			}
			f.opts.Logger.Warn("dns provider failed", zap.String("provider", p.Name()), zap.String("domain", domain), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		return resource.Success{
			Payload: Result{Resolver: p.Name(), Records: normalize(records)},
			Source:  sourcePrefix + p.Name(),
		}
	}
	return resource.Retryable(resource.ReasonAllProvidersFailed, "doh",
		fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...)))
}

func (f *Fetcher) query(ctx context.Context, p Provider, domain string) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.ProviderTimeout)
	defer cancel()
	return queryAll(ctx, p, domain)
}

func queryAll(ctx context.Context, p Provider, domain string) ([]Record, error) {
	g, gctx := errgroup.WithContext(ctx)
	results := make([][]Record, len(QueryTypes))
	for i, qt := range QueryTypes {
		g.Go(func() error {
			rs, err := p.Query(gctx, domain, qt)
			if err != nil {
				return fmt.Errorf("%s query: %w", dns.TypeToString[qt], err)
			}
			results[i] = rs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var all []Record
	for _, rs := range results {
		all = append(all, rs...)
	}
	return all, nil
}

var typeOrder = map[string]int{"A": 0, "AAAA": 1, "MX": 2, "TXT": 3, "NS": 4}

// normalize drops duplicates by (type, name, value) and sorts by type,
// MX records by priority.
func normalize(records []Record) []Record {
	type key struct{ t, n, v string }
	seen := make(map[key]struct{}, len(records))
	out := make([]Record, 0, len(records))
	for _, r := range records {
		k := key{r.Type, r.Name, r.Value}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Type != b.Type {
			return typeOrder[a.Type] < typeOrder[b.Type]
		}
		if a.Type == "MX" && a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return false
	})
	return out
}
