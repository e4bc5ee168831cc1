/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

package media_strategy

import (
	"context"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/domainscope/domainscope/pkg/resource"
	"github.com/domainscope/domainscope/pkg/safehttp"
)

// Source is one place a favicon can come from.
type Source struct {
	Name string
	URL  func(domain string) string
}

// DefaultSources are tried in this order.
func DefaultSources() []Source {
	return []Source{
		{Name: "google_s2", URL: func(d string) string {
			return "https://www.google.com/s2/favicons?sz=64&domain=" + url.QueryEscape(d)
		}},
		{Name: "duckduckgo", URL: func(d string) string {
			return "https://icons.duckduckgo.com/ip3/" + url.PathEscape(d) + ".ico"
		}},
		{Name: "direct", URL: func(d string) string {
			return "https://" + d + "/favicon.ico"
		}},
	}
}

type FaviconOpts struct {
	Client *safehttp.Client
	// Sources default is DefaultSources().
	Sources []Source
	Logger  *zap.Logger
}

type FaviconFetcher struct {
	client  *safehttp.Client
	sources []Source
	logger  *zap.Logger
}

func NewFaviconFetcher(opts FaviconOpts) *FaviconFetcher {
	if opts.Client == nil {
		opts.Client = safehttp.New(safehttp.Opts{})
	}
	if len(opts.Sources) == 0 {
		opts.Sources = DefaultSources()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &FaviconFetcher{client: opts.Client, sources: opts.Sources, logger: opts.Logger}
}

func (f *FaviconFetcher) Kind() resource.Kind { return resource.KindFavicon }

func (f *FaviconFetcher) Fetch(ctx context.Context, domain string) resource.Outcome {
	var t tally
	for _, src := range f.sources {
		u := src.URL(domain)
		img, err := f.get(ctx, u)
		if err == nil {
			return resource.Success{Payload: img, Source: src.Name}
		}
		f.logger.Debug("favicon source failed", zap.String("domain", domain), zap.String("source", src.Name), zap.Error(err))
		t.add(err)
		if ctx.Err() != nil {
			return resource.Retryable(resource.ReasonTimeout, src.Name, ctx.Err())
		}
	}
	return t.outcome("favicon", len(f.sources))
}

func (f *FaviconFetcher) get(ctx context.Context, u string) (*Image, error) {
	r, err := f.client.Get(ctx, u, http.Header{"Accept": {"image/*"}})
	if err != nil {
		return nil, err
	}
	if r.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: r.StatusCode}
	}
	ct := imageType(r.Header, r.Body)
	if ct == "" {
		return nil, ErrNotImage
	}
	return &Image{URL: r.FinalURL, ContentType: ct, Data: r.Body}, nil
}
