/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

// Package headers_strategy captures the HTTP response of a domain's home
// page. Any status code is data.
package headers_strategy

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/domainscope/domainscope/pkg/resource"
	"github.com/domainscope/domainscope/pkg/safehttp"
)

const source = "http"

type Opts struct {
	Client *safehttp.Client
	// Scheme default is https.
	Scheme string
	Logger *zap.Logger
}

// Headers is the payload of a successful fetch.
type Headers struct {
	StatusCode int                 `json:"status_code"`
	Method     string              `json:"method"`
	FinalURL   string              `json:"final_url"`
	Headers    map[string][]string `json:"headers"`
}

type Fetcher struct {
	client *safehttp.Client
	scheme string
	logger *zap.Logger
}

func NewFetcher(opts Opts) *Fetcher {
	if opts.Client == nil {
		opts.Client = safehttp.New(safehttp.Opts{})
	}
	if len(opts.Scheme) == 0 {
		opts.Scheme = "https"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Fetcher{client: opts.Client, scheme: opts.Scheme, logger: opts.Logger}
}

func (f *Fetcher) Kind() resource.Kind { return resource.KindHeaders }

func (f *Fetcher) Fetch(ctx context.Context, domain string) resource.Outcome {
	u := f.scheme + "://" + domain + "/"
	method := http.MethodHead
	r, err := f.client.Head(ctx, u, nil)
	if err == nil && r.StatusCode == http.StatusMethodNotAllowed {
		method = http.MethodGet
		r, err = f.client.Get(ctx, u, nil)
	}
	if err != nil {
		if safehttp.IsDNSNotFound(err) {
			f.logger.Info("domain does not resolve", zap.String("domain", domain), zap.Error(err))
		} else {
			f.logger.Warn("header fetch failed", zap.String("domain", domain), zap.Error(err))
		}
		if safehttp.IsTimeout(err) {
			return resource.Retryable(resource.ReasonTimeout, source, err)
		}
		return resource.Retryable(resource.ReasonNetwork, source, err)
	}
	return resource.Success{
		Payload: Headers{
			StatusCode: r.StatusCode,
			Method:     method,
			FinalURL:   r.FinalURL,
			Headers:    canonical(r.Header),
		},
		Source: source,
	}
}

// canonical lower-cases header names and sorts repeated values so that
// payloads of identical responses compare equal.
func canonical(h http.Header) map[string][]string {
	m := make(map[string][]string, len(h))
	for k, vs := range h {
		k = strings.ToLower(k)
		vs = append(m[k], vs...)
		sort.Strings(vs)
		m[k] = vs
	}
	return m
}
