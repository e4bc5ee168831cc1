/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

// Package seo_strategy extracts search and social metadata from a
// domain's home page.
package seo_strategy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/domainscope/domainscope/pkg/resource"
	"github.com/domainscope/domainscope/pkg/safehttp"
)

const (
	source  = "html"
	maxH1   = 10
	maxText = 1024
)

var ErrNotHTML = errors.New("home page is not html")

type Opts struct {
	Client *safehttp.Client
	// Scheme default is https.
	Scheme string
	Logger *zap.Logger
}

// SEO is the payload of a successful fetch.
type SEO struct {
	URL         string            `json:"url"`
	StatusCode  int               `json:"status_code"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Canonical   string            `json:"canonical,omitempty"`
	Robots      string            `json:"robots,omitempty"`
	Language    string            `json:"language,omitempty"`
	OpenGraph   map[string]string `json:"open_graph,omitempty"`
	Twitter     map[string]string `json:"twitter,omitempty"`
	H1          []string          `json:"h1,omitempty"`
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

func (f *Fetcher) Kind() resource.Kind { return resource.KindSEO }

func (f *Fetcher) Fetch(ctx context.Context, domain string) resource.Outcome {
	u := f.scheme + "://" + domain + "/"
	r, err := f.client.Get(ctx, u, http.Header{"Accept": {"text/html,application/xhtml+xml"}})
	if err != nil {
		f.logger.Debug("seo fetch failed", zap.String("domain", domain), zap.Error(err))
		switch {
		case safehttp.IsTimeout(err):
			return resource.Retryable(resource.ReasonTimeout, source, err)
		case errors.Is(err, safehttp.ErrBodyTooLarge):
			return resource.Permanent(resource.ReasonMalformed, source, err)
		default:
			return resource.Retryable(resource.ReasonNetwork, source, err)
		}
	}
	if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
		return resource.Retryable(resource.ReasonUpstreamStatus, source, fmt.Errorf("http %d", r.StatusCode))
	}
	if !isHTML(r.Header.Get("Content-Type")) {
		return resource.Permanent(resource.ReasonMalformed, source,
			fmt.Errorf("%w: %q", ErrNotHTML, r.Header.Get("Content-Type")))
	}

	seo, err := Extract(r.Body, r.FinalURL)
	if err != nil {
		return resource.Permanent(resource.ReasonMalformed, source, err)
	}
	seo.StatusCode = r.StatusCode
	return resource.Success{Payload: seo, Source: source}
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}

// Extract reads the metadata of an html document fetched from pageURL.
// Relative canonical links are resolved against pageURL.
func Extract(body []byte, pageURL string) (*SEO, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html, %w", err)
	}

	seo := &SEO{
		URL:   pageURL,
		Title: clean(doc.Find("head title").First().Text()),
	}
	if seo.Title == "" {
		seo.Title = clean(doc.Find("title").First().Text())
	}
	if lang, ok := doc.Find("html").Attr("lang"); ok {
		seo.Language = strings.TrimSpace(lang)
	}
	doc.Find("link[rel]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		rel, _ := s.Attr("rel")
		href, ok := s.Attr("href")
		if ok && strings.EqualFold(strings.TrimSpace(rel), "canonical") {
			seo.Canonical = resolve(pageURL, strings.TrimSpace(href))
			return false
		}
		return true
	})

	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		content, ok := s.Attr("content")
		if !ok {
			return
		}
		content = clean(content)
		if p, ok := s.Attr("property"); ok && strings.HasPrefix(strings.ToLower(p), "og:") {
			seo.OpenGraph = put(seo.OpenGraph, strings.ToLower(p)[3:], content)
			return
		}
		name, _ := s.Attr("name")
		name = strings.ToLower(name)
		switch {
		case name == "description" && seo.Description == "":
			seo.Description = content
		case name == "robots" && seo.Robots == "":
			seo.Robots = content
		case strings.HasPrefix(name, "twitter:"):
			seo.Twitter = put(seo.Twitter, name[8:], content)
		}
	})

	doc.Find("h1").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if t := clean(s.Text()); t != "" {
			seo.H1 = append(seo.H1, t)
		}
		return len(seo.H1) < maxH1
	})
	return seo, nil
}

// put keeps the first value of a repeated key.
func put(m map[string]string, k, v string) map[string]string {
	if m == nil {
		m = make(map[string]string)
	}
	if _, ok := m[k]; !ok {
		m[k] = v
	}
	return m
}

func clean(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxText {
		s = s[:maxText]
	}
	return s
}

func resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
