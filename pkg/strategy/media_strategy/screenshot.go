/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

package media_strategy

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/domainscope/domainscope/pkg/pool"
	"github.com/domainscope/domainscope/pkg/resource"
	"github.com/domainscope/domainscope/pkg/safehttp"
)

// Capturer renders a page. A page that answered 404 or 410 must be
// reported as a *StatusError.
type Capturer interface {
	Capture(ctx context.Context, pageURL string) (*Image, error)
}

// RenderError is a failure status of the render service itself. It never
// says anything about the page.
type RenderError struct {
	StatusCode int
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render service: http %d", e.StatusCode)
}

// HTTPCapturer asks a render service for a screenshot with
// GET {Endpoint}?url={page}. The service answers the image, and reports
// the status of the page itself in the X-Page-Status header.
type HTTPCapturer struct {
	Client   *safehttp.Client
	Endpoint string
}

func (c *HTTPCapturer) Capture(ctx context.Context, pageURL string) (*Image, error) {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid render endpoint, %w", err)
	}
	q := u.Query()
	q.Set("url", pageURL)
	u.RawQuery = q.Encode()

	r, err := c.Client.Get(ctx, u.String(), http.Header{"Accept": {"image/png, image/*"}})
	if err != nil {
		return nil, err
	}
	if s := r.Header.Get("X-Page-Status"); s != "" {
		var code int
		if _, err := fmt.Sscanf(s, "%d", &code); err == nil && isGoneStatus(code) {
			return nil, &StatusError{StatusCode: code}
		}
	}
	if r.StatusCode != http.StatusOK {
		return nil, &RenderError{StatusCode: r.StatusCode}
	}
	ct := imageType(r.Header, r.Body)
	if ct == "" {
		return nil, ErrNotImage
	}
	return &Image{URL: pageURL, ContentType: ct, Data: r.Body}, nil
}

type ScreenshotOpts struct {
	Capturer Capturer
	// MaxAttempts per candidate URL. Default is 3.
	MaxAttempts int
	// BaseDelay is the first backoff ceiling. Default is 1s.
	BaseDelay time.Duration
	// MaxDelay default is 15s.
	MaxDelay time.Duration
	Logger   *zap.Logger
}

func (opts *ScreenshotOpts) Init() error {
	if opts.Capturer == nil {
		return errors.New("nil capturer")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return nil
}

type ScreenshotFetcher struct {
	opts ScreenshotOpts
}

func NewScreenshotFetcher(opts ScreenshotOpts) (*ScreenshotFetcher, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &ScreenshotFetcher{opts: opts}, nil
}

func (f *ScreenshotFetcher) Kind() resource.Kind { return resource.KindScreenshot }

func (f *ScreenshotFetcher) Fetch(ctx context.Context, domain string) resource.Outcome {
	candidates := [...]string{"https://" + domain + "/", "http://" + domain + "/"}
	var t tally
	for _, u := range candidates {
		for attempt := 1; attempt <= f.opts.MaxAttempts; attempt++ {
			img, err := f.opts.Capturer.Capture(ctx, u)
			if err == nil {
				return resource.Success{Payload: img, Source: "capture"}
			}
			if IsGone(err) {
				t.add(err)
				break
			}
			f.opts.Logger.Debug("capture failed",
				zap.String("url", u), zap.Int("attempt", attempt), zap.Error(err))
			if attempt == f.opts.MaxAttempts {
				t.add(err)
				break
			}
			if err := pool.Sleep(ctx, f.backoff(attempt)); err != nil {
				return resource.Retryable(resource.ReasonTimeout, "capture", err)
			}
		}
	}
	o := t.outcome("capture", len(candidates))
	if p, ok := o.(resource.PermanentFailure); ok {
		p.Reason = resource.ReasonGone
		return p
	}
	return o
}

// backoff is exponential with full jitter.
func (f *ScreenshotFetcher) backoff(attempt int) time.Duration {
	ceil := f.opts.BaseDelay << (attempt - 1)
	if ceil <= 0 || ceil > f.opts.MaxDelay {
		ceil = f.opts.MaxDelay
	}
	return rand.N(ceil + 1)
}
