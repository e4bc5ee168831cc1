package coremain

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/domainscope/domainscope/pkg/resource"
	"github.com/domainscope/domainscope/pkg/safehttp"
	"github.com/domainscope/domainscope/pkg/strategy"
	"github.com/domainscope/domainscope/pkg/strategy/cert_strategy"
	"github.com/domainscope/domainscope/pkg/strategy/dns_strategy"
	"github.com/domainscope/domainscope/pkg/strategy/headers_strategy"
	"github.com/domainscope/domainscope/pkg/strategy/media_strategy"
	"github.com/domainscope/domainscope/pkg/strategy/registration_strategy"
	"github.com/domainscope/domainscope/pkg/strategy/seo_strategy"
)

const (
	defaultRenderTimeout = 60 * time.Second
	maxScreenshotSize    = 10 << 20
)

// buildFetchers creates the fetcher of every enabled kind. Screenshots
// are only enabled with a render service.
func buildFetchers(cfg *Config, lg *zap.Logger) (strategy.Set, error) {
	client := safehttp.New(safehttp.Opts{
		MaxRedirects: cfg.Fetch.MaxRedirects,
		MaxBodySize:  cfg.Fetch.MaxBodySize,
		Timeout:      cfg.Fetch.RequestTimeout,
		Logger:       lg.Named("http"),
	})

	var fs []strategy.Fetcher
	add := func(k resource.Kind, f func() (strategy.Fetcher, error)) error {
		if !cfg.kindEnabled(k) {
			return nil
		}
		fetcher, err := f()
		if err != nil {
			return fmt.Errorf("failed to init %s fetcher, %w", k, err)
		}
		if fetcher != nil {
			fs = append(fs, fetcher)
		}
		return nil
	}

	steps := []struct {
		k resource.Kind
		f func() (strategy.Fetcher, error)
	}{
		{resource.KindDNS, func() (strategy.Fetcher, error) {
			doh := safehttp.New(safehttp.Opts{
				Timeout: cfg.DNS.ProviderTimeout,
				Logger:  lg.Named("doh"),
			}).HTTPClient()
			providers := make([]dns_strategy.Provider, 0, len(cfg.DNS.Providers))
			for _, p := range cfg.DNS.Providers {
				switch p.Type {
				case "h3":
					providers = append(providers, dns_strategy.NewH3Provider(p.Name, p.URL))
				case "json":
					providers = append(providers, dns_strategy.NewJSONProvider(p.Name, p.URL, doh))
				default:
					providers = append(providers, dns_strategy.NewWireProvider(p.Name, p.URL, doh.Transport))
				}
			}
			return dns_strategy.NewFetcher(dns_strategy.Opts{
				Providers:       providers,
				ProviderTimeout: cfg.DNS.ProviderTimeout,
				Logger:          lg.Named("dns"),
			}), nil
		}},
		{resource.KindCertificates, func() (strategy.Fetcher, error) {
			return cert_strategy.NewFetcher(cert_strategy.Opts{Logger: lg.Named("certificates")}), nil
		}},
		{resource.KindRegistration, func() (strategy.Fetcher, error) {
			return registration_strategy.NewFetcher(registration_strategy.Opts{
				Client:           client,
				BootstrapURL:     cfg.Registration.BootstrapURL,
				BootstrapTTL:     cfg.Registration.BootstrapTTL,
				TimeoutRetryable: !*cfg.Registration.TimeoutIsPermanent,
				RatePerHost:      cfg.Registration.RatePerHost,
				Logger:           lg.Named("registration"),
			})
		}},
		{resource.KindHeaders, func() (strategy.Fetcher, error) {
			return headers_strategy.NewFetcher(headers_strategy.Opts{Client: client, Logger: lg.Named("headers")}), nil
		}},
		{resource.KindSEO, func() (strategy.Fetcher, error) {
			return seo_strategy.NewFetcher(seo_strategy.Opts{Client: client, Logger: lg.Named("seo")}), nil
		}},
		{resource.KindFavicon, func() (strategy.Fetcher, error) {
			return media_strategy.NewFaviconFetcher(media_strategy.FaviconOpts{Client: client, Logger: lg.Named("favicon")}), nil
		}},
		{resource.KindScreenshot, func() (strategy.Fetcher, error) {
			if cfg.Screenshot.RenderURL == "" {
				return nil, nil
			}
			timeout := cfg.Screenshot.Timeout
			if timeout <= 0 {
				timeout = defaultRenderTimeout
			}
			// The render service usually lives next to us on a private network.
			renderClient := safehttp.New(safehttp.Opts{
				Timeout:      timeout,
				MaxBodySize:  maxScreenshotSize,
				AllowPrivate: true,
				Logger:       lg.Named("render"),
			})
			return media_strategy.NewScreenshotFetcher(media_strategy.ScreenshotOpts{
				Capturer:    &media_strategy.HTTPCapturer{Client: renderClient, Endpoint: cfg.Screenshot.RenderURL},
				MaxAttempts: cfg.Screenshot.MaxAttempts,
				Logger:      lg.Named("screenshot"),
			})
		}},
	}
	for _, s := range steps {
		if err := add(s.k, s.f); err != nil {
			return nil, err
		}
	}
	return strategy.NewSet(fs...)
}
