/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

// Package registration_strategy looks up domain registration data over
// RDAP.
package registration_strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/domainscope/domainscope/pkg/resource"
	"github.com/domainscope/domainscope/pkg/safehttp"
)

const source = "rdap"

var (
	ErrUnsupportedTLD = errors.New("no rdap service for tld")
	errNotRegistered  = errors.New("domain is not registered")
)

type Opts struct {
	Client *safehttp.Client

	// BootstrapURL default is DefaultBootstrapURL.
	BootstrapURL string
	// BootstrapTTL default is 24h.
	BootstrapTTL time.Duration

	// TimeoutRetryable makes a registry timeout a retryable failure. By
	// default a timeout is cached as a permanent failure with the short
	// negative TTL.
	TimeoutRetryable bool

	// RatePerHost limits requests per second to one registry. Default is 2.
	RatePerHost float64

	Now    func() time.Time
	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	if opts.Client == nil {
		return errors.New("nil http client")
	}
	if len(opts.BootstrapURL) == 0 {
		opts.BootstrapURL = DefaultBootstrapURL
	}
	if opts.BootstrapTTL <= 0 {
		opts.BootstrapTTL = 24 * time.Hour
	}
	if opts.RatePerHost <= 0 {
		opts.RatePerHost = 2
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return nil
}

// Registration is the payload of a successful lookup.
type Registration struct {
	Domain          string     `json:"domain"`
	Handle          string     `json:"handle,omitempty"`
	Registrar       string     `json:"registrar,omitempty"`
	RegistrarIANAID string     `json:"registrar_iana_id,omitempty"`
	Created         *time.Time `json:"created,omitempty"`
	Updated         *time.Time `json:"updated,omitempty"`
	Expires         *time.Time `json:"expires,omitempty"`
	Status          []string   `json:"status,omitempty"`
	Nameservers     []string   `json:"nameservers,omitempty"`
	RDAPServer      string     `json:"rdap_server"`
}

type Fetcher struct {
	opts      Opts
	bootstrap *bootstrap

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewFetcher(opts Opts) (*Fetcher, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Fetcher{
		opts: opts,
		bootstrap: &bootstrap{
			url:    opts.BootstrapURL,
			ttl:    opts.BootstrapTTL,
			client: opts.Client,
			now:    opts.Now,
		},
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

func (f *Fetcher) Kind() resource.Kind { return resource.KindRegistration }

func (f *Fetcher) Fetch(ctx context.Context, domain string) resource.Outcome {
	tld := resource.TLD(domain)
	base, err := f.bootstrap.baseURL(ctx, tld)
	if err != nil {
		return f.transportFailure(err)
	}
	if base == "" {
		return resource.Permanent(resource.ReasonUnsupportedTLD, source, fmt.Errorf("%w: %s", ErrUnsupportedTLD, tld))
	}

	u := base + "domain/" + url.PathEscape(domain)
	if err := f.wait(ctx, u); err != nil {
		return resource.Retryable(resource.ReasonTimeout, source, err)
	}
	r, err := f.opts.Client.Get(ctx, u, http.Header{"Accept": {"application/rdap+json, application/json"}})
	if err != nil {
		return f.transportFailure(err)
	}

	switch {
	case r.StatusCode == http.StatusNotFound:
		return resource.Absent(resource.ReasonNotRegistered, source, errNotRegistered)
	case r.StatusCode == http.StatusOK:
	case r.StatusCode == http.StatusTooManyRequests, r.StatusCode == http.StatusRequestTimeout, r.StatusCode >= 500:
		return resource.Retryable(resource.ReasonUpstreamStatus, source, fmt.Errorf("rdap http %d", r.StatusCode))
	default:
		return resource.Permanent(resource.ReasonUpstreamStatus, source, fmt.Errorf("rdap http %d", r.StatusCode))
	}

	reg, err := parseDomain(r.Body)
	if err != nil {
		return resource.Retryable(resource.ReasonMalformed, source, err)
	}
	if reg.Domain == "" {
		reg.Domain = domain
	}
	reg.RDAPServer = base
	return resource.Success{Payload: reg, Source: source}
}

func (f *Fetcher) transportFailure(err error) resource.Outcome {
	if safehttp.IsTimeout(err) {
		if f.opts.TimeoutRetryable {
			return resource.Retryable(resource.ReasonTimeout, source, err)
		}
		return resource.Permanent(resource.ReasonTimeout, source, err)
	}
	return resource.Retryable(resource.ReasonNetwork, source, err)
}

func (f *Fetcher) wait(ctx context.Context, rawURL string) error {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}
	f.mu.Lock()
	l, ok := f.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(f.opts.RatePerHost), max(1, int(f.opts.RatePerHost)))
		f.limiters[host] = l
	}
	f.mu.Unlock()
	return l.Wait(ctx)
}

type rdapEvent struct {
	Action string `json:"eventAction"`
	Date   string `json:"eventDate"`
}

type rdapEntity struct {
	Roles      []string          `json:"roles"`
	Handle     string            `json:"handle"`
	VCardArray []json.RawMessage `json:"vcardArray"`
	PublicIDs  []struct {
		Type       string `json:"type"`
		Identifier string `json:"identifier"`
	} `json:"publicIds"`
}

type rdapDomain struct {
	ObjectClassName string       `json:"objectClassName"`
	Handle          string       `json:"handle"`
	LDHName         string       `json:"ldhName"`
	Status          []string     `json:"status"`
	Events          []rdapEvent  `json:"events"`
	Entities        []rdapEntity `json:"entities"`
	Nameservers     []struct {
		LDHName string `json:"ldhName"`
	} `json:"nameservers"`
}

func parseDomain(b []byte) (*Registration, error) {
	var d rdapDomain
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("invalid rdap response, %w", err)
	}
	if d.ObjectClassName != "" && d.ObjectClassName != "domain" {
		return nil, fmt.Errorf("unexpected rdap object class %q", d.ObjectClassName)
	}
	reg := &Registration{
		Domain: strings.ToLower(strings.TrimSuffix(d.LDHName, ".")),
		Handle: d.Handle,
		Status: d.Status,
	}
	for _, e := range d.Events {
		t, err := time.Parse(time.RFC3339, e.Date)
		if err != nil {
			continue
		}
		t = t.UTC()
		switch e.Action {
		case "registration":
			reg.Created = &t
		case "last changed":
			reg.Updated = &t
		case "expiration":
			reg.Expires = &t
		}
	}
	for _, e := range d.Entities {
		if !hasRole(e.Roles, "registrar") {
			continue
		}
		reg.Registrar = vcardFN(e.VCardArray)
		if reg.Registrar == "" {
			reg.Registrar = e.Handle
		}
		for _, id := range e.PublicIDs {
			if id.Type == "IANA Registrar ID" {
				reg.RegistrarIANAID = id.Identifier
			}
		}
		break
	}
	for _, ns := range d.Nameservers {
		if ns.LDHName != "" {
			reg.Nameservers = append(reg.Nameservers, strings.ToLower(strings.TrimSuffix(ns.LDHName, ".")))
		}
	}
	return reg, nil
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// vcardFN returns the "fn" property of a jCard (RFC 7095).
func vcardFN(vcard []json.RawMessage) string {
	if len(vcard) < 2 {
		return ""
	}
	var props [][]any
	if err := json.Unmarshal(vcard[1], &props); err != nil {
		return ""
	}
	for _, p := range props {
		if len(p) >= 4 {
			if name, _ := p[0].(string); name == "fn" {
				v, _ := p[3].(string)
				return v
			}
		}
	}
	return ""
}
