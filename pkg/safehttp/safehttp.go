/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

// Package safehttp is the only way fetchers talk HTTP to user supplied
// hosts. It refuses private destinations at dial time, so redirects and
// DNS rebinding cannot reach internal services, and caps redirects, body
// size and time per attempt.
package safehttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go4.org/netipx"

	"github.com/domainscope/domainscope/constant"
)

const (
	defaultMaxRedirects = 5
	defaultMaxBodySize  = 5 << 20
	defaultTimeout      = 10 * time.Second
)

var (
	ErrBlockedAddress   = errors.New("destination address is not allowed")
	ErrBodyTooLarge     = errors.New("response body too large")
	ErrTooManyRedirects = errors.New("too many redirects")
)

var blockedPrefixes = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::/128",
	"::1/128",
	"64:ff9b:1::/48",
	"100::/64",
	"2001:db8::/32",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
}

var blocked = func() *netipx.IPSet {
	var b netipx.IPSetBuilder
	for _, s := range blockedPrefixes {
		b.AddPrefix(netip.MustParsePrefix(s))
	}
	s, err := b.IPSet()
	if err != nil {
		panic(err)
	}
	return s
}()

// IsBlocked reports whether addr is a destination the client refuses.
func IsBlocked(addr netip.Addr) bool {
	return blocked.Contains(addr.Unmap())
}

type Opts struct {
	// MaxRedirects default is 5.
	MaxRedirects int
	// MaxBodySize in bytes. Default is 5 MiB.
	MaxBodySize int64
	// Timeout bounds one request including reading the body.
	// Default is 10s.
	Timeout time.Duration
	// UserAgent default is constant.UserAgent.
	UserAgent string
	// AllowPrivate disables the destination guard. Tests only.
	AllowPrivate bool
	Logger       *zap.Logger
}

func (opts *Opts) Init() {
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = defaultMaxRedirects
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = defaultMaxBodySize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if len(opts.UserAgent) == 0 {
		opts.UserAgent = constant.UserAgent
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
}

type Client struct {
	opts Opts
	hc   *http.Client
}

func New(opts Opts) *Client {
	opts.Init()
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if !opts.AllowPrivate {
		dialer.Control = DialControl
	}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
	maxRedirects := opts.MaxRedirects
	return &Client{
		opts: opts,
		hc: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return ErrTooManyRedirects
				}
				return nil
			},
		},
	}
}

// DialControl is a net.Dialer Control func refusing blocked destinations.
func DialControl(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, address)
	}
	if IsBlocked(ap.Addr()) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, ap.Addr())
	}
	return nil
}

// HTTPClient returns the guarded client for callers that speak their own
// protocol over it, such as the DoH providers. Bodies read from it are not
// capped and Timeout only bounds the response header.
func (c *Client) HTTPClient() *http.Client {
	return c.hc
}

// Response is a fully read response.
type Response struct {
	StatusCode int
	Header     http.Header
	// FinalURL is the URL after redirects.
	FinalURL string
	Body     []byte
}

// Do sends req under the per-attempt timeout and reads the whole body.
// Any status code is a response, not an error.
func (c *Client) Do(ctx context.Context, req *http.Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	req = req.WithContext(ctx)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.ContentLength > c.opts.MaxBodySize {
		return nil, ErrBodyTooLarge
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBodySize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > c.opts.MaxBodySize {
		return nil, ErrBodyTooLarge
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		FinalURL:   resp.Request.URL.String(),
		Body:       body,
	}, nil
}

func (c *Client) Get(ctx context.Context, url string, header http.Header) (*Response, error) {
	return c.request(ctx, http.MethodGet, url, header)
}

func (c *Client) Head(ctx context.Context, url string, header http.Header) (*Response, error) {
	return c.request(ctx, http.MethodHead, url, header)
}

func (c *Client) request(ctx context.Context, method, url string, header http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return c.Do(ctx, req)
}

// IsDNSNotFound reports whether err is an authoritative "no such host".
func IsDNSNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
