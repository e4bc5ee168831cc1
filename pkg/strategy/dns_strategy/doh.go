/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

package dns_strategy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go/http3"

	C "github.com/domainscope/domainscope/constant"
)

const (
	dnsContentType = "application/dns-message"
	maxMsgSize     = dns.MaxMsgSize
)

// WireProvider speaks RFC 8484 DNS over HTTPS with POST.
type WireProvider struct {
	name   string
	urlStr string
	rt     http.RoundTripper
}

// NewWireProvider uses rt to send requests. A nil rt uses
// http.DefaultTransport.
func NewWireProvider(name, urlStr string, rt http.RoundTripper) *WireProvider {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &WireProvider{name: name, urlStr: urlStr, rt: rt}
}

// NewH3Provider is a WireProvider over HTTP/3.
func NewH3Provider(name, urlStr string) *WireProvider {
	return NewWireProvider(name, urlStr, &http3.Transport{})
}

func (p *WireProvider) Name() string { return p.name }

func (p *WireProvider) Query(ctx context.Context, name string, qtype uint16) ([]Record, error) {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), qtype)
	q.SetEdns0(dns.DefaultMsgSize, false)
	q.Id = 0
	r, err := p.exchange(ctx, q)
	if err != nil {
		return nil, err
	}
	switch r.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
		return recordsFromMsg(r, qtype), nil
	default:
		return nil, fmt.Errorf("%s: rcode %s", p.name, dns.RcodeToString[r.Rcode])
	}
}

func (p *WireProvider) exchange(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	wire, err := q.Pack()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.urlStr, bytes.NewReader(wire))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", dnsContentType)
	req.Header.Set("Accept", dnsContentType)
	req.Header.Set("User-Agent", C.UserAgent)

	res, err := p.rt.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("http %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, dnsContentType) {
		return nil, fmt.Errorf("invalid content-type: %s", ct)
	}

	b, err := io.ReadAll(io.LimitReader(res.Body, maxMsgSize+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxMsgSize {
		return nil, fmt.Errorf("response too large: %d bytes", len(b))
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("empty response")
	}

	r := new(dns.Msg)
	if err := r.Unpack(b); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *WireProvider) Close() error {
	if c, ok := p.rt.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
	if c, ok := p.rt.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
