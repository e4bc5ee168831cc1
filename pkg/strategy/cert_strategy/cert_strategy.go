/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

// Package cert_strategy reads the certificate chain a domain serves on
// port 443. The chain is reported as served, it is not verified.
package cert_strategy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/domainscope/domainscope/pkg/resource"
	"github.com/domainscope/domainscope/pkg/safehttp"
)

const source = "tls"

type Opts struct {
	// Port default is "443".
	Port string
	// Timeout bounds dial plus handshake. Default is 10s.
	Timeout time.Duration
	// AllowPrivate disables the destination guard. Tests only.
	AllowPrivate bool
	Logger       *zap.Logger
}

func (opts *Opts) Init() {
	if len(opts.Port) == 0 {
		opts.Port = "443"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
}

// CertInfo describes one link of the chain.
type CertInfo struct {
	Subject            string    `json:"subject"`
	Issuer             string    `json:"issuer"`
	SerialNumber       string    `json:"serial_number"`
	ValidFrom          time.Time `json:"valid_from"`
	ValidTo            time.Time `json:"valid_to"`
	SANs               []string  `json:"sans,omitempty"`
	IsCA               bool      `json:"is_ca"`
	SignatureAlgorithm string    `json:"signature_algorithm"`
	FingerprintSHA256  string    `json:"fingerprint_sha256"`
}

// Chain is the payload of a successful fetch, leaf first.
type Chain struct {
	Chain           []CertInfo `json:"chain"`
	EarliestValidTo time.Time  `json:"earliest_valid_to"`
	TLSVersion      string     `json:"tls_version"`
}

type Fetcher struct {
	opts   Opts
	dialer *net.Dialer
}

func NewFetcher(opts Opts) *Fetcher {
	opts.Init()
	d := &net.Dialer{Timeout: opts.Timeout}
	if !opts.AllowPrivate {
		d.Control = safehttp.DialControl
	}
	return &Fetcher{opts: opts, dialer: d}
}

func (f *Fetcher) Kind() resource.Kind { return resource.KindCertificates }

func (f *Fetcher) Fetch(ctx context.Context, domain string) resource.Outcome {
	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	conn, err := f.dialer.DialContext(ctx, "tcp", net.JoinHostPort(domain, f.opts.Port))
	if err != nil {
		return classifyDialError(err)
	}
	defer conn.Close()

	tc := tls.Client(conn, &tls.Config{
		ServerName:         domain,
		InsecureSkipVerify: true,
	})
	if err := tc.HandshakeContext(ctx); err != nil {
		return classifyHandshakeError(err)
	}
	state := tc.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return resource.Permanent(resource.ReasonTLSHandshake, source, errors.New("no peer certificate"))
	}

	chain := OrderChain(state.PeerCertificates)
	out := Chain{TLSVersion: tls.VersionName(state.Version)}
	for i, c := range chain {
		out.Chain = append(out.Chain, describe(c))
		if i == 0 || c.NotAfter.Before(out.EarliestValidTo) {
			out.EarliestValidTo = c.NotAfter
		}
	}
	return resource.Success{Payload: out, Source: source}
}

func classifyDialError(err error) resource.Outcome {
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, safehttp.ErrBlockedAddress):
		return resource.Permanent(resource.ReasonDNSResolution, source, err)
	case errors.As(err, &dnsErr):
		if dnsErr.IsTimeout || dnsErr.IsTemporary {
			return resource.Retryable(resource.ReasonTimeout, source, err)
		}
		return resource.Permanent(resource.ReasonDNSResolution, source, err)
	case safehttp.IsTimeout(err):
		return resource.Retryable(resource.ReasonTimeout, source, err)
	default:
		return resource.Retryable(resource.ReasonNetwork, source, err)
	}
}

// classifyHandshakeError keeps a dropped connection retryable. Only a peer
// that answered and failed to speak TLS is a handshake failure.
func classifyHandshakeError(err error) resource.Outcome {
	switch {
	case safehttp.IsTimeout(err):
		return resource.Retryable(resource.ReasonTimeout, source, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return resource.Retryable(resource.ReasonNetwork, source, err)
	default:
		return resource.Permanent(resource.ReasonTLSHandshake, source, err)
	}
}

// OrderChain walks from the leaf to the root by matching each issuer to
// a subject among the served certificates. Certificates that do not link
// are dropped.
func OrderChain(certs []*x509.Certificate) []*x509.Certificate {
	if len(certs) == 0 {
		return nil
	}
	chain := []*x509.Certificate{certs[0]}
	used := map[*x509.Certificate]bool{certs[0]: true}
	cur := certs[0]
	for !bytes.Equal(cur.RawIssuer, cur.RawSubject) {
		var next *x509.Certificate
		for _, c := range certs {
			if !used[c] && bytes.Equal(c.RawSubject, cur.RawIssuer) {
				next = c
				break
			}
		}
		if next == nil {
			break
		}
		used[next] = true
		chain = append(chain, next)
		cur = next
	}
	return chain
}

func describe(c *x509.Certificate) CertInfo {
	sum := sha256.Sum256(c.Raw)
	info := CertInfo{
		Subject:            c.Subject.String(),
		Issuer:             c.Issuer.String(),
		SerialNumber:       c.SerialNumber.String(),
		ValidFrom:          c.NotBefore.UTC(),
		ValidTo:            c.NotAfter.UTC(),
		IsCA:               c.IsCA,
		SignatureAlgorithm: c.SignatureAlgorithm.String(),
		FingerprintSHA256:  hex.EncodeToString(sum[:]),
	}
	info.SANs = append(info.SANs, c.DNSNames...)
	for _, ip := range c.IPAddresses {
		info.SANs = append(info.SANs, ip.String())
	}
	return info
}
