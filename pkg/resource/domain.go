package resource

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/publicsuffix"
)

var ErrInvalidDomain = errors.New("invalid domain")

// Domain is a tracked domain. ID is owned by the registry.
type Domain struct {
	ID   string
	Name string
}

// DedupeKey is the stable identity of one (domain, kind) unit of work.
// It is used for single-flight, scheduling dedup and job ids.
func DedupeKey(domain string, k Kind) string {
	return domain + ":" + k.String()
}

// NormalizeDomain turns user input like "HTTPS://WWW.Example.com:443/path"
// into "www.example.com". The name must end in a public suffix.
func NormalizeDomain(raw string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if i := strings.LastIndexByte(d, '@'); i >= 0 {
		d = d[i+1:]
	}
	if h, _, err := net.SplitHostPort(d); err == nil {
		d = h
	}
	d = strings.TrimSuffix(d, ".")

	if len(d) == 0 || len(d) > 253 {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, raw)
	}
	if net.ParseIP(d) != nil {
		return "", fmt.Errorf("%w: %q is an ip address", ErrInvalidDomain, raw)
	}
	for _, label := range strings.Split(d, ".") {
		if !validLabel(label) {
			return "", fmt.Errorf("%w: bad label %q", ErrInvalidDomain, label)
		}
	}
	if _, icann := publicsuffix.PublicSuffix(d); !icann {
		return "", fmt.Errorf("%w: %q has no known public suffix", ErrInvalidDomain, raw)
	}
	if _, err := publicsuffix.EffectiveTLDPlusOne(d); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDomain, err)
	}
	return d, nil
}

func validLabel(l string) bool {
	if len(l) == 0 || len(l) > 63 {
		return false
	}
	if l[0] == '-' || l[len(l)-1] == '-' {
		return false
	}
	for i := 0; i < len(l); i++ {
		c := l[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// TLD returns the last label of a normalized domain.
func TLD(domain string) string {
	if i := strings.LastIndexByte(domain, '.'); i >= 0 {
		return domain[i+1:]
	}
	return domain
}
