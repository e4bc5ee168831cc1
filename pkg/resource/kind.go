package resource

import (
	"fmt"
	"time"
)

// Kind is one of the fixed categories of domain fact.
type Kind uint8

const (
	KindRegistration Kind = iota + 1
	KindDNS
	KindCertificates
	KindHeaders
	KindScreenshot
	KindFavicon
	KindSEO
)

var kindNames = [...]string{
	KindRegistration: "registration",
	KindDNS:          "dns",
	KindCertificates: "certificates",
	KindHeaders:      "headers",
	KindScreenshot:   "screenshot",
	KindFavicon:      "favicon",
	KindSEO:          "seo",
}

func (k Kind) String() string {
	if k == 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
	return kindNames[k]
}

func (k Kind) Valid() bool {
	return k != 0 && int(k) < len(kindNames)
}

// ParseKind parses the name of a resource kind.
func ParseKind(s string) (Kind, error) {
	for k := KindRegistration; int(k) < len(kindNames); k++ {
		if kindNames[k] == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown resource kind %q", s)
}

// AllKinds returns every resource kind in declaration order.
func AllKinds() []Kind {
	ks := make([]Kind, 0, len(kindNames)-1)
	for k := KindRegistration; int(k) < len(kindNames); k++ {
		ks = append(ks, k)
	}
	return ks
}

// FastChangingThreshold is the largest base TTL that still counts as fast-changing.
const FastChangingThreshold = 6 * time.Hour

// KindPolicy holds the freshness windows of a resource kind.
type KindPolicy struct {
	// BaseTTL is the freshness window of a successful fetch.
	BaseTTL time.Duration
	// NegativeTTL is the freshness window of a permanent failure.
	NegativeTTL time.Duration
}

// FastChanging reports whether the kind belongs to the fast-changing class.
func (p KindPolicy) FastChanging() bool {
	return p.BaseTTL <= FastChangingThreshold
}

var defaultPolicies = map[Kind]KindPolicy{
	KindDNS:          {BaseTTL: time.Hour, NegativeTTL: 6 * time.Hour},
	KindHeaders:      {BaseTTL: 6 * time.Hour, NegativeTTL: 6 * time.Hour},
	KindSEO:          {BaseTTL: 12 * time.Hour, NegativeTTL: 6 * time.Hour},
	KindRegistration: {BaseTTL: 24 * time.Hour, NegativeTTL: 6 * time.Hour},
	KindCertificates: {BaseTTL: 72 * time.Hour, NegativeTTL: 6 * time.Hour},
	KindScreenshot:   {BaseTTL: 7 * 24 * time.Hour, NegativeTTL: 24 * time.Hour},
	KindFavicon:      {BaseTTL: 7 * 24 * time.Hour, NegativeTTL: 24 * time.Hour},
}

// DefaultPolicy returns the built-in freshness windows of k.
func DefaultPolicy(k Kind) KindPolicy {
	return defaultPolicies[k]
}

// Policies maps every kind to its freshness windows.
type Policies map[Kind]KindPolicy

// DefaultPolicies returns a copy of the built-in policy table.
func DefaultPolicies() Policies {
	p := make(Policies, len(defaultPolicies))
	for k, v := range defaultPolicies {
		p[k] = v
	}
	return p
}

// Get returns the policy of k, falling back to the built-in one for
// missing or zero entries.
func (p Policies) Get(k Kind) KindPolicy {
	kp, ok := p[k]
	d := defaultPolicies[k]
	if !ok {
		return d
	}
	if kp.BaseTTL <= 0 {
		kp.BaseTTL = d.BaseTTL
	}
	if kp.NegativeTTL <= 0 {
		kp.NegativeTTL = d.NegativeTTL
	}
	return kp
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid resource kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}
