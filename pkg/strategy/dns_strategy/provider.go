package dns_strategy

import (
	"context"
	"strings"

	"github.com/miekg/dns"
)

// Record is one normalized resource record.
type Record struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Value    string `json:"value"`
	TTL      uint32 `json:"ttl"`
	Priority uint16 `json:"priority,omitempty"`
}

// Provider is one upstream resolver.
// Query returns the records of qtype for name. NXDOMAIN and NODATA are
// empty answers, not errors. Any other failure is an error.
type Provider interface {
	Name() string
	Query(ctx context.Context, name string, qtype uint16) ([]Record, error)
}

// QueryTypes are the record types collected for every domain.
var QueryTypes = []uint16{dns.TypeA, dns.TypeAAAA, dns.TypeMX, dns.TypeTXT, dns.TypeNS}

func trimDot(s string) string {
	return strings.TrimSuffix(s, ".")
}

// recordsFromMsg keeps the answer records of qtype. CNAMEs followed by the
// resolver are skipped.
func recordsFromMsg(r *dns.Msg, qtype uint16) []Record {
	var out []Record
	for _, rr := range r.Answer {
		h := rr.Header()
		if h.Rrtype != qtype {
			continue
		}
		rec := Record{Type: dns.TypeToString[qtype], Name: trimDot(h.Name), TTL: h.Ttl}
		switch v := rr.(type) {
		case *dns.A:
			rec.Value = v.A.String()
		case *dns.AAAA:
			rec.Value = v.AAAA.String()
		case *dns.MX:
			rec.Value = trimDot(v.Mx)
			rec.Priority = v.Preference
		case *dns.TXT:
			rec.Value = strings.Join(v.Txt, "")
		case *dns.NS:
			rec.Value = trimDot(v.Ns)
		default:
			continue
		}
		out = append(out, rec)
	}
	return out
}
