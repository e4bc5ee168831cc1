package dns_strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	C "github.com/domainscope/domainscope/constant"
)

// JSONProvider speaks the application/dns-json dialect offered by Google
// and Cloudflare.
type JSONProvider struct {
	name   string
	urlStr string
	client *http.Client
}

func NewJSONProvider(name, urlStr string, client *http.Client) *JSONProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &JSONProvider{name: name, urlStr: urlStr, client: client}
}

func (p *JSONProvider) Name() string { return p.name }

type jsonAnswer struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
	TTL  uint32 `json:"TTL"`
	Data string `json:"data"`
}

type jsonResponse struct {
	Status int          `json:"Status"`
	Answer []jsonAnswer `json:"Answer"`
}

func (p *JSONProvider) Query(ctx context.Context, name string, qtype uint16) ([]Record, error) {
	u, err := url.Parse(p.urlStr)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("name", name)
	q.Set("type", strconv.Itoa(int(qtype)))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/dns-json")
	req.Header.Set("User-Agent", C.UserAgent)
	res, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d", res.StatusCode)
	}

	var jr jsonResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&jr); err != nil {
		return nil, fmt.Errorf("invalid json response, %w", err)
	}
	switch jr.Status {
	case dns.RcodeSuccess, dns.RcodeNameError:
	default:
		return nil, fmt.Errorf("%s: rcode %s", p.name, dns.RcodeToString[jr.Status])
	}

	var out []Record
	for _, a := range jr.Answer {
		if a.Type != qtype {
			continue
		}
		rec := Record{Type: dns.TypeToString[qtype], Name: trimDot(a.Name), TTL: a.TTL, Value: a.Data}
		switch qtype {
		case dns.TypeMX:
			pref, host, ok := strings.Cut(a.Data, " ")
			if !ok {
				continue
			}
			n, err := strconv.ParseUint(pref, 10, 16)
			if err != nil {
				continue
			}
			rec.Priority = uint16(n)
			rec.Value = trimDot(host)
		case dns.TypeNS:
			rec.Value = trimDot(a.Data)
		case dns.TypeTXT:
			rec.Value = unquoteTXT(a.Data)
		}
		out = append(out, rec)
	}
	return out, nil
}

// unquoteTXT joins the quoted character strings of a TXT data field.
func unquoteTXT(s string) string {
	if !strings.HasPrefix(s, `"`) {
		return s
	}
	var b strings.Builder
	for _, part := range strings.Split(s, `" "`) {
		b.WriteString(strings.Trim(part, `"`))
	}
	return b.String()
}
