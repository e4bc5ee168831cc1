package registration_strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/domainscope/domainscope/pkg/safehttp"
)

const DefaultBootstrapURL = "https://data.iana.org/rdap/dns.json"

// bootstrap maps TLDs to RDAP base URLs, following the IANA registry
// format of RFC 9224.
type bootstrap struct {
	url    string
	ttl    time.Duration
	client *safehttp.Client
	now    func() time.Time

	mu        sync.Mutex
	services  map[string]string
	fetchedAt time.Time
}

type bootstrapFile struct {
	Services [][][]string `json:"services"`
}

// baseURL returns the RDAP base URL of tld, or "" when no registry
// serves it.
func (b *bootstrap) baseURL(ctx context.Context, tld string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.services == nil || b.now().Sub(b.fetchedAt) >= b.ttl {
		services, err := b.load(ctx)
		if err != nil {
			if b.services == nil {
				return "", err
			}
			// Serve the previous table until the registry is reachable.
		} else {
			b.services = services
			b.fetchedAt = b.now()
		}
	}
	return b.services[strings.ToLower(tld)], nil
}

func (b *bootstrap) load(ctx context.Context) (map[string]string, error) {
	r, err := b.client.Get(ctx, b.url, http.Header{"Accept": {"application/json"}})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rdap bootstrap, %w", err)
	}
	if r.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rdap bootstrap: http %d", r.StatusCode)
	}
	var f bootstrapFile
	if err := json.Unmarshal(r.Body, &f); err != nil {
		return nil, fmt.Errorf("invalid rdap bootstrap, %w", err)
	}
	m := make(map[string]string)
	for _, svc := range f.Services {
		if len(svc) < 2 {
			continue
		}
		base := pickURL(svc[1])
		if base == "" {
			continue
		}
		for _, tld := range svc[0] {
			m[strings.ToLower(tld)] = base
		}
	}
	return m, nil
}

// pickURL prefers https.
func pickURL(urls []string) string {
	for _, u := range urls {
		if strings.HasPrefix(u, "https://") {
			return ensureSlash(u)
		}
	}
	if len(urls) > 0 {
		return ensureSlash(urls[0])
	}
	return ""
}

func ensureSlash(u string) string {
	if strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}
