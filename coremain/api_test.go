package coremain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/domainscope/domainscope/pkg/engine"
	"github.com/domainscope/domainscope/pkg/resource"
)

type fakeLookup struct {
	mu      sync.Mutex
	views   map[resource.Kind]engine.View
	err     error
	touched []string
}

func (f *fakeLookup) Get(_ context.Context, name string, kind resource.Kind) (engine.View, error) {
	if f.err != nil {
		return engine.View{}, f.err
	}
	v, ok := f.views[kind]
	if !ok {
		return engine.View{}, fmt.Errorf("%w: %s", engine.ErrNoFetcher, kind)
	}
	v.Domain = name
	return v, nil
}

func (f *fakeLookup) LookupAll(_ context.Context, name string) ([]engine.View, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []engine.View
	for _, k := range resource.AllKinds() {
		if v, ok := f.views[k]; ok {
			v.Domain = name
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeLookup) Touch(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, name)
	return nil
}

func newFakeLookup() *fakeLookup {
	now := time.Unix(1714564800, 0).UTC()
	return &fakeLookup{views: map[resource.Kind]engine.View{
		resource.KindDNS: {
			Kind:  resource.KindDNS,
			State: engine.StateFresh,
			Resource: &resource.Cached{
				Kind:        resource.KindDNS,
				Payload:     []byte(`{"resolver":"cloudflare","records":[]}`),
				FetchedAt:   now,
				ExpiresAt:   now.Add(time.Hour),
				SourceLabel: "doh:cloudflare",
			},
		},
		resource.KindSEO: {
			Kind:   resource.KindSEO,
			State:  engine.StatePending,
			Reason: resource.ReasonTimeout,
		},
	}}
}

func doGet(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestAPI_getDomain(t *testing.T) {
	l := newFakeLookup()
	h := newAPIHandler(l, nil, zap.NewNop())

	rec, body := doGet(t, h, "/api/v1/domains/example.com")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "example.com", body["domain"])
	resources := body["resources"].([]any)
	require.Len(t, resources, 2)

	dns := resources[0].(map[string]any)
	assert.Equal(t, "dns", dns["kind"])
	assert.Equal(t, "fresh", dns["state"])
	assert.Equal(t, "doh:cloudflare", dns["source"])
	assert.Equal(t, "cloudflare", dns["data"].(map[string]any)["resolver"])

	seo := resources[1].(map[string]any)
	assert.Equal(t, "pending", seo["state"])
	assert.Equal(t, "timeout", seo["reason"])
	assert.NotContains(t, seo, "data")

	assert.Equal(t, []string{"example.com"}, l.touched)
}

func TestAPI_getKind(t *testing.T) {
	l := newFakeLookup()
	h := newAPIHandler(l, nil, zap.NewNop())

	rec, body := doGet(t, h, "/api/v1/domains/example.com/dns")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "example.com", body["domain"])
	assert.Equal(t, "fresh", body["state"])

	rec, body = doGet(t, h, "/api/v1/domains/example.com/seo")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "pending", body["state"])

	rec, _ = doGet(t, h, "/api/v1/domains/example.com/whois")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = doGet(t, h, "/api/v1/domains/example.com/favicon")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_errors(t *testing.T) {
	l := newFakeLookup()
	h := newAPIHandler(l, nil, zap.NewNop())

	l.err = fmt.Errorf("%w: %q", resource.ErrInvalidDomain, "localhost")
	rec, body := doGet(t, h, "/api/v1/domains/localhost")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "invalid domain")

	l.err = errors.New("connection refused")
	rec, body = doGet(t, h, "/api/v1/domains/example.com")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", body["error"])
	assert.Empty(t, l.touched)
}

func TestAPI_healthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	h := newAPIHandler(newFakeLookup(), reg, zap.NewNop())

	rec, _ := doGet(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec, _ = doGet(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_total 1")
}
