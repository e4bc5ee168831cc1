package headers_strategy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domainscope/domainscope/pkg/resource"
	"github.com/domainscope/domainscope/pkg/safehttp"
)

func serve(t *testing.T, h http.HandlerFunc) (*Fetcher, string) {
	t.Helper()
	s := httptest.NewServer(h)
	t.Cleanup(s.Close)
	f := NewFetcher(Opts{
		Client: safehttp.New(safehttp.Opts{AllowPrivate: true}),
		Scheme: "http",
	})
	return f, strings.TrimPrefix(s.URL, "http://")
}

func TestFetcher_head(t *testing.T) {
	f, host := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Server", "nginx")
		w.Header().Add("Set-Cookie", "b=2")
		w.Header().Add("Set-Cookie", "a=1")
		w.WriteHeader(http.StatusOK)
	})
	o := f.Fetch(context.Background(), host)
	s, ok := o.(resource.Success)
	require.True(t, ok, "%#v", o)
	h := s.Payload.(Headers)
	assert.Equal(t, http.StatusOK, h.StatusCode)
	assert.Equal(t, http.MethodHead, h.Method)
	assert.Equal(t, []string{"nginx"}, h.Headers["server"])
	assert.Equal(t, []string{"a=1", "b=2"}, h.Headers["set-cookie"])
}

func TestFetcher_getOn405(t *testing.T) {
	var calls atomic.Int32
	f, host := serve(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusTeapot)
	})
	o := f.Fetch(context.Background(), host)
	s, ok := o.(resource.Success)
	require.True(t, ok, "%#v", o)
	h := s.Payload.(Headers)
	assert.Equal(t, http.StatusTeapot, h.StatusCode, "non-2xx is data")
	assert.Equal(t, http.MethodGet, h.Method)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetcher_serverErrorIsData(t *testing.T) {
	f, host := serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	s, ok := f.Fetch(context.Background(), host).(resource.Success)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, s.Payload.(Headers).StatusCode)
}

func TestFetcher_networkError(t *testing.T) {
	f := NewFetcher(Opts{Client: safehttp.New(safehttp.Opts{AllowPrivate: true}), Scheme: "http"})
	o := f.Fetch(context.Background(), "127.0.0.1:1")
	r, ok := o.(resource.RetryableFailure)
	require.True(t, ok, "%#v", o)
	assert.Equal(t, resource.ReasonNetwork, r.Reason)
}

func TestFetcher_blockedIsRetryable(t *testing.T) {
	f := NewFetcher(Opts{Client: safehttp.New(safehttp.Opts{}), Scheme: "http"})
	_, ok := f.Fetch(context.Background(), "127.0.0.1:1").(resource.RetryableFailure)
	assert.True(t, ok)
}
