package safehttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsBlocked(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.20.0.1", true},
		{"192.168.1.1", true},
		{"169.254.169.254", true},
		{"100.64.0.1", true},
		{"::1", true},
		{"fd00::1", true},
		{"fe80::1", true},
		{"::ffff:127.0.0.1", true},
		{"::ffff:10.0.0.1", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"2606:4700:4700::1111", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsBlocked(netip.MustParseAddr(tt.addr)), tt.addr)
	}
}

func TestClient_blocksLoopback(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer s.Close()

	c := New(Opts{})
	_, err := c.Get(context.Background(), s.URL, nil)
	assert.ErrorIs(t, err, ErrBlockedAddress)
}

func TestClient_Get(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", r.Header.Get("User-Agent"))
		fmt.Fprint(w, "hello")
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/big", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("a", 2048))
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	})
	mux.HandleFunc("/loop/", func(w http.ResponseWriter, r *http.Request) {
		var n int
		fmt.Sscanf(strings.TrimPrefix(r.URL.Path, "/loop/"), "%d", &n)
		http.Redirect(w, r, fmt.Sprintf("/loop/%d", n+1), http.StatusFound)
	})
	mux.HandleFunc("/hop/", func(w http.ResponseWriter, r *http.Request) {
		var n int
		fmt.Sscanf(strings.TrimPrefix(r.URL.Path, "/hop/"), "%d", &n)
		if n >= 5 {
			http.Redirect(w, r, "/ok", http.StatusFound)
			return
		}
		http.Redirect(w, r, fmt.Sprintf("/hop/%d", n+1), http.StatusFound)
	})
	s := httptest.NewServer(mux)
	defer s.Close()

	c := New(Opts{AllowPrivate: true, MaxBodySize: 1024, Timeout: 100 * time.Millisecond, UserAgent: "ua-test"})
	ctx := context.Background()

	r, err := c.Get(ctx, s.URL+"/ok", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, "hello", string(r.Body))
	assert.Equal(t, "ua-test", r.Header.Get("X-Test"))

	r, err = c.Get(ctx, s.URL+"/missing", nil)
	require.NoError(t, err, "status codes are data")
	assert.Equal(t, http.StatusNotFound, r.StatusCode)

	_, err = c.Get(ctx, s.URL+"/big", nil)
	assert.ErrorIs(t, err, ErrBodyTooLarge)

	_, err = c.Get(ctx, s.URL+"/slow", nil)
	assert.True(t, IsTimeout(err), "%v", err)

	_, err = c.Get(ctx, s.URL+"/loop/0", nil)
	assert.ErrorIs(t, err, ErrTooManyRedirects)

	r, err = c.Get(ctx, s.URL+"/hop/1", nil)
	require.NoError(t, err, "five redirects are allowed")
	assert.Equal(t, s.URL+"/ok", r.FinalURL)
}

func TestIsDNSNotFound(t *testing.T) {
	assert.True(t, IsDNSNotFound(fmt.Errorf("wrapped: %w", &net.DNSError{Err: "no such host", Name: "x.invalid", IsNotFound: true})))
	assert.False(t, IsDNSNotFound(&net.DNSError{Err: "timeout", IsTimeout: true}))
	assert.False(t, IsDNSNotFound(context.Canceled))
}
