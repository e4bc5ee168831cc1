package media_strategy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domainscope/domainscope/pkg/resource"
	"github.com/domainscope/domainscope/pkg/safehttp"
)

var pngData = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

// iconServer serves one status per path.
func iconServer(t *testing.T, routes map[string]int) *httptest.Server {
	t.Helper()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code, ok := routes[r.URL.Path]
		if !ok {
			code = http.StatusNotFound
		}
		switch code {
		case http.StatusOK:
			_, _ = w.Write(pngData)
		case -1:
			_, _ = w.Write([]byte("<html>not an icon</html>"))
		default:
			w.WriteHeader(code)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func sources(base string, paths ...string) []Source {
	var ss []Source
	for _, p := range paths {
		p := p
		ss = append(ss, Source{Name: p, URL: func(string) string { return base + p }})
	}
	return ss
}

func newFavicon(s *httptest.Server, paths ...string) *FaviconFetcher {
	return NewFaviconFetcher(FaviconOpts{
		Client:  safehttp.New(safehttp.Opts{AllowPrivate: true}),
		Sources: sources(s.URL, paths...),
	})
}

func TestFavicon_firstValidWins(t *testing.T) {
	s := iconServer(t, map[string]int{"/a": http.StatusNotFound, "/b": http.StatusOK, "/c": http.StatusOK})
	o := newFavicon(s, "/a", "/b", "/c").Fetch(context.Background(), "example.com")
	ok, isSuccess := o.(resource.Success)
	require.True(t, isSuccess, "%#v", o)
	assert.Equal(t, "/b", ok.Source)
	img := ok.Payload.(*Image)
	assert.Equal(t, "image/png", img.ContentType)
	assert.Equal(t, pngData, img.Data)
}

func TestFavicon_allGoneIsAbsent(t *testing.T) {
	s := iconServer(t, map[string]int{"/a": http.StatusNotFound, "/b": http.StatusGone, "/c": http.StatusNotFound})
	o := newFavicon(s, "/a", "/b", "/c").Fetch(context.Background(), "example.com")
	p, ok := o.(resource.PermanentFailure)
	require.True(t, ok, "%#v", o)
	assert.True(t, p.Absent)
	assert.Equal(t, resource.ReasonNotFound, p.Reason)
}

func TestFavicon_ambiguousIsRetryable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		reason resource.Reason
	}{
		{"server error", http.StatusBadGateway, resource.ReasonUpstreamStatus},
		{"not an image", -1, resource.ReasonMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := iconServer(t, map[string]int{"/a": http.StatusNotFound, "/b": tt.status, "/c": http.StatusGone})
			o := newFavicon(s, "/a", "/b", "/c").Fetch(context.Background(), "example.com")
			r, ok := o.(resource.RetryableFailure)
			require.True(t, ok, "%#v", o)
			assert.Equal(t, tt.reason, r.Reason)
		})
	}
}

func Test_imageType(t *testing.T) {
	h := http.Header{}
	assert.Equal(t, "image/png", imageType(h, pngData))
	assert.Equal(t, "image/x-icon", imageType(h, []byte{0, 0, 1, 0, 1, 0}))
	assert.Equal(t, "", imageType(h, []byte("hello")))
	assert.Equal(t, "", imageType(h, nil))
	h.Set("Content-Type", "image/svg+xml; charset=utf-8")
	assert.Equal(t, "image/svg+xml", imageType(h, []byte(`<?xml version="1.0"?><svg xmlns="http://www.w3.org/2000/svg"></svg>`)))
}

// scriptedCapturer answers from a per-URL script and counts calls.
type scriptedCapturer struct {
	mu     sync.Mutex
	script map[string][]error
	calls  map[string]int
}

func (c *scriptedCapturer) Capture(_ context.Context, u string) (*Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	n := c.calls[u]
	c.calls[u]++
	steps := c.script[u]
	if n < len(steps) && steps[n] != nil {
		return nil, steps[n]
	}
	if n < len(steps) || len(steps) == 0 {
		return &Image{URL: u, ContentType: "image/png", Data: pngData}, nil
	}
	return nil, steps[len(steps)-1]
}

func newScreenshot(t *testing.T, c Capturer) *ScreenshotFetcher {
	t.Helper()
	f, err := NewScreenshotFetcher(ScreenshotOpts{Capturer: c, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	require.NoError(t, err)
	return f
}

func TestScreenshot_goneThenRetriedSuccess(t *testing.T) {
	flaky := errors.New("render timeout")
	c := &scriptedCapturer{script: map[string][]error{
		"https://example.com/": {&StatusError{StatusCode: http.StatusNotFound}},
		"http://example.com/":  {flaky, flaky, nil},
	}}
	o := newScreenshot(t, c).Fetch(context.Background(), "example.com")
	s, ok := o.(resource.Success)
	require.True(t, ok, "%#v", o)
	assert.Equal(t, "http://example.com/", s.Payload.(*Image).URL)
	assert.Equal(t, 1, c.calls["https://example.com/"], "404 short-circuits the candidate")
	assert.Equal(t, 3, c.calls["http://example.com/"])
}

func TestScreenshot_attemptsAreBounded(t *testing.T) {
	flaky := errors.New("render timeout")
	c := &scriptedCapturer{script: map[string][]error{
		"https://example.com/": {flaky},
		"http://example.com/":  {flaky},
	}}
	o := newScreenshot(t, c).Fetch(context.Background(), "example.com")
	_, ok := o.(resource.RetryableFailure)
	require.True(t, ok, "%#v", o)
	assert.Equal(t, 3, c.calls["https://example.com/"])
	assert.Equal(t, 3, c.calls["http://example.com/"])
}

func TestScreenshot_allGoneIsAbsent(t *testing.T) {
	c := &scriptedCapturer{script: map[string][]error{
		"https://example.com/": {&StatusError{StatusCode: http.StatusGone}},
		"http://example.com/":  {&StatusError{StatusCode: http.StatusNotFound}},
	}}
	o := newScreenshot(t, c).Fetch(context.Background(), "example.com")
	p, ok := o.(resource.PermanentFailure)
	require.True(t, ok, "%#v", o)
	assert.True(t, p.Absent)
	assert.Equal(t, resource.ReasonGone, p.Reason)
	assert.Equal(t, 2, c.calls["https://example.com/"]+c.calls["http://example.com/"])
}

func TestScreenshot_oneGoneOneAmbiguous(t *testing.T) {
	c := &scriptedCapturer{script: map[string][]error{
		"https://example.com/": {&StatusError{StatusCode: http.StatusGone}},
		"http://example.com/":  {&StatusError{StatusCode: http.StatusBadGateway}},
	}}
	o := newScreenshot(t, c).Fetch(context.Background(), "example.com")
	r, ok := o.(resource.RetryableFailure)
	require.True(t, ok, "%#v", o)
	assert.Equal(t, resource.ReasonUpstreamStatus, r.Reason)
}

func TestScreenshot_backoffIsBounded(t *testing.T) {
	f := newScreenshot(t, &scriptedCapturer{})
	for attempt := 1; attempt < 10; attempt++ {
		d := f.backoff(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 5*time.Millisecond)
	}
}

func TestHTTPCapturer(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("url") {
		case "https://gone.example/":
			w.Header().Set("X-Page-Status", "410")
			_, _ = w.Write(pngData)
		case "https://broken.example/":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.Header().Set("X-Page-Status", "200")
			_, _ = w.Write(pngData)
		}
	}))
	defer s.Close()
	c := &HTTPCapturer{Client: safehttp.New(safehttp.Opts{AllowPrivate: true}), Endpoint: s.URL + "/render?format=png"}

	img, err := c.Capture(context.Background(), "https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.ContentType)

	_, err = c.Capture(context.Background(), "https://gone.example/")
	assert.True(t, IsGone(err))

	_, err = c.Capture(context.Background(), "https://broken.example/")
	require.Error(t, err)
	assert.False(t, IsGone(err))
}

func TestScreenshot_renderServiceNotFoundIsRetryable(t *testing.T) {
	s := httptest.NewServer(http.NotFoundHandler())
	defer s.Close()
	c := &HTTPCapturer{Client: safehttp.New(safehttp.Opts{AllowPrivate: true}), Endpoint: s.URL + "/render"}

	_, err := c.Capture(context.Background(), "https://example.com/")
	var re *RenderError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusNotFound, re.StatusCode)
	assert.False(t, IsGone(err))

	f, err := NewScreenshotFetcher(ScreenshotOpts{
		Capturer:    c,
		MaxAttempts: 1,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
	})
	require.NoError(t, err)
	o := f.Fetch(context.Background(), "example.com")
	r, ok := o.(resource.RetryableFailure)
	require.True(t, ok, "%#v", o)
	assert.Equal(t, resource.ReasonUpstreamStatus, r.Reason)
}
