// Package media_strategy fetches the favicon and the screenshot of a
// domain. Both walk a fixed list of candidates and only report absence
// when every candidate said so.
package media_strategy

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/domainscope/domainscope/pkg/resource"
	"github.com/domainscope/domainscope/pkg/safehttp"
)

var (
	ErrNotImage = errors.New("response is not an image")
	errNotFound = errors.New("no candidate has it")
)

// StatusError is an upstream HTTP status that is not a success.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d", e.StatusCode)
}

// IsGone reports whether err is a definitive 404 or 410.
func IsGone(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && isGoneStatus(se.StatusCode)
}

func isGoneStatus(code int) bool {
	return code == http.StatusNotFound || code == http.StatusGone
}

// Image is the payload of a successful media fetch.
type Image struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// tally counts candidate results.
type tally struct {
	gone    int
	lastErr error
}

func (t *tally) add(err error) {
	if IsGone(err) {
		t.gone++
		return
	}
	t.lastErr = err
}

// outcome is the failure outcome once every candidate was tried.
func (t *tally) outcome(source string, candidates int) resource.Outcome {
	if t.gone == candidates {
		return resource.Absent(resource.ReasonNotFound, source, errNotFound)
	}
	return resource.Retryable(reasonOf(t.lastErr), source, t.lastErr)
}

func reasonOf(err error) resource.Reason {
	var (
		se *StatusError
		re *RenderError
	)
	switch {
	case err == nil:
		return resource.ReasonNetwork
	case safehttp.IsTimeout(err):
		return resource.ReasonTimeout
	case errors.Is(err, ErrNotImage), errors.Is(err, safehttp.ErrBodyTooLarge):
		return resource.ReasonMalformed
	case errors.As(err, &se), errors.As(err, &re):
		return resource.ReasonUpstreamStatus
	default:
		return resource.ReasonNetwork
	}
}

var icoMagic = []byte{0, 0, 1, 0}

// imageType returns the media type of body, or "" when it is not an
// image.
func imageType(header http.Header, body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if bytes.HasPrefix(body, icoMagic) {
		return "image/x-icon"
	}
	sniffed := http.DetectContentType(body)
	if strings.HasPrefix(sniffed, "image/") {
		return sniffed
	}
	// Sniffing does not know svg.
	declared := strings.TrimSpace(strings.SplitN(header.Get("Content-Type"), ";", 2)[0])
	if declared == "image/svg+xml" && bytes.Contains(body, []byte("<svg")) {
		return declared
	}
	return ""
}
