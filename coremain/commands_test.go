package coremain

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/domainscope/domainscope/pkg/engine"
)

func TestRenderViews(t *testing.T) {
	l := newFakeLookup()
	views, err := l.LookupAll(context.Background(), "example.com")
	assert.NoError(t, err)

	b := new(bytes.Buffer)
	renderViews(b, views)
	out := b.String()
	assert.Contains(t, out, "KIND")
	assert.Contains(t, out, "doh:cloudflare")
	assert.Contains(t, out, engine.StatePending.String())
	assert.Contains(t, out, "timeout")
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, `{"a":1}`, summarize([]byte(`{"a":1}`)))
	long := strings.Repeat("x", 100)
	s := summarize([]byte(long))
	assert.Len(t, []rune(s), summaryWidth)
	assert.True(t, strings.HasSuffix(s, "..."))
	assert.Equal(t, "(2 bytes)", summarize([]byte{0xff, 0xfe}))
}
