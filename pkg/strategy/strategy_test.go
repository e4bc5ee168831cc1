package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domainscope/domainscope/pkg/resource"
)

func TestNewSet(t *testing.T) {
	ok := func(ctx context.Context, domain string) resource.Outcome { return resource.Success{Source: "t"} }
	s, err := NewSet(FetcherFunc{K: resource.KindDNS, F: ok}, FetcherFunc{K: resource.KindSEO, F: ok})
	require.NoError(t, err)
	f, found := s.Get(resource.KindDNS)
	require.True(t, found)
	assert.Equal(t, "t", f.Fetch(context.Background(), "example.com").Label())
	_, found = s.Get(resource.KindFavicon)
	assert.False(t, found)

	_, err = NewSet(FetcherFunc{K: resource.KindDNS, F: ok}, FetcherFunc{K: resource.KindDNS, F: ok})
	assert.Error(t, err)
	_, err = NewSet(FetcherFunc{K: resource.Kind(0), F: ok})
	assert.Error(t, err)
}
