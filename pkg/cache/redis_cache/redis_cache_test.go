package redis_cache

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domainscope/domainscope/pkg/cache"
	"github.com/domainscope/domainscope/pkg/cache/cachetest"
	"github.com/domainscope/domainscope/pkg/resource"
)

func newTestCache(t *testing.T, clock *cachetest.Clock, compress bool) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := NewRedisCache(RedisCacheOpts{
		Client:       client,
		ClientCloser: client,
		Compress:     compress,
		Now:          clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestRedisCache_store(t *testing.T) {
	cachetest.RunStoreTests(t, func(t *testing.T, clock *cachetest.Clock) cache.Store {
		c, _ := newTestCache(t, clock, false)
		return c
	})
}

func TestRedisCache_storeCompressed(t *testing.T) {
	cachetest.RunStoreTests(t, func(t *testing.T, clock *cachetest.Clock) cache.Store {
		c, _ := newTestCache(t, clock, true)
		return c
	})
}

func TestRedisCache_ttl(t *testing.T) {
	clock := cachetest.NewClock()
	c, mr := newTestCache(t, clock, false)
	now := clock.Now()
	err := c.Upsert(context.Background(), &resource.Cached{
		DomainID:  "d",
		Kind:      resource.KindDNS,
		Payload:   []byte("x"),
		FetchedAt: now,
		ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)

	// The key outlives the row's expiry by the retention window.
	assert.Equal(t, time.Hour+24*time.Hour, mr.TTL(redisKey("d", resource.KindDNS)))
}

func TestRedisCache_corruptValue(t *testing.T) {
	clock := cachetest.NewClock()
	c, mr := newTestCache(t, clock, false)
	mr.HSet(redisKey("d", resource.KindSEO), fieldFetchedAt, "1", fieldValue, "short")

	r, hit, err := c.Get(context.Background(), "d", resource.KindSEO)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Nil(t, r)
}

func TestRedisCache_disabledOnError(t *testing.T) {
	clock := cachetest.NewClock()
	c, mr := newTestCache(t, clock, false)
	mr.SetError("server down")

	_, hit, err := c.Get(context.Background(), "d", resource.KindDNS)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.True(t, c.disabled())

	now := clock.Now()
	err = c.Upsert(context.Background(), &resource.Cached{DomainID: "d", Kind: resource.KindDNS, FetchedAt: now, ExpiresAt: now})
	assert.ErrorIs(t, err, ErrDisabled)
}

func Test_packRow(t *testing.T) {
	now := time.Unix(1714564800, 123456789)
	big := bytes.Repeat([]byte("favicon"), 1000)
	for _, compress := range []bool{false, true} {
		for _, w := range []*resource.Cached{
			{Payload: big, FetchedAt: now, ExpiresAt: now.Add(time.Hour), SourceLabel: "google_s2"},
			{DefinitivelyAbsent: true, FetchedAt: now, ExpiresAt: now.Add(time.Hour)},
		} {
			b, err := packRow(w, compress)
			require.NoError(t, err)
			if compress && len(w.Payload) > 0 {
				assert.Less(t, len(b), len(w.Payload))
			}
			r, err := unpackRow(b)
			require.NoError(t, err)
			assert.Equal(t, w.Payload, r.Payload)
			assert.Equal(t, w.DefinitivelyAbsent, r.DefinitivelyAbsent)
			assert.Equal(t, w.SourceLabel, r.SourceLabel)
			assert.True(t, w.FetchedAt.Equal(r.FetchedAt))
			assert.True(t, w.ExpiresAt.Equal(r.ExpiresAt))
		}
	}
}

func Test_fetchedAtArg(t *testing.T) {
	a := fetchedAtArg(time.Unix(9, 0))
	b := fetchedAtArg(time.Unix(10, 0))
	assert.Len(t, a, 20)
	assert.Less(t, a, b)
}
