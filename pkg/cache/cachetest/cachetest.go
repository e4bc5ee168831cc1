// Package cachetest holds the behaviour every cache.Store must share.
package cachetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domainscope/domainscope/pkg/cache"
	"github.com/domainscope/domainscope/pkg/resource"
)

// Clock is a settable clock for stores under test.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	// Postgres keeps microseconds, so tests stay at that precision.
	return &Clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// RunStoreTests runs the shared suite. newStore must return an empty store
// that reads time from clock.
func RunStoreTests(t *testing.T, newStore func(t *testing.T, clock *Clock) cache.Store) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newStore) })
	t.Run("ExpiredIsMiss", func(t *testing.T) { testExpiredIsMiss(t, newStore) })
	t.Run("AbsentIsHit", func(t *testing.T) { testAbsentIsHit(t, newStore) })
	t.Run("EmptyIsMiss", func(t *testing.T) { testEmptyIsMiss(t, newStore) })
	t.Run("StaleWrite", func(t *testing.T) { testStaleWrite(t, newStore) })
	t.Run("ConcurrentUpsert", func(t *testing.T) { testConcurrentUpsert(t, newStore) })
}

func row(clock *Clock, domainID string, kind resource.Kind, payload string, ttl time.Duration) *resource.Cached {
	now := clock.Now()
	r := &resource.Cached{
		DomainID:    domainID,
		Kind:        kind,
		FetchedAt:   now,
		ExpiresAt:   now.Add(ttl),
		SourceLabel: "test",
	}
	if payload != "" {
		r.Payload = []byte(payload)
	}
	return r
}

func testRoundTrip(t *testing.T, newStore func(t *testing.T, clock *Clock) cache.Store) {
	clock := NewClock()
	s := newStore(t, clock)
	ctx := context.Background()

	r, hit, err := s.Get(ctx, "d1", resource.KindDNS)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Nil(t, r)

	payload := `{"resolver":"cloudflare","records":[{"type":"A","value":"192.0.2.1"}],"bin":"\u0000ÿ"}`
	w := row(clock, "d1", resource.KindDNS, payload, time.Hour)
	require.NoError(t, s.Upsert(ctx, w))

	r, hit, err = s.Get(ctx, "d1", resource.KindDNS)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, []byte(payload), r.Payload)
	assert.True(t, w.FetchedAt.Equal(r.FetchedAt), "fetched_at %v != %v", w.FetchedAt, r.FetchedAt)
	assert.True(t, w.ExpiresAt.Equal(r.ExpiresAt), "expires_at %v != %v", w.ExpiresAt, r.ExpiresAt)
	assert.Equal(t, "test", r.SourceLabel)
	assert.Equal(t, resource.KindDNS, r.Kind)
	assert.Equal(t, "d1", r.DomainID)
	assert.False(t, r.DefinitivelyAbsent)

	// Other kinds of the same domain are independent rows.
	_, hit, err = s.Get(ctx, "d1", resource.KindHeaders)
	require.NoError(t, err)
	assert.False(t, hit)

	// Upsert is idempotent.
	require.NoError(t, s.Upsert(ctx, w))
}

func testExpiredIsMiss(t *testing.T, newStore func(t *testing.T, clock *Clock) cache.Store) {
	for _, kind := range resource.AllKinds() {
		clock := NewClock()
		s := newStore(t, clock)
		ctx := context.Background()

		require.NoError(t, s.Upsert(ctx, row(clock, "d2", kind, "x", time.Minute)))
		_, hit, err := s.Get(ctx, "d2", kind)
		require.NoError(t, err)
		require.True(t, hit, kind.String())

		// expiresAt == now is already a miss.
		clock.Advance(time.Minute)
		r, hit, err := s.Get(ctx, "d2", kind)
		require.NoError(t, err)
		assert.False(t, hit, kind.String())
		require.NotNil(t, r, "stale row should still be returned")
		assert.Equal(t, []byte("x"), r.Payload)
	}
}

func testAbsentIsHit(t *testing.T, newStore func(t *testing.T, clock *Clock) cache.Store) {
	clock := NewClock()
	s := newStore(t, clock)
	ctx := context.Background()

	w := row(clock, "d3", resource.KindFavicon, "", time.Hour)
	w.DefinitivelyAbsent = true
	require.NoError(t, s.Upsert(ctx, w))

	r, hit, err := s.Get(ctx, "d3", resource.KindFavicon)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.True(t, r.DefinitivelyAbsent)
	assert.Empty(t, r.Payload)
}

func testEmptyIsMiss(t *testing.T, newStore func(t *testing.T, clock *Clock) cache.Store) {
	clock := NewClock()
	s := newStore(t, clock)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, row(clock, "d4", resource.KindSEO, "", time.Hour)))
	_, hit, err := s.Get(ctx, "d4", resource.KindSEO)
	require.NoError(t, err)
	assert.False(t, hit)
}

func testStaleWrite(t *testing.T, newStore func(t *testing.T, clock *Clock) cache.Store) {
	clock := NewClock()
	s := newStore(t, clock)
	ctx := context.Background()

	older := row(clock, "d5", resource.KindHeaders, "old", time.Hour)
	clock.Advance(time.Second)
	newer := row(clock, "d5", resource.KindHeaders, "new", time.Hour)

	require.NoError(t, s.Upsert(ctx, newer))
	err := s.Upsert(ctx, older)
	assert.ErrorIs(t, err, cache.ErrStaleWrite)

	r, _, err := s.Get(ctx, "d5", resource.KindHeaders)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), r.Payload)
}

func testConcurrentUpsert(t *testing.T, newStore func(t *testing.T, clock *Clock) cache.Store) {
	clock := NewClock()
	s := newStore(t, clock)
	ctx := context.Background()
	base := clock.Now()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := &resource.Cached{
				DomainID:  "d6",
				Kind:      resource.KindCertificates,
				Payload:   []byte(fmt.Sprintf("payload-%02d", i)),
				FetchedAt: base.Add(time.Duration(i) * time.Millisecond),
				ExpiresAt: base.Add(time.Hour),
			}
			err := s.Upsert(ctx, r)
			if err != nil {
				assert.ErrorIs(t, err, cache.ErrStaleWrite)
			}
		}(i)
	}
	wg.Wait()

	r, hit, err := s.Get(ctx, "d6", resource.KindCertificates)
	require.NoError(t, err)
	require.True(t, hit)
	// Whatever order the writes landed in, the newest one wins and the row is intact.
	assert.Equal(t, []byte("payload-15"), r.Payload)
	assert.True(t, base.Add(15*time.Millisecond).Equal(r.FetchedAt))
}
