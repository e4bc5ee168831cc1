/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

package mem_cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/domainscope/domainscope/pkg/cache"
	"github.com/domainscope/domainscope/pkg/cache/cachetest"
	"github.com/domainscope/domainscope/pkg/resource"
)

func Test_memCache_store(t *testing.T) {
	cachetest.RunStoreTests(t, func(t *testing.T, clock *cachetest.Clock) cache.Store {
		c := NewMemCache(Opts{Size: 1024, Now: clock.Now})
		t.Cleanup(func() { c.Close() })
		return c
	})
}

func Test_memCache_overflow(t *testing.T) {
	c := NewMemCache(Opts{Size: 1024})
	defer c.Close()
	now := time.Now()
	for i := 0; i < 1024*4; i++ {
		_ = c.Upsert(context.Background(), &resource.Cached{
			DomainID:  fmt.Sprintf("d%d", i),
			Kind:      resource.KindDNS,
			Payload:   []byte{1},
			FetchedAt: now,
			ExpiresAt: now.Add(time.Minute),
		})
	}
	if c.Len() > 2048 {
		t.Fatal("cache overflow")
	}
}

func Test_memCache_cleaner(t *testing.T) {
	clock := cachetest.NewClock()
	c := NewMemCache(Opts{Size: 1024, CleanerInterval: time.Millisecond * 10, Retention: time.Minute, Now: clock.Now})
	defer c.Close()
	for i := 0; i < 64; i++ {
		now := clock.Now()
		_ = c.Upsert(context.Background(), &resource.Cached{
			DomainID:  fmt.Sprintf("d%d", i),
			Kind:      resource.KindDNS,
			Payload:   []byte{1},
			FetchedAt: now,
			ExpiresAt: now,
		})
	}
	clock.Advance(2 * time.Minute)

	time.Sleep(time.Millisecond * 100)
	if c.Len() != 0 {
		t.Fatal()
	}
}

func Test_memCache_isolation(t *testing.T) {
	c := NewMemCache(Opts{Size: 1024})
	defer c.Close()
	now := time.Now()
	w := &resource.Cached{DomainID: "d", Kind: resource.KindSEO, Payload: []byte("abc"), FetchedAt: now, ExpiresAt: now.Add(time.Minute)}
	if err := c.Upsert(context.Background(), w); err != nil {
		t.Fatal(err)
	}
	w.Payload[0] = 'x'

	r, _, _ := c.Get(context.Background(), "d", resource.KindSEO)
	r.Payload[1] = 'y'

	r, _, _ = c.Get(context.Background(), "d", resource.KindSEO)
	if string(r.Payload) != "abc" {
		t.Fatalf("stored payload was mutated: %q", r.Payload)
	}
}

func Test_memCache_race(t *testing.T) {
	c := NewMemCache(Opts{Size: 1024})
	defer c.Close()

	wg := sync.WaitGroup{}
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 256; i++ {
				now := time.Now()
				_ = c.Upsert(context.Background(), &resource.Cached{
					DomainID:  fmt.Sprintf("d%d", i),
					Kind:      resource.KindHeaders,
					Payload:   []byte{1},
					FetchedAt: now,
					ExpiresAt: now.Add(time.Minute),
				})
				_, _, _ = c.Get(context.Background(), fmt.Sprintf("d%d", i), resource.KindHeaders)
				c.lru.Clean(func(_ string, _ *resource.Cached) bool { return false })
			}
		}()
	}
	wg.Wait()
}
