package mem_cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/domainscope/domainscope/pkg/cache"
	"github.com/domainscope/domainscope/pkg/concurrent_lru"
	"github.com/domainscope/domainscope/pkg/resource"
)

const (
	shardSize              = 64
	defaultCleanerInterval = time.Minute
	defaultRetention       = 24 * time.Hour
)

var errClosed = errors.New("mem cache closed")

// MemCache is an in-process cache.Store.
type MemCache struct {
	closed           uint32
	closeCleanerChan chan struct{}
	retention        time.Duration
	now              func() time.Time
	lru              *concurrent_lru.ShardedLRU[*resource.Cached]
}

type Opts struct {
	// Size is the max number of rows. Default is 64k.
	Size int
	// CleanerInterval <= 0 disables the background cleaner.
	CleanerInterval time.Duration
	// Retention is how long an expired row is kept around so that it can
	// still be served as stale data. Default is 24h.
	Retention time.Duration
	// Now is the clock. Default is time.Now.
	Now func() time.Time
}

func NewMemCache(opts Opts) *MemCache {
	if opts.Size <= 0 {
		opts.Size = 64 * 1024
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	sizePerShard := opts.Size / shardSize
	if sizePerShard < 16 {
		sizePerShard = 16
	}
	c := &MemCache{
		closeCleanerChan: make(chan struct{}),
		retention:        opts.Retention,
		now:              opts.Now,
		lru:              concurrent_lru.NewShardedLRU[*resource.Cached](shardSize, sizePerShard, nil),
	}

	if opts.CleanerInterval > 0 {
		go c.startCleaner(opts.CleanerInterval)
	}
	return c
}

func (c *MemCache) isClosed() bool {
	return atomic.LoadUint32(&c.closed) != 0
}

func (c *MemCache) Close() error {
	if atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		close(c.closeCleanerChan)
	}
	return nil
}

func (c *MemCache) Get(_ context.Context, domainID string, kind resource.Kind) (*resource.Cached, bool, error) {
	if c.isClosed() {
		return nil, false, errClosed
	}
	r, ok := c.lru.Get(cache.Key(domainID, kind))
	if !ok {
		return nil, false, nil
	}
	r = r.Clone()
	return r, cache.IsHit(r, c.now()), nil
}

func (c *MemCache) Upsert(_ context.Context, r *resource.Cached) error {
	if c.isClosed() {
		return errClosed
	}

	// Stored rows are never mutated, only replaced, so the clone taken
	// here is the one that readers clone again.
	n := r.Clone()
	ok := c.lru.CompareAndAdd(cache.Key(r.DomainID, r.Kind), n, func(old *resource.Cached) bool {
		return cache.Accepts(old, n)
	})
	if !ok {
		return cache.ErrStaleWrite
	}
	return nil
}

func (c *MemCache) startCleaner(interval time.Duration) {
	if interval <= 0 {
		interval = defaultCleanerInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCleanerChan:
			return
		case <-ticker.C:
			deadline := c.now().Add(-c.retention)
			c.lru.Clean(func(_ string, r *resource.Cached) bool {
				return r.ExpiresAt.Before(deadline)
			})
		}
	}
}

func (c *MemCache) Len() int {
	return c.lru.Len()
}
