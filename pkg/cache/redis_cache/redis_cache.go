/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

package redis_cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang/snappy"
	"go.uber.org/zap"

	"github.com/domainscope/domainscope/pkg/cache"
	"github.com/domainscope/domainscope/pkg/resource"
)

var nopLogger = zap.NewNop()

var ErrDisabled = errors.New("redis temporarily disabled")

const (
	keyPrefix = "ds:res:"

	fieldFetchedAt = "f"
	fieldValue     = "v"

	flagAbsent     = 1 << 0
	flagCompressed = 1 << 1
)

// upsertScript replaces the row unless the stored one was fetched later.
// Fetch times are zero padded so that string comparison is numeric.
var upsertScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'f')
if cur and cur > ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'f', ARGV[1], 'v', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

type RedisCacheOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisCache.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout specifies the timeout for read and write operations.
	// Default is 1s.
	ClientTimeout time.Duration

	// Retention is how long a row outlives its ExpiresAt so that it can
	// still be served as stale data. Default is 24h.
	Retention time.Duration

	// Compress enables snappy compression of payloads. Screenshots and
	// favicons make this worth it.
	Compress bool

	// Now is the clock. Default is time.Now.
	Now func() time.Time

	// Logger is the *zap.Logger for this RedisCache.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisCacheOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// RedisCache is a cache.Store backed by redis hashes.
type RedisCache struct {
	opts           RedisCacheOpts
	clientDisabled uint32
}

func NewRedisCache(opts RedisCacheOpts) (*RedisCache, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisCache{
		opts: opts,
	}, nil
}

func (r *RedisCache) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

func (r *RedisCache) disableClient() {
	if atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		r.opts.Logger.Warn("redis temporarily disabled")
		go func() {
			const maxBackoff = time.Second * 30
			backoff := time.Millisecond * 100
			for {
				time.Sleep(backoff)
				ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
				err := r.opts.Client.Ping(ctx).Err()
				cancel()
				if err != nil {
					if backoff >= maxBackoff {
						backoff = maxBackoff
					} else {
						backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
					}
					r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
					continue
				}
				atomic.StoreUint32(&r.clientDisabled, 0)
				return
			}
		}()
	}
}

func redisKey(domainID string, kind resource.Kind) string {
	return keyPrefix + cache.Key(domainID, kind)
}

// Get implements cache.Store. A disabled client reads as a miss.
func (r *RedisCache) Get(ctx context.Context, domainID string, kind resource.Kind) (*resource.Cached, bool, error) {
	if r.disabled() {
		return nil, false, nil
	}

	opCtx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	b, err := r.opts.Client.HGet(opCtx, redisKey(domainID, kind), fieldValue).Bytes()
	if err != nil {
		if err == redis.Nil || ctx.Err() != nil {
			return nil, false, nil
		}
		r.opts.Logger.Warn("redis get", zap.Error(err))
		r.disableClient()
		return nil, false, nil
	}

	row, err := unpackRow(b)
	if err != nil {
		r.opts.Logger.Warn("redis data unpack error", zap.String("key", redisKey(domainID, kind)), zap.Error(err))
		return nil, false, nil
	}
	row.DomainID = domainID
	row.Kind = kind
	return row, cache.IsHit(row, r.opts.Now()), nil
}

// Upsert implements cache.Store.
func (r *RedisCache) Upsert(ctx context.Context, row *resource.Cached) error {
	if r.disabled() {
		return ErrDisabled
	}

	data, err := packRow(row, r.opts.Compress)
	if err != nil {
		return err
	}
	ttl := row.ExpiresAt.Sub(r.opts.Now())
	if ttl < 0 {
		ttl = 0
	}
	ttl += r.opts.Retention

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	n, err := upsertScript.Run(ctx, r.opts.Client, []string{redisKey(row.DomainID, row.Kind)},
		fetchedAtArg(row.FetchedAt), data, ttl.Milliseconds()).Int()
	if err != nil {
		r.opts.Logger.Warn("redis upsert", zap.Error(err))
		r.disableClient()
		return fmt.Errorf("redis upsert: %w", err)
	}
	if n == 0 {
		return cache.ErrStaleWrite
	}
	return nil
}

// Close closes the redis client.
func (r *RedisCache) Close() error {
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

func fetchedAtArg(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}

// packRow packs a row into
// [fetchedAt 8][expiresAt 8][flags 1][source len 2][source][payload].
func packRow(row *resource.Cached, compress bool) ([]byte, error) {
	if len(row.SourceLabel) > 0xffff {
		return nil, errors.New("source label too long")
	}
	payload := row.Payload
	var flags byte
	if row.DefinitivelyAbsent {
		flags |= flagAbsent
	}
	if compress && len(payload) > 0 {
		payload = snappy.Encode(nil, payload)
		flags |= flagCompressed
	}

	b := make([]byte, 19+len(row.SourceLabel)+len(payload))
	binary.BigEndian.PutUint64(b[0:8], uint64(row.FetchedAt.UnixNano()))
	binary.BigEndian.PutUint64(b[8:16], uint64(row.ExpiresAt.UnixNano()))
	b[16] = flags
	binary.BigEndian.PutUint16(b[17:19], uint16(len(row.SourceLabel)))
	n := copy(b[19:], row.SourceLabel)
	copy(b[19+n:], payload)
	return b, nil
}

func unpackRow(b []byte) (*resource.Cached, error) {
	if len(b) < 19 {
		return nil, errors.New("b is too short")
	}
	row := &resource.Cached{
		FetchedAt: time.Unix(0, int64(binary.BigEndian.Uint64(b[0:8]))),
		ExpiresAt: time.Unix(0, int64(binary.BigEndian.Uint64(b[8:16]))),
	}
	flags := b[16]
	row.DefinitivelyAbsent = flags&flagAbsent != 0
	srcLen := int(binary.BigEndian.Uint16(b[17:19]))
	if len(b) < 19+srcLen {
		return nil, errors.New("invalid source length")
	}
	row.SourceLabel = string(b[19 : 19+srcLen])

	payload := b[19+srcLen:]
	if len(payload) == 0 {
		return row, nil
	}
	if flags&flagCompressed != 0 {
		p, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("snappy decode: %w", err)
		}
		row.Payload = p
		return row, nil
	}
	row.Payload = append([]byte(nil), payload...)
	return row, nil
}
