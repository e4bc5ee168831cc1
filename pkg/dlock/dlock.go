/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

// Package dlock is a redis lock used to collapse fetches across processes.
package dlock

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const keyPrefix = "ds:lock:"

// ErrNotHeld is returned by Release when the lock expired or was taken
// over by another holder.
var ErrNotHeld = errors.New("lock not held")

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Locker acquires lease locks. Leases expire on their own, so a crashed
// holder never blocks a key for longer than its ttl.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, bool, error)
}

type Lock interface {
	Release(ctx context.Context) error
}

type RedisLocker struct {
	client redis.Cmdable
}

func NewRedisLocker(client redis.Cmdable) *RedisLocker {
	return &RedisLocker{client: client}
}

// Acquire tries once to take key. It returns ok == false when another
// holder has it.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, keyPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLock{client: l.client, key: keyPrefix + key, token: token}, true, nil
}

type redisLock struct {
	client redis.Cmdable
	key    string
	token  string
}

// Release deletes the key if it still carries this lock's token.
func (l *redisLock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
