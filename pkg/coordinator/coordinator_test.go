package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domainscope/domainscope/pkg/dlock"
)

func newLocker(t *testing.T) *dlock.RedisLocker {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return dlock.NewRedisLocker(client)
}

func TestCoordinator_singleFetchAcrossProcesses(t *testing.T) {
	locker := newLocker(t)
	// Two coordinators sharing a lock backend stand in for two processes.
	a := New[string](Opts{Locker: locker, PollInterval: 5 * time.Millisecond, WaitTimeout: time.Second})
	b := New[string](Opts{Locker: locker, PollInterval: 5 * time.Millisecond, WaitTimeout: time.Second})

	var fetches int32
	var mu sync.Mutex
	stored := ""
	release := make(chan struct{})
	fetch := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&fetches, 1)
		<-release
		mu.Lock()
		stored = "v"
		mu.Unlock()
		return "v", nil
	}
	poll := func(ctx context.Context) (string, bool, error) {
		mu.Lock()
		defer mu.Unlock()
		return stored, stored != "", nil
	}

	var wg sync.WaitGroup
	results := make(chan string, 20)
	for i := 0; i < 10; i++ {
		for _, c := range []*Coordinator[string]{a, b} {
			wg.Add(1)
			go func(c *Coordinator[string]) {
				defer wg.Done()
				v, err := c.Run(context.Background(), "example.com:dns", fetch, poll)
				assert.NoError(t, err)
				results <- v
			}(c)
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	assert.EqualValues(t, 1, atomic.LoadInt32(&fetches))
	for v := range results {
		assert.Equal(t, "v", v)
	}
}

func TestCoordinator_waitTimeout(t *testing.T) {
	locker := newLocker(t)
	lock, ok, err := locker.Acquire(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer lock.Release(context.Background())

	c := New[int](Opts{Locker: locker, PollInterval: 5 * time.Millisecond, WaitTimeout: 30 * time.Millisecond})
	var polls int32
	_, err = c.Run(context.Background(), "k",
		func(ctx context.Context) (int, error) {
			t.Error("fetch must not run while another process holds the lock")
			return 0, nil
		},
		func(ctx context.Context) (int, bool, error) {
			atomic.AddInt32(&polls, 1)
			return 0, false, nil
		})
	assert.ErrorIs(t, err, ErrPending)
	assert.Greater(t, atomic.LoadInt32(&polls), int32(1))
}

type brokenLocker struct{}

func (brokenLocker) Acquire(context.Context, string, time.Duration) (dlock.Lock, bool, error) {
	return nil, false, errors.New("redis down")
}

func TestCoordinator_lockFailureFailsOpen(t *testing.T) {
	c := New[int](Opts{Locker: brokenLocker{}})
	v, err := c.Run(context.Background(), "k", func(ctx context.Context) (int, error) { return 3, nil }, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestCoordinator_releasesLock(t *testing.T) {
	locker := newLocker(t)
	c := New[int](Opts{Locker: locker})
	_, err := c.Run(context.Background(), "k", func(ctx context.Context) (int, error) { return 1, nil }, nil)
	require.NoError(t, err)

	_, ok, err := locker.Acquire(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
