package mem_queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domainscope/domainscope/pkg/jobqueue"
	"github.com/domainscope/domainscope/pkg/resource"
)

func runQueue(t *testing.T, q *MemQueue, h jobqueue.Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, q.Run(ctx, h))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestMemQueue_runsDueJob(t *testing.T) {
	q := NewMemQueue(Opts{})
	ran := make(chan jobqueue.Job, 1)
	runQueue(t, q, func(ctx context.Context, j jobqueue.Job) error {
		ran <- j
		return nil
	})

	j := jobqueue.NewJob("example.com", resource.KindDNS, time.Now().Add(20*time.Millisecond))
	require.NoError(t, q.Send(context.Background(), j))
	select {
	case got := <-ran:
		assert.Equal(t, j.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}
	assert.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestMemQueue_sendReplacesPending(t *testing.T) {
	q := NewMemQueue(Opts{})
	var runs int32
	ran := make(chan jobqueue.Job, 4)
	runQueue(t, q, func(ctx context.Context, j jobqueue.Job) error {
		atomic.AddInt32(&runs, 1)
		ran <- j
		return nil
	})

	ctx := context.Background()
	far := jobqueue.NewJob("example.com", resource.KindSEO, time.Now().Add(time.Hour))
	require.NoError(t, q.Send(ctx, far))
	p, ok := q.Pending(far.ID)
	require.True(t, ok)
	assert.Equal(t, far.RunAt, p.RunAt)

	soon := jobqueue.NewJob("example.com", resource.KindSEO, time.Now())
	require.NoError(t, q.Send(ctx, soon))
	got := <-ran
	assert.Equal(t, soon.RunAt, got.RunAt)

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&runs))
}

func TestMemQueue_sendDuringRunBecomesNextRun(t *testing.T) {
	q := NewMemQueue(Opts{})
	var running, maxRunning, runs int32
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	runQueue(t, q, func(ctx context.Context, j jobqueue.Job) error {
		n := atomic.AddInt32(&running, 1)
		for {
			m := atomic.LoadInt32(&maxRunning)
			if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
				break
			}
		}
		atomic.AddInt32(&runs, 1)
		started <- struct{}{}
		<-release
		atomic.AddInt32(&running, -1)
		return nil
	})

	ctx := context.Background()
	j := jobqueue.NewJob("example.com", resource.KindHeaders, time.Now())
	require.NoError(t, q.Send(ctx, j))
	<-started

	// Two sends while running collapse into one next run.
	require.NoError(t, q.Send(ctx, j))
	require.NoError(t, q.Send(ctx, j))
	release <- struct{}{}
	<-started
	release <- struct{}{}

	assert.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 2, atomic.LoadInt32(&runs))
	assert.EqualValues(t, 1, atomic.LoadInt32(&maxRunning))
}

func TestMemQueue_retryOnFailure(t *testing.T) {
	q := NewMemQueue(Opts{RetryDelay: 10 * time.Millisecond, MaxAttempts: 3})
	var runs int32
	runQueue(t, q, func(ctx context.Context, j jobqueue.Job) error {
		atomic.AddInt32(&runs, 1)
		return errors.New("upstream down")
	})

	require.NoError(t, q.Send(context.Background(), jobqueue.NewJob("example.com", resource.KindDNS, time.Now())))
	assert.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 3, atomic.LoadInt32(&runs))
}

func TestMemQueue_dueBeforeRun(t *testing.T) {
	q := NewMemQueue(Opts{})
	require.NoError(t, q.SendBatch(context.Background(), []jobqueue.Job{
		jobqueue.NewJob("a.com", resource.KindDNS, time.Now()),
		jobqueue.NewJob("b.com", resource.KindDNS, time.Now()),
	}))
	time.Sleep(20 * time.Millisecond)

	var mu sync.Mutex
	seen := map[string]bool{}
	runQueue(t, q, func(ctx context.Context, j jobqueue.Job) error {
		mu.Lock()
		seen[j.Domain] = true
		mu.Unlock()
		return nil
	})
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["a.com"] && seen["b.com"]
	}, time.Second, 5*time.Millisecond)
}
