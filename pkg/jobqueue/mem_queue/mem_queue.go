/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

// Package mem_queue is an in-process jobqueue.Queue driven by timers.
// Jobs do not survive a restart.
package mem_queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/domainscope/domainscope/pkg/jobqueue"
)

var nopLogger = zap.NewNop()

var errClosed = errors.New("mem queue closed")

type Opts struct {
	// Workers bounds concurrent handler calls. Default is 4.
	Workers int
	// RetryDelay is the base delay before a failed job runs again. It grows
	// linearly with the attempt count. Default is 1m.
	RetryDelay time.Duration
	// MaxAttempts drops a job after this many consecutive failures.
	// Default is 5.
	MaxAttempts int

	Now    func() time.Time
	Logger *zap.Logger
}

func (opts *Opts) Init() {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

type entry struct {
	job      jobqueue.Job
	gen      uint64
	timer    *time.Timer
	ready    bool
	running  bool
	next     *jobqueue.Job
	attempts int
}

type MemQueue struct {
	opts Opts
	sem  *semaphore.Weighted

	mu      sync.Mutex
	closed  bool
	gen     uint64
	entries map[string]*entry
	handler jobqueue.Handler
	ctx     context.Context
	wg      sync.WaitGroup
}

var _ jobqueue.Queue = (*MemQueue)(nil)

func NewMemQueue(opts Opts) *MemQueue {
	opts.Init()
	return &MemQueue{
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.Workers)),
		entries: make(map[string]*entry),
	}
}

func (q *MemQueue) Send(_ context.Context, j jobqueue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sendLocked(j)
}

func (q *MemQueue) SendBatch(_ context.Context, jobs []jobqueue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range jobs {
		if err := q.sendLocked(j); err != nil {
			return err
		}
	}
	return nil
}

func (q *MemQueue) sendLocked(j jobqueue.Job) error {
	if q.closed {
		return errClosed
	}
	e, ok := q.entries[j.ID]
	if !ok {
		e = &entry{}
		q.entries[j.ID] = e
	}
	if e.running {
		e.next = &j
		return nil
	}
	e.job = j
	e.attempts = 0
	q.armLocked(j.ID, e, j.RunAt)
	return nil
}

func (q *MemQueue) armLocked(id string, e *entry, at time.Time) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.ready = false
	q.gen++
	gen := q.gen
	e.gen = gen
	d := at.Sub(q.opts.Now())
	if d < 0 {
		d = 0
	}
	e.timer = time.AfterFunc(d, func() { q.fire(id, gen) })
}

func (q *MemQueue) fire(id string, gen uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok || e.gen != gen || e.running {
		return
	}
	e.timer = nil
	if q.handler == nil {
		e.ready = true
		return
	}
	q.startLocked(id, e)
}

func (q *MemQueue) startLocked(id string, e *entry) {
	e.ready = false
	e.running = true
	j := e.job
	ctx, h := q.ctx, q.handler
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		var err error
		if err = q.sem.Acquire(ctx, 1); err == nil {
			err = h(ctx, j)
			q.sem.Release(1)
		}
		q.finish(id, e, err)
	}()
}

func (q *MemQueue) finish(id string, e *entry, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e.running = false
	if q.closed {
		return
	}
	switch {
	case e.next != nil:
		next := *e.next
		e.next = nil
		e.job = next
		e.attempts = 0
		q.armLocked(id, e, next.RunAt)
	case err != nil && e.attempts+1 < q.opts.MaxAttempts:
		e.attempts++
		q.opts.Logger.Warn("job failed, will retry", zap.String("job", id), zap.Int("attempts", e.attempts), zap.Error(err))
		q.armLocked(id, e, q.opts.Now().Add(q.opts.RetryDelay*time.Duration(e.attempts)))
	default:
		if err != nil {
			q.opts.Logger.Error("job dropped after too many failures", zap.String("job", id), zap.Error(err))
		}
		delete(q.entries, id)
	}
}

// Run dispatches due jobs to h until ctx is done, then waits for running
// handlers to return. Jobs that became due before Run was called start
// immediately.
func (q *MemQueue) Run(ctx context.Context, h jobqueue.Handler) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errClosed
	}
	if q.handler != nil {
		q.mu.Unlock()
		return errors.New("mem queue is already running")
	}
	q.ctx, q.handler = ctx, h
	for id, e := range q.entries {
		if e.ready {
			q.startLocked(id, e)
		}
	}
	q.mu.Unlock()

	<-ctx.Done()

	q.mu.Lock()
	q.closed = true
	q.handler = nil
	for _, e := range q.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}

// Len returns the number of known job ids, pending or running.
func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Pending returns the pending job of id.
func (q *MemQueue) Pending(id string) (jobqueue.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return jobqueue.Job{}, false
	}
	if e.running {
		if e.next == nil {
			return jobqueue.Job{}, false
		}
		return *e.next, true
	}
	return e.job, true
}
