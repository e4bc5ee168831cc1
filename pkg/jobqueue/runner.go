package jobqueue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/domainscope/domainscope/pkg/pool"
)

// Source is a polled queue backend.
type Source interface {
	// ClaimDue marks up to limit due jobs as running and returns them.
	ClaimDue(ctx context.Context, limit int) ([]Job, error)
	// Complete finishes a claimed job. A job sent while it ran is
	// requeued as its next run.
	Complete(ctx context.Context, id string) error
	// Fail returns a claimed job to the queue with a backoff.
	Fail(ctx context.Context, id string, cause error) error
}

type RunnerOpts struct {
	// Workers bounds concurrent handler calls. Default is 4.
	Workers int
	// PollInterval is the wait after an empty claim. Default is 1s.
	PollInterval time.Duration
	// JobTimeout bounds one handler call. Default is 2m.
	JobTimeout time.Duration
	Logger     *zap.Logger
}

func (opts *RunnerOpts) Init() {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 2 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
}

// Runner claims due jobs from a Source and runs them on a bounded pool.
type Runner struct {
	src  Source
	h    Handler
	opts RunnerOpts
	sem  *semaphore.Weighted
}

func NewRunner(src Source, h Handler, opts RunnerOpts) *Runner {
	opts.Init()
	return &Runner{
		src:  src,
		h:    h,
		opts: opts,
		sem:  semaphore.NewWeighted(int64(opts.Workers)),
	}
}

// Run polls until ctx is done, then waits for running jobs to finish.
func (r *Runner) Run(ctx context.Context) error {
	defer func() {
		// Every slot free means every job returned.
		_ = r.sem.Acquire(context.Background(), int64(r.opts.Workers))
		r.sem.Release(int64(r.opts.Workers))
	}()

	for {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		free := 1
		for free < r.opts.Workers && r.sem.TryAcquire(1) {
			free++
		}

		jobs, err := r.src.ClaimDue(ctx, free)
		if err != nil && ctx.Err() == nil {
			r.opts.Logger.Warn("job claim error", zap.Error(err))
		}
		for _, j := range jobs {
			go r.exec(ctx, j)
		}
		if unused := free - len(jobs); unused > 0 {
			r.sem.Release(int64(unused))
		}
		if len(jobs) == 0 {
			if err := pool.Sleep(ctx, r.opts.PollInterval); err != nil {
				return nil
			}
		}
	}
}

func (r *Runner) exec(ctx context.Context, j Job) {
	defer r.sem.Release(1)

	err := r.handle(ctx, j)
	// Bookkeeping must land even when the runner is shutting down.
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err != nil {
		r.opts.Logger.Warn("job failed", zap.String("job", j.ID), zap.Error(err))
		if err := r.src.Fail(bg, j.ID, err); err != nil {
			r.opts.Logger.Error("failed to mark job failed", zap.String("job", j.ID), zap.Error(err))
		}
		return
	}
	if err := r.src.Complete(bg, j.ID); err != nil {
		r.opts.Logger.Error("failed to complete job", zap.String("job", j.ID), zap.Error(err))
	}
}

func (r *Runner) handle(ctx context.Context, j Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, r.opts.JobTimeout)
	defer cancel()
	return r.h(ctx, j)
}
