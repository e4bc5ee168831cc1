/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

// Package pg_queue keeps revalidation jobs in postgres so that they
// survive restarts and can be shared by several processes.
package pg_queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/domainscope/domainscope/pkg/jobqueue"
	"github.com/domainscope/domainscope/pkg/resource"
)

// Running rows keep their run_at and get the new time as pending_run_at,
// which Complete promotes.
const sendSQL = `
INSERT INTO revalidation_jobs (id, domain, kind, run_at, status, updated_at)
VALUES ($1, $2, $3, $4, 'queued', now())
ON CONFLICT (id) DO UPDATE SET
	run_at = CASE WHEN revalidation_jobs.status = 'running' THEN revalidation_jobs.run_at ELSE EXCLUDED.run_at END,
	pending_run_at = CASE WHEN revalidation_jobs.status = 'running' THEN EXCLUDED.run_at ELSE NULL END,
	attempts = CASE WHEN revalidation_jobs.status = 'running' THEN revalidation_jobs.attempts ELSE 0 END,
	updated_at = now()
`

type Opts struct {
	// RetryDelay is the base backoff of a failed job, multiplied by its
	// attempt count. Default is 1m.
	RetryDelay time.Duration
	// MaxAttempts drops a job after this many failures. Default is 5.
	MaxAttempts int
	// StuckAfter requeues running jobs whose worker vanished. Default is 10m.
	StuckAfter time.Duration
	// ReapSpec is the cron spec of the stuck job reaper. Default is "@every 1m".
	ReapSpec string
	Logger   *zap.Logger
}

func (opts *Opts) Init() {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = 10 * time.Minute
	}
	if len(opts.ReapSpec) == 0 {
		opts.ReapSpec = "@every 1m"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
}

type PgQueue struct {
	pool *pgxpool.Pool
	opts Opts
	cron *cron.Cron
}

var (
	_ jobqueue.Queue  = (*PgQueue)(nil)
	_ jobqueue.Source = (*PgQueue)(nil)
)

func NewPgQueue(pool *pgxpool.Pool, opts Opts) *PgQueue {
	opts.Init()
	return &PgQueue{pool: pool, opts: opts}
}

func (q *PgQueue) Send(ctx context.Context, j jobqueue.Job) error {
	if _, err := q.pool.Exec(ctx, sendSQL, j.ID, j.Domain, j.Kind.String(), j.RunAt); err != nil {
		return fmt.Errorf("send job: %w", err)
	}
	return nil
}

// SendBatch sends all jobs in one round trip.
func (q *PgQueue) SendBatch(ctx context.Context, jobs []jobqueue.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, j := range jobs {
		b.Queue(sendSQL, j.ID, j.Domain, j.Kind.String(), j.RunAt)
	}
	if err := q.pool.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("send job batch: %w", err)
	}
	return nil
}

// ClaimDue locks due jobs with SKIP LOCKED so that concurrent claimers
// never get the same row, and marks them running.
func (q *PgQueue) ClaimDue(ctx context.Context, limit int) (jobs []jobqueue.Job, err error) {
	tx, err := q.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	rows, err := tx.Query(ctx, `
		SELECT id, domain, kind, run_at FROM revalidation_jobs
		WHERE status = 'queued' AND run_at <= now()
		ORDER BY run_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var j jobqueue.Job
		var kind string
		if err = rows.Scan(&j.ID, &j.Domain, &kind, &j.RunAt); err != nil {
			rows.Close()
			return nil, err
		}
		if j.Kind, err = resource.ParseKind(kind); err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, j)
		ids = append(ids, j.ID)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err = tx.Exec(ctx, `
		UPDATE revalidation_jobs SET status = 'running', started_at = now(), attempts = attempts + 1, updated_at = now()
		WHERE id = ANY($1)
	`, ids); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (q *PgQueue) Complete(ctx context.Context, id string) error {
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM revalidation_jobs WHERE id = $1 AND status = 'running' AND pending_run_at IS NULL
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	_, err = q.pool.Exec(ctx, `
		UPDATE revalidation_jobs SET status = 'queued', run_at = pending_run_at, pending_run_at = NULL,
			attempts = 0, started_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'running' AND pending_run_at IS NOT NULL
	`, id)
	return err
}

func (q *PgQueue) Fail(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM revalidation_jobs
		WHERE id = $1 AND status = 'running' AND pending_run_at IS NULL AND attempts >= $2
	`, id, q.opts.MaxAttempts)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		q.opts.Logger.Error("job dropped after too many failures", zap.String("job", id), zap.String("error", msg))
		return nil
	}
	_, err = q.pool.Exec(ctx, `
		UPDATE revalidation_jobs SET status = 'queued',
			run_at = COALESCE(pending_run_at, now() + $2::bigint * attempts * interval '1 millisecond'),
			pending_run_at = NULL, last_error = $3, started_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'running'
	`, id, q.opts.RetryDelay.Milliseconds(), msg)
	return err
}

// ReapStuck requeues running jobs that started before the stuck window.
func (q *PgQueue) ReapStuck(ctx context.Context) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE revalidation_jobs SET status = 'queued', run_at = COALESCE(pending_run_at, now()),
			pending_run_at = NULL, started_at = NULL, updated_at = now()
		WHERE status = 'running' AND started_at < now() - $1::bigint * interval '1 millisecond'
	`, q.opts.StuckAfter.Milliseconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// StartReaper runs ReapStuck on the cron spec until Close.
func (q *PgQueue) StartReaper() error {
	if q.cron != nil {
		return errors.New("reaper already started")
	}
	c := cron.New()
	if _, err := c.AddFunc(q.opts.ReapSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := q.ReapStuck(ctx)
		if err != nil {
			q.opts.Logger.Warn("failed to reap stuck jobs", zap.Error(err))
			return
		}
		if n > 0 {
			q.opts.Logger.Info("requeued stuck jobs", zap.Int64("count", n))
		}
	}); err != nil {
		return fmt.Errorf("invalid reap spec %q, %w", q.opts.ReapSpec, err)
	}
	c.Start()
	q.cron = c
	return nil
}

// Len returns the number of job rows.
func (q *PgQueue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.pool.QueryRow(ctx, `SELECT count(*) FROM revalidation_jobs`).Scan(&n)
	return n, err
}

func (q *PgQueue) Close() error {
	if q.cron != nil {
		<-q.cron.Stop().Done()
	}
	return nil
}
