/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

// Package coordinator makes sure at most one fetch per key runs at a time,
// within a process through a flight.Group and across processes through an
// optional dlock.Locker.
package coordinator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/domainscope/domainscope/pkg/dlock"
	"github.com/domainscope/domainscope/pkg/flight"
)

var nopLogger = zap.NewNop()

// ErrPending is returned when another process holds the key and nothing
// was written before the wait window closed.
var ErrPending = errors.New("fetch pending in another process")

type Opts struct {
	// Locker is optional. Without it only in-process collapsing applies.
	Locker dlock.Locker

	// LockTTL is the lease of the cross-process lock. It should cover the
	// longest fetch. Default is 60s.
	LockTTL time.Duration

	// PollInterval and WaitTimeout bound how a process that lost the lock
	// waits for the winner's result. Defaults are 250ms and 5s.
	PollInterval time.Duration
	WaitTimeout  time.Duration

	// SafetyTimeout is passed to the flight.Group.
	SafetyTimeout time.Duration

	Logger *zap.Logger
}

func (opts *Opts) Init() {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 60 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

type Coordinator[V any] struct {
	opts   Opts
	flight *flight.Group[V]
}

func New[V any](opts Opts) *Coordinator[V] {
	opts.Init()
	return &Coordinator[V]{
		opts:   opts,
		flight: flight.NewGroup[V](flight.Opts{SafetyTimeout: opts.SafetyTimeout, Logger: opts.Logger}),
	}
}

// Run calls fetch once for all concurrent callers of key. When another
// process holds key, Run polls with poll until it reports a result or the
// wait window closes, then returns ErrPending.
// If the lock backend fails, fetch runs without it.
func (c *Coordinator[V]) Run(
	ctx context.Context,
	key string,
	fetch func(ctx context.Context) (V, error),
	poll func(ctx context.Context) (V, bool, error),
) (V, error) {
	v, _, err := c.flight.Do(ctx, key, func(ctx context.Context) (V, error) {
		if c.opts.Locker == nil {
			return fetch(ctx)
		}
		lock, ok, err := c.opts.Locker.Acquire(ctx, key, c.opts.LockTTL)
		if err != nil {
			c.opts.Logger.Warn("lock backend failed, fetching without lock", zap.String("key", key), zap.Error(err))
			return fetch(ctx)
		}
		if !ok {
			return c.wait(ctx, key, poll)
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			defer cancel()
			if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, dlock.ErrNotHeld) {
				c.opts.Logger.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
			}
		}()
		return fetch(ctx)
	})
	return v, err
}

func (c *Coordinator[V]) wait(ctx context.Context, key string, poll func(ctx context.Context) (V, bool, error)) (V, error) {
	var zero V
	if poll == nil {
		return zero, ErrPending
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.WaitTimeout)
	defer cancel()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return zero, ErrPending
		case <-ticker.C:
			v, ok, err := poll(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return zero, ErrPending
				}
				return zero, err
			}
			if ok {
				return v, nil
			}
		}
	}
}
