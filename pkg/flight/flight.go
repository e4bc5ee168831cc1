/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

// Package flight collapses concurrent calls with the same key into one
// execution within a process.
package flight

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultSafetyTimeout = 45 * time.Second

var nopLogger = zap.NewNop()

// ErrPanic wraps a panic recovered from a call's fn.
var ErrPanic = errors.New("flight call panicked")

type Opts struct {
	// SafetyTimeout force-removes a call that has not settled after this
	// long, so later callers start a fresh execution. Default is 45s.
	SafetyTimeout time.Duration

	// Logger is the *zap.Logger for this Group.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *Opts) Init() {
	if opts.SafetyTimeout <= 0 {
		opts.SafetyTimeout = defaultSafetyTimeout
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

type call[V any] struct {
	gen  uint64
	done chan struct{}
	v    V
	err  error
}

// Group is a set of in-flight calls. The zero value is not usable, use
// NewGroup.
type Group[V any] struct {
	opts Opts

	mu  sync.Mutex
	gen uint64
	m   map[string]*call[V]
}

func NewGroup[V any](opts Opts) *Group[V] {
	opts.Init()
	return &Group[V]{
		opts: opts,
		m:    make(map[string]*call[V]),
	}
}

// Do executes fn once for all concurrent callers of key. fn runs on a
// context detached from the caller's cancellation. A caller whose ctx is
// done stops waiting and gets ctx.Err(), the execution itself carries on
// for the other waiters.
// shared reports whether the result came from a call started by another
// caller.
func (g *Group[V]) Do(ctx context.Context, key string, fn func(ctx context.Context) (V, error)) (v V, shared bool, err error) {
	g.mu.Lock()
	c, ok := g.m[key]
	if !ok {
		g.gen++
		c = &call[V]{gen: g.gen, done: make(chan struct{})}
		g.m[key] = c
		g.mu.Unlock()

		safety := time.AfterFunc(g.opts.SafetyTimeout, func() {
			if g.evict(key, c.gen) {
				g.opts.Logger.Warn("flight call evicted by safety timeout", zap.String("key", key), zap.Duration("timeout", g.opts.SafetyTimeout))
			}
		})
		go g.run(context.WithoutCancel(ctx), key, c, fn, safety)
	} else {
		g.mu.Unlock()
	}

	select {
	case <-c.done:
		return c.v, ok, c.err
	case <-ctx.Done():
		var zero V
		return zero, ok, ctx.Err()
	}
}

func (g *Group[V]) run(ctx context.Context, key string, c *call[V], fn func(ctx context.Context) (V, error), safety *time.Timer) {
	defer func() {
		if r := recover(); r != nil {
			g.opts.Logger.Error("flight call panicked", zap.String("key", key), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			c.err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
		safety.Stop()
		g.evict(key, c.gen)
		close(c.done)
	}()
	c.v, c.err = fn(ctx)
}

// evict removes key only if it still maps to the call of generation gen.
func (g *Group[V]) evict(key string, gen uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.m[key]; ok && c.gen == gen {
		delete(g.m, key)
		return true
	}
	return false
}

// InFlight reports whether a call for key is running.
func (g *Group[V]) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.m[key]
	return ok
}

// Len returns the number of running calls.
func (g *Group[V]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}
