/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

// Package engine decides, for one (domain, kind), whether cached data can
// be served, fetches it through a strategy when it cannot, and schedules
// the next background revalidation.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/domainscope/domainscope/pkg/cache"
	"github.com/domainscope/domainscope/pkg/coordinator"
	"github.com/domainscope/domainscope/pkg/dlock"
	"github.com/domainscope/domainscope/pkg/jobqueue"
	"github.com/domainscope/domainscope/pkg/registry"
	"github.com/domainscope/domainscope/pkg/resource"
	"github.com/domainscope/domainscope/pkg/strategy"
)

var nopLogger = zap.NewNop()

var (
	ErrUnknownKind = errors.New("unknown resource kind")
	ErrNoFetcher   = errors.New("no fetcher for resource kind")
)

const (
	DefaultFetchTimeout = 30 * time.Second
	// fetchMargin covers storing and scheduling after the fetcher returned.
	fetchMargin = 15 * time.Second
)

// LongestFetchTimeout returns the longest time one fetch of any kind may
// take under timeouts.
func LongestFetchTimeout(timeouts map[resource.Kind]time.Duration) time.Duration {
	var longest time.Duration
	for _, k := range resource.AllKinds() {
		longest = max(longest, fetchTimeout(timeouts, k))
	}
	return longest
}

func fetchTimeout(timeouts map[resource.Kind]time.Duration, k resource.Kind) time.Duration {
	if t, ok := timeouts[k]; ok && t > 0 {
		return t
	}
	return DefaultFetchTimeout
}

// Scheduler emits background revalidations.
type Scheduler interface {
	Schedule(ctx context.Context, d resource.Domain, kind resource.Kind) error
	ScheduleRetry(ctx context.Context, d resource.Domain, kind resource.Kind) error
	ScheduleBatch(ctx context.Context, d resource.Domain, kinds []resource.Kind) error
}

type Opts struct {
	Store     cache.Store
	Registry  registry.Registry
	Scheduler Scheduler
	Fetchers  strategy.Set

	// Policies default is resource.DefaultPolicies.
	Policies resource.Policies

	// FetchTimeouts bounds one strategy call per kind. Missing kinds use
	// DefaultFetchTimeout.
	FetchTimeouts map[resource.Kind]time.Duration

	// Locker enables cross-process collapsing. Optional.
	Locker dlock.Locker
	// LockTTL and SafetyTimeout must outlast the longest fetch. Defaults
	// are the longest fetch timeout plus 15s.
	LockTTL      time.Duration
	PollInterval time.Duration
	WaitTimeout  time.Duration
	// SafetyTimeout evicts a stuck in-process flight.
	SafetyTimeout time.Duration

	Now    func() time.Time
	Logger *zap.Logger
	// Registerer is optional.
	Registerer prometheus.Registerer
}

func (opts *Opts) Init() error {
	if opts.Store == nil {
		return errors.New("nil store")
	}
	if opts.Registry == nil {
		return errors.New("nil registry")
	}
	if opts.Scheduler == nil {
		return errors.New("nil scheduler")
	}
	if opts.Policies == nil {
		opts.Policies = resource.DefaultPolicies()
	}
	longest := LongestFetchTimeout(opts.FetchTimeouts)
	if opts.LockTTL <= 0 {
		opts.LockTTL = longest + fetchMargin
	} else if opts.LockTTL <= longest {
		return fmt.Errorf("lock ttl %s does not outlast the longest fetch timeout %s", opts.LockTTL, longest)
	}
	if opts.SafetyTimeout <= 0 {
		opts.SafetyTimeout = longest + fetchMargin
	} else if opts.SafetyTimeout <= longest {
		return fmt.Errorf("safety timeout %s does not outlast the longest fetch timeout %s", opts.SafetyTimeout, longest)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	return nil
}

// result is what one settled fetch hands to every collapsed caller.
type result struct {
	// row is the stored row, nil after a retryable failure.
	row *resource.Cached
	// retry is set after a retryable failure.
	retry *resource.RetryableFailure
}

// batch collects the kinds one LookupAll stored. A kind stored after the
// batch was flushed is scheduled by the fetch itself.
type batch struct {
	mu      sync.Mutex
	kinds   []resource.Kind
	flushed bool
}

func (b *batch) add(k resource.Kind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushed {
		return false
	}
	b.kinds = append(b.kinds, k)
	return true
}

func (b *batch) flush() []resource.Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushed = true
	return b.kinds
}

type Engine struct {
	opts    Opts
	coord   *coordinator.Coordinator[*result]
	metrics *metrics
}

func NewEngine(opts Opts) (*Engine, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Engine{
		opts: opts,
		coord: coordinator.New[*result](coordinator.Opts{
			Locker:        opts.Locker,
			LockTTL:       opts.LockTTL,
			PollInterval:  opts.PollInterval,
			WaitTimeout:   opts.WaitTimeout,
			SafetyTimeout: opts.SafetyTimeout,
			Logger:        opts.Logger,
		}),
		metrics: newMetrics(opts.Registerer),
	}, nil
}

// Get returns the view of (name, kind). A usable cached row is returned
// without side effects. Otherwise the data is fetched once for all
// concurrent callers. Transient trouble is a pending view, not an error.
func (e *Engine) Get(ctx context.Context, name string, kind resource.Kind) (View, error) {
	if err := e.checkKind(kind); err != nil {
		return View{}, err
	}
	d, err := e.resolve(ctx, name)
	if err != nil {
		return View{}, err
	}
	return e.get(ctx, d, kind, nil)
}

// get returns the view of (d, kind). A row stored by a fetch this call
// started goes to b, or is scheduled at once when b is nil.
func (e *Engine) get(ctx context.Context, d resource.Domain, kind resource.Kind, b *batch) (View, error) {
	row, hit, err := e.opts.Store.Get(ctx, d.ID, kind)
	if err != nil {
		return View{}, fmt.Errorf("failed to read cache, %w", err)
	}
	if hit {
		e.metrics.hits.WithLabelValues(kind.String()).Inc()
		return viewOf(d.Name, kind, row), nil
	}
	e.metrics.misses.WithLabelValues(kind.String()).Inc()
	return e.acquire(ctx, d, kind, row, b)
}

func (e *Engine) acquire(ctx context.Context, d resource.Domain, kind resource.Kind, stale *resource.Cached, b *batch) (View, error) {
	res, err := e.coord.Run(ctx, resource.DedupeKey(d.Name, kind),
		func(ctx context.Context) (*result, error) {
			return e.fetchAndStore(ctx, d, kind, b)
		},
		func(ctx context.Context) (*result, bool, error) {
			row, hit, err := e.opts.Store.Get(ctx, d.ID, kind)
			if err != nil || !hit {
				return nil, false, err
			}
			return &result{row: row}, true, nil
		},
	)
	if err != nil {
		if errors.Is(err, coordinator.ErrPending) || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
			e.metrics.pending.WithLabelValues(kind.String()).Inc()
			return pendingView(d.Name, kind, stale, ""), nil
		}
		return View{}, err
	}
	if res.retry != nil {
		e.metrics.pending.WithLabelValues(kind.String()).Inc()
		return pendingView(d.Name, kind, stale, res.retry.Reason), nil
	}
	return viewOf(d.Name, kind, res.row), nil
}

// fetchAndStore runs the strategy and persists whatever is cacheable.
// ctx is already detached from the callers, so the stored row is always
// scheduled, through b if it still collects.
func (e *Engine) fetchAndStore(ctx context.Context, d resource.Domain, kind resource.Kind, b *batch) (*result, error) {
	f, _ := e.opts.Fetchers.Get(kind)
	o := e.runFetcher(ctx, f, d.Name)

	now := e.opts.Now()
	policy := e.opts.Policies.Get(kind)
	row := &resource.Cached{
		DomainID:    d.ID,
		Kind:        kind,
		FetchedAt:   now,
		SourceLabel: o.Label(),
	}

	switch o := o.(type) {
	case resource.Success:
		b, err := json.Marshal(o.Payload)
		if err != nil {
			e.opts.Logger.Error("failed to marshal payload", zap.String("domain", d.Name), zap.Stringer("kind", kind), zap.Error(err))
			return e.retryable(ctx, d, kind, resource.Retryable(resource.ReasonMalformed, o.Source, err)), nil
		}
		row.Payload = b
		row.ExpiresAt = now.Add(policy.BaseTTL)
	case resource.PermanentFailure:
		if o.Absent {
			row.DefinitivelyAbsent = true
		} else {
			ep := resource.ErrorPayload{Error: o.Reason}
			if o.Err != nil {
				ep.Detail = o.Err.Error()
			}
			b, err := json.Marshal(ep)
			if err != nil {
				return nil, err
			}
			row.Payload = b
		}
		row.ExpiresAt = now.Add(policy.NegativeTTL)
	case resource.RetryableFailure:
		return e.retryable(ctx, d, kind, o), nil
	default:
		return nil, fmt.Errorf("fetcher of %s returned unknown outcome %T", kind, o)
	}

	err := e.opts.Store.Upsert(ctx, row)
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrStaleWrite):
		// Someone stored a newer row, which wins.
		newer, _, gerr := e.opts.Store.Get(ctx, d.ID, kind)
		if gerr == nil && newer != nil {
			return &result{row: newer}, nil
		}
		return &result{row: row}, nil
	default:
		return nil, fmt.Errorf("failed to store %s of %s, %w", kind, d.Name, err)
	}

	if b == nil || !b.add(kind) {
		if err := e.opts.Scheduler.Schedule(ctx, d, kind); err != nil {
			e.opts.Logger.Warn("failed to schedule revalidation", zap.String("domain", d.Name), zap.Stringer("kind", kind), zap.Error(err))
		}
	}
	return &result{row: row}, nil
}

func (e *Engine) retryable(ctx context.Context, d resource.Domain, kind resource.Kind, o resource.RetryableFailure) *result {
	if err := e.opts.Scheduler.ScheduleRetry(ctx, d, kind); err != nil {
		e.opts.Logger.Warn("failed to schedule retry", zap.String("domain", d.Name), zap.Stringer("kind", kind), zap.Error(err))
	}
	return &result{retry: &o}
}

// runFetcher calls f under the kind's timeout. A panic is a retryable
// failure.
func (e *Engine) runFetcher(ctx context.Context, f strategy.Fetcher, domain string) (o resource.Outcome) {
	kind := f.Kind()
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout(e.opts.FetchTimeouts, kind))
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.opts.Logger.Error("fetcher panicked",
				zap.String("domain", domain), zap.Stringer("kind", kind),
				zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			o = resource.Retryable(resource.ReasonPanic, "panic", fmt.Errorf("panic: %v", r))
		}
		if o == nil {
			o = resource.Retryable(resource.ReasonNetwork, "", errors.New("fetcher returned no outcome"))
		}
		e.metrics.fetchDuration.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
		e.observe(domain, kind, o)
	}()
	return f.Fetch(ctx, domain)
}

func (e *Engine) observe(domain string, kind resource.Kind, o resource.Outcome) {
	switch o := o.(type) {
	case resource.Success:
		e.metrics.outcomes.WithLabelValues(kind.String(), "success", "").Inc()
	case resource.PermanentFailure:
		e.metrics.outcomes.WithLabelValues(kind.String(), "permanent", string(o.Reason)).Inc()
		e.opts.Logger.Debug("permanent failure", zap.String("domain", domain), zap.Stringer("kind", kind), zap.Error(o))
	case resource.RetryableFailure:
		e.metrics.outcomes.WithLabelValues(kind.String(), "retryable", string(o.Reason)).Inc()
		e.opts.Logger.Debug("retryable failure", zap.String("domain", domain), zap.Stringer("kind", kind), zap.Error(o))
	}
}

// Refresh is the background path of job j. It always fetches and never
// counts as a user access.
func (e *Engine) Refresh(ctx context.Context, j jobqueue.Job) error {
	if err := e.checkKind(j.Kind); err != nil {
		return err
	}
	d, err := e.opts.Registry.Resolve(ctx, j.Domain)
	if err != nil {
		return fmt.Errorf("failed to resolve %s, %w", j.Domain, err)
	}
	v, err := e.acquire(ctx, d, j.Kind, nil, nil)
	if err != nil {
		return err
	}
	e.opts.Logger.Debug("revalidated",
		zap.String("domain", d.Name), zap.Stringer("kind", j.Kind), zap.Stringer("state", v.State))
	return nil
}

// LookupAll returns the views of every kind with a fetcher, fetched in
// parallel. Kinds stored before it returns are scheduled with one batch,
// fetches that outlive ctx schedule their own kind.
func (e *Engine) LookupAll(ctx context.Context, name string) ([]View, error) {
	d, err := e.resolve(ctx, name)
	if err != nil {
		return nil, err
	}

	kinds := e.kinds()
	views := make([]View, len(kinds))
	b := new(batch)
	var g errgroup.Group
	for i, kind := range kinds {
		g.Go(func() error {
			v, err := e.get(ctx, d, kind, b)
			if err != nil {
				return fmt.Errorf("%s: %w", kind, err)
			}
			views[i] = v
			return nil
		})
	}
	err = g.Wait()

	if wrote := b.flush(); len(wrote) > 0 {
		if serr := e.opts.Scheduler.ScheduleBatch(context.WithoutCancel(ctx), d, wrote); serr != nil {
			e.opts.Logger.Warn("failed to schedule revalidations", zap.String("domain", d.Name), zap.Error(serr))
		}
	}
	if err != nil {
		return nil, err
	}
	return views, nil
}

// Touch records a user access of name.
func (e *Engine) Touch(ctx context.Context, name string) error {
	d, err := e.resolve(ctx, name)
	if err != nil {
		return err
	}
	return e.opts.Registry.Touch(ctx, d.ID, e.opts.Now())
}

// kinds returns the kinds this engine can fetch.
func (e *Engine) kinds() []resource.Kind {
	var ks []resource.Kind
	for _, k := range resource.AllKinds() {
		if _, ok := e.opts.Fetchers.Get(k); ok {
			ks = append(ks, k)
		}
	}
	return ks
}

func (e *Engine) checkKind(kind resource.Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	if _, ok := e.opts.Fetchers.Get(kind); !ok {
		return fmt.Errorf("%w: %s", ErrNoFetcher, kind)
	}
	return nil
}

func (e *Engine) resolve(ctx context.Context, name string) (resource.Domain, error) {
	n, err := resource.NormalizeDomain(name)
	if err != nil {
		return resource.Domain{}, err
	}
	d, err := e.opts.Registry.Resolve(ctx, n)
	if err != nil {
		return resource.Domain{}, fmt.Errorf("failed to resolve domain %s, %w", n, err)
	}
	return d, nil
}
