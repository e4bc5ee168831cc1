/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

// Package scheduler decides when each (domain, kind) is revalidated next.
// The delay is the kind's base TTL scaled by how long the domain has not
// been looked at.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/domainscope/domainscope/pkg/concurrent_lru"
	"github.com/domainscope/domainscope/pkg/jobqueue"
	"github.com/domainscope/domainscope/pkg/resource"
)

var nopLogger = zap.NewNop()

// Activity reports when a domain was last looked at by a user.
type Activity interface {
	LastAccessed(ctx context.Context, domainID string) (t time.Time, known bool, err error)
}

type Opts struct {
	Queue    jobqueue.Queue
	Activity Activity

	// Policies holds the base TTL per kind. Default is resource.DefaultPolicies.
	Policies resource.Policies
	// Policy is the decay policy. Default is DefaultPolicy.
	Policy *Policy

	// DedupWindow suppresses a second schedule of the same key within the
	// window. Default is 5s.
	DedupWindow time.Duration
	// DedupSize bounds the number of keys remembered. Default is 10000.
	DedupSize int
	// RetryDelay is the delay used after a retryable failure. Default is 10m.
	RetryDelay time.Duration

	Now    func() time.Time
	Logger *zap.Logger
	// Registerer is optional.
	Registerer prometheus.Registerer
}

func (opts *Opts) Init() error {
	if opts.Queue == nil {
		return fmt.Errorf("nil queue")
	}
	if opts.Activity == nil {
		return fmt.Errorf("nil activity reader")
	}
	if opts.Policies == nil {
		opts.Policies = resource.DefaultPolicies()
	}
	if opts.Policy == nil {
		opts.Policy = DefaultPolicy()
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 5 * time.Second
	}
	if opts.DedupSize <= 0 {
		opts.DedupSize = 10000
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 10 * time.Minute
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
	return opts.Policy.Validate()
}

type metrics struct {
	scheduled  *prometheus.CounterVec
	suppressed *prometheus.CounterVec
	deduped    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		scheduled: f.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "scheduler",
			Name:      "jobs_scheduled_total",
			Help:      "Revalidation jobs sent to the queue.",
		}, []string{"kind"}),
		suppressed: f.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "scheduler",
			Name:      "jobs_suppressed_total",
			Help:      "Revalidations dropped because the domain is past the inactivity cutoff.",
		}, []string{"kind"}),
		deduped: f.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "scheduler",
			Name:      "jobs_deduped_total",
			Help:      "Revalidations dropped by the dedup window.",
		}, []string{"kind"}),
	}
}

type Scheduler struct {
	opts    Opts
	policy  atomic.Pointer[Policy]
	recent  *concurrent_lru.ConcurrentLRU[string, time.Time]
	metrics *metrics
}

func NewScheduler(opts Opts) (*Scheduler, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		opts:    opts,
		recent:  concurrent_lru.NewConcurrentLRU[string, time.Time](opts.DedupSize, nil),
		metrics: newMetrics(opts.Registerer),
	}
	s.policy.Store(opts.Policy)
	return s, nil
}

// Policy returns the current decay policy.
func (s *Scheduler) Policy() *Policy {
	return s.policy.Load()
}

// SetPolicy swaps the decay policy. Jobs already queued keep their time.
func (s *Scheduler) SetPolicy(p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.policy.Store(p)
	return nil
}

// Schedule sends the next revalidation of (d, kind) after a successful or
// permanent result was stored.
func (s *Scheduler) Schedule(ctx context.Context, d resource.Domain, kind resource.Kind) error {
	return s.schedule(ctx, d, kind, s.opts.Policies.Get(kind).BaseTTL)
}

// ScheduleRetry sends a short delay revalidation after a retryable failure.
// The ladder and inactivity cutoff of the kind still apply.
func (s *Scheduler) ScheduleRetry(ctx context.Context, d resource.Domain, kind resource.Kind) error {
	return s.schedule(ctx, d, kind, s.opts.RetryDelay)
}

func (s *Scheduler) schedule(ctx context.Context, d resource.Domain, kind resource.Kind, delay time.Duration) error {
	last, known := s.lastAccessed(ctx, d)
	now := s.opts.Now()
	j, ok := s.plan(d, kind, delay, last, known, now)
	if !ok {
		return nil
	}
	if err := s.opts.Queue.Send(ctx, j); err != nil {
		s.recent.Del(j.ID)
		return fmt.Errorf("failed to send job %s, %w", j.ID, err)
	}
	s.metrics.scheduled.WithLabelValues(kind.String()).Inc()
	return nil
}

// ScheduleBatch schedules several kinds of one domain with a single
// queue round trip.
func (s *Scheduler) ScheduleBatch(ctx context.Context, d resource.Domain, kinds []resource.Kind) error {
	if len(kinds) == 0 {
		return nil
	}
	last, known := s.lastAccessed(ctx, d)
	now := s.opts.Now()
	jobs := make([]jobqueue.Job, 0, len(kinds))
	for _, kind := range kinds {
		if j, ok := s.plan(d, kind, s.opts.Policies.Get(kind).BaseTTL, last, known, now); ok {
			jobs = append(jobs, j)
		}
	}
	if len(jobs) == 0 {
		return nil
	}
	if err := s.opts.Queue.SendBatch(ctx, jobs); err != nil {
		for _, j := range jobs {
			s.recent.Del(j.ID)
		}
		return fmt.Errorf("failed to send %d jobs, %w", len(jobs), err)
	}
	for _, j := range jobs {
		s.metrics.scheduled.WithLabelValues(j.Kind.String()).Inc()
	}
	return nil
}

// plan scales delay by the ladder of kind, computes the job and claims
// its dedup slot.
func (s *Scheduler) plan(d resource.Domain, kind resource.Kind, delay time.Duration, last time.Time, known bool, now time.Time) (jobqueue.Job, bool) {
	delay, ok := s.Policy().ScaleDelay(s.opts.Policies.Get(kind).BaseTTL, delay, last, known, now)
	if !ok {
		s.metrics.suppressed.WithLabelValues(kind.String()).Inc()
		s.opts.Logger.Debug("domain inactive past cutoff, revalidation stopped",
			zap.String("domain", d.Name), zap.Stringer("kind", kind), zap.Time("last_accessed", last))
		return jobqueue.Job{}, false
	}

	j := jobqueue.NewJob(d.Name, kind, now.Add(delay))
	window := s.opts.DedupWindow
	if !s.recent.CompareAndAdd(j.ID, now, func(prev time.Time) bool { return now.Sub(prev) >= window }) {
		s.metrics.deduped.WithLabelValues(kind.String()).Inc()
		return jobqueue.Job{}, false
	}
	return j, true
}

// lastAccessed treats a failed read as unknown, which falls back to the
// normal cadence.
func (s *Scheduler) lastAccessed(ctx context.Context, d resource.Domain) (time.Time, bool) {
	t, known, err := s.opts.Activity.LastAccessed(ctx, d.ID)
	if err != nil {
		s.opts.Logger.Warn("failed to read domain activity", zap.String("domain", d.Name), zap.Error(err))
		return time.Time{}, false
	}
	return t, known
}
