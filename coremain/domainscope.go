/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

package coremain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/domainscope/domainscope/mlog"
	"github.com/domainscope/domainscope/pkg/cache"
	"github.com/domainscope/domainscope/pkg/cache/mem_cache"
	"github.com/domainscope/domainscope/pkg/cache/pg_cache"
	"github.com/domainscope/domainscope/pkg/cache/redis_cache"
	"github.com/domainscope/domainscope/pkg/dlock"
	"github.com/domainscope/domainscope/pkg/engine"
	"github.com/domainscope/domainscope/pkg/jobqueue"
	"github.com/domainscope/domainscope/pkg/jobqueue/mem_queue"
	"github.com/domainscope/domainscope/pkg/jobqueue/pg_queue"
	"github.com/domainscope/domainscope/pkg/pgdb"
	"github.com/domainscope/domainscope/pkg/registry"
	"github.com/domainscope/domainscope/pkg/safe_close"
	"github.com/domainscope/domainscope/pkg/scheduler"
	"github.com/domainscope/domainscope/pkg/server"
)

const (
	purgeSpec    = "@every 1h"
	connectLimit = 10 * time.Second
)

// running is the SafeClose of the running service, for the service Stop hook.
var running atomic.Pointer[safe_close.SafeClose]

// Domainscope holds the wired components of one process.
type Domainscope struct {
	logger *zap.Logger
	cfg    *Config

	metricsReg *prometheus.Registry

	db       *pgdb.DB
	redis    *redis.Client
	store    cache.Store
	registry registry.Registry
	memQueue *mem_queue.MemQueue
	pgQueue  *pg_queue.PgQueue
	sched    *scheduler.Scheduler
	engine   *engine.Engine

	closers []io.Closer
}

func RunDomainscope(cfg *Config) error {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	if cfg.API.HTTP == "" && cfg.API.HTTPS == "" {
		return errors.New("no api listener is configured")
	}

	sc := safe_close.NewSafeClose()
	running.Store(sc)
	defer running.CompareAndSwap(sc, nil)

	d, err := newDomainscope(sc.Context(), cfg, lg, true)
	if err != nil {
		return err
	}
	defer d.close()

	if err := d.startWorkers(sc); err != nil {
		sc.SendCloseSignal(err)
		sc.Done()
		sc.CloseWait()
		return err
	}
	srv := server.NewServer(server.ServerOpts{
		Logger:        lg.Named("api"),
		Handler:       newAPIHandler(d.engine, d.metricsReg, lg.Named("api")),
		Cert:          cfg.API.Cert,
		Key:           cfg.API.Key,
		ProxyProtocol: cfg.API.ProxyProtocol,
		IdleTimeout:   cfg.API.IdleTimeout,
	})
	startListener := func(addr string, tls bool) {
		sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			errChan := make(chan error, 1)
			go func() {
				l, err := net.Listen("tcp", addr)
				if err != nil {
					errChan <- err
					return
				}
				lg.Info("starting api server", zap.String("addr", l.Addr().String()), zap.Bool("tls", tls))
				if tls {
					errChan <- srv.ServeHTTPS(l)
				} else {
					errChan <- srv.ServeHTTP(l)
				}
			}()
			select {
			case err := <-errChan:
				sc.SendCloseSignal(fmt.Errorf("api server %s exited, %w", addr, err))
			case <-closeSignal:
				srv.Close()
			}
		})
	}
	if addr := cfg.API.HTTP; len(addr) > 0 {
		startListener(addr, false)
	}
	if addr := cfg.API.HTTPS; len(addr) > 0 {
		startListener(addr, true)
	}

	sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			lg.Info("signal received", zap.Stringer("signal", sig))
			sc.SendCloseSignal(nil)
		case <-closeSignal:
		}
	})

	<-sc.ReceiveCloseSignal()
	lg.Info("shutting down")
	sc.Done()
	sc.CloseWait()
	return sc.Err()
}

// newDomainscope connects the backends and builds the engine. migrate
// applies pending database migrations first.
func newDomainscope(ctx context.Context, cfg *Config, lg *zap.Logger, migrate bool) (_ *Domainscope, err error) {
	d := &Domainscope{
		logger:     lg,
		cfg:        cfg,
		metricsReg: newMetricsReg(),
	}
	defer func() {
		if err != nil {
			d.close()
		}
	}()
	reg := prometheus.WrapRegistererWithPrefix("domainscope_", d.metricsReg)

	if len(cfg.Postgres.URL) > 0 {
		cctx, cancel := context.WithTimeout(ctx, connectLimit)
		db, err := pgdb.Connect(cctx, cfg.Postgres)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres, %w", err)
		}
		d.db = db
		d.closers = append(d.closers, db)
		if migrate {
			if err := db.Migrate(ctx, lg.Named("migrate")); err != nil {
				return nil, err
			}
		}
	}

	if len(cfg.Redis.URL) > 0 {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url, %w", err)
		}
		d.redis = redis.NewClient(opt)
		d.closers = append(d.closers, d.redis)
	}

	switch cfg.Store.Backend {
	case backendRedis:
		s, err := redis_cache.NewRedisCache(redis_cache.RedisCacheOpts{
			Client:        d.redis,
			ClientTimeout: cfg.Redis.Timeout,
			Retention:     cfg.Store.Retention,
			Compress:      cfg.Store.Compress,
			Logger:        lg.Named("redis_cache"),
		})
		if err != nil {
			return nil, err
		}
		d.store = s
	case backendPostgres:
		d.store = pg_cache.NewPgCache(d.db.Pool, pg_cache.Opts{})
	default:
		d.store = mem_cache.NewMemCache(mem_cache.Opts{
			Size:            cfg.Store.Size,
			CleanerInterval: time.Minute,
			Retention:       cfg.Store.Retention,
		})
	}
	d.closers = append(d.closers, d.store)

	if d.db != nil {
		d.registry = registry.NewPostgres(d.db.Pool)
	} else {
		d.registry = registry.NewMemory()
	}

	var queue jobqueue.Queue
	switch cfg.Queue.Backend {
	case backendPostgres:
		d.pgQueue = pg_queue.NewPgQueue(d.db.Pool, pg_queue.Opts{
			RetryDelay:  cfg.Queue.RetryDelay,
			MaxAttempts: cfg.Queue.MaxAttempts,
			StuckAfter:  cfg.Queue.StuckAfter,
			ReapSpec:    cfg.Queue.ReapSpec,
			Logger:      lg.Named("pg_queue"),
		})
		d.closers = append(d.closers, d.pgQueue)
		queue = d.pgQueue
	default:
		d.memQueue = mem_queue.NewMemQueue(mem_queue.Opts{
			Workers:     cfg.Queue.Workers,
			RetryDelay:  cfg.Queue.RetryDelay,
			MaxAttempts: cfg.Queue.MaxAttempts,
			Logger:      lg.Named("mem_queue"),
		})
		queue = d.memQueue
	}

	policies, err := cfg.policies()
	if err != nil {
		return nil, err
	}
	d.sched, err = scheduler.NewScheduler(scheduler.Opts{
		Queue:       queue,
		Activity:    d.registry,
		Policies:    policies,
		DedupWindow: cfg.Scheduler.DedupWindow,
		DedupSize:   cfg.Scheduler.DedupSize,
		RetryDelay:  cfg.Scheduler.RetryDelay,
		Logger:      lg.Named("scheduler"),
		Registerer:  reg,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init scheduler, %w", err)
	}

	fetchers, err := buildFetchers(cfg, lg)
	if err != nil {
		return nil, err
	}
	timeouts, err := cfg.fetchTimeouts()
	if err != nil {
		return nil, err
	}
	var locker dlock.Locker
	if d.redis != nil && !cfg.Coordinator.DisableLock {
		locker = dlock.NewRedisLocker(d.redis)
	}
	d.engine, err = engine.NewEngine(engine.Opts{
		Store:         d.store,
		Registry:      d.registry,
		Scheduler:     d.sched,
		Fetchers:      fetchers,
		Policies:      policies,
		FetchTimeouts: timeouts,
		Locker:        locker,
		LockTTL:       cfg.Coordinator.LockTTL,
		PollInterval:  cfg.Coordinator.PollInterval,
		WaitTimeout:   cfg.Coordinator.WaitTimeout,
		SafetyTimeout: cfg.Coordinator.SafetyTimeout,
		Logger:        lg.Named("engine"),
		Registerer:    reg,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init engine, %w", err)
	}
	return d, nil
}

// startWorkers starts the background parts: job workers, policy reload
// and the stale row purge.
func (d *Domainscope) startWorkers(sc *safe_close.SafeClose) error {
	cfg := d.cfg
	if d.memQueue != nil {
		sc.AttachCtx(func(ctx context.Context) error {
			return d.memQueue.Run(ctx, d.engine.Refresh)
		})
	}
	if d.pgQueue != nil {
		if err := d.pgQueue.StartReaper(); err != nil {
			return err
		}
		runner := jobqueue.NewRunner(d.pgQueue, d.engine.Refresh, jobqueue.RunnerOpts{
			Workers:      cfg.Queue.Workers,
			PollInterval: cfg.Queue.PollInterval,
			JobTimeout:   cfg.Queue.JobTimeout,
			Logger:       d.logger.Named("runner"),
		})
		sc.AttachCtx(runner.Run)
	}

	if p := cfg.Scheduler.PolicyFile; len(p) > 0 {
		if err := scheduler.WatchPolicy(sc.Context(), p, d.sched, d.logger.Named("policy")); err != nil {
			return fmt.Errorf("failed to load decay policy, %w", err)
		}
		d.logger.Info("decay policy loaded", zap.String("file", p))
	}

	if pc, ok := d.store.(*pg_cache.PgCache); ok {
		retention := cfg.Store.Retention
		if retention <= 0 {
			retention = 24 * time.Hour
		}
		c := cron.New()
		if _, err := c.AddFunc(purgeSpec, func() {
			ctx, cancel := context.WithTimeout(sc.Context(), time.Minute)
			defer cancel()
			n, err := pc.Purge(ctx, time.Now().Add(-retention))
			if err != nil {
				d.logger.Warn("failed to purge expired rows", zap.Error(err))
				return
			}
			if n > 0 {
				d.logger.Info("purged expired rows", zap.Int64("count", n))
			}
		}); err != nil {
			return err
		}
		c.Start()
		sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			<-closeSignal
			<-c.Stop().Done()
		})
	}
	return nil
}

// close releases backends in reverse order of creation.
func (d *Domainscope) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			d.logger.Warn("close error", zap.Error(err))
		}
	}
	d.closers = nil
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
