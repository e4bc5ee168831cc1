/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

package coremain

import (
	"errors"
	"fmt"
	"time"

	"github.com/domainscope/domainscope/mlog"
	"github.com/domainscope/domainscope/pkg/engine"
	"github.com/domainscope/domainscope/pkg/pgdb"
	"github.com/domainscope/domainscope/pkg/resource"
)

const (
	backendMemory   = "memory"
	backendRedis    = "redis"
	backendPostgres = "postgres"
)

// Config is the domainscope config file.
type Config struct {
	Log     mlog.LogConfig `yaml:"log"`
	Include []string       `yaml:"include"`

	API          APIConfig                 `yaml:"api"`
	Store        StoreConfig               `yaml:"store"`
	Redis        RedisConfig               `yaml:"redis"`
	Postgres     pgdb.Opts                 `yaml:"postgres"`
	Queue        QueueConfig               `yaml:"queue"`
	Scheduler    SchedulerConfig           `yaml:"scheduler"`
	Coordinator  CoordinatorConfig         `yaml:"coordinator"`
	Fetch        FetchConfig               `yaml:"fetch"`
	DNS          DNSConfig                 `yaml:"dns"`
	Registration RegistrationConfig        `yaml:"registration"`
	Screenshot   ScreenshotConfig          `yaml:"screenshot"`
	Policies     map[string]PolicyOverride `yaml:"policies"`
}

type APIConfig struct {
	HTTP          string        `yaml:"http"`
	HTTPS         string        `yaml:"https"`
	Cert          string        `yaml:"cert"`
	Key           string        `yaml:"key"`
	ProxyProtocol bool          `yaml:"proxy_protocol"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
}

type StoreConfig struct {
	// Backend is one of memory, redis and postgres. Default is memory.
	Backend string `yaml:"backend"`
	// Size bounds the memory backend.
	Size int `yaml:"size"`
	// Retention is how long an expired row stays around as stale data.
	Retention time.Duration `yaml:"retention"`
	// Compress enables snappy compression in the redis backend.
	Compress bool `yaml:"compress"`
}

type RedisConfig struct {
	// URL, e.g. redis://localhost:6379/0. Required by the redis store and
	// by the cross-process lock.
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type QueueConfig struct {
	// Backend is one of memory and postgres. Default is memory.
	Backend      string        `yaml:"backend"`
	Workers      int           `yaml:"workers"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
	PollInterval time.Duration `yaml:"poll_interval"`
	JobTimeout   time.Duration `yaml:"job_timeout"`
	StuckAfter   time.Duration `yaml:"stuck_after"`
	ReapSpec     string        `yaml:"reap_spec"`
}

type SchedulerConfig struct {
	// PolicyFile is a yaml decay policy. It is watched and reloaded.
	// Empty uses the built-in ladders.
	PolicyFile  string        `yaml:"policy_file"`
	DedupWindow time.Duration `yaml:"dedup_window"`
	DedupSize   int           `yaml:"dedup_size"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

type CoordinatorConfig struct {
	// DisableLock turns off the redis lock even when redis is configured.
	DisableLock   bool          `yaml:"disable_lock"`
	LockTTL       time.Duration `yaml:"lock_ttl"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	WaitTimeout   time.Duration `yaml:"wait_timeout"`
	SafetyTimeout time.Duration `yaml:"safety_timeout"`
}

type FetchConfig struct {
	// Kinds enables a subset of kinds. Empty enables all of them.
	Kinds []string `yaml:"kinds"`
	// Timeouts per kind, e.g. {dns: 10s}.
	Timeouts       map[string]time.Duration `yaml:"timeouts"`
	RequestTimeout time.Duration            `yaml:"request_timeout"`
	MaxBodySize    int64                    `yaml:"max_body_size"`
	MaxRedirects   int                      `yaml:"max_redirects"`
}

type DNSConfig struct {
	Providers []DNSProviderConfig `yaml:"providers"`
	// ProviderTimeout bounds one provider before the next one is tried.
	// Default is 4s.
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
}

type DNSProviderConfig struct {
	Name string `yaml:"name"`
	// Type is one of wire, h3 and json. Default is wire.
	Type string `yaml:"type"`
	URL  string `yaml:"url"`
}

type RegistrationConfig struct {
	BootstrapURL string        `yaml:"bootstrap_url"`
	BootstrapTTL time.Duration `yaml:"bootstrap_ttl"`
	RatePerHost  float64       `yaml:"rate_per_host"`
	// TimeoutIsPermanent caches an RDAP timeout as a failure. Default is true.
	TimeoutIsPermanent *bool `yaml:"timeout_is_permanent"`
}

type ScreenshotConfig struct {
	// RenderURL is the render service endpoint. Empty disables screenshots.
	RenderURL   string        `yaml:"render_url"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type PolicyOverride struct {
	BaseTTL     time.Duration `yaml:"base_ttl"`
	NegativeTTL time.Duration `yaml:"negative_ttl"`
}

var defaultDNSProviders = []DNSProviderConfig{
	{Name: "cloudflare", Type: "wire", URL: "https://cloudflare-dns.com/dns-query"},
	{Name: "google", Type: "json", URL: "https://dns.google/resolve"},
}

// Init fills defaults and validates the config.
func (c *Config) Init() error {
	if c.Store.Backend == "" {
		c.Store.Backend = backendMemory
	}
	switch c.Store.Backend {
	case backendMemory:
	case backendRedis:
		if c.Redis.URL == "" {
			return errors.New("redis store requires redis.url")
		}
	case backendPostgres:
		if c.Postgres.URL == "" {
			return errors.New("postgres store requires postgres.url")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Queue.Backend == "" {
		c.Queue.Backend = backendMemory
	}
	switch c.Queue.Backend {
	case backendMemory:
	case backendPostgres:
		if c.Postgres.URL == "" {
			return errors.New("postgres queue requires postgres.url")
		}
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}

	if len(c.DNS.Providers) == 0 {
		c.DNS.Providers = append([]DNSProviderConfig(nil), defaultDNSProviders...)
	}
	for i := range c.DNS.Providers {
		p := &c.DNS.Providers[i]
		if p.URL == "" {
			return fmt.Errorf("dns provider #%d has no url", i)
		}
		if p.Name == "" {
			p.Name = p.URL
		}
		switch p.Type {
		case "":
			p.Type = "wire"
		case "wire", "h3", "json":
		default:
			return fmt.Errorf("dns provider %s has unknown type %q", p.Name, p.Type)
		}
	}

	if c.Registration.TimeoutIsPermanent == nil {
		v := true
		c.Registration.TimeoutIsPermanent = &v
	}

	if _, err := c.enabledKinds(); err != nil {
		return err
	}
	if _, err := c.policies(); err != nil {
		return err
	}
	timeouts, err := c.fetchTimeouts()
	if err != nil {
		return err
	}
	// A lease or flight that ends before the fetch lets a second fetch of
	// the same key start.
	longest := engine.LongestFetchTimeout(timeouts)
	if t := c.Coordinator.LockTTL; t > 0 && t <= longest {
		return fmt.Errorf("coordinator.lock_ttl %s must be longer than the longest fetch timeout %s", t, longest)
	}
	if t := c.Coordinator.SafetyTimeout; t > 0 && t <= longest {
		return fmt.Errorf("coordinator.safety_timeout %s must be longer than the longest fetch timeout %s", t, longest)
	}
	return nil
}

// enabledKinds returns nil when every kind is enabled.
func (c *Config) enabledKinds() (map[resource.Kind]bool, error) {
	if len(c.Fetch.Kinds) == 0 {
		return nil, nil
	}
	m := make(map[resource.Kind]bool, len(c.Fetch.Kinds))
	for _, s := range c.Fetch.Kinds {
		k, err := resource.ParseKind(s)
		if err != nil {
			return nil, fmt.Errorf("fetch.kinds: %w", err)
		}
		m[k] = true
	}
	return m, nil
}

func (c *Config) kindEnabled(k resource.Kind) bool {
	m, _ := c.enabledKinds()
	return m == nil || m[k]
}

func (c *Config) policies() (resource.Policies, error) {
	p := resource.DefaultPolicies()
	for s, o := range c.Policies {
		k, err := resource.ParseKind(s)
		if err != nil {
			return nil, fmt.Errorf("policies: %w", err)
		}
		kp := p[k]
		if o.BaseTTL > 0 {
			kp.BaseTTL = o.BaseTTL
		}
		if o.NegativeTTL > 0 {
			kp.NegativeTTL = o.NegativeTTL
		}
		p[k] = kp
	}
	return p, nil
}

func (c *Config) fetchTimeouts() (map[resource.Kind]time.Duration, error) {
	m := make(map[resource.Kind]time.Duration, len(c.Fetch.Timeouts))
	for s, d := range c.Fetch.Timeouts {
		k, err := resource.ParseKind(s)
		if err != nil {
			return nil, fmt.Errorf("fetch.timeouts: %w", err)
		}
		m[k] = d
	}
	return m, nil
}
