// Package pgdb opens the postgres pool shared by the postgres backed
// stores and applies the schema migrations.
package pgdb

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Opts struct {
	URL string `yaml:"url"`
	// MaxConns default is 10.
	MaxConns int32 `yaml:"max_conns"`
	// HealthCheckPeriod default is 30s.
	HealthCheckPeriod time.Duration `yaml:"health_check_period"`
}

func (o *Opts) Init() error {
	if len(o.URL) == 0 {
		return errors.New("empty database url")
	}
	if o.MaxConns <= 0 {
		o.MaxConns = 10
	}
	if o.HealthCheckPeriod <= 0 {
		o.HealthCheckPeriod = 30 * time.Second
	}
	return nil
}

type DB struct {
	Pool *pgxpool.Pool
}

// Connect opens a pool and pings it once.
func Connect(ctx context.Context, opts Opts) (*DB, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	cfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url, %w", err)
	}
	cfg.MaxConns = opts.MaxConns
	cfg.HealthCheckPeriod = opts.HealthCheckPeriod
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &DB{Pool: pool}, nil
}

func (db *DB) Close() error {
	db.Pool.Close()
	return nil
}

// Migrate applies all pending migrations.
func (db *DB) Migrate(ctx context.Context, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	sqlDB := stdlib.OpenDBFromPool(db.Pool)
	defer sqlDB.Close()

	goose.SetBaseFS(migrations)
	goose.SetLogger(zapGooseLogger{l: logger.Sugar()})
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, sqlDB, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

type zapGooseLogger struct {
	l *zap.SugaredLogger
}

func (z zapGooseLogger) Fatalf(format string, v ...interface{}) { z.l.Fatalf(format, v...) }
func (z zapGooseLogger) Printf(format string, v ...interface{}) { z.l.Infof(format, v...) }
