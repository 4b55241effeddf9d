package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Pool struct {
	*pgxpool.Pool
}

type Options struct {
	MaxConns int32
	// StartupTimeout bounds how long Open keeps retrying an unreachable
	// database. Zero means a single attempt.
	StartupTimeout time.Duration
	OnRetry        func(err error, wait time.Duration)
}

func Open(ctx context.Context, databaseURL string, opts Options) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	connect := func() (*pgxpool.Pool, error) {
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return pool, nil
	}

	if opts.StartupTimeout <= 0 {
		pool, err := connect()
		if err != nil {
			return nil, err
		}
		return &Pool{Pool: pool}, nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 5 * time.Second
	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(opts.StartupTimeout),
	}
	if opts.OnRetry != nil {
		retryOpts = append(retryOpts, backoff.WithNotify(opts.OnRetry))
	}
	pool, err := backoff.Retry(ctx, connect, retryOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return &Pool{Pool: pool}, nil
}

func (p *Pool) Close() {
	if p != nil && p.Pool != nil {
		p.Pool.Close()
	}
}

func ReadyCheck(pool *Pool) func(context.Context) error {
	return func(ctx context.Context) error {
		if pool == nil || pool.Pool == nil {
			return errors.New("db not configured")
		}
		return pool.Ping(ctx)
	}
}

// WithAdvisoryLock runs fn on a dedicated connection while holding a
// session-level pg_advisory_lock. Concurrent callers with the same key queue
// behind each other, across processes.
func WithAdvisoryLock(ctx context.Context, pool *Pool, key int64, fn func(ctx context.Context, conn *pgxpool.Conn) error) (err error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		return fmt.Errorf("acquire advisory lock %d: %w", key, err)
	}
	defer func() {
		// The caller's context may already be done; the unlock must still run.
		_, unlockErr := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		err = errors.Join(err, unlockErr)
	}()

	return fn(ctx, conn)
}
