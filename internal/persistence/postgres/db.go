// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PoolOptions struct {
	MaxConns        int32
	MinConns        int32
	MaxConnIdleTime time.Duration
	MaxConnLifetime time.Duration
}

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	return NewPoolWithOptions(ctx, databaseURL, PoolOptions{})
}

func NewPoolWithOptions(ctx context.Context, databaseURL string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	// The engine is single-writer per record; a small pool is enough.
	cfg.MaxConns = valueOr(opts.MaxConns, 5)
	cfg.MinConns = valueOr(opts.MinConns, 1)
	cfg.MaxConnIdleTime = valueOr(opts.MaxConnIdleTime, 5*time.Minute)
	cfg.MaxConnLifetime = valueOr(opts.MaxConnLifetime, 30*time.Minute)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ctxPing, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

func valueOr[T int32 | time.Duration](v, fallback T) T {
	if v <= 0 {
		return fallback
	}
	return v
}
