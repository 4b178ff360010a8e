// Package postgres builds pgx connection pools instrumented with OTel spans,
// structured query logs and per-request query statistics.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig configures NewPool.
type PoolConfig struct {
	URL string

	// MaxConns caps the pool size. Zero keeps the pgxpool default.
	MaxConns int32

	// SlowQuery is the duration from which successful queries are logged.
	// Zero logs every query.
	SlowQuery time.Duration

	// LogArgs includes bind arguments in query logs.
	LogArgs bool
}

// NewPool connects to Postgres and verifies the connection.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pc.ConnConfig.Tracer = &queryTracer{
		inner:   otelpgx.NewTracer(),
		slow:    cfg.SlowQuery,
		logArgs: cfg.LogArgs,
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
