package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/linnemanlabs/go-core/log"

	vc "github.com/linnemanlabs/grievd/internal/cfg"
	"github.com/linnemanlabs/grievd/internal/grievance"
	"github.com/linnemanlabs/grievd/internal/grievance/memstore"
	"github.com/linnemanlabs/grievd/internal/grievance/pgstore"
	"github.com/linnemanlabs/grievd/internal/grievance/sqlitestore"
	"github.com/linnemanlabs/grievd/internal/postgres"
)

// openedStore is a grievance store plus its lifecycle hooks.
type openedStore struct {
	grievance.Store
	kind  string
	ping  func(context.Context) error
	close func(context.Context) error
}

// openStore selects postgres when a database URL is configured, sqlite when a
// file path is, and the in-memory store otherwise.
func openStore(ctx context.Context, c *vc.Config, L log.Logger) (*openedStore, error) {
	s, err := selectStore(ctx, c, L)
	if err != nil {
		return nil, err
	}
	// closed from both the shutdown sequence and a deferred cleanup
	var once sync.Once
	var closeErr error
	closeFn := s.close
	s.close = func(ctx context.Context) error {
		once.Do(func() { closeErr = closeFn(ctx) })
		return closeErr
	}
	return s, nil
}

func selectStore(ctx context.Context, c *vc.Config, L log.Logger) (*openedStore, error) {
	switch {
	case c.DatabaseURL != "":
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			URL:       c.DatabaseURL,
			MaxConns:  int32(c.DBMaxConns), //nolint:gosec // bounded by Validate
			SlowQuery: c.SlowQuery(),
			LogArgs:   c.DBLogArgs,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		s, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("pgstore init: %w", err)
		}
		L.Info(ctx, "using postgres store", "max_conns", c.DBMaxConns, "slow_query_ms", c.DBSlowQueryMS)
		return &openedStore{
			Store: s,
			kind:  "postgres",
			ping:  s.Ping,
			close: func(context.Context) error { s.Close(); return nil },
		}, nil

	case c.SQLitePath != "":
		s, err := sqlitestore.Open(ctx, c.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore init: %w", err)
		}
		L.Info(ctx, "using sqlite store", "path", c.SQLitePath)
		return &openedStore{
			Store: s,
			kind:  "sqlite",
			ping:  s.Ping,
			close: func(context.Context) error { return s.Close() },
		}, nil
	}

	L.Info(ctx, "using in-memory store (no database-url or sqlite-path configured)")
	return &openedStore{
		Store: memstore.New(),
		kind:  "memory",
		ping:  func(context.Context) error { return nil },
		close: func(context.Context) error { return nil },
	}, nil
}
