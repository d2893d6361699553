// Package postgres persists forecasts, their market snapshots and the
// settlement ledger in PostgreSQL via pgx. Stores translate driver
// errors into the storage package's sentinel errors, so callers never
// branch on pgx types.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool is the shared connection pool every store runs on.
type Pool struct {
	*pgxpool.Pool
}

// NewPool connects to dsn and verifies the connection with a ping, so
// a bad URL fails at startup instead of on the first hourly cycle.
// maxConns caps the pool; zero keeps the pgx default.
func NewPool(ctx context.Context, dsn string, maxConns int32) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Pool{Pool: pool}, nil
}
