package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/himanga/fledge/pkg/retry"
)

// WaitForDB blocks until the database answers a ping or the context is
// done. The scheduler cannot start without its catalog, so the service
// shell calls this before anything else.
func WaitForDB(ctx context.Context, dsn string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg := retry.Config{
		MaxAttempts:  1 << 16, // effectively unbounded; the context bounds the wait
		InitialDelay: time.Second,
		MaxDelay:     15 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}

	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		return pingDatabase(ctx, dsn, 5*time.Second)
	})
	if err != nil {
		return fmt.Errorf("database not available: %w", err)
	}
	return nil
}

// HealthCheckPool verifies a live pool with a ping and a trivial query.
func HealthCheckPool(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("pool is nil")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("pool ping failed: %w", err)
	}

	var result int
	if err := pool.QueryRow(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("simple query failed: %w", err)
	}
	return nil
}

// pingDatabase pings with a temporary connection.
func pingDatabase(ctx context.Context, dsn string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}
