// Package store provides the durable event-log primitive that the streaming
// core is built on: append a value to a (workflow_id, stream_key) stream and
// read rows back by offset. See pkg/stream for the reactive layer built on
// top of this primitive's PostgreSQL NOTIFY side effect.
package store

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations
var migrationsFS embed.FS

// Store wraps a pgxpool.Pool used for query reads and appends. This pool is
// intentionally separate from the dedicated LISTEN connections opened by
// pkg/stream.NotificationListener — long-running queries here must never be
// able to block notification delivery (spec §5, "Connection discipline").
type Store struct {
	pool *pgxpool.Pool
}

// NewStore opens a connection pool against cfg and runs pending migrations.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse store DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open store pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	if err := Migrate(ctx, cfg); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run store migrations: %w", err)
	}

	return &Store{pool: pool}, nil
}

// NewStoreFromPool wraps an existing pool (useful for tests that already
// manage a testcontainers-backed pool).
func NewStoreFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool.Pool, e.g. for health checks.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the pool's connections.
func (s *Store) Close() {
	s.pool.Close()
}

// ConnString returns cfg's DSN, the same string Migrate opens its
// database/sql connection with.
func ConnString(cfg Config) string {
	return cfg.DSN()
}
