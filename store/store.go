// Package store wraps a pgx connection pool and the startup schema
// migration for the gateway's four tables.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps a pgx connection pool.
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// New parses databaseURL, opens a connection pool, and pings it.
func New(ctx context.Context, databaseURL string, log zerolog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse database url: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &DB{Pool: pool, log: log}, nil
}

// Close releases all pooled connections.
func (db *DB) Close() {
	db.Pool.Close()
}

// Health reports whether the pool can still reach Postgres.
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return db.Pool.Ping(ctx)
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on any error or panic, matching the teacher's transactional-helper
// pattern used throughout the backend-registry and tenant-key invariants.
func (db *DB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()
	err = fn(tx)
	return err
}

// Migrate creates the four gateway tables if they do not already exist.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS backend_configs (
		id          uuid PRIMARY KEY,
		name        text NOT NULL,
		base_url    text NOT NULL,
		api_key     text NOT NULL,
		is_active   boolean NOT NULL DEFAULT false,
		is_default  boolean NOT NULL DEFAULT false,
		created_at  timestamptz NOT NULL DEFAULT now(),
		updated_at  timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS tenant_keys (
		id            uuid PRIMARY KEY,
		name          text NOT NULL,
		key_hash      text NOT NULL UNIQUE,
		key_value     text,
		is_active     boolean NOT NULL DEFAULT true,
		rate_limit    integer NOT NULL DEFAULT 1000,
		quota_limit   integer NOT NULL DEFAULT 100000,
		cost_limit    double precision NOT NULL DEFAULT 10.0,
		daily_quota   double precision NOT NULL DEFAULT 50.0,
		created_at    timestamptz NOT NULL DEFAULT now(),
		last_used     timestamptz
	)`,
	`CREATE TABLE IF NOT EXISTS usage_records (
		id                     uuid PRIMARY KEY,
		tenant_key_id          uuid NOT NULL REFERENCES tenant_keys(id) ON DELETE CASCADE,
		endpoint               text NOT NULL,
		method                 text NOT NULL,
		model                  text NOT NULL DEFAULT 'unknown',
		input_tokens           bigint NOT NULL DEFAULT 0,
		output_tokens          bigint NOT NULL DEFAULT 0,
		cache_creation_tokens  bigint NOT NULL DEFAULT 0,
		cache_read_tokens      bigint NOT NULL DEFAULT 0,
		tokens_used            bigint NOT NULL DEFAULT 0,
		cost                   double precision NOT NULL DEFAULT 0,
		request_size           bigint NOT NULL DEFAULT 0,
		response_size          bigint NOT NULL DEFAULT 0,
		processing_time        double precision NOT NULL DEFAULT 0,
		output_tps             double precision NOT NULL DEFAULT 0,
		timestamp              timestamptz NOT NULL DEFAULT now(),
		status_code            integer NOT NULL DEFAULT 0,
		error_message          text
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_records_tenant_ts ON usage_records (tenant_key_id, timestamp)`,
	`CREATE TABLE IF NOT EXISTS daily_usage (
		id                     uuid PRIMARY KEY,
		tenant_key_id          uuid NOT NULL REFERENCES tenant_keys(id) ON DELETE CASCADE,
		date                   date NOT NULL,
		model                  text NOT NULL,
		total_requests         bigint NOT NULL DEFAULT 0,
		total_input_tokens     bigint NOT NULL DEFAULT 0,
		total_output_tokens    bigint NOT NULL DEFAULT 0,
		total_cache_creation_tokens bigint NOT NULL DEFAULT 0,
		total_cache_read_tokens     bigint NOT NULL DEFAULT 0,
		total_tokens           bigint NOT NULL DEFAULT 0,
		total_cost             double precision NOT NULL DEFAULT 0,
		avg_processing_time    double precision NOT NULL DEFAULT 0,
		avg_output_tps         double precision NOT NULL DEFAULT 0,
		UNIQUE (tenant_key_id, date, model)
	)`,
}
