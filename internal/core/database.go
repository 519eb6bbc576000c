// Package database owns the Postgres connection pool and the ledger schema.
package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx pool against url and verifies it with a ping.
func Connect(ctx context.Context, url string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS reference_credits (
	code       TEXT PRIMARY KEY,
	credits    INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS generated_images (
	hash       TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS upload_rewards (
	hash       TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	token      INTEGER NOT NULL,
	message    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS generation_audit (
	id              BIGSERIAL PRIMARY KEY,
	session_id      TEXT NOT NULL,
	prompt          TEXT NOT NULL,
	final_prompt    TEXT NOT NULL,
	negative_prompt TEXT NOT NULL,
	model           TEXT NOT NULL,
	image_count     INTEGER NOT NULL,
	outcomes        JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the ledger tables when they do not exist yet.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
