package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS payments (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		game_id TEXT NOT NULL,
		amount NUMERIC(12,2) NOT NULL,
		method TEXT NOT NULL,
		status TEXT NOT NULL,
		transaction_id TEXT,
		failure_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		processed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS payments_user_idx ON payments (user_id)`,
	`CREATE TABLE IF NOT EXISTS grants (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		game_id TEXT NOT NULL,
		payment_id UUID NOT NULL REFERENCES payments (id),
		purchase_price NUMERIC(12,2) NOT NULL,
		granted_at TIMESTAMPTZ NOT NULL,
		UNIQUE (user_id, game_id)
	)`,
	`CREATE TABLE IF NOT EXISTS payment_events (
		id BIGSERIAL PRIMARY KEY,
		event_id UUID NOT NULL UNIQUE,
		aggregate_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload JSONB NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS payment_events_aggregate_idx ON payment_events (aggregate_id, id)`,
}

// Migrate creates the tables this package expects. Safe to run repeatedly.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
