package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloudgames/payment-engine/internal/payment/application"
	"github.com/cloudgames/payment-engine/internal/payment/domain"
)

// EventStore persists domain events in an append-only table. The bigserial
// primary key gives each aggregate's entries a total order; rows are never
// updated or deleted.
type EventStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewEventStore(log *slog.Logger, pool *pgxpool.Pool) *EventStore {
	return &EventStore{log: log, pool: pool}
}

func (s *EventStore) Append(ctx context.Context, e domain.Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payment_events (event_id, aggregate_id, type, payload, occurred_at)
		VALUES ($1,$2,$3,$4,$5)`,
		e.ID, e.AggregateID, e.Type, []byte(e.Payload), e.OccurredAt)
	if err != nil {
		return fmt.Errorf("%w: append event: %v", application.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *EventStore) ReadAll(ctx context.Context, aggregateID string) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, aggregate_id, type, payload, occurred_at
		FROM payment_events WHERE aggregate_id=$1 ORDER BY id`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("%w: read events: %v", application.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	events := make([]domain.Event, 0)
	for rows.Next() {
		var e domain.Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.Type, &payload, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = payload
		events = append(events, e)
	}
	return events, rows.Err()
}
