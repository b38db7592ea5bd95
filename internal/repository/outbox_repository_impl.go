package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/txevents/internal/model"
)

// Schema creates the outbox table.
const Schema = `
CREATE TABLE IF NOT EXISTS outbox_events (
    id             BIGSERIAL PRIMARY KEY,
    event_id       TEXT        NOT NULL UNIQUE,
    aggregate_id   TEXT        NOT NULL DEFAULT '',
    event_type     TEXT        NOT NULL,
    payload        JSONB,
    correlation_id TEXT        NOT NULL DEFAULT '',
    causation_id   TEXT        NOT NULL DEFAULT '',
    occurred_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    published_at   TIMESTAMPTZ
);
ALTER TABLE outbox_events ADD COLUMN IF NOT EXISTS causation_id TEXT NOT NULL DEFAULT '';
ALTER TABLE outbox_events ADD COLUMN IF NOT EXISTS occurred_at TIMESTAMPTZ NOT NULL DEFAULT now();
CREATE INDEX IF NOT EXISTS outbox_events_unpublished_idx
    ON outbox_events (id) WHERE published_at IS NULL;
`

const (
	createOutboxEventSQL = `
INSERT INTO outbox_events (event_id, aggregate_id, event_type, payload, correlation_id, causation_id, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7::timestamptz, now()))
RETURNING id, event_id, aggregate_id, event_type, payload, correlation_id, causation_id, occurred_at, created_at, published_at`

	getUnpublishedEventsSQL = `
SELECT id, event_id, aggregate_id, event_type, payload, correlation_id, causation_id, occurred_at, created_at, published_at
FROM outbox_events
WHERE published_at IS NULL
ORDER BY id
LIMIT $1
FOR UPDATE SKIP LOCKED`

	markEventAsPublishedSQL = `UPDATE outbox_events SET published_at = now() WHERE id = $1`
)

// EnsureSchema creates the outbox table when missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, Schema)
	return err
}

// OutboxRepositoryImpl implements OutboxRepository using PostgreSQL.
type OutboxRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewOutboxRepositoryImpl creates a new OutboxRepository implementation.
func NewOutboxRepositoryImpl(pool *pgxpool.Pool) OutboxRepository {
	return &OutboxRepositoryImpl{pool: pool}
}

// CreateEvent creates a new outbox event.
func (r *OutboxRepositoryImpl) CreateEvent(
	ctx context.Context, params *model.CreateOutboxEventParams,
) (*model.OutboxEvent, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, createOutboxEventSQL,
		params.EventID,
		params.AggregateID,
		params.EventType,
		nullablePayload(params.Payload),
		params.CorrelationID,
		params.CausationID,
		nullableTime(params.OccurredAt),
	)

	return scanOutboxEvent(row)
}

// GetUnpublishedEvents retrieves unpublished outbox events.
func (r *OutboxRepositoryImpl) GetUnpublishedEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, getUnpublishedEventsSQL, int32(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.OutboxEvent
	for rows.Next() {
		event, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// MarkAsPublished marks an outbox event as published.
func (r *OutboxRepositoryImpl) MarkAsPublished(ctx context.Context, id int64) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, markEventAsPublishedSQL, id)
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		return model.ErrEventNotFound
	}

	return nil
}

func scanOutboxEvent(row pgx.Row) (*model.OutboxEvent, error) {
	var (
		event       model.OutboxEvent
		publishedAt *time.Time
	)

	err := row.Scan(
		&event.ID,
		&event.EventID,
		&event.AggregateID,
		&event.EventType,
		&event.Payload,
		&event.CorrelationID,
		&event.CausationID,
		&event.OccurredAt,
		&event.CreatedAt,
		&publishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrEventNotFound
		}
		return nil, err
	}

	event.PublishedAt = publishedAt

	return &event, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullablePayload(p []byte) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}
