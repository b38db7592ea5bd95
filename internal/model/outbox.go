package model

import (
	"encoding/json"
	"time"
)

// OutboxEvent represents an outbox event for reliable message delivery.
type OutboxEvent struct {
	ID            int64      `json:"id"`
	EventID       string     `json:"event_id"`
	AggregateID   string     `json:"aggregate_id"`
	EventType     string     `json:"event_type"`
	Payload       []byte     `json:"payload"`
	CorrelationID string     `json:"correlation_id"`
	CausationID   string     `json:"causation_id"`
	OccurredAt    time.Time  `json:"occurred_at"`
	CreatedAt     time.Time  `json:"created_at"`
	PublishedAt   *time.Time `json:"published_at"`
}

// CreateOutboxEventParams represents parameters for creating a new outbox event.
type CreateOutboxEventParams struct {
	EventID       string
	AggregateID   string
	EventType     string
	Payload       []byte
	CorrelationID string
	CausationID   string
	OccurredAt    time.Time
}

// OutboxParamsFromEvent maps an event to its outbox row.
func OutboxParamsFromEvent(e Event) *CreateOutboxEventParams {
	return &CreateOutboxEventParams{
		EventID:       e.ID,
		AggregateID:   e.AggregateID,
		EventType:     e.Kind,
		Payload:       []byte(e.Payload),
		CorrelationID: e.Metadata.CorrelationID,
		CausationID:   e.Metadata.CausationID,
		OccurredAt:    e.OccurredAt,
	}
}

// ToEvent rebuilds the event stored in an outbox row. Rows written without
// an occurrence time fall back to their creation time.
func (o *OutboxEvent) ToEvent() Event {
	occurredAt := o.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = o.CreatedAt
	}

	return Event{
		ID:          o.EventID,
		Kind:        o.EventType,
		AggregateID: o.AggregateID,
		Payload:     json.RawMessage(o.Payload),
		OccurredAt:  occurredAt,
		Metadata: Metadata{
			CorrelationID: o.CorrelationID,
			CausationID:   o.CausationID,
		},
	}
}

// PublishEventParams represents an HTTP request to emit an event.
type PublishEventParams struct {
	Kind          string          `json:"kind"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id"`
}

// Validate validates the publish event parameters.
func (p *PublishEventParams) Validate() error {
	if p.Kind == "" {
		return ErrEmptyKind
	}

	if len(p.Payload) > 0 && !json.Valid(p.Payload) {
		return ErrInvalidPayload
	}

	return nil
}
