// Package model defines domain models and data structures.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Metadata carries tracing identifiers for an event.
type Metadata struct {
	// CorrelationID groups together all events of the same logical operation.
	CorrelationID string `json:"correlation_id,omitempty"`
	// CausationID points back to the command or event that caused this one.
	CausationID string `json:"causation_id,omitempty"`
}

// Event is an immutable record with a type tag and a payload.
// Construct it with NewEvent and treat it as a value afterwards.
type Event struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	AggregateID string          `json:"aggregate_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Metadata    Metadata        `json:"metadata"`
}

// NewEvent creates an event with a generated ID.
func NewEvent(kind, aggregateID string, payload json.RawMessage) (Event, error) {
	if kind == "" {
		return Event{}, ErrEmptyKind
	}

	if len(payload) > 0 && !json.Valid(payload) {
		return Event{}, ErrInvalidPayload
	}

	return Event{
		ID:          uuid.NewString(),
		Kind:        kind,
		AggregateID: aggregateID,
		Payload:     append(json.RawMessage(nil), payload...),
		OccurredAt:  time.Now().UTC(),
	}, nil
}

// NewEventFromValue marshals v as the event payload.
func NewEventFromValue(kind, aggregateID string, v any) (Event, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Event{}, err
	}

	return NewEvent(kind, aggregateID, payload)
}

// WithCorrelation returns a copy of e carrying the given correlation ID.
func (e Event) WithCorrelation(correlationID string) Event {
	e.Metadata.CorrelationID = correlationID
	return e
}

// WithCausation returns a copy of e caused by the given event or command ID.
func (e Event) WithCausation(causationID string) Event {
	e.Metadata.CausationID = causationID
	return e
}

// Validate reports whether the event is well formed.
func (e Event) Validate() error {
	if e.Kind == "" {
		return ErrEmptyKind
	}

	if e.ID == "" {
		return ErrEmptyEventID
	}

	return nil
}

// DecodePayload unmarshals the payload into v.
func (e Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return ErrInvalidPayload
	}

	return json.Unmarshal(e.Payload, v)
}
