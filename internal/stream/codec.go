// Package stream moves events through Redis Streams.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jnst/txevents/internal/model"
)

// Stream entry field names.
const (
	FieldEventID       = "event_id"
	FieldEventType     = "event_type"
	FieldAggregateID   = "aggregate_id"
	FieldPayload       = "payload"
	FieldOccurredAt    = "occurred_at"
	FieldCorrelationID = "correlation_id"
	FieldCausationID   = "causation_id"
)

var (
	errMissingEventType = errors.New("missing event_type in message")
	errMissingEventID   = errors.New("missing event_id in message")
)

// Fields encodes an event as ordered field/value pairs.
func Fields(e model.Event) [][2]string {
	return [][2]string{
		{FieldEventID, e.ID},
		{FieldEventType, e.Kind},
		{FieldAggregateID, e.AggregateID},
		{FieldPayload, string(e.Payload)},
		{FieldOccurredAt, e.OccurredAt.UTC().Format(time.RFC3339Nano)},
		{FieldCorrelationID, e.Metadata.CorrelationID},
		{FieldCausationID, e.Metadata.CausationID},
	}
}

// Decode rebuilds an event from stream entry fields.
func Decode(fields map[string]string) (model.Event, error) {
	kind, ok := fields[FieldEventType]
	if !ok || kind == "" {
		return model.Event{}, errMissingEventType
	}

	id, ok := fields[FieldEventID]
	if !ok || id == "" {
		return model.Event{}, errMissingEventID
	}

	e := model.Event{
		ID:          id,
		Kind:        kind,
		AggregateID: fields[FieldAggregateID],
		Metadata: model.Metadata{
			CorrelationID: fields[FieldCorrelationID],
			CausationID:   fields[FieldCausationID],
		},
	}

	if p := fields[FieldPayload]; p != "" {
		if !json.Valid([]byte(p)) {
			return model.Event{}, fmt.Errorf("event %s: %w", id, model.ErrInvalidPayload)
		}
		e.Payload = json.RawMessage(p)
	}

	if ts := fields[FieldOccurredAt]; ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return model.Event{}, fmt.Errorf("failed to parse occurred_at: %w", err)
		}
		e.OccurredAt = t
	}

	return e, nil
}
