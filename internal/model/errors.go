package model

import "errors"

var (
	// ErrEmptyKind is returned when an event has no type tag.
	ErrEmptyKind = errors.New("event kind is required")
	// ErrEmptyEventID is returned when an event has no identifier.
	ErrEmptyEventID = errors.New("event id is required")
	// ErrInvalidPayload is returned when an event payload is not valid JSON.
	ErrInvalidPayload = errors.New("event payload is not valid json")
	// ErrUnknownKind is returned when a kind is not declared in a strict catalog.
	ErrUnknownKind = errors.New("unknown event kind")
	// ErrAbstractKind is returned when publishing a family kind instead of a concrete one.
	ErrAbstractKind = errors.New("event kind is a family, not a concrete kind")
	// ErrDuplicateEvent is returned when an event ID has already been seen.
	ErrDuplicateEvent = errors.New("duplicate event")
	// ErrKindCycle is returned when a family definition would create a cycle.
	ErrKindCycle = errors.New("event family cycle")
	// ErrPublishAborted is returned when an interceptor rejects a publish.
	ErrPublishAborted = errors.New("publish aborted by interceptor")
	// ErrBusClosed is returned when publishing on a closed bus.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrInvalidTransition is returned when a workflow trigger is not allowed in the current state.
	ErrInvalidTransition = errors.New("invalid workflow transition")
	// ErrEventNotFound is returned when an outbox event is not found in database.
	ErrEventNotFound = errors.New("event not found")
)
