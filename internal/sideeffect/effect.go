// Package sideeffect defers side effects queued during a unit of work and
// runs them at its boundaries: synchronous effects before the commit,
// asynchronous ones after it, none at all on abort.
package sideeffect

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/jnst/txevents/internal/eventbus"
	"github.com/jnst/txevents/internal/model"
)

// Effect is an action deferred to a unit-of-work boundary.
type Effect interface {
	ID() string
	Kind() string
	Execute(ctx context.Context) error
}

// Validator is implemented by effects that can check themselves before the commit.
type Validator interface {
	Validate() error
}

type funcEffect struct {
	id   string
	kind string
	fn   func(ctx context.Context) error
}

// NewEffect wraps fn as an effect of the given kind with a generated ID.
func NewEffect(kind string, fn func(ctx context.Context) error) Effect {
	return NewEffectWithID(uuid.NewString(), kind, fn)
}

// NewEffectWithID wraps fn as an effect with a caller-chosen ID, so that
// enqueueing the same logical effect twice is deduplicated.
func NewEffectWithID(id, kind string, fn func(ctx context.Context) error) Effect {
	return &funcEffect{id: id, kind: kind, fn: fn}
}

func (e *funcEffect) ID() string   { return e.id }
func (e *funcEffect) Kind() string { return e.kind }

func (e *funcEffect) Execute(ctx context.Context) error {
	return e.fn(ctx)
}

func (e *funcEffect) Validate() error {
	if e.fn == nil {
		return errors.New("effect function is nil")
	}
	return nil
}

// Publisher dispatches events. *eventbus.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, event model.Event) (eventbus.PublishResult, error)
}

// EventEffect publishes an event. It fails when the publish is rejected or
// when any handler fails, so that retry and FailOnError apply to handlers.
type EventEffect struct {
	event     model.Event
	publisher Publisher
}

// NewEventEffect creates an effect publishing event on publisher.
func NewEventEffect(publisher Publisher, event model.Event) *EventEffect {
	return &EventEffect{event: event, publisher: publisher}
}

// ID returns the event ID.
func (e *EventEffect) ID() string { return e.event.ID }

// Kind returns the event kind.
func (e *EventEffect) Kind() string { return e.event.Kind }

// Event returns the wrapped event.
func (e *EventEffect) Event() model.Event { return e.event }

// Execute implements Effect.
func (e *EventEffect) Execute(ctx context.Context) error {
	result, err := e.publisher.Publish(ctx, e.event)
	if err != nil {
		if errors.Is(err, model.ErrPublishAborted) || errors.Is(err, model.ErrAbstractKind) ||
			errors.Is(err, model.ErrUnknownKind) {
			return Permanent(err)
		}
		return err
	}

	return result.Err()
}

// KindChecker is implemented by publishers that can reject a kind up front.
type KindChecker interface {
	CheckKind(kind string) error
}

// Validate implements Validator.
func (e *EventEffect) Validate() error {
	if e.publisher == nil {
		return errors.New("event effect has no publisher")
	}

	if err := e.event.Validate(); err != nil {
		return err
	}

	if c, ok := e.publisher.(KindChecker); ok {
		return c.CheckKind(e.event.Kind)
	}

	return nil
}
