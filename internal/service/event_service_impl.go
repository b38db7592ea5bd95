package service

import (
	"context"
	"fmt"

	"github.com/jnst/txevents/internal/model"
	"github.com/jnst/txevents/internal/repository"
	"github.com/jnst/txevents/internal/sideeffect"
)

// EventServiceImpl implements EventService. Every event is written to the
// outbox in the caller's transaction and queued for in-process dispatch.
type EventServiceImpl struct {
	uow        UnitOfWork
	outboxRepo repository.OutboxRepository
	publisher  sideeffect.Publisher
}

// NewEventServiceImpl creates a new EventService implementation.
func NewEventServiceImpl(
	uow UnitOfWork,
	outboxRepo repository.OutboxRepository,
	publisher sideeffect.Publisher,
) EventService {
	return &EventServiceImpl{
		uow:        uow,
		outboxRepo: outboxRepo,
		publisher:  publisher,
	}
}

// Emit creates an event from params and records it in its own unit of work,
// or in the caller's when ctx already belongs to one.
func (s *EventServiceImpl) Emit(ctx context.Context, params *model.PublishEventParams) (*model.Event, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	event, err := model.NewEvent(params.Kind, params.AggregateID, params.Payload)
	if err != nil {
		return nil, err
	}
	event = event.WithCorrelation(params.CorrelationID)

	if _, err := s.uow.Run(ctx, func(ctx context.Context) error {
		return s.Record(ctx, event)
	}); err != nil {
		return nil, err
	}

	return &event, nil
}

// Record writes event to the outbox and queues its dispatch. ctx must come
// from a unit of work.
func (s *EventServiceImpl) Record(ctx context.Context, event model.Event) error {
	if _, err := s.outboxRepo.CreateEvent(ctx, model.OutboxParamsFromEvent(event)); err != nil {
		return fmt.Errorf("failed to create outbox event: %w", err)
	}

	if err := sideeffect.Enqueue(ctx, sideeffect.NewEventEffect(s.publisher, event)); err != nil {
		return fmt.Errorf("failed to queue event %s: %w", event.ID, err)
	}

	return nil
}
