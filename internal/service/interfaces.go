// Package service provides business logic layer implementations.
package service

import (
	"context"

	"github.com/jnst/txevents/internal/model"
	"github.com/jnst/txevents/internal/sideeffect"
	"github.com/jnst/txevents/internal/workflow"
)

// UnitResult reports what a unit of work did with its side effects.
type UnitResult struct {
	PreCommit  sideeffect.Report
	PostCommit sideeffect.Report
	Discarded  int
}

// UnitOfWork runs a function in a transaction and flushes or discards the
// side effects it queued at the transaction boundaries.
type UnitOfWork interface {
	Run(ctx context.Context, fn func(ctx context.Context) error) (UnitResult, error)
}

// EventService defines business logic methods for emitting events.
type EventService interface {
	Emit(ctx context.Context, params *model.PublishEventParams) (*model.Event, error)
	Record(ctx context.Context, event model.Event) error
}

// OutboxService defines business logic methods for outbox event processing.
type OutboxService interface {
	ProcessUnpublishedEvents(ctx context.Context, limit int) error
}

// WorkflowService runs multi-step operations as sagas.
type WorkflowService interface {
	Execute(ctx context.Context, name string, steps []workflow.Step) (*workflow.Saga, error)
}
