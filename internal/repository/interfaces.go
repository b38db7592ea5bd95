// Package repository provides data access interfaces and implementations.
package repository

import (
	"context"

	"github.com/jnst/txevents/internal/model"
)

// OutboxRepository defines methods for outbox event data access.
// Calls made with a transactional context join that transaction.
type OutboxRepository interface {
	CreateEvent(ctx context.Context, params *model.CreateOutboxEventParams) (*model.OutboxEvent, error)
	GetUnpublishedEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
	MarkAsPublished(ctx context.Context, id int64) error
}

// TransactionManager defines methods for database transaction management.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
