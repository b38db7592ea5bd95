package service

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/jnst/txevents/internal/logger"
	"github.com/jnst/txevents/internal/repository"
	"github.com/jnst/txevents/internal/sideeffect"
	"github.com/jnst/txevents/internal/workflow"
)

// WorkflowServiceImpl runs sagas inside one transaction. Steps share the
// transaction and a side-effect queue, so writes made through the unit of
// work are rolled back with a compensated saga, and the queued effects are
// flushed only once the transaction committed.
type WorkflowServiceImpl struct {
	transactionMgr repository.TransactionManager
	adapter        *sideeffect.Adapter
	log            *slog.Logger
}

// NewWorkflowServiceImpl creates a new WorkflowService implementation.
func NewWorkflowServiceImpl(
	transactionMgr repository.TransactionManager,
	adapter *sideeffect.Adapter,
	l *slog.Logger,
) WorkflowService {
	return &WorkflowServiceImpl{
		transactionMgr: transactionMgr,
		adapter:        adapter,
		log:            l,
	}
}

// Execute runs steps as a saga with automatic compensation. The returned
// saga is never nil, so callers can inspect its state and history. A saga
// paused by one of its steps cannot outlive the transaction and is
// compensated instead.
func (s *WorkflowServiceImpl) Execute(ctx context.Context, name string, steps []workflow.Step) (*workflow.Saga, error) {
	boundary := sideeffect.NewBoundary(s.adapter)
	commit := &txBoundary{Boundary: boundary}
	saga := workflow.NewSaga(name, steps,
		workflow.WithBoundary(commit),
		workflow.WithAutoCompensate(),
		workflow.WithSagaLogger(s.log),
	)

	err := s.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		err := saga.Run(withUnit(boundary.Context(ctx)))
		if errors.Is(err, workflow.ErrPaused) {
			return errors.Join(err, saga.Cancel(ctx, "paused inside a transaction"))
		}
		return err
	})
	if err != nil {
		if commit.committed.Load() {
			boundary.Abort(ctx)
			logger.Component(s.log, "workflow").Error("workflow transaction failed after saga commit",
				slog.String("workflow_id", saga.Machine().ID()),
				slog.String("error", err.Error()),
			)
		}

		return saga, err
	}

	boundary.AfterCommit(ctx)

	return saga, nil
}

// txBoundary holds back the saga's after-commit point until the enclosing
// transaction has committed.
type txBoundary struct {
	*sideeffect.Boundary
	committed atomic.Bool
}

func (b *txBoundary) AfterCommit(context.Context) {
	b.committed.Store(true)
}
