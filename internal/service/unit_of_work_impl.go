package service

import (
	"context"
	"log/slog"

	"github.com/jnst/txevents/internal/logger"
	"github.com/jnst/txevents/internal/repository"
	"github.com/jnst/txevents/internal/sideeffect"
)

// UnitOfWorkImpl implements UnitOfWork over a TransactionManager.
type UnitOfWorkImpl struct {
	transactionMgr repository.TransactionManager
	adapter        *sideeffect.Adapter
	log            *slog.Logger
}

// NewUnitOfWorkImpl creates a new UnitOfWork implementation.
func NewUnitOfWorkImpl(
	transactionMgr repository.TransactionManager,
	adapter *sideeffect.Adapter,
	l *slog.Logger,
) *UnitOfWorkImpl {
	return &UnitOfWorkImpl{
		transactionMgr: transactionMgr,
		adapter:        adapter,
		log:            logger.Component(l, "unit-of-work"),
	}
}

type unitKey struct{}

// withUnit marks ctx as running inside a unit of work whose transaction and
// queue are already carried by ctx.
func withUnit(ctx context.Context) context.Context {
	return context.WithValue(ctx, unitKey{}, struct{}{})
}

func inUnit(ctx context.Context) bool {
	return ctx.Value(unitKey{}) != nil
}

// Run executes fn inside a transaction. Effects queued by fn are validated
// and the before-commit ones executed inside the transaction; a failure
// there rolls it back. After-commit effects run once the commit succeeded.
// A Run nested in another unit of work joins its transaction and queue.
func (u *UnitOfWorkImpl) Run(ctx context.Context, fn func(ctx context.Context) error) (UnitResult, error) {
	var result UnitResult

	if inUnit(ctx) {
		return result, fn(ctx)
	}

	q := sideeffect.NewQueue()

	err := u.transactionMgr.WithTransaction(withUnit(sideeffect.WithQueue(ctx, q)), func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return err
		}

		if err := u.adapter.PreValidate(ctx, q); err != nil {
			return err
		}

		report, err := u.adapter.PreCommit(ctx, q)
		result.PreCommit = report

		return err
	})
	if err != nil {
		result.Discarded = u.adapter.OnAbort(ctx, q)
		u.log.Warn("unit of work rolled back",
			slog.Int("discarded_effects", result.Discarded),
			slog.String("error", err.Error()),
		)

		return result, err
	}

	result.PostCommit = u.adapter.PostCommit(ctx, q)

	return result, nil
}
