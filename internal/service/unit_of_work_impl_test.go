package service

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/txevents/internal/model"
	"github.com/jnst/txevents/internal/sideeffect"
)

func TestUnitOfWorkRunsAfterCommitEffectsOnlyAfterCommit(t *testing.T) {
	f := newFixture(t, nil)

	var committedAtExecution int
	effect := sideeffect.NewEffect("audit.logged", func(context.Context) error {
		committedAtExecution = f.store.Len()
		return nil
	})

	result, err := f.uow.Run(context.Background(), func(ctx context.Context) error {
		if _, err := f.repo.CreateEvent(ctx, params("evt-1")); err != nil {
			return err
		}
		return sideeffect.Enqueue(ctx, effect)
	})
	require.NoError(t, err)

	assert.Equal(t, 1, committedAtExecution)
	assert.Equal(t, 1, result.PreCommit.Deferred)
	require.Len(t, result.PostCommit.Outcomes, 1)
	assert.NoError(t, result.PostCommit.Err())
}

func TestUnitOfWorkRollsBackOnFatalBeforeCommitEffect(t *testing.T) {
	f := newFixture(t, map[string]sideeffect.Policy{
		"billing.charged": fastPolicy(sideeffect.BeforeCommit),
	})

	var asyncRan bool
	result, err := f.uow.Run(context.Background(), func(ctx context.Context) error {
		if _, err := f.repo.CreateEvent(ctx, params("evt-1")); err != nil {
			return err
		}
		require.NoError(t, sideeffect.Enqueue(ctx, sideeffect.NewEffect("billing.charged", func(context.Context) error {
			return errBoom
		})))
		return sideeffect.Enqueue(ctx, sideeffect.NewEffect("audit.logged", func(context.Context) error {
			asyncRan = true
			return nil
		}))
	})
	require.ErrorIs(t, err, errBoom)

	assert.Equal(t, 0, f.store.Len())
	assert.False(t, asyncRan)
	assert.Equal(t, 1, result.Discarded)
	require.Len(t, result.PreCommit.Outcomes, 1)
	assert.True(t, result.PreCommit.Outcomes[0].Fatal)
}

func TestUnitOfWorkDiscardsEffectsWhenFnFails(t *testing.T) {
	f := newFixture(t, nil)

	var ran bool
	result, err := f.uow.Run(context.Background(), func(ctx context.Context) error {
		require.NoError(t, sideeffect.Enqueue(ctx, sideeffect.NewEffect("audit.logged", func(context.Context) error {
			ran = true
			return nil
		})))
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	assert.False(t, ran)
	assert.Equal(t, 1, result.Discarded)
}

func TestUnitOfWorkValidationFailureAbortsBeforeExecution(t *testing.T) {
	f := newFixture(t, nil)

	var ran bool
	_, err := f.uow.Run(context.Background(), func(ctx context.Context) error {
		require.NoError(t, sideeffect.Enqueue(ctx, sideeffect.NewEventEffect(f.bus, model.Event{Kind: "order.placed"})))
		return sideeffect.Enqueue(ctx, sideeffect.NewEffect("audit.logged", func(context.Context) error {
			ran = true
			return nil
		}))
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrEmptyEventID)
	assert.False(t, ran)
}

func TestUnitOfWorkNestedRunJoinsOuterQueue(t *testing.T) {
	f := newFixture(t, nil)

	var count atomic.Int32
	effect := func(context.Context) error {
		count.Add(1)
		return nil
	}

	result, err := f.uow.Run(context.Background(), func(ctx context.Context) error {
		require.NoError(t, sideeffect.Enqueue(ctx, sideeffect.NewEffect("audit.logged", effect)))

		_, err := f.uow.Run(ctx, func(ctx context.Context) error {
			return sideeffect.Enqueue(ctx, sideeffect.NewEffect("audit.logged", effect))
		})
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, int32(2), count.Load())
	assert.Len(t, result.PostCommit.Outcomes, 2)
}

func TestUnitOfWorkOpensTransactionUnderForeignQueue(t *testing.T) {
	f := newFixture(t, nil)

	outer := sideeffect.NewQueue()
	ctx := sideeffect.WithQueue(context.Background(), outer)

	_, err := f.uow.Run(ctx, func(ctx context.Context) error {
		if _, err := f.repo.CreateEvent(ctx, params("evt-1")); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	assert.Zero(t, f.store.Len())
	assert.Zero(t, outer.Len())
}

func params(eventID string) *model.CreateOutboxEventParams {
	return &model.CreateOutboxEventParams{
		EventID:     eventID,
		AggregateID: "agg-1",
		EventType:   "order.placed",
	}
}
