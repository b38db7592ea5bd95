package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/txevents/internal/model"
	"github.com/jnst/txevents/internal/sideeffect"
)

func TestEmitWritesOutboxAndDispatchesAfterCommit(t *testing.T) {
	f := newFixture(t, nil)

	rec := &recorder{}
	_, err := f.bus.Subscribe("order.placed", "recorder", rec.handle)
	require.NoError(t, err)

	event, err := f.events.Emit(context.Background(), &model.PublishEventParams{
		Kind:          "order.placed",
		AggregateID:   "order-1",
		Payload:       json.RawMessage(`{"total":42}`),
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, "corr-1", event.Metadata.CorrelationID)
	assert.Equal(t, []string{"order.placed"}, rec.seen())

	rows, err := f.repo.GetUnpublishedEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, event.ID, rows[0].EventID)
	assert.Equal(t, "corr-1", rows[0].CorrelationID)
}

func TestEmitRejectsInvalidParams(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.events.Emit(context.Background(), &model.PublishEventParams{})
	require.ErrorIs(t, err, model.ErrEmptyKind)

	_, err = f.events.Emit(context.Background(), &model.PublishEventParams{
		Kind:    "order.placed",
		Payload: json.RawMessage(`{`),
	})
	require.ErrorIs(t, err, model.ErrInvalidPayload)

	assert.Equal(t, 0, f.store.Len())
}

func TestEmitBeforeCommitHandlerFailureRollsBackOutbox(t *testing.T) {
	f := newFixture(t, map[string]sideeffect.Policy{
		"order.placed": fastPolicy(sideeffect.BeforeCommit),
	})

	_, err := f.bus.Subscribe("order.placed", "failing", func(context.Context, model.Event) error {
		return errBoom
	})
	require.NoError(t, err)

	_, err = f.events.Emit(context.Background(), &model.PublishEventParams{Kind: "order.placed"})
	require.ErrorIs(t, err, errBoom)

	assert.Equal(t, 0, f.store.Len())
}

func TestRecordRequiresUnitOfWork(t *testing.T) {
	f := newFixture(t, nil)

	event, err := model.NewEvent("order.placed", "order-1", nil)
	require.NoError(t, err)

	err = f.events.Record(context.Background(), event)
	require.ErrorIs(t, err, sideeffect.ErrNoQueue)
}

func TestRecordDuplicateEventRollsBack(t *testing.T) {
	f := newFixture(t, nil)

	event, err := model.NewEvent("order.placed", "order-1", nil)
	require.NoError(t, err)

	_, err = f.uow.Run(context.Background(), func(ctx context.Context) error {
		if err := f.events.Record(ctx, event); err != nil {
			return err
		}
		return f.events.Record(ctx, event)
	})
	require.Error(t, err)
	assert.Equal(t, 0, f.store.Len())
}
