package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/txevents/internal/eventbus"
	"github.com/jnst/txevents/internal/logger"
	"github.com/jnst/txevents/internal/model"
	"github.com/jnst/txevents/internal/stream"
)

type fakeSource struct {
	mu      sync.Mutex
	entries []stream.Entry
	pending []stream.Entry
	acked   []string
}

func (s *fakeSource) Read(context.Context) ([]stream.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.entries
	s.entries = nil
	return out, nil
}

func (s *fakeSource) ReadPending(context.Context) ([]stream.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]stream.Entry(nil), s.pending...), nil
}

func (s *fakeSource) Ack(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.acked = append(s.acked, id)
	for i, e := range s.pending {
		if e.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	return nil
}

func newEvent(t *testing.T, kind string) model.Event {
	t.Helper()

	e, err := model.NewEvent(kind, "agg-1", nil)
	require.NoError(t, err)
	return e
}

func TestConsumeMessagesAcksHandledAndSkippable(t *testing.T) {
	cat := eventbus.NewCatalog()
	require.NoError(t, cat.Define("order", "order.placed", "order.failed"))

	bus := eventbus.New(
		eventbus.WithLogger(logger.Discard()),
		eventbus.WithCatalog(cat),
		eventbus.WithInterceptors(eventbus.NewDedupInterceptor(0)),
	)
	t.Cleanup(bus.Close)

	require.NoError(t, subscribeLoggers(bus, cat.Roots(), logger.Discard()))
	_, err := bus.Subscribe("order.failed", "failing", func(context.Context, model.Event) error {
		return errors.New("downstream unavailable")
	})
	require.NoError(t, err)

	placed := newEvent(t, "order.placed")
	source := &fakeSource{entries: []stream.Entry{
		{ID: "1-0", Event: placed},
		{ID: "2-0", Event: placed},
		{ID: "3-0", Err: errors.New("missing event_type")},
		{ID: "4-0", Event: newEvent(t, "order")},
		{ID: "5-0", Event: newEvent(t, "order.failed")},
	}}

	h := NewMessageHandler(source, bus, 0, logger.Discard())
	require.NoError(t, h.consumeMessages(context.Background()))

	assert.Equal(t, []string{"1-0", "2-0", "3-0", "4-0"}, source.acked)
}

func TestRunConsumerLoopStopsOnCancel(t *testing.T) {
	bus := eventbus.New(eventbus.WithLogger(logger.Discard()))
	t.Cleanup(bus.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := NewMessageHandler(&fakeSource{}, bus, time.Second, logger.Discard())
	h.runConsumerLoop(ctx)
}

func TestRedeliverPendingRetriesFailedEntries(t *testing.T) {
	bus := eventbus.New(
		eventbus.WithLogger(logger.Discard()),
		eventbus.WithInterceptors(eventbus.NewDedupInterceptor(0)),
	)
	t.Cleanup(bus.Close)

	var calls int
	_, err := bus.Subscribe("order.placed", "flaky", func(context.Context, model.Event) error {
		calls++
		if calls == 1 {
			return errors.New("downstream unavailable")
		}
		return nil
	})
	require.NoError(t, err)

	entry := stream.Entry{ID: "1-0", Event: newEvent(t, "order.placed")}
	source := &fakeSource{entries: []stream.Entry{entry}}

	h := NewMessageHandler(source, bus, time.Hour, logger.Discard())
	require.NoError(t, h.consumeMessages(context.Background()))
	assert.Empty(t, source.acked)

	// The failed entry now sits in the pending list until redelivered.
	source.pending = []stream.Entry{entry}
	require.NoError(t, h.redeliverPending(context.Background()))

	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"1-0"}, source.acked)
	assert.Empty(t, source.pending)

	// Within the interval the pending list is not read again.
	source.pending = []stream.Entry{{ID: "2-0", Event: newEvent(t, "order.placed")}}
	require.NoError(t, h.redeliverPending(context.Background()))
	assert.Equal(t, []string{"1-0"}, source.acked)
}
