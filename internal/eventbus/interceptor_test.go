package eventbus

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/txevents/internal/logger"
	"github.com/jnst/txevents/internal/metrics"
	"github.com/jnst/txevents/internal/model"
)

func TestBeforeInterceptorAbortsPublish(t *testing.T) {
	b := newTestBus(t)
	veto := errors.New("veto")

	var handled atomic.Int32
	_, err := b.Subscribe("order.placed", "h", func(context.Context, model.Event) error {
		handled.Add(1)
		return nil
	})
	require.NoError(t, err)

	var afterCalls atomic.Int32
	b.Use(InterceptorFuncs{
		BeforeFunc: func(context.Context, model.Event) error { return veto },
		AfterFunc:  func(context.Context, model.Event, PublishResult) { afterCalls.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed := b.Feed(ctx)

	_, err = b.Publish(context.Background(), mustEvent(t, "order.placed"))
	require.ErrorIs(t, err, model.ErrPublishAborted)
	require.ErrorIs(t, err, veto)

	assert.Zero(t, handled.Load())
	assert.Zero(t, afterCalls.Load())
	assert.Empty(t, feed)
}

func TestAfterInterceptorReceivesSummary(t *testing.T) {
	var got PublishResult
	b := newTestBus(t, WithInterceptors(InterceptorFuncs{
		AfterFunc: func(_ context.Context, _ model.Event, r PublishResult) { got = r },
	}))

	_, err := b.Subscribe("order.placed", "ok", func(context.Context, model.Event) error { return nil })
	require.NoError(t, err)
	_, err = b.Subscribe("order.placed", "bad", func(context.Context, model.Event) error { return errors.New("x") })
	require.NoError(t, err)

	e := mustEvent(t, "order.placed")
	_, err = b.Publish(context.Background(), e)
	require.NoError(t, err)

	assert.Equal(t, e.ID, got.EventID)
	assert.Equal(t, 2, got.Handled)
	assert.Equal(t, 1, got.Succeeded)
	assert.Equal(t, 1, got.Failed)
	require.Len(t, got.Failures, 1)
	assert.Equal(t, "bad", got.Failures[0].Handler)
}

func TestDedupInterceptorDropsRepeatedIDs(t *testing.T) {
	dedup := NewDedupInterceptor(2)
	b := newTestBus(t, WithInterceptors(dedup))

	var handled atomic.Int32
	_, err := b.Subscribe("order.placed", "h", func(context.Context, model.Event) error {
		handled.Add(1)
		return nil
	})
	require.NoError(t, err)

	e1 := mustEvent(t, "order.placed")
	_, err = b.Publish(context.Background(), e1)
	require.NoError(t, err)

	_, err = b.Publish(context.Background(), e1)
	require.ErrorIs(t, err, model.ErrDuplicateEvent)
	assert.Equal(t, int32(1), handled.Load())

	// Capacity 2: after two newer IDs the first one is forgotten.
	_, err = b.Publish(context.Background(), mustEvent(t, "order.placed"))
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), mustEvent(t, "order.placed"))
	require.NoError(t, err)
	assert.False(t, dedup.Seen(e1.ID))
}

func TestDedupInterceptorAllowsRetryAfterFailedDispatch(t *testing.T) {
	dedup := NewDedupInterceptor(0)
	b := newTestBus(t, WithInterceptors(dedup))

	var calls atomic.Int32
	_, err := b.Subscribe("order.placed", "flaky", func(context.Context, model.Event) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)

	e := mustEvent(t, "order.placed")
	res, err := b.Publish(context.Background(), e)
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.False(t, dedup.Seen(e.ID))

	res, err = b.Publish(context.Background(), e)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.True(t, dedup.Seen(e.ID))

	_, err = b.Publish(context.Background(), e)
	require.ErrorIs(t, err, model.ErrDuplicateEvent)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDedupInterceptorRejectsIDInFlight(t *testing.T) {
	b := newTestBus(t, WithInterceptors(NewDedupInterceptor(0)))
	e := mustEvent(t, "order.placed")

	var nested error
	_, err := b.Subscribe("order.placed", "reentrant", func(ctx context.Context, ev model.Event) error {
		_, nested = b.Publish(ctx, ev)
		return nil
	})
	require.NoError(t, err)

	_, err = b.Publish(context.Background(), e)
	require.NoError(t, err)
	require.ErrorIs(t, nested, model.ErrDuplicateEvent)
}

func TestDedupInterceptorReleasesIDWhenLaterInterceptorAborts(t *testing.T) {
	dedup := NewDedupInterceptor(0)

	var vetoed atomic.Bool
	b := newTestBus(t, WithInterceptors(dedup, InterceptorFuncs{
		BeforeFunc: func(context.Context, model.Event) error {
			if vetoed.CompareAndSwap(false, true) {
				return errors.New("veto")
			}
			return nil
		},
	}))

	var handled atomic.Int32
	_, err := b.Subscribe("order.placed", "h", func(context.Context, model.Event) error {
		handled.Add(1)
		return nil
	})
	require.NoError(t, err)

	e := mustEvent(t, "order.placed")
	_, err = b.Publish(context.Background(), e)
	require.ErrorIs(t, err, model.ErrPublishAborted)
	assert.False(t, dedup.Seen(e.ID))

	_, err = b.Publish(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, int32(1), handled.Load())
}

type recordingAppender struct {
	mu     sync.Mutex
	events []model.Event
	err    error
}

func (a *recordingAppender) Append(_ context.Context, e model.Event) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.err != nil {
		return "", a.err
	}
	a.events = append(a.events, e)

	return "1-0", nil
}

func TestStreamForwarderCopiesEvents(t *testing.T) {
	app := &recordingAppender{}
	b := newTestBus(t, WithInterceptors(NewStreamForwarder(app, logger.Discard())))

	e := mustEvent(t, "order.placed")
	_, err := b.Publish(context.Background(), e)
	require.NoError(t, err)

	require.Len(t, app.events, 1)
	assert.Equal(t, e.ID, app.events[0].ID)
}

func TestStreamForwarderFailureDoesNotFailPublish(t *testing.T) {
	var buf bytes.Buffer
	app := &recordingAppender{err: errors.New("redis down")}
	b := newTestBus(t, WithInterceptors(NewStreamForwarder(app, logger.New(&buf, "error", "text"))))

	_, err := b.Publish(context.Background(), mustEvent(t, "order.placed"))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "failed to forward event")
}

func TestLoggingAndMetricsInterceptors(t *testing.T) {
	var buf bytes.Buffer
	cat := NewCatalog()
	b := newTestBus(t, WithCatalog(cat), WithInterceptors(
		NewLoggingInterceptor(logger.New(&buf, "debug", "text")),
		NewMetricsInterceptor(cat),
	))

	_, err := b.Subscribe("order.placed", "bad", func(context.Context, model.Event) error { return errors.New("x") })
	require.NoError(t, err)

	_, err = b.Publish(context.Background(), mustEvent(t, "order.placed"))
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "failed=1")
}

func publishedCount(t *testing.T, kind string) float64 {
	t.Helper()

	m := &dto.Metric{}
	require.NoError(t, metrics.EventsPublishedTotal.WithLabelValues(kind).Write(m))
	return m.GetCounter().GetValue()
}

func TestMetricsInterceptorCollapsesUndeclaredKinds(t *testing.T) {
	cat := NewCatalog()
	require.NoError(t, cat.Define("billing", "billing.charged"))
	b := newTestBus(t, WithCatalog(cat), WithInterceptors(NewMetricsInterceptor(cat)))

	declared := publishedCount(t, "billing.charged")
	other := publishedCount(t, metrics.OtherLabel)

	_, err := b.Publish(context.Background(), mustEvent(t, "billing.charged"))
	require.NoError(t, err)
	for _, kind := range []string{"adhoc.one", "adhoc.two", "adhoc.three"} {
		_, err = b.Publish(context.Background(), mustEvent(t, kind))
		require.NoError(t, err)
	}

	assert.InDelta(t, declared+1, publishedCount(t, "billing.charged"), 0.0001)
	assert.InDelta(t, other+3, publishedCount(t, metrics.OtherLabel), 0.0001)
	assert.Zero(t, publishedCount(t, "adhoc.one"))
}
