package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jnst/txevents/internal/logger"
	"github.com/jnst/txevents/internal/metrics"
	"github.com/jnst/txevents/internal/model"
)

// Interceptor observes publishes. Before runs ahead of dispatch and may abort
// it by returning an error; After receives the result of a dispatch that ran.
type Interceptor interface {
	Before(ctx context.Context, event model.Event) error
	After(ctx context.Context, event model.Event, result PublishResult)
}

// InterceptorFuncs adapts plain functions to an Interceptor. Nil funcs are skipped.
type InterceptorFuncs struct {
	BeforeFunc func(ctx context.Context, event model.Event) error
	AfterFunc  func(ctx context.Context, event model.Event, result PublishResult)
}

// Before implements Interceptor.
func (f InterceptorFuncs) Before(ctx context.Context, event model.Event) error {
	if f.BeforeFunc == nil {
		return nil
	}
	return f.BeforeFunc(ctx, event)
}

// After implements Interceptor.
func (f InterceptorFuncs) After(ctx context.Context, event model.Event, result PublishResult) {
	if f.AfterFunc != nil {
		f.AfterFunc(ctx, event, result)
	}
}

// LoggingInterceptor logs every dispatched event with its result summary.
type LoggingInterceptor struct {
	log *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor.
func NewLoggingInterceptor(l *slog.Logger) *LoggingInterceptor {
	return &LoggingInterceptor{log: logger.Component(l, "eventbus")}
}

// Before implements Interceptor.
func (*LoggingInterceptor) Before(context.Context, model.Event) error { return nil }

// After implements Interceptor.
func (i *LoggingInterceptor) After(ctx context.Context, event model.Event, result PublishResult) {
	level := slog.LevelDebug
	if !result.OK() {
		level = slog.LevelWarn
	}

	i.log.Log(ctx, level, "event published",
		slog.String("event_id", event.ID),
		slog.String("kind", event.Kind),
		slog.Int("handled", result.Handled),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
		slog.Duration("duration", result.Duration),
	)
}

// AbortObserver is implemented by interceptors that must learn when a
// publish they let through was aborted by a later interceptor. After is not
// called for such a publish.
type AbortObserver interface {
	Aborted(ctx context.Context, event model.Event, err error)
}

// MetricsInterceptor records publish counters and fan-out latency. Kinds the
// catalog does not declare share one label value.
type MetricsInterceptor struct {
	catalog *Catalog
}

// NewMetricsInterceptor creates a metrics interceptor labelling by the kinds
// declared in c.
func NewMetricsInterceptor(c *Catalog) *MetricsInterceptor {
	return &MetricsInterceptor{catalog: c}
}

// Before implements Interceptor.
func (*MetricsInterceptor) Before(context.Context, model.Event) error { return nil }

// After implements Interceptor.
func (m *MetricsInterceptor) After(_ context.Context, event model.Event, result PublishResult) {
	kind := metricKind(m.catalog, event.Kind)
	metrics.IncPublished(kind)
	metrics.AddHandlerFailures(kind, result.Failed)
	metrics.ObservePublish(kind, result.Duration.Seconds())
}

func metricKind(c *Catalog, kind string) string {
	if c != nil && c.Known(kind) {
		return kind
	}
	return metrics.OtherLabel
}

const defaultDedupCapacity = 4096

// DedupInterceptor aborts the publish of an event ID that was already
// delivered to every handler, or that is being published right now. An ID
// is remembered only once its dispatch succeeded, so a failed publish can be
// retried. It remembers the most recent IDs up to its capacity.
type DedupInterceptor struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	inflight map[string]struct{}
	order    []string
	capacity int
}

// NewDedupInterceptor creates a dedup interceptor remembering up to capacity
// IDs. A non-positive capacity selects the default.
func NewDedupInterceptor(capacity int) *DedupInterceptor {
	if capacity <= 0 {
		capacity = defaultDedupCapacity
	}

	return &DedupInterceptor{
		seen:     make(map[string]struct{}, capacity),
		inflight: make(map[string]struct{}),
		capacity: capacity,
	}
}

// Before implements Interceptor.
func (d *DedupInterceptor) Before(_ context.Context, event model.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[event.ID]; ok {
		return model.ErrDuplicateEvent
	}

	if _, ok := d.inflight[event.ID]; ok {
		return model.ErrDuplicateEvent
	}

	d.inflight[event.ID] = struct{}{}

	return nil
}

// After implements Interceptor.
func (d *DedupInterceptor) After(_ context.Context, event model.Event, result PublishResult) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.inflight, event.ID)

	if !result.OK() {
		return
	}

	if len(d.order) >= d.capacity {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}

	d.seen[event.ID] = struct{}{}
	d.order = append(d.order, event.ID)
}

// Aborted implements AbortObserver.
func (d *DedupInterceptor) Aborted(_ context.Context, event model.Event, _ error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.inflight, event.ID)
}

// Seen reports whether id has been delivered successfully.
func (d *DedupInterceptor) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.seen[id]
	return ok
}

// Appender writes events to an external stream.
type Appender interface {
	Append(ctx context.Context, event model.Event) (string, error)
}

// StreamForwarder copies every dispatched event to an external stream.
// Forwarding failures are logged and never affect the publish.
type StreamForwarder struct {
	appender Appender
	log      *slog.Logger
}

// NewStreamForwarder creates a forwarder writing through appender.
func NewStreamForwarder(appender Appender, l *slog.Logger) *StreamForwarder {
	return &StreamForwarder{appender: appender, log: logger.Component(l, "stream-forwarder")}
}

// Before implements Interceptor.
func (*StreamForwarder) Before(context.Context, model.Event) error { return nil }

// After implements Interceptor.
func (f *StreamForwarder) After(ctx context.Context, event model.Event, _ PublishResult) {
	id, err := f.appender.Append(context.WithoutCancel(ctx), event)
	if err != nil {
		f.log.Error("failed to forward event",
			slog.String("event_id", event.ID),
			slog.String("kind", event.Kind),
			slog.String("error", err.Error()),
		)

		return
	}

	f.log.Debug("event forwarded",
		slog.String("event_id", event.ID),
		slog.String("stream_id", id),
	)
}
