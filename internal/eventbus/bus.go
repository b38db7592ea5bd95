// Package eventbus provides an in-process publish/subscribe bus keyed by
// event kind, with interceptors, concurrent handler fan-out and a live feed.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jnst/txevents/internal/logger"
	"github.com/jnst/txevents/internal/metrics"
	"github.com/jnst/txevents/internal/model"
)

const (
	defaultMaxConcurrency = 16
	defaultFeedBuffer     = 64
)

// HandlerFunc handles a single event. A returned error or a panic is
// recorded as a handler failure and never reaches the publisher.
type HandlerFunc func(ctx context.Context, event model.Event) error

// SubscriptionID identifies a registered handler.
type SubscriptionID uint64

type registration struct {
	id   SubscriptionID
	name string
	kind string
	fn   HandlerFunc
}

// Bus is an in-memory event bus. Publishes run concurrently with each other;
// each publish fans out to its handlers and waits for all of them.
type Bus struct {
	log            *slog.Logger
	catalog        *Catalog
	maxConcurrency int

	mu           sync.RWMutex
	handlers     map[string][]registration
	interceptors []Interceptor

	nextID atomic.Uint64
	closed atomic.Bool
	feed   *feed
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.log = logger.Component(l, "eventbus") }
}

// WithCatalog sets the family catalog used to resolve handlers.
func WithCatalog(c *Catalog) Option {
	return func(b *Bus) {
		if c != nil {
			b.catalog = c
		}
	}
}

// WithMaxConcurrency bounds the number of handlers running at once for a
// single publish. Zero or negative means unbounded.
func WithMaxConcurrency(n int) Option {
	return func(b *Bus) { b.maxConcurrency = n }
}

// WithFeedBuffer sets the per-subscriber buffer of the live feed.
func WithFeedBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.feed.buffer = n
		}
	}
}

// WithInterceptors registers interceptors at construction time.
func WithInterceptors(ics ...Interceptor) Option {
	return func(b *Bus) { b.interceptors = append(b.interceptors, ics...) }
}

// New creates a bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		log:            logger.Component(nil, "eventbus"),
		catalog:        NewCatalog(),
		maxConcurrency: defaultMaxConcurrency,
		handlers:       make(map[string][]registration),
		feed:           newFeed(defaultFeedBuffer),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Catalog returns the family catalog of the bus.
func (b *Bus) Catalog() *Catalog {
	return b.catalog
}

// Subscribe registers fn for kind. When kind is a family, fn receives every
// concrete kind below it, including leaves defined after subscription.
func (b *Bus) Subscribe(kind, name string, fn HandlerFunc) (SubscriptionID, error) {
	if kind == "" {
		return 0, model.ErrEmptyKind
	}

	if fn == nil {
		return 0, errors.New("handler is nil")
	}

	if b.catalog.Strict() && !b.catalog.Known(kind) {
		return 0, fmt.Errorf("subscribe %q: %w", kind, model.ErrUnknownKind)
	}

	id := SubscriptionID(b.nextID.Add(1))
	if name == "" {
		name = fmt.Sprintf("handler-%d", id)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Copy on write so publishes iterating the old slice are unaffected.
	regs := make([]registration, len(b.handlers[kind]), len(b.handlers[kind])+1)
	copy(regs, b.handlers[kind])
	b.handlers[kind] = append(regs, registration{id: id, name: name, kind: kind, fn: fn})

	b.log.Debug("handler subscribed",
		slog.String("kind", kind),
		slog.String("handler", name),
		slog.Bool("family", b.catalog.IsFamily(kind)),
	)

	return id, nil
}

// Unsubscribe removes a handler. It reports whether the handler was found.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for kind, regs := range b.handlers {
		for i, r := range regs {
			if r.id != id {
				continue
			}

			out := make([]registration, 0, len(regs)-1)
			out = append(out, regs[:i]...)
			out = append(out, regs[i+1:]...)

			if len(out) == 0 {
				delete(b.handlers, kind)
			} else {
				b.handlers[kind] = out
			}

			return true
		}
	}

	return false
}

// Use appends an interceptor.
func (b *Bus) Use(ic Interceptor) {
	if ic == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.interceptors = append(b.interceptors, ic)
}

// HandlerCount returns the number of handlers that would receive kind.
func (b *Bus) HandlerCount(kind string) int {
	return len(b.handlersFor(kind))
}

// handlersFor resolves the handlers of a concrete kind: those registered
// on the kind itself and on every family containing it, in registration order.
func (b *Bus) handlersFor(kind string) []registration {
	keys := append([]string{kind}, b.catalog.Ancestors(kind)...)

	b.mu.RLock()
	var regs []registration
	for _, k := range keys {
		regs = append(regs, b.handlers[k]...)
	}
	b.mu.RUnlock()

	sort.Slice(regs, func(i, j int) bool { return regs[i].id < regs[j].id })

	return regs
}

func (b *Bus) interceptorsSnapshot() []Interceptor {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return append([]Interceptor(nil), b.interceptors...)
}

// CheckKind reports whether kind may be published: it must be concrete and,
// with a strict catalog, declared.
func (b *Bus) CheckKind(kind string) error {
	if kind == "" {
		return model.ErrEmptyKind
	}

	if b.catalog.IsFamily(kind) {
		return fmt.Errorf("%q: %w", kind, model.ErrAbstractKind)
	}

	if b.catalog.Strict() && !b.catalog.Known(kind) {
		return fmt.Errorf("%q: %w", kind, model.ErrUnknownKind)
	}

	return nil
}

// Publish dispatches event to every handler of its concrete kind and waits
// for all of them. Handler failures are reported in the result, not as an
// error; an error means the event was never dispatched.
func (b *Bus) Publish(ctx context.Context, event model.Event) (PublishResult, error) {
	if ctx == nil {
		return PublishResult{}, errors.New("publish context is nil")
	}

	if b.closed.Load() {
		return PublishResult{}, model.ErrBusClosed
	}

	if err := event.Validate(); err != nil {
		return PublishResult{}, fmt.Errorf("publish: %w", err)
	}

	if err := b.CheckKind(event.Kind); err != nil {
		return PublishResult{}, fmt.Errorf("publish: %w", err)
	}

	interceptors := b.interceptorsSnapshot()

	for i, ic := range interceptors {
		if err := ic.Before(ctx, event); err != nil {
			for _, passed := range interceptors[:i] {
				if obs, ok := passed.(AbortObserver); ok {
					obs.Aborted(ctx, event, err)
				}
			}

			metrics.IncPublishAbort(metricKind(b.catalog, event.Kind))
			b.log.Info("publish aborted by interceptor",
				slog.String("event_id", event.ID),
				slog.String("kind", event.Kind),
				slog.String("error", err.Error()),
			)

			return PublishResult{EventID: event.ID, Kind: event.Kind},
				fmt.Errorf("%w: %w", model.ErrPublishAborted, err)
		}
	}

	result := b.dispatch(ctx, event, b.handlersFor(event.Kind))

	for _, ic := range interceptors {
		ic.After(ctx, event, result)
	}

	b.feed.broadcast(event)

	return result, nil
}

func (b *Bus) dispatch(ctx context.Context, event model.Event, regs []registration) PublishResult {
	start := time.Now()
	errs := make([]error, len(regs))

	var g errgroup.Group
	if b.maxConcurrency > 0 {
		g.SetLimit(b.maxConcurrency)
	}

	for i, reg := range regs {
		g.Go(func() error {
			errs[i] = invoke(ctx, reg, event)
			return nil
		})
	}
	_ = g.Wait()

	result := PublishResult{
		EventID:  event.ID,
		Kind:     event.Kind,
		Handled:  len(regs),
		Duration: time.Since(start),
	}

	for i, err := range errs {
		if err == nil {
			result.Succeeded++
			continue
		}

		result.Failed++
		result.Failures = append(result.Failures, HandlerFailure{Handler: regs[i].name, Err: err})

		b.log.Warn("event handler failed",
			slog.String("event_id", event.ID),
			slog.String("kind", event.Kind),
			slog.String("handler", regs[i].name),
			slog.String("error", err.Error()),
		)
	}

	return result
}

func invoke(ctx context.Context, reg registration, event model.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", reg.name, r)
		}
	}()

	return reg.fn(ctx, event)
}

// Feed returns a live stream of events published after the call. Each call
// creates an independent subscriber. The channel is closed when ctx is done
// or the bus is closed. Events are dropped for subscribers that fall behind.
func (b *Bus) Feed(ctx context.Context) <-chan model.Event {
	return b.feed.subscribe(ctx)
}

// Close stops the bus: further publishes fail and all feeds are closed.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}

	b.feed.close()
}
