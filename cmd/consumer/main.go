// Package main provides the message consumer that replays Redis Streams entries onto a local event bus.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jnst/txevents/internal/app"
	"github.com/jnst/txevents/internal/config"
	"github.com/jnst/txevents/internal/eventbus"
	"github.com/jnst/txevents/internal/logger"
	"github.com/jnst/txevents/internal/model"
	"github.com/jnst/txevents/internal/stream"
)

const (
	errorRetryDelay = 1 * time.Second
	exitCode        = 1
)

// entrySource is the part of the stream reader the consumer loop needs.
type entrySource interface {
	Read(ctx context.Context) ([]stream.Entry, error)
	ReadPending(ctx context.Context) ([]stream.Entry, error)
	Ack(ctx context.Context, id string) error
}

// MessageHandler replays stream entries onto a bus. Entries left unacked
// by a failed publish are read again every pendingInterval.
type MessageHandler struct {
	source          entrySource
	bus             *eventbus.Bus
	pendingInterval time.Duration
	lastPending     time.Time
	log             *slog.Logger
}

// NewMessageHandler creates a new message handler instance. A non-positive
// pendingInterval disables redelivery of unacked entries.
func NewMessageHandler(source entrySource, bus *eventbus.Bus, pendingInterval time.Duration, l *slog.Logger) *MessageHandler {
	return &MessageHandler{
		source:          source,
		bus:             bus,
		pendingInterval: pendingInterval,
		log:             logger.Component(l, "consumer"),
	}
}

// subscribeLoggers registers a logging handler per root family. Without a
// catalog only the bus logging interceptor reports consumed events.
func subscribeLoggers(bus *eventbus.Bus, kinds []string, l *slog.Logger) error {
	for _, kind := range kinds {
		_, err := bus.Subscribe(kind, "log-"+kind, func(_ context.Context, event model.Event) error {
			l.Info("processing event",
				slog.String("event_id", event.ID),
				slog.String("kind", event.Kind),
				slog.String("aggregate_id", event.AggregateID),
				slog.String("correlation_id", event.Metadata.CorrelationID),
			)
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func (h *MessageHandler) runConsumerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.log.Info("consumer stopped")
			return
		default:
			if err := h.redeliverPending(ctx); err != nil && ctx.Err() == nil {
				h.log.Error("error redelivering pending messages", slog.String("error", err.Error()))
			}

			if err := h.consumeMessages(ctx); err != nil && ctx.Err() == nil {
				h.log.Error("error consuming messages", slog.String("error", err.Error()))
				time.Sleep(errorRetryDelay)
			}
		}
	}
}

func (h *MessageHandler) consumeMessages(ctx context.Context) error {
	entries, err := h.source.Read(ctx)
	if err != nil {
		return err
	}

	h.handleEntries(ctx, entries)

	return nil
}

// redeliverPending replays the entries this consumer read but never acked,
// at most once per pendingInterval.
func (h *MessageHandler) redeliverPending(ctx context.Context) error {
	if h.pendingInterval <= 0 || time.Since(h.lastPending) < h.pendingInterval {
		return nil
	}
	h.lastPending = time.Now()

	entries, err := h.source.ReadPending(ctx)
	if err != nil {
		return err
	}

	if len(entries) > 0 {
		h.log.Info("redelivering pending messages", slog.Int("count", len(entries)))
	}

	h.handleEntries(ctx, entries)

	return nil
}

func (h *MessageHandler) handleEntries(ctx context.Context, entries []stream.Entry) {
	for _, entry := range entries {
		if !h.processEntry(ctx, entry) {
			continue
		}

		if err := h.source.Ack(ctx, entry.ID); err != nil {
			h.log.Error("failed to ACK message",
				slog.String("message_id", entry.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// processEntry publishes one entry and reports whether it may be acked.
// Undecodable and duplicate entries are acked so they are not redelivered.
func (h *MessageHandler) processEntry(ctx context.Context, entry stream.Entry) bool {
	if entry.Err != nil {
		h.log.Warn("dropping malformed message",
			slog.String("message_id", entry.ID),
			slog.String("error", entry.Err.Error()),
		)
		return true
	}

	result, err := h.bus.Publish(ctx, entry.Event)
	switch {
	case errors.Is(err, model.ErrDuplicateEvent):
		h.log.Debug("skipping duplicate message",
			slog.String("message_id", entry.ID),
			slog.String("event_id", entry.Event.ID),
		)
		return true
	case errors.Is(err, model.ErrAbstractKind), errors.Is(err, model.ErrUnknownKind):
		h.log.Warn("unknown event type", slog.String("event_type", entry.Event.Kind))
		return true
	case err != nil:
		h.log.Error("failed to process message",
			slog.String("message_id", entry.ID),
			slog.String("error", err.Error()),
		)
		return false
	}

	if err := result.Err(); err != nil {
		h.log.Error("failed to process message",
			slog.String("message_id", entry.ID),
			slog.String("event_id", entry.Event.ID),
			slog.String("error", err.Error()),
		)
		return false
	}

	return true
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	// ログ設定
	loggerInstance := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(loggerInstance)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.NewRuntime(cfg, loggerInstance)
	if err != nil {
		slog.Error("failed to build runtime", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer rt.Close()

	if err := subscribeLoggers(rt.Bus, rt.Catalog.Roots(), loggerInstance); err != nil {
		slog.Error("failed to subscribe handlers", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	redisClient, err := stream.NewRedisClient(cfg.RedisAddr)
	if err != nil {
		slog.Error("failed to connect to Redis", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer redisClient.Close()

	reader := stream.NewRedisReader(redisClient, cfg.StreamKey, cfg.ConsumerGroup, cfg.ConsumerName, loggerInstance)
	reader.EnsureGroup(ctx)

	handler := NewMessageHandler(reader, rt.Bus, cfg.PendingInterval, loggerInstance)

	slog.Info("starting message consumer",
		slog.String("service", "consumer"),
		slog.String("stream", cfg.StreamKey),
		slog.String("group", cfg.ConsumerGroup),
		slog.String("consumer", cfg.ConsumerName),
	)

	handler.runConsumerLoop(ctx)
}
