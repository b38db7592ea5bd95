package service

import (
	"context"
	"log/slog"

	"github.com/jnst/txevents/internal/eventbus"
	"github.com/jnst/txevents/internal/logger"
	"github.com/jnst/txevents/internal/metrics"
	"github.com/jnst/txevents/internal/repository"
)

// OutboxServiceImpl implements OutboxService for processing outbox events.
type OutboxServiceImpl struct {
	outboxRepo     repository.OutboxRepository
	transactionMgr repository.TransactionManager
	appender       eventbus.Appender
	log            *slog.Logger
}

// NewOutboxServiceImpl creates a new OutboxService implementation.
func NewOutboxServiceImpl(
	outboxRepo repository.OutboxRepository,
	transactionMgr repository.TransactionManager,
	appender eventbus.Appender,
	l *slog.Logger,
) OutboxService {
	return &OutboxServiceImpl{
		outboxRepo:     outboxRepo,
		transactionMgr: transactionMgr,
		appender:       appender,
		log:            logger.Component(l, "outbox"),
	}
}

// ProcessUnpublishedEvents relays up to limit unpublished outbox events to
// the stream. A row whose append fails stays unpublished for the next poll.
func (s *OutboxServiceImpl) ProcessUnpublishedEvents(ctx context.Context, limit int) error {
	return s.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		events, err := s.outboxRepo.GetUnpublishedEvents(ctx, limit)
		if err != nil {
			return err
		}

		for _, event := range events {
			streamID, err := s.appender.Append(ctx, event.ToEvent())
			if err != nil {
				metrics.IncOutboxRelayed("append_failed")
				s.log.Error("failed to publish event",
					slog.Int64("outbox_id", event.ID),
					slog.String("event_id", event.EventID),
					slog.String("error", err.Error()),
				)

				continue
			}

			if err := s.outboxRepo.MarkAsPublished(ctx, event.ID); err != nil {
				metrics.IncOutboxRelayed("mark_failed")
				s.log.Error("failed to mark event as published",
					slog.Int64("outbox_id", event.ID),
					slog.String("error", err.Error()),
				)

				continue
			}

			metrics.IncOutboxRelayed("published")
			s.log.Debug("published event",
				slog.Int64("outbox_id", event.ID),
				slog.String("event_id", event.EventID),
				slog.String("stream_id", streamID),
			)
		}

		return nil
	})
}
