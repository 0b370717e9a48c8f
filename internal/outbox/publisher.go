package outbox

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// Store is the outbox persistence surface.
type Store interface {
	UnprocessedEvents(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	MarkEventProcessed(ctx context.Context, eventID string) error
}

// Sink publishes raw event payloads to the messaging channel.
// *broker.Producer satisfies it.
type Sink interface {
	PublishRaw(ctx context.Context, key string, value []byte) error
}

// Publisher drains the outbox: unprocessed records are published
// oldest first and flipped to processed. A publish failure leaves the
// record untouched so the next pass retries it; delivery downstream is
// therefore at-least-once and consumers must be idempotent.
type Publisher struct {
	store     Store
	sink      Sink
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// NewPublisher creates an outbox publisher.
func NewPublisher(store Store, sink Sink, interval time.Duration, batchSize int) *Publisher {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Publisher{
		store:     store,
		sink:      sink,
		interval:  interval,
		batchSize: batchSize,
		logger:    util.GetLogger(),
	}
}

// Run executes publish passes on a ticker until the context is
// cancelled. The pass is safe to run from multiple processes; a
// duplicate publish only means a duplicate delivery downstream.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("Outbox publisher started", zap.Duration("interval", p.interval))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Outbox publisher stopped")
			return
		case <-ticker.C:
			if _, err := p.PublishPass(ctx); err != nil {
				p.logger.Error("Outbox publish pass failed", zap.Error(err))
			}
		}
	}
}

// PublishPass publishes one batch of unprocessed records and returns
// how many were published.
func (p *Publisher) PublishPass(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "OutboxPublisher.PublishPass")
	defer span.End()

	events, err := p.store.UnprocessedEvents(ctx, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to load unprocessed events: %w", err)
	}

	published := 0
	for _, event := range events {
		key := fmt.Sprintf("order-%d", event.AggregateID)
		if err := p.sink.PublishRaw(ctx, key, event.Payload); err != nil {
			util.OutboxPublishFailedTotal.Inc()
			p.logger.Warn("Failed to publish outbox event, will retry next pass",
				zap.String("event_id", event.ID),
				zap.String("event_type", event.EventType),
				zap.Error(err))
			// Preserve ordering per aggregate: stop the pass rather
			// than publishing younger events past a failed one.
			break
		}
		if err := p.store.MarkEventProcessed(ctx, event.ID); err != nil {
			p.logger.Error("Published event could not be marked processed",
				zap.String("event_id", event.ID),
				zap.Error(err))
			break
		}
		util.OutboxPublishedTotal.Inc()
		published++
	}

	if published > 0 {
		p.logger.Debug("Outbox pass published events", zap.Int("count", published))
	}
	return published, nil
}
