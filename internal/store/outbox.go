package store

import (
	"context"
	"fmt"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

func insertOutboxEvent(ctx context.Context, tx *sqlx.Tx, event *models.OutboxEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_events (id, aggregate_id, event_type, payload, processed)
		VALUES ($1, $2, $3, $4, FALSE)`,
		event.ID, event.AggregateID, event.EventType, event.Payload)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// UnprocessedEvents selects pending outbox records oldest first.
func (s *Store) UnprocessedEvents(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	var events []models.OutboxEvent
	err := s.db.SelectContext(ctx, &events, `
		SELECT * FROM outbox_events
		WHERE NOT processed
		ORDER BY created_at
		LIMIT $1`, limit)
	return events, err
}

// MarkEventProcessed flips a published record to processed.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE outbox_events SET processed = TRUE WHERE id = $1", eventID)
	return err
}
