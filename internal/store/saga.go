package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
)

// ErrSagaNotFound is returned when no saga state exists for an order.
var ErrSagaNotFound = errors.New("saga state not found")

const sagaUpdateQuery = `
	UPDATE saga_states SET
		status = $2,
		current_step = $3,
		inventory_reserved = $4,
		payment_processed = $5,
		shipping_arranged = $6,
		inventory_transaction_id = $7,
		payment_transaction_id = $8,
		shipping_transaction_id = $9,
		retryable = $10,
		retry_count = $11,
		next_retry_time = $12,
		error_message = $13,
		updated_at = NOW()
	WHERE id = $1`

// SagaByOrderID loads the saga state owning the given order.
func (s *Store) SagaByOrderID(ctx context.Context, orderID int64) (*models.SagaState, error) {
	var state models.SagaState
	err := s.db.GetContext(ctx, &state, "SELECT * FROM saga_states WHERE order_id = $1", orderID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: order %d", ErrSagaNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveSaga persists the full saga state by id.
func (s *Store) SaveSaga(ctx context.Context, state *models.SagaState) error {
	_, err := s.db.ExecContext(ctx, sagaUpdateQuery, sagaUpdateArgs(state)...)
	return err
}

// SaveSagaInStatus persists the full saga state only if the row still
// carries the status the caller loaded. A false result means another
// driver (cancellation, scheduler) moved the saga first and nothing
// was written.
func (s *Store) SaveSagaInStatus(ctx context.Context, state *models.SagaState, from models.SagaStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, sagaUpdateQuery+" AND status = $14",
		append(sagaUpdateArgs(state), from)...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// AdvanceSaga persists a forward saga transition and appends its outbox
// record in the same transaction, conditional on the row still carrying
// the status the forward path loaded. A loss means the saga moved
// underneath the driver and neither write happens.
func (s *Store) AdvanceSaga(ctx context.Context, state *models.SagaState, event *models.OutboxEvent, from models.SagaStatus) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, sagaUpdateQuery+" AND status = $14",
		append(sagaUpdateArgs(state), from)...)
	if err != nil {
		return false, fmt.Errorf("failed to update saga state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}
	if event != nil {
		if err := insertOutboxEvent(ctx, tx, event); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

// CompleteOrderSaga persists a terminal saga transition together with
// the matching order status and outbox record, atomically.
func (s *Store) CompleteOrderSaga(ctx context.Context, state *models.SagaState, orderStatus string, event *models.OutboxEvent) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, sagaUpdateQuery, sagaUpdateArgs(state)...); err != nil {
		return fmt.Errorf("failed to update saga state: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		orderStatus, state.OrderID); err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if event != nil {
		if err := insertOutboxEvent(ctx, tx, event); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ClaimSaga attempts to take exclusive ownership of a saga for one
// scheduler cycle by conditionally moving it to RETRYING. The row
// count decides the winner; no in-memory locking is involved.
func (s *Store) ClaimSaga(ctx context.Context, sagaID int64, from models.SagaStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE saga_states SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		models.SagaStatusRetrying, sagaID, from)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ClaimCompensation conditionally moves a cancellable saga to
// COMPENSATING, the same rows-affected protocol as ClaimSaga. Terminal
// rows, sagas already compensating and sagas currently owned by a
// scheduler cycle (RETRYING) never match.
func (s *Store) ClaimCompensation(ctx context.Context, sagaID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE saga_states SET status = $1, updated_at = NOW() WHERE id = $2 AND (status IN ($3, $4) OR (status = $5 AND retryable))",
		models.SagaStatusCompensating, sagaID,
		models.SagaStatusStarted, models.SagaStatusInProgress, models.SagaStatusFailed)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// SagasDueForRetry selects in-flight retryable sagas whose backoff has
// elapsed, for the fast sweep.
func (s *Store) SagasDueForRetry(ctx context.Context, now time.Time, limit int) ([]models.SagaState, error) {
	var states []models.SagaState
	err := s.db.SelectContext(ctx, &states, `
		SELECT * FROM saga_states
		WHERE status = $1 AND retryable AND next_retry_time <= $2
		ORDER BY next_retry_time
		LIMIT $3`,
		models.SagaStatusInProgress, now, limit)
	return states, err
}

// StuckSagas selects retryable sagas abandoned in FAILED or
// COMPENSATING longer than the cutoff, for the stuck-recovery sweep.
func (s *Store) StuckSagas(ctx context.Context, cutoff time.Time, limit int) ([]models.SagaState, error) {
	var states []models.SagaState
	err := s.db.SelectContext(ctx, &states, `
		SELECT * FROM saga_states
		WHERE status IN ($1, $2) AND retryable AND updated_at <= $3
		ORDER BY updated_at
		LIMIT $4`,
		models.SagaStatusFailed, models.SagaStatusCompensating, cutoff, limit)
	return states, err
}

func sagaUpdateArgs(state *models.SagaState) []interface{} {
	return []interface{}{
		state.ID,
		state.Status,
		state.CurrentStep,
		state.InventoryReserved,
		state.PaymentProcessed,
		state.ShippingArranged,
		state.InventoryTransactionID,
		state.PaymentTransactionID,
		state.ShippingTransactionID,
		state.Retryable,
		state.RetryCount,
		state.NextRetryTime,
		state.ErrorMessage,
	}
}
