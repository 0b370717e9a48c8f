package store

import (
	"context"
	"testing"
	"time"

	"fulfillment-service/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHoldReservationCommitsCountersAndRowTogether(t *testing.T) {
	store, mock := newMockStore(t)

	r := &models.Reservation{
		ID:        "res-1",
		OrderID:   100,
		ProductID: 1,
		Quantity:  3,
		Status:    models.ReservationPending,
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE inventory").
		WithArgs(3, int64(1), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO reservations").
		WithArgs("res-1", int64(100), int64(1), 3, models.ReservationPending).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow("res-1", time.Now(), time.Now()))
	mock.ExpectCommit()

	won, err := store.HoldReservation(context.Background(), r, 7)
	require.NoError(t, err)
	assert.True(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHoldReservationLosesOnStaleVersion(t *testing.T) {
	store, mock := newMockStore(t)

	r := &models.Reservation{ID: "res-1", OrderID: 100, ProductID: 1, Quantity: 3, Status: models.ReservationPending}

	// Version moved underneath the caller; the guard matches no row and
	// nothing commits.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE inventory").
		WithArgs(3, int64(1), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	won, err := store.HoldReservation(context.Background(), r, 7)
	require.NoError(t, err)
	assert.False(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleReservationCommitsFlipAndCountersTogether(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE reservations SET status = .+ WHERE id = .+ AND status = .+").
		WithArgs(models.ReservationCancelled, "res-1", models.ReservationPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE inventory").
		WithArgs(3, -3, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	won, err := store.SettleReservation(context.Background(), "res-1", 1,
		models.ReservationPending, models.ReservationCancelled, 3, -3)
	require.NoError(t, err)
	assert.True(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleReservationIdempotentLoss(t *testing.T) {
	store, mock := newMockStore(t)

	// The row is already terminal; no counters move.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE reservations SET status = .+ WHERE id = .+ AND status = .+").
		WithArgs(models.ReservationConfirmed, "res-1", models.ReservationPending).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	won, err := store.SettleReservation(context.Background(), "res-1", 1,
		models.ReservationPending, models.ReservationConfirmed, 0, -3)
	require.NoError(t, err)
	assert.False(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleReservationRollsBackWhenCountersRefuse(t *testing.T) {
	store, mock := newMockStore(t)

	// The counter guard matches no row: the status flip must roll back
	// with it, leaving the reservation PENDING and re-drivable.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE reservations SET status = .+ WHERE id = .+ AND status = .+").
		WithArgs(models.ReservationConfirmed, "res-1", models.ReservationPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE inventory").
		WithArgs(0, -3, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := store.SettleReservation(context.Background(), "res-1", 1,
		models.ReservationPending, models.ReservationConfirmed, 0, -3)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInventoryByProductNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT \\* FROM inventory WHERE product_id = .+").
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "available", "reserved", "version", "updated_at"}))

	_, err := store.InventoryByProduct(context.Background(), 99)
	require.ErrorIs(t, err, ErrProductNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkEventProcessed(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE outbox_events SET processed = TRUE WHERE id = .+").
		WithArgs("evt-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.MarkEventProcessed(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
