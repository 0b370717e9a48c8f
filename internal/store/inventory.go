package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"
)

// ErrProductNotFound is returned when no inventory row exists for a product.
var ErrProductNotFound = errors.New("product not found")

// InventoryByProduct retrieves the stock row for a product.
func (s *Store) InventoryByProduct(ctx context.Context, productID int64) (*models.Inventory, error) {
	var inv models.Inventory
	err := s.db.GetContext(ctx, &inv, "SELECT * FROM inventory WHERE product_id = $1", productID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrProductNotFound, productID)
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// Inventories retrieves all stock rows.
func (s *Store) Inventories(ctx context.Context) ([]models.Inventory, error) {
	var invs []models.Inventory
	err := s.db.SelectContext(ctx, &invs, "SELECT * FROM inventory ORDER BY product_id")
	return invs, err
}

// UpsertInventory seeds or overwrites a stock row, used by bootstrap.
func (s *Store) UpsertInventory(ctx context.Context, productID int64, available, reserved int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory (product_id, available, reserved, version)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (product_id) DO UPDATE
		SET available = $2, reserved = $3, version = inventory.version + 1, updated_at = NOW()`,
		productID, available, reserved)
	return err
}

// HoldReservation moves quantity from available to reserved under the
// version guard and records the PENDING reservation row in the same
// transaction, so a held quantity always has a row that can settle it
// later. A false result means the version moved underneath the caller
// (or stock ran out) and the read-check-write cycle must be repeated;
// nothing is committed in that case.
func (s *Store) HoldReservation(ctx context.Context, r *models.Reservation, version int64) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE inventory
		SET available = available - $1,
		    reserved = reserved + $1,
		    version = version + 1,
		    updated_at = NOW()
		WHERE product_id = $2 AND version = $3 AND available - $1 >= 0`,
		r.Quantity, r.ProductID, version)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	err = tx.GetContext(ctx, r, `
		INSERT INTO reservations (id, order_id, product_id, quantity, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`,
		r.ID, r.OrderID, r.ProductID, r.Quantity, r.Status)
	if err != nil {
		return false, fmt.Errorf("failed to create reservation: %w", err)
	}
	return true, tx.Commit()
}

// ReservationsByOrder retrieves every reservation created for an order.
func (s *Store) ReservationsByOrder(ctx context.Context, orderID int64) ([]models.Reservation, error) {
	var reservations []models.Reservation
	err := s.db.SelectContext(ctx, &reservations,
		"SELECT * FROM reservations WHERE order_id = $1 ORDER BY created_at", orderID)
	return reservations, err
}

// SettleReservation finishes a stock hold: the conditional status flip
// and the matching counter movement commit together, so a failure on
// either side leaves the reservation PENDING and the settle
// re-drivable. A false result means the row was already terminal and
// no stock moved. The reservation row lock serializes the counter
// change, so the inventory update needs no version guard here; the
// version still advances for concurrent hold attempts.
func (s *Store) SettleReservation(ctx context.Context, reservationID string, productID int64, from, to models.ReservationStatus, availableDelta, reservedDelta int) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE reservations SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		to, reservationID, from)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE inventory
		SET available = available + $1,
		    reserved = reserved + $2,
		    version = version + 1,
		    updated_at = NOW()
		WHERE product_id = $3 AND available + $1 >= 0 AND reserved + $2 >= 0`,
		availableDelta, reservedDelta, productID)
	if err != nil {
		return false, err
	}
	affected, err = res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, fmt.Errorf("inventory adjustment for product %d would break counters", productID)
	}
	return true, tx.Commit()
}
