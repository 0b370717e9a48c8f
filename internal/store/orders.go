package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"
)

// ErrOrderNotFound is returned when no order matches the lookup key.
var ErrOrderNotFound = errors.New("order not found")

// CreateOrderWithSaga persists the order, its items, the initial saga
// state and the ORDER_CREATED outbox record in a single transaction.
// The saga either exists together with its order or not at all.
func (s *Store) CreateOrderWithSaga(ctx context.Context, order *models.Order, items []models.OrderItem, state *models.SagaState, event *models.OutboxEvent) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.GetContext(ctx, order, `
		INSERT INTO orders (order_number, customer_id, total_amount, shipping_address, payment_method, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		order.OrderNumber, order.CustomerID, order.TotalAmount,
		order.ShippingAddress, order.PaymentMethod, order.Status)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for i := range items {
		items[i].OrderID = order.ID
		err = tx.GetContext(ctx, &items[i].ID, `
			INSERT INTO order_items (order_id, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			items[i].OrderID, items[i].ProductID, items[i].Quantity, items[i].UnitPrice)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	state.OrderID = order.ID
	err = tx.GetContext(ctx, state, `
		INSERT INTO saga_states (order_id, status, current_step, retryable, retry_count)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`,
		state.OrderID, state.Status, state.CurrentStep, state.Retryable, state.RetryCount)
	if err != nil {
		return fmt.Errorf("failed to insert saga state: %w", err)
	}

	if event != nil {
		event.AggregateID = order.ID
		if err := insertOutboxEvent(ctx, tx, event); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// OrderByID retrieves an order by ID
func (s *Store) OrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: id %d", ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// OrderByNumber retrieves an order by its order number
func (s *Store) OrderByNumber(ctx context.Context, number string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE order_number = $1", number)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: number %s", ErrOrderNotFound, number)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// OrdersByCustomer retrieves all orders for a customer, newest first
func (s *Store) OrdersByCustomer(ctx context.Context, customerID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE customer_id = $1 ORDER BY created_at DESC", customerID)
	return orders, err
}

// OrderItems retrieves the line items of an order
func (s *Store) OrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}
