package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrInsufficientStock means a product cannot cover the requested
	// quantity. Definitive business rejection, never retryable.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrVersionConflict means the bounded optimistic-concurrency retry
	// was exhausted under contention. Retryable at the saga layer.
	ErrVersionConflict = errors.New("inventory version conflict")
)

// Store is the persistence surface the engine needs. Hold and settle
// are single transactions: a hold commits the counter movement and the
// reservation row together, a settle commits the status flip and the
// counter movement together. That keeps every partial failure
// re-drivable instead of leaking stock.
type Store interface {
	InventoryByProduct(ctx context.Context, productID int64) (*models.Inventory, error)
	HoldReservation(ctx context.Context, r *models.Reservation, version int64) (bool, error)
	ReservationsByOrder(ctx context.Context, orderID int64) ([]models.Reservation, error)
	SettleReservation(ctx context.Context, reservationID string, productID int64, from, to models.ReservationStatus, availableDelta, reservedDelta int) (bool, error)
}

// ItemResult is the per-item outcome of a reserve call.
type ItemResult struct {
	ProductID     int64  `json:"product_id"`
	Quantity      int    `json:"quantity"`
	ReservationID string `json:"reservation_id,omitempty"`
	Reserved      bool   `json:"reserved"`
	Message       string `json:"message,omitempty"`
}

// ReserveResult is the overall outcome of a reserve call.
type ReserveResult struct {
	OrderID int64        `json:"order_id"`
	Success bool         `json:"success"`
	Items   []ItemResult `json:"items"`
}

// Engine performs optimistic-concurrency stock accounting. Reservation
// is all-or-nothing per order; confirm and cancel are idempotent.
type Engine struct {
	store       Store
	maxAttempts int
	baseDelay   time.Duration
	logger      *zap.Logger
}

// NewEngine creates a reservation engine. maxAttempts bounds the local
// retry on version conflicts, baseDelay seeds its exponential backoff.
func NewEngine(store Store, maxAttempts int, baseDelay time.Duration) *Engine {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Engine{
		store:       store,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		logger:      util.GetLogger(),
	}
}

// Reserve holds stock for every line item of the order. If any item
// cannot be covered, items already held within this call are rolled
// back and the whole request fails. Re-delivery for an order that
// already holds reservations returns the existing ones as success.
func (e *Engine) Reserve(ctx context.Context, orderID int64, items []models.OrderItem) (*ReserveResult, error) {
	ctx, span := util.StartSpan(ctx, "InventoryEngine.Reserve")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReserveLatency.Observe(time.Since(start).Seconds())
	}()

	existing, err := e.store.ReservationsByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing reservations: %w", err)
	}
	if len(existing) > 0 {
		e.logger.Info("Reservations already exist, treating reserve as no-op",
			zap.Int64("order_id", orderID),
			zap.Int("count", len(existing)))
		return resultFromExisting(orderID, existing), nil
	}

	result := &ReserveResult{OrderID: orderID, Success: true}
	held := make([]models.Reservation, 0, len(items))

	for _, item := range items {
		reservation, err := e.holdStock(ctx, orderID, item)
		if err != nil {
			e.rollbackHeld(ctx, held)
			if errors.Is(err, ErrInsufficientStock) || errors.Is(err, ErrVersionConflict) {
				util.ReservationsFailedTotal.WithLabelValues(failReason(err)).Inc()
				result.Success = false
				result.Items = append(result.Items, ItemResult{
					ProductID: item.ProductID,
					Quantity:  item.Quantity,
					Message:   err.Error(),
				})
				return result, err
			}
			return nil, err
		}
		held = append(held, *reservation)

		result.Items = append(result.Items, ItemResult{
			ProductID:     item.ProductID,
			Quantity:      item.Quantity,
			ReservationID: reservation.ID,
			Reserved:      true,
		})
	}

	e.logger.Info("Inventory reserved",
		zap.Int64("order_id", orderID),
		zap.Int("items", len(held)))
	return result, nil
}

// Confirm consumes the stock held for the order: PENDING reservations
// move to CONFIRMED and the reserved quantity is permanently removed.
// Confirming an already-terminal reservation is a no-op.
func (e *Engine) Confirm(ctx context.Context, orderID int64) error {
	ctx, span := util.StartSpan(ctx, "InventoryEngine.Confirm")
	defer span.End()

	reservations, err := e.store.ReservationsByOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to load reservations: %w", err)
	}

	for _, r := range reservations {
		// Consumed: stock leaves reservedQuantity for good. On error the
		// row stays PENDING and the retry settles it.
		won, err := e.store.SettleReservation(ctx, r.ID, r.ProductID,
			models.ReservationPending, models.ReservationConfirmed, 0, -r.Quantity)
		if err != nil {
			return fmt.Errorf("failed to confirm reservation %s: %w", r.ID, err)
		}
		if !won {
			e.logger.Info("Reservation already terminal, skipping confirm",
				zap.String("reservation_id", r.ID),
				zap.Int64("order_id", orderID))
		}
	}
	return nil
}

// Cancel releases the stock held for the order: PENDING reservations
// move to CANCELLED and their quantity returns to availableQuantity.
// Cancelling an already-terminal reservation is a no-op.
func (e *Engine) Cancel(ctx context.Context, orderID int64) error {
	ctx, span := util.StartSpan(ctx, "InventoryEngine.Cancel")
	defer span.End()

	reservations, err := e.store.ReservationsByOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to load reservations: %w", err)
	}

	for _, r := range reservations {
		won, err := e.store.SettleReservation(ctx, r.ID, r.ProductID,
			models.ReservationPending, models.ReservationCancelled, r.Quantity, -r.Quantity)
		if err != nil {
			return fmt.Errorf("failed to cancel reservation %s: %w", r.ID, err)
		}
		if !won {
			e.logger.Info("Reservation already terminal, skipping cancel",
				zap.String("reservation_id", r.ID),
				zap.Int64("order_id", orderID))
		}
	}
	return nil
}

// holdStock moves the item quantity from available to reserved and
// records the reservation, retrying on version conflict up to
// maxAttempts.
func (e *Engine) holdStock(ctx context.Context, orderID int64, item models.OrderItem) (*models.Reservation, error) {
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		inv, err := e.store.InventoryByProduct(ctx, item.ProductID)
		if err != nil {
			return nil, err
		}
		if inv.Available < item.Quantity {
			return nil, fmt.Errorf("%w: product %d has %d, requested %d",
				ErrInsufficientStock, item.ProductID, inv.Available, item.Quantity)
		}

		reservation := &models.Reservation{
			ID:        uuid.New().String(),
			OrderID:   orderID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Status:    models.ReservationPending,
		}
		won, err := e.store.HoldReservation(ctx, reservation, inv.Version)
		if err != nil {
			return nil, err
		}
		if won {
			return reservation, nil
		}

		util.ReservationConflictsTotal.Inc()
		if err := e.backoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: product %d after %d attempts", ErrVersionConflict, item.ProductID, e.maxAttempts)
}

// rollbackHeld undoes reservations created earlier in the same
// reserve call, keeping the operation all-or-nothing. A settle that
// fails here leaves its row PENDING; a later cancel re-drives it.
func (e *Engine) rollbackHeld(ctx context.Context, held []models.Reservation) {
	for i := len(held) - 1; i >= 0; i-- {
		r := held[i]
		if _, err := e.store.SettleReservation(ctx, r.ID, r.ProductID,
			models.ReservationPending, models.ReservationCancelled, r.Quantity, -r.Quantity); err != nil {
			e.logger.Error("Failed to roll back reservation",
				zap.String("reservation_id", r.ID),
				zap.Error(err))
		}
	}
}

func (e *Engine) backoff(ctx context.Context, attempt int) error {
	if e.baseDelay <= 0 {
		return ctx.Err()
	}
	delay := e.baseDelay << uint(attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func resultFromExisting(orderID int64, reservations []models.Reservation) *ReserveResult {
	result := &ReserveResult{OrderID: orderID, Success: true}
	for _, r := range reservations {
		result.Items = append(result.Items, ItemResult{
			ProductID:     r.ProductID,
			Quantity:      r.Quantity,
			ReservationID: r.ID,
			Reserved:      r.Status != models.ReservationCancelled,
		})
	}
	return result
}

func failReason(err error) string {
	if errors.Is(err, ErrInsufficientStock) {
		return "insufficient_stock"
	}
	return "version_conflict"
}
