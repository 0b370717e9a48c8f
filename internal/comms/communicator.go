package comms

import (
	"context"
	"errors"
	"fmt"

	"fulfillment-service/internal/inventory"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// Endpoints are the collaborator base URLs for the remote steps.
type Endpoints struct {
	PaymentURL  string
	ShippingURL string
}

// Communicator implements Strategy. Inventory operations are served by
// the in-process reservation engine; payment and shipping go over HTTP
// through the retry-wrapped caller.
type Communicator struct {
	engine    *inventory.Engine
	caller    *Caller
	endpoints Endpoints
	logger    *zap.Logger
}

// NewCommunicator wires the strategy from its collaborators.
func NewCommunicator(engine *inventory.Engine, caller *Caller, endpoints Endpoints) *Communicator {
	return &Communicator{
		engine:    engine,
		caller:    caller,
		endpoints: endpoints,
		logger:    util.GetLogger(),
	}
}

// ReserveInventory holds stock for every line item of the order.
func (c *Communicator) ReserveInventory(ctx context.Context, order *models.Order, items []models.OrderItem) Result {
	res, err := c.engine.Reserve(ctx, order.ID, items)
	if err != nil {
		return normalizeInventoryError(err)
	}
	transactionID := ""
	if len(res.Items) > 0 {
		transactionID = res.Items[0].ReservationID
	}
	return Result{
		Success:       true,
		TransactionID: transactionID,
		Message:       fmt.Sprintf("reserved %d items", len(res.Items)),
	}
}

// ConfirmInventory consumes the stock held for the order.
func (c *Communicator) ConfirmInventory(ctx context.Context, order *models.Order) Result {
	if err := c.engine.Confirm(ctx, order.ID); err != nil {
		return normalizeInventoryError(err)
	}
	return Result{Success: true, Message: "reservation confirmed"}
}

// ReleaseInventory returns held stock, used by compensation.
func (c *Communicator) ReleaseInventory(ctx context.Context, order *models.Order, transactionID string) Result {
	if err := c.engine.Cancel(ctx, order.ID); err != nil {
		return normalizeInventoryError(err)
	}
	return Result{Success: true, TransactionID: transactionID, Message: "reservation released"}
}

// ProcessPayment charges the customer through the payment collaborator.
func (c *Communicator) ProcessPayment(ctx context.Context, order *models.Order) Result {
	return c.caller.Post(ctx, "process_payment", c.endpoints.PaymentURL+"/api/v1/payments", map[string]interface{}{
		"order_number":   order.OrderNumber,
		"customer_id":    order.CustomerID,
		"amount":         order.TotalAmount,
		"payment_method": order.PaymentMethod,
	})
}

// RefundPayment reverses a charge by its transaction id.
func (c *Communicator) RefundPayment(ctx context.Context, transactionID string) Result {
	return c.caller.Post(ctx, "refund_payment", c.endpoints.PaymentURL+"/api/v1/payments/refund", map[string]interface{}{
		"transaction_id": transactionID,
	})
}

// ArrangeShipping books delivery through the shipping collaborator.
func (c *Communicator) ArrangeShipping(ctx context.Context, order *models.Order) Result {
	return c.caller.Post(ctx, "arrange_shipping", c.endpoints.ShippingURL+"/api/v1/shipments", map[string]interface{}{
		"order_number":     order.OrderNumber,
		"customer_id":      order.CustomerID,
		"shipping_address": order.ShippingAddress,
	})
}

// CancelShipping cancels a booked delivery by its tracking number.
func (c *Communicator) CancelShipping(ctx context.Context, trackingNumber string) Result {
	return c.caller.Post(ctx, "cancel_shipping", c.endpoints.ShippingURL+"/api/v1/shipments/cancel", map[string]interface{}{
		"tracking_number": trackingNumber,
	})
}

func normalizeInventoryError(err error) Result {
	switch {
	case errors.Is(err, inventory.ErrInsufficientStock):
		return Result{Success: false, Retryable: false, Message: err.Error()}
	case errors.Is(err, inventory.ErrVersionConflict):
		return Result{Success: false, Retryable: true, Message: err.Error()}
	default:
		// Holds and settles commit atomically, so a store-level failure
		// leaves every reservation re-drivable; retrying is safe.
		return Result{Success: false, Retryable: true, Message: err.Error()}
	}
}
