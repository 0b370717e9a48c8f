package saga

import (
	"context"
	"fmt"

	"fulfillment-service/internal/comms"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// Compensator reverses completed saga steps in strict reverse
// dependency order: shipping, then payment, then inventory. Each
// compensating call is attempted independently so one failure does not
// block the others; all failures are collected and returned.
type Compensator struct {
	store  Store
	comms  comms.Strategy
	logger *zap.Logger
}

// NewCompensator creates a compensation handler.
func NewCompensator(store Store, strategy comms.Strategy) *Compensator {
	return &Compensator{
		store:  store,
		comms:  strategy,
		logger: util.GetLogger(),
	}
}

// ExecuteCompensation undoes every completed step recorded on the saga
// state. Flags are cleared per action as they succeed, so a re-driven
// compensation only attempts what is still outstanding. Compensating
// calls are idempotent on the collaborator side.
func (c *Compensator) ExecuteCompensation(ctx context.Context, order *models.Order, state *models.SagaState) []error {
	ctx, span := util.StartSpan(ctx, "Compensator.ExecuteCompensation")
	defer span.End()

	var errs []error

	if state.ShippingArranged && state.ShippingTransactionID != "" {
		if err := c.compensateShipping(ctx, order, state); err != nil {
			errs = append(errs, err)
		}
	}

	if state.PaymentProcessed && state.PaymentTransactionID != "" {
		if err := c.compensatePayment(ctx, order, state); err != nil {
			errs = append(errs, err)
		}
	}

	if state.InventoryReserved {
		if err := c.compensateInventory(ctx, order, state); err != nil {
			errs = append(errs, err)
		}
	}

	return errs
}

func (c *Compensator) compensateShipping(ctx context.Context, order *models.Order, state *models.SagaState) error {
	result := c.comms.CancelShipping(ctx, state.ShippingTransactionID)
	if !result.Success {
		util.CompensationActionsTotal.WithLabelValues("cancel_shipping", "failure").Inc()
		c.logger.Error("Failed to cancel shipping",
			zap.String("order_number", order.OrderNumber),
			zap.String("tracking_number", state.ShippingTransactionID),
			zap.String("message", result.Message))
		return fmt.Errorf("cancel shipping: %s", result.Message)
	}

	state.ShippingArranged = false
	state.ShippingTransactionID = ""
	if err := c.store.SaveSaga(ctx, state); err != nil {
		return fmt.Errorf("persist shipping compensation: %w", err)
	}

	util.CompensationActionsTotal.WithLabelValues("cancel_shipping", "success").Inc()
	c.logger.Info("Shipping cancelled",
		zap.String("order_number", order.OrderNumber))
	return nil
}

func (c *Compensator) compensatePayment(ctx context.Context, order *models.Order, state *models.SagaState) error {
	result := c.comms.RefundPayment(ctx, state.PaymentTransactionID)
	if !result.Success {
		util.CompensationActionsTotal.WithLabelValues("refund_payment", "failure").Inc()
		c.logger.Error("Failed to refund payment",
			zap.String("order_number", order.OrderNumber),
			zap.String("tx_id", state.PaymentTransactionID),
			zap.String("message", result.Message))
		return fmt.Errorf("refund payment: %s", result.Message)
	}

	state.PaymentProcessed = false
	state.PaymentTransactionID = ""
	if err := c.store.SaveSaga(ctx, state); err != nil {
		return fmt.Errorf("persist payment compensation: %w", err)
	}

	util.CompensationActionsTotal.WithLabelValues("refund_payment", "success").Inc()
	c.logger.Info("Payment refunded",
		zap.String("order_number", order.OrderNumber))
	return nil
}

func (c *Compensator) compensateInventory(ctx context.Context, order *models.Order, state *models.SagaState) error {
	result := c.comms.ReleaseInventory(ctx, order, state.InventoryTransactionID)
	if !result.Success {
		util.CompensationActionsTotal.WithLabelValues("release_inventory", "failure").Inc()
		c.logger.Error("Failed to release inventory",
			zap.String("order_number", order.OrderNumber),
			zap.String("message", result.Message))
		return fmt.Errorf("release inventory: %s", result.Message)
	}

	state.InventoryReserved = false
	state.InventoryTransactionID = ""
	if err := c.store.SaveSaga(ctx, state); err != nil {
		return fmt.Errorf("persist inventory compensation: %w", err)
	}

	util.CompensationActionsTotal.WithLabelValues("release_inventory", "success").Inc()
	c.logger.Info("Inventory released",
		zap.String("order_number", order.OrderNumber))
	return nil
}
