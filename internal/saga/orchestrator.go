package saga

import (
	"context"
	"math/rand"
	"time"

	"fulfillment-service/internal/comms"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// Store is the persistence surface the orchestrator, compensator and
// scheduler share. *store.Store satisfies it.
type Store interface {
	CreateOrderWithSaga(ctx context.Context, order *models.Order, items []models.OrderItem, state *models.SagaState, event *models.OutboxEvent) error
	OrderByID(ctx context.Context, id int64) (*models.Order, error)
	OrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	SagaByOrderID(ctx context.Context, orderID int64) (*models.SagaState, error)
	SaveSaga(ctx context.Context, state *models.SagaState) error
	SaveSagaInStatus(ctx context.Context, state *models.SagaState, from models.SagaStatus) (bool, error)
	AdvanceSaga(ctx context.Context, state *models.SagaState, event *models.OutboxEvent, from models.SagaStatus) (bool, error)
	CompleteOrderSaga(ctx context.Context, state *models.SagaState, orderStatus string, event *models.OutboxEvent) error
	ClaimSaga(ctx context.Context, sagaID int64, from models.SagaStatus) (bool, error)
	SagasDueForRetry(ctx context.Context, now time.Time, limit int) ([]models.SagaState, error)
	StuckSagas(ctx context.Context, cutoff time.Time, limit int) ([]models.SagaState, error)
}

// RetryConfig tunes the saga-level business retry.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Orchestrator drives an order through the fixed fulfillment workflow:
// inventory, payment, shipping, confirmation. Collaborators are
// injected as interfaces so transports can be swapped in tests.
type Orchestrator struct {
	store       Store
	comms       comms.Strategy
	compensator *Compensator
	retry       RetryConfig
	logger      *zap.Logger
}

// NewOrchestrator creates a saga orchestrator.
func NewOrchestrator(store Store, strategy comms.Strategy, compensator *Compensator, retry RetryConfig) *Orchestrator {
	return &Orchestrator{
		store:       store,
		comms:       strategy,
		compensator: compensator,
		retry:       retry,
		logger:      util.GetLogger(),
	}
}

// StartSaga persists the order, its line items, the initial saga state
// and the ORDER_CREATED event atomically. The caller is expected to
// kick ExecuteNextStep asynchronously afterwards; order creation never
// blocks on saga completion.
func (o *Orchestrator) StartSaga(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	ctx, span := util.StartSpan(ctx, "Orchestrator.StartSaga")
	defer span.End()

	state := &models.SagaState{
		Status:      models.SagaStatusStarted,
		CurrentStep: models.StepOrderCreated,
	}

	itemData := make([]models.OrderItemData, 0, len(items))
	for _, item := range items {
		itemData = append(itemData, models.OrderItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	event, err := models.NewOutboxEvent(0, models.EventTypeOrderCreated, models.OrderCreatedEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeOrderCreated),
		OrderNumber: order.OrderNumber,
		CustomerID:  order.CustomerID,
		TotalAmount: order.TotalAmount,
		Items:       itemData,
	})
	if err != nil {
		return err
	}

	if err := o.store.CreateOrderWithSaga(ctx, order, items, state, event); err != nil {
		return err
	}

	util.SagasStartedTotal.Inc()
	o.logger.Info("Saga started",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber))
	return nil
}

// ExecuteNextStep dispatches the call for the saga's current step and
// keeps advancing while steps succeed. Every failure path ends in a
// persisted state change; nothing escapes to the caller.
func (o *Orchestrator) ExecuteNextStep(ctx context.Context, orderID int64) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.ExecuteNextStep")
	defer span.End()

	order, state, ok := o.load(ctx, orderID)
	if !ok {
		return
	}
	if state.Terminal() {
		o.logger.Warn("Refusing to drive terminal saga",
			zap.Int64("order_id", orderID),
			zap.String("status", string(state.Status)))
		return
	}
	if state.Status == models.SagaStatusCompensating {
		// Cancellation or a failure path owns this saga now; only the
		// compensation continuation may touch it.
		o.logger.Warn("Refusing to drive compensating saga forward",
			zap.Int64("order_id", orderID))
		return
	}
	if err := state.Validate(); err != nil {
		o.failSaga(ctx, order, state, err.Error(), false)
		return
	}

	for {
		var result comms.Result
		var completedStep models.SagaStep
		from := state.Status

		switch state.CurrentStep {
		case models.StepOrderCreated, models.StepInventoryValidation:
			items, err := o.store.OrderItems(ctx, order.ID)
			if err != nil {
				o.failSaga(ctx, order, state, err.Error(), true)
				return
			}
			result = o.comms.ReserveInventory(ctx, order, items)
			completedStep = models.StepInventoryValidation
		case models.StepPaymentProcessing:
			result = o.comms.ProcessPayment(ctx, order)
			completedStep = models.StepPaymentProcessing
		case models.StepShippingArrangement:
			result = o.comms.ArrangeShipping(ctx, order)
			completedStep = models.StepShippingArrangement
		case models.StepOrderConfirmation:
			result = o.comms.ConfirmInventory(ctx, order)
			completedStep = models.StepOrderConfirmation
		default:
			o.completeSaga(ctx, order, state)
			return
		}

		if !result.Success {
			util.SagaStepsTotal.WithLabelValues(string(completedStep), "failure").Inc()
			o.handleStepFailure(ctx, order, state, completedStep, result, from)
			return
		}

		util.SagaStepsTotal.WithLabelValues(string(completedStep), "success").Inc()
		o.logger.Info("Saga step completed",
			zap.String("order_number", order.OrderNumber),
			zap.String("step", string(completedStep)),
			zap.String("tx_id", result.TransactionID))

		if done := o.advance(ctx, order, state, completedStep, result, from); done || state.Terminal() {
			return
		}
	}
}

// advance records the completed step and moves the saga forward,
// conditional on the row still carrying the status loaded before the
// step ran. It returns true when the loop must stop (terminal state
// reached, persistence failed, or the saga moved underneath the
// forward path).
func (o *Orchestrator) advance(ctx context.Context, order *models.Order, state *models.SagaState, completed models.SagaStep, result comms.Result, from models.SagaStatus) bool {
	var eventType string
	switch completed {
	case models.StepInventoryValidation:
		state.InventoryReserved = true
		state.InventoryTransactionID = result.TransactionID
		eventType = models.EventTypeInventoryReserved
	case models.StepPaymentProcessing:
		state.PaymentProcessed = true
		state.PaymentTransactionID = result.TransactionID
		eventType = models.EventTypePaymentProcessed
	case models.StepShippingArrangement:
		state.ShippingArranged = true
		state.ShippingTransactionID = result.TransactionID
		eventType = models.EventTypeShippingArranged
	case models.StepOrderConfirmation:
		o.completeSaga(ctx, order, state)
		return true
	}

	next, _ := state.CurrentStep.NextStep()
	if state.CurrentStep == models.StepOrderCreated {
		// ORDER_CREATED and INVENTORY_VALIDATION share the inventory
		// call; skip past both.
		next = models.StepPaymentProcessing
	}
	state.CurrentStep = next
	state.Status = models.SagaStatusInProgress
	state.Retryable = false
	state.NextRetryTime = nil
	state.ErrorMessage = ""

	event, err := models.NewOutboxEvent(order.ID, eventType, models.StepCompletedEvent{
		BaseEvent:     models.NewBaseEvent(eventType),
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		Step:          completed,
		TransactionID: result.TransactionID,
	})
	if err != nil {
		o.failSaga(ctx, order, state, err.Error(), true)
		return true
	}
	won, err := o.store.AdvanceSaga(ctx, state, event, from)
	if err != nil {
		o.logger.Error("Failed to persist saga advance",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
		o.failSaga(ctx, order, state, err.Error(), true)
		return true
	}
	if !won {
		o.logger.Warn("Saga moved underneath forward execution, stopping",
			zap.Int64("order_id", order.ID),
			zap.String("expected_status", string(from)))
		return true
	}
	return false
}

// handleStepFailure applies the retryable/non-retryable decision from
// the collaborator's normalized result.
func (o *Orchestrator) handleStepFailure(ctx context.Context, order *models.Order, state *models.SagaState, step models.SagaStep, result comms.Result, from models.SagaStatus) {
	if result.Retryable {
		// Keep the step unchanged so the same call is retried by the
		// scheduler once the backoff elapses.
		state.Status = models.SagaStatusInProgress
		state.Retryable = true
		state.ErrorMessage = result.Message
		next := time.Now().Add(o.nextRetryDelay(state.RetryCount))
		state.NextRetryTime = &next

		won, err := o.store.SaveSagaInStatus(ctx, state, from)
		if err != nil {
			o.logger.Error("Failed to persist retry scheduling",
				zap.Int64("order_id", order.ID),
				zap.Error(err))
			return
		}
		if !won {
			o.logger.Warn("Saga moved underneath forward execution, dropping retry",
				zap.Int64("order_id", order.ID),
				zap.String("expected_status", string(from)))
			return
		}
		o.logger.Warn("Saga step failed, retry scheduled",
			zap.String("order_number", order.OrderNumber),
			zap.String("step", string(step)),
			zap.Int("retry_count", state.RetryCount),
			zap.Time("next_retry_time", *state.NextRetryTime),
			zap.String("message", result.Message))
		return
	}

	o.logger.Warn("Saga step rejected, starting compensation",
		zap.String("order_number", order.OrderNumber),
		zap.String("step", string(step)),
		zap.String("message", result.Message))
	state.ErrorMessage = result.Message
	o.Compensate(ctx, order, state)
}

// Compensate reverses the completed steps of the saga. Full reversal
// ends in COMPENSATED and a cancelled order; partial reversal leaves
// the saga COMPENSATING and retryable for the stuck-recovery sweep.
func (o *Orchestrator) Compensate(ctx context.Context, order *models.Order, state *models.SagaState) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.Compensate")
	defer span.End()

	state.Status = models.SagaStatusCompensating
	if err := o.store.SaveSaga(ctx, state); err != nil {
		o.logger.Error("Failed to persist COMPENSATING state",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
		return
	}

	errs := o.compensator.ExecuteCompensation(ctx, order, state)
	if len(errs) == 0 {
		state.Status = models.SagaStatusCompensated
		state.Retryable = false
		state.NextRetryTime = nil
		event, err := models.NewOutboxEvent(order.ID, models.EventTypeOrderCompensated, models.OrderOutcomeEvent{
			BaseEvent:   models.NewBaseEvent(models.EventTypeOrderCompensated),
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			Reason:      state.ErrorMessage,
		})
		if err == nil {
			err = o.store.CompleteOrderSaga(ctx, state, models.OrderStatusCancelled, event)
		}
		if err != nil {
			o.logger.Error("Failed to persist COMPENSATED state",
				zap.Int64("order_id", order.ID),
				zap.Error(err))
			return
		}
		util.SagasCompensatedTotal.Inc()
		o.logger.Info("Compensation completed",
			zap.String("order_number", order.OrderNumber))
		return
	}

	// Partial reversal: stay COMPENSATING, let the stuck sweep re-drive
	// the remaining compensating calls (they are idempotent).
	state.Status = models.SagaStatusCompensating
	state.Retryable = true
	next := time.Now().Add(o.nextRetryDelay(state.RetryCount))
	state.NextRetryTime = &next
	state.ErrorMessage = errs[0].Error()
	if err := o.store.SaveSaga(ctx, state); err != nil {
		o.logger.Error("Failed to persist partial compensation",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
		return
	}
	o.logger.Warn("Compensation incomplete, will be re-driven",
		zap.String("order_number", order.OrderNumber),
		zap.Int("failed_actions", len(errs)))
}

// CanRetry reports whether the saga still has retry budget.
func (o *Orchestrator) CanRetry(state *models.SagaState) bool {
	return state.Retryable && state.RetryCount < o.retry.MaxRetries && !state.Terminal()
}

// RetrySaga consumes one retry cycle: it increments the retry count
// and resumes either the forward path or the compensation
// continuation, depending on where the saga was claimed from.
func (o *Orchestrator) RetrySaga(ctx context.Context, orderID int64, compensating bool) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.RetrySaga")
	defer span.End()

	order, state, ok := o.load(ctx, orderID)
	if !ok {
		return
	}

	state.RetryCount++
	if err := o.store.SaveSaga(ctx, state); err != nil {
		o.logger.Error("Failed to persist retry count",
			zap.Int64("order_id", orderID),
			zap.Error(err))
		return
	}

	util.SagaRetriesTotal.Inc()
	o.logger.Info("Retrying saga",
		zap.String("order_number", order.OrderNumber),
		zap.Int("retry_count", state.RetryCount),
		zap.Bool("compensating", compensating))

	if compensating {
		o.Compensate(ctx, order, state)
		return
	}
	o.ExecuteNextStep(ctx, orderID)
}

// FailSaga marks the saga terminally failed, used when the retry
// budget is exhausted.
func (o *Orchestrator) FailSaga(ctx context.Context, orderID int64, reason string) {
	order, state, ok := o.load(ctx, orderID)
	if !ok {
		return
	}
	state.ErrorMessage = reason
	o.failSaga(ctx, order, state, reason, false)
}

func (o *Orchestrator) completeSaga(ctx context.Context, order *models.Order, state *models.SagaState) {
	state.CurrentStep = models.StepCompleted
	state.Status = models.SagaStatusCompleted
	state.Retryable = false
	state.NextRetryTime = nil
	state.ErrorMessage = ""

	event, err := models.NewOutboxEvent(order.ID, models.EventTypeOrderCompleted, models.OrderOutcomeEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeOrderCompleted),
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
	})
	if err == nil {
		err = o.store.CompleteOrderSaga(ctx, state, models.OrderStatusCompleted, event)
	}
	if err != nil {
		o.logger.Error("Failed to persist completed saga",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
		return
	}

	util.SagasCompletedTotal.Inc()
	o.logger.Info("Order completed",
		zap.String("order_number", order.OrderNumber))
}

// failSaga persists a FAILED state. retryable=true marks the saga for
// stuck-recovery pickup; retryable=false is terminal.
func (o *Orchestrator) failSaga(ctx context.Context, order *models.Order, state *models.SagaState, reason string, retryable bool) {
	state.Status = models.SagaStatusFailed
	state.Retryable = retryable
	state.ErrorMessage = reason

	reasonLabel := "internal"
	if !retryable {
		reasonLabel = "exhausted"
	}
	util.SagasFailedTotal.WithLabelValues(reasonLabel).Inc()

	if retryable {
		if err := o.store.SaveSaga(ctx, state); err != nil {
			o.logger.Error("Failed to persist FAILED state",
				zap.Int64("order_id", order.ID),
				zap.Error(err))
		}
	} else {
		event, err := models.NewOutboxEvent(order.ID, models.EventTypeOrderFailed, models.OrderOutcomeEvent{
			BaseEvent:   models.NewBaseEvent(models.EventTypeOrderFailed),
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			Reason:      reason,
		})
		if err == nil {
			err = o.store.CompleteOrderSaga(ctx, state, models.OrderStatusFailed, event)
		}
		if err != nil {
			o.logger.Error("Failed to persist terminal failure",
				zap.Int64("order_id", order.ID),
				zap.Error(err))
		}
	}

	o.logger.Error("Saga failed",
		zap.String("order_number", order.OrderNumber),
		zap.Bool("retryable", retryable),
		zap.String("reason", reason))
}

// nextRetryDelay computes exponential backoff with jitter, seeded from
// the retry count.
func (o *Orchestrator) nextRetryDelay(retryCount int) time.Duration {
	delay := o.retry.BaseDelay << uint(retryCount)
	if o.retry.MaxDelay > 0 && delay > o.retry.MaxDelay {
		delay = o.retry.MaxDelay
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

func (o *Orchestrator) load(ctx context.Context, orderID int64) (*models.Order, *models.SagaState, bool) {
	order, err := o.store.OrderByID(ctx, orderID)
	if err != nil {
		o.logger.Error("Failed to load order", zap.Int64("order_id", orderID), zap.Error(err))
		return nil, nil, false
	}
	state, err := o.store.SagaByOrderID(ctx, orderID)
	if err != nil {
		o.logger.Error("Failed to load saga state", zap.Int64("order_id", orderID), zap.Error(err))
		return nil, nil, false
	}
	return order, state, true
}
