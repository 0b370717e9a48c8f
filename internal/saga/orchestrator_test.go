package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"fulfillment-service/internal/comms"
	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore keeps orders, sagas and outbox events in memory with the
// same conditional-update semantics as the SQL layer.
type fakeStore struct {
	orders map[int64]*models.Order
	items  map[int64][]models.OrderItem
	sagas  map[int64]*models.SagaState // keyed by order id
	events []*models.OutboxEvent

	nextOrderID int64
	nextSagaID  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders: make(map[int64]*models.Order),
		items:  make(map[int64][]models.OrderItem),
		sagas:  make(map[int64]*models.SagaState),
	}
}

// seed installs an order with its saga directly, bypassing StartSaga.
func (f *fakeStore) seed(order *models.Order, items []models.OrderItem, state *models.SagaState) {
	f.nextOrderID++
	f.nextSagaID++
	order.ID = f.nextOrderID
	state.ID = f.nextSagaID
	state.OrderID = order.ID
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	f.orders[order.ID] = order
	f.items[order.ID] = items
	copied := *state
	f.sagas[order.ID] = &copied
}

func (f *fakeStore) CreateOrderWithSaga(ctx context.Context, order *models.Order, items []models.OrderItem, state *models.SagaState, event *models.OutboxEvent) error {
	f.seed(order, items, state)
	event.AggregateID = order.ID
	f.events = append(f.events, event)
	return nil
}

func (f *fakeStore) OrderByID(ctx context.Context, id int64) (*models.Order, error) {
	order, ok := f.orders[id]
	if !ok {
		return nil, errors.New("order not found")
	}
	copied := *order
	return &copied, nil
}

func (f *fakeStore) OrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	return f.items[orderID], nil
}

func (f *fakeStore) SagaByOrderID(ctx context.Context, orderID int64) (*models.SagaState, error) {
	state, ok := f.sagas[orderID]
	if !ok {
		return nil, errors.New("saga not found")
	}
	copied := *state
	return &copied, nil
}

func (f *fakeStore) SaveSaga(ctx context.Context, state *models.SagaState) error {
	copied := *state
	copied.UpdatedAt = time.Now()
	f.sagas[state.OrderID] = &copied
	return nil
}

func (f *fakeStore) SaveSagaInStatus(ctx context.Context, state *models.SagaState, from models.SagaStatus) (bool, error) {
	current, ok := f.sagas[state.OrderID]
	if !ok || current.Status != from {
		return false, nil
	}
	return true, f.SaveSaga(ctx, state)
}

func (f *fakeStore) AdvanceSaga(ctx context.Context, state *models.SagaState, event *models.OutboxEvent, from models.SagaStatus) (bool, error) {
	current, ok := f.sagas[state.OrderID]
	if !ok || current.Status != from {
		return false, nil
	}
	if err := f.SaveSaga(ctx, state); err != nil {
		return false, err
	}
	f.events = append(f.events, event)
	return true, nil
}

func (f *fakeStore) CompleteOrderSaga(ctx context.Context, state *models.SagaState, orderStatus string, event *models.OutboxEvent) error {
	if err := f.SaveSaga(ctx, state); err != nil {
		return err
	}
	f.orders[state.OrderID].Status = orderStatus
	f.events = append(f.events, event)
	return nil
}

func (f *fakeStore) ClaimSaga(ctx context.Context, sagaID int64, from models.SagaStatus) (bool, error) {
	for _, state := range f.sagas {
		if state.ID == sagaID {
			if state.Status != from {
				return false, nil
			}
			state.Status = models.SagaStatusRetrying
			state.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) SagasDueForRetry(ctx context.Context, now time.Time, limit int) ([]models.SagaState, error) {
	var out []models.SagaState
	for _, state := range f.sagas {
		if state.Status == models.SagaStatusInProgress && state.Retryable &&
			state.NextRetryTime != nil && !state.NextRetryTime.After(now) {
			out = append(out, *state)
		}
	}
	return out, nil
}

func (f *fakeStore) StuckSagas(ctx context.Context, cutoff time.Time, limit int) ([]models.SagaState, error) {
	var out []models.SagaState
	for _, state := range f.sagas {
		if (state.Status == models.SagaStatusFailed || state.Status == models.SagaStatusCompensating) &&
			state.Retryable && !state.UpdatedAt.After(cutoff) {
			out = append(out, *state)
		}
	}
	return out, nil
}

// stubComms returns scripted results per operation and records the
// order of calls it receives. The optional hook runs while a call is
// in flight, before its result is returned, which lets tests mutate
// shared state mid-step the way a concurrent driver would.
type stubComms struct {
	reserve  comms.Result
	confirm  comms.Result
	release  comms.Result
	payment  comms.Result
	refund   comms.Result
	shipping comms.Result
	cancel   comms.Result

	calls []string
	hook  func(op string)
}

func (s *stubComms) record(op string) {
	s.calls = append(s.calls, op)
	if s.hook != nil {
		s.hook(op)
	}
}

func newStubComms() *stubComms {
	ok := func(tx string) comms.Result {
		return comms.Result{Success: true, TransactionID: tx}
	}
	return &stubComms{
		reserve:  ok("res-1"),
		confirm:  ok(""),
		release:  ok(""),
		payment:  ok("pay-1"),
		refund:   ok(""),
		shipping: ok("trk-1"),
		cancel:   ok(""),
	}
}

func (s *stubComms) ReserveInventory(ctx context.Context, order *models.Order, items []models.OrderItem) comms.Result {
	s.record("reserve_inventory")
	return s.reserve
}

func (s *stubComms) ConfirmInventory(ctx context.Context, order *models.Order) comms.Result {
	s.record("confirm_inventory")
	return s.confirm
}

func (s *stubComms) ReleaseInventory(ctx context.Context, order *models.Order, transactionID string) comms.Result {
	s.record("release_inventory")
	return s.release
}

func (s *stubComms) ProcessPayment(ctx context.Context, order *models.Order) comms.Result {
	s.record("process_payment")
	return s.payment
}

func (s *stubComms) RefundPayment(ctx context.Context, transactionID string) comms.Result {
	s.record("refund_payment")
	return s.refund
}

func (s *stubComms) ArrangeShipping(ctx context.Context, order *models.Order) comms.Result {
	s.record("arrange_shipping")
	return s.shipping
}

func (s *stubComms) CancelShipping(ctx context.Context, trackingNumber string) comms.Result {
	s.record("cancel_shipping")
	return s.cancel
}

func newTestOrchestrator(store *fakeStore, strategy *stubComms) *Orchestrator {
	compensator := NewCompensator(store, strategy)
	return NewOrchestrator(store, strategy, compensator, RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
	})
}

func seedFreshSaga(store *fakeStore) *models.Order {
	order := &models.Order{
		OrderNumber: "ORD-TEST0001",
		CustomerID:  7,
		TotalAmount: 3000,
		Status:      models.OrderStatusPending,
	}
	store.seed(order,
		[]models.OrderItem{{ProductID: 1, Quantity: 2, UnitPrice: 1500}},
		&models.SagaState{
			Status:      models.SagaStatusStarted,
			CurrentStep: models.StepOrderCreated,
		})
	return order
}

func TestStartSagaPersistsOrderAndEvent(t *testing.T) {
	store := newFakeStore()
	orch := newTestOrchestrator(store, newStubComms())

	order := &models.Order{
		OrderNumber: "ORD-TEST0001",
		CustomerID:  7,
		TotalAmount: 3000,
		Status:      models.OrderStatusPending,
	}
	err := orch.StartSaga(context.Background(), order, []models.OrderItem{
		{ProductID: 1, Quantity: 2, UnitPrice: 1500},
	})
	require.NoError(t, err)
	assert.NotZero(t, order.ID)

	state := store.sagas[order.ID]
	require.NotNil(t, state)
	assert.Equal(t, models.SagaStatusStarted, state.Status)
	assert.Equal(t, models.StepOrderCreated, state.CurrentStep)

	require.Len(t, store.events, 1)
	assert.Equal(t, models.EventTypeOrderCreated, store.events[0].EventType)
	assert.Equal(t, order.ID, store.events[0].AggregateID)
}

func TestExecuteNextStepHappyPath(t *testing.T) {
	store := newFakeStore()
	strategy := newStubComms()
	orch := newTestOrchestrator(store, strategy)
	order := seedFreshSaga(store)

	orch.ExecuteNextStep(context.Background(), order.ID)

	assert.Equal(t, []string{
		"reserve_inventory",
		"process_payment",
		"arrange_shipping",
		"confirm_inventory",
	}, strategy.calls)

	state := store.sagas[order.ID]
	assert.Equal(t, models.SagaStatusCompleted, state.Status)
	assert.Equal(t, models.StepCompleted, state.CurrentStep)
	assert.True(t, state.InventoryReserved)
	assert.True(t, state.PaymentProcessed)
	assert.True(t, state.ShippingArranged)
	assert.Equal(t, "pay-1", state.PaymentTransactionID)
	assert.Equal(t, "trk-1", state.ShippingTransactionID)
	assert.True(t, state.Terminal())

	assert.Equal(t, models.OrderStatusCompleted, store.orders[order.ID].Status)

	var types []string
	for _, event := range store.events {
		types = append(types, event.EventType)
	}
	assert.Equal(t, []string{
		models.EventTypeInventoryReserved,
		models.EventTypePaymentProcessed,
		models.EventTypeShippingArranged,
		models.EventTypeOrderCompleted,
	}, types)
}

func TestPaymentRejectionCompensatesOnlyInventory(t *testing.T) {
	store := newFakeStore()
	strategy := newStubComms()
	strategy.payment = comms.Result{Success: false, Retryable: false, Message: "card declined"}
	orch := newTestOrchestrator(store, strategy)
	order := seedFreshSaga(store)

	orch.ExecuteNextStep(context.Background(), order.ID)

	// Shipping was never arranged and payment never landed, so the only
	// compensating action is releasing the stock hold.
	assert.Equal(t, []string{
		"reserve_inventory",
		"process_payment",
		"release_inventory",
	}, strategy.calls)

	state := store.sagas[order.ID]
	assert.Equal(t, models.SagaStatusCompensated, state.Status)
	assert.False(t, state.InventoryReserved)
	assert.True(t, state.Terminal())
	assert.Equal(t, models.OrderStatusCancelled, store.orders[order.ID].Status)
}

func TestShippingRejectionCompensatesPaymentAndInventory(t *testing.T) {
	store := newFakeStore()
	strategy := newStubComms()
	strategy.shipping = comms.Result{Success: false, Retryable: false, Message: "no carrier"}
	orch := newTestOrchestrator(store, strategy)
	order := seedFreshSaga(store)

	orch.ExecuteNextStep(context.Background(), order.ID)

	assert.Equal(t, []string{
		"reserve_inventory",
		"process_payment",
		"arrange_shipping",
		"refund_payment",
		"release_inventory",
	}, strategy.calls)

	state := store.sagas[order.ID]
	assert.Equal(t, models.SagaStatusCompensated, state.Status)
	assert.False(t, state.PaymentProcessed)
	assert.Empty(t, state.PaymentTransactionID)
	assert.Equal(t, models.OrderStatusCancelled, store.orders[order.ID].Status)
}

func TestRetryableFailureSchedulesRetryWithoutAdvancing(t *testing.T) {
	store := newFakeStore()
	strategy := newStubComms()
	strategy.payment = comms.Result{Success: false, Retryable: true, Message: "gateway timeout"}
	orch := newTestOrchestrator(store, strategy)
	order := seedFreshSaga(store)

	before := time.Now()
	orch.ExecuteNextStep(context.Background(), order.ID)

	state := store.sagas[order.ID]
	assert.Equal(t, models.SagaStatusInProgress, state.Status)
	assert.Equal(t, models.StepPaymentProcessing, state.CurrentStep)
	assert.True(t, state.Retryable)
	assert.Equal(t, "gateway timeout", state.ErrorMessage)
	require.NotNil(t, state.NextRetryTime)
	assert.True(t, state.NextRetryTime.After(before))

	// Inventory stayed reserved; no compensation ran.
	assert.True(t, state.InventoryReserved)
	assert.NotContains(t, strategy.calls, "release_inventory")
}

func TestRetrySagaResumesFromPersistedStep(t *testing.T) {
	store := newFakeStore()
	strategy := newStubComms()
	strategy.payment = comms.Result{Success: false, Retryable: true, Message: "gateway timeout"}
	orch := newTestOrchestrator(store, strategy)
	order := seedFreshSaga(store)

	orch.ExecuteNextStep(context.Background(), order.ID)
	require.Equal(t, models.StepPaymentProcessing, store.sagas[order.ID].CurrentStep)

	// The gateway recovers; the retry must re-issue only the payment
	// call, not repeat the inventory reservation.
	strategy.payment = comms.Result{Success: true, TransactionID: "pay-2"}
	strategy.calls = nil
	orch.RetrySaga(context.Background(), order.ID, false)

	assert.Equal(t, []string{
		"process_payment",
		"arrange_shipping",
		"confirm_inventory",
	}, strategy.calls)

	state := store.sagas[order.ID]
	assert.Equal(t, models.SagaStatusCompleted, state.Status)
	assert.Equal(t, 1, state.RetryCount)
	assert.Equal(t, "pay-2", state.PaymentTransactionID)
}

func TestPartialCompensationStaysCompensating(t *testing.T) {
	store := newFakeStore()
	strategy := newStubComms()
	strategy.shipping = comms.Result{Success: false, Retryable: false, Message: "no carrier"}
	strategy.refund = comms.Result{Success: false, Retryable: true, Message: "refund api down"}
	orch := newTestOrchestrator(store, strategy)
	order := seedFreshSaga(store)

	orch.ExecuteNextStep(context.Background(), order.ID)

	state := store.sagas[order.ID]
	assert.Equal(t, models.SagaStatusCompensating, state.Status)
	assert.True(t, state.Retryable)
	require.NotNil(t, state.NextRetryTime)

	// The refund failed but the inventory release went through, so only
	// the payment flag is still set.
	assert.True(t, state.PaymentProcessed)
	assert.False(t, state.InventoryReserved)

	// Re-driving compensation finishes the job once the refund works.
	strategy.refund = comms.Result{Success: true}
	strategy.calls = nil
	orch.Compensate(context.Background(), store.orders[order.ID], state)

	assert.Equal(t, []string{"refund_payment"}, strategy.calls)
	final := store.sagas[order.ID]
	assert.Equal(t, models.SagaStatusCompensated, final.Status)
	assert.Equal(t, models.OrderStatusCancelled, store.orders[order.ID].Status)
}

func TestExecuteNextStepRefusesTerminalSaga(t *testing.T) {
	store := newFakeStore()
	strategy := newStubComms()
	orch := newTestOrchestrator(store, strategy)

	order := &models.Order{OrderNumber: "ORD-DONE", Status: models.OrderStatusCompleted}
	store.seed(order, nil, &models.SagaState{
		Status:      models.SagaStatusCompleted,
		CurrentStep: models.StepCompleted,
	})

	orch.ExecuteNextStep(context.Background(), order.ID)
	assert.Empty(t, strategy.calls)
}

func TestExecuteNextStepRefusesCompensatingSaga(t *testing.T) {
	store := newFakeStore()
	strategy := newStubComms()
	orch := newTestOrchestrator(store, strategy)

	order := &models.Order{OrderNumber: "ORD-CANCELLING", Status: models.OrderStatusPending}
	store.seed(order, nil, &models.SagaState{
		Status:            models.SagaStatusCompensating,
		CurrentStep:       models.StepPaymentProcessing,
		InventoryReserved: true,
	})

	orch.ExecuteNextStep(context.Background(), order.ID)
	assert.Empty(t, strategy.calls)
	assert.Equal(t, models.SagaStatusCompensating, store.sagas[order.ID].Status)
}

func TestForwardAdvanceLosesToConcurrentCancel(t *testing.T) {
	store := newFakeStore()
	strategy := newStubComms()
	orch := newTestOrchestrator(store, strategy)
	order := seedFreshSaga(store)

	// A cancellation claims the saga while the payment call is in
	// flight. The payment succeeds remotely, but its advance must lose
	// the conditional write instead of stomping the COMPENSATING row.
	strategy.hook = func(op string) {
		if op == "process_payment" {
			store.sagas[order.ID].Status = models.SagaStatusCompensating
		}
	}

	orch.ExecuteNextStep(context.Background(), order.ID)

	assert.NotContains(t, strategy.calls, "arrange_shipping")
	state := store.sagas[order.ID]
	assert.Equal(t, models.SagaStatusCompensating, state.Status)
	assert.False(t, state.PaymentProcessed)
	assert.Empty(t, state.PaymentTransactionID)
}

func TestRetrySchedulingLosesToConcurrentCancel(t *testing.T) {
	store := newFakeStore()
	strategy := newStubComms()
	strategy.payment = comms.Result{Success: false, Retryable: true, Message: "gateway timeout"}
	orch := newTestOrchestrator(store, strategy)
	order := seedFreshSaga(store)

	strategy.hook = func(op string) {
		if op == "process_payment" {
			store.sagas[order.ID].Status = models.SagaStatusCompensating
		}
	}

	orch.ExecuteNextStep(context.Background(), order.ID)

	// The retry scheduling write must not resurrect IN_PROGRESS.
	state := store.sagas[order.ID]
	assert.Equal(t, models.SagaStatusCompensating, state.Status)
	assert.Nil(t, state.NextRetryTime)
}

func TestExecuteNextStepRejectsInvalidState(t *testing.T) {
	store := newFakeStore()
	strategy := newStubComms()
	orch := newTestOrchestrator(store, strategy)

	order := &models.Order{OrderNumber: "ORD-BAD", Status: models.OrderStatusPending}
	store.seed(order, nil, &models.SagaState{
		Status:      models.SagaStatusInProgress,
		CurrentStep: models.StepShippingArrangement,
		// InventoryReserved and PaymentProcessed missing: the workflow
		// can never produce this row.
	})

	orch.ExecuteNextStep(context.Background(), order.ID)

	assert.Empty(t, strategy.calls)
	state := store.sagas[order.ID]
	assert.Equal(t, models.SagaStatusFailed, state.Status)
	assert.Equal(t, models.OrderStatusFailed, store.orders[order.ID].Status)
}

func TestNextRetryDelayBackoffBounds(t *testing.T) {
	orch := newTestOrchestrator(newFakeStore(), newStubComms())

	for retryCount := 0; retryCount < 5; retryCount++ {
		delay := orch.nextRetryDelay(retryCount)
		base := time.Second << uint(retryCount)
		if base > time.Minute {
			base = time.Minute
		}
		assert.GreaterOrEqual(t, delay, time.Duration(float64(base)*0.8))
		assert.LessOrEqual(t, delay, time.Duration(float64(base)*1.2))
	}
}
