package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the slice of the persistence layer the order service needs.
// *store.Store satisfies it.
type Store interface {
	OrderByID(ctx context.Context, id int64) (*models.Order, error)
	OrderByNumber(ctx context.Context, number string) (*models.Order, error)
	OrdersByCustomer(ctx context.Context, customerID int64) ([]models.Order, error)
	OrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	SagaByOrderID(ctx context.Context, orderID int64) (*models.SagaState, error)
	ClaimCompensation(ctx context.Context, sagaID int64) (bool, error)
}

// Cache is the slice of the redis client the order service uses.
// *redisclient.Client satisfies it.
type Cache interface {
	GetIdempotencyKey(ctx context.Context, key string) (int64, bool, error)
	SetIdempotencyKey(ctx context.Context, key string, orderID int64, ttl time.Duration) error
	CacheOrderStatus(ctx context.Context, orderID int64, status string, ttl time.Duration) error
	CachedOrderStatus(ctx context.Context, orderID int64) (string, bool, error)
}

// Orchestrator drives sagas for accepted orders. *saga.Orchestrator
// satisfies it.
type Orchestrator interface {
	StartSaga(ctx context.Context, order *models.Order, items []models.OrderItem) error
	ExecuteNextStep(ctx context.Context, orderID int64)
	Compensate(ctx context.Context, order *models.Order, state *models.SagaState)
}

// ErrSagaTerminal is returned when a cancel targets an order whose
// saga already reached a terminal state.
var ErrSagaTerminal = errors.New("saga already terminal")

// ErrCancelConflict is returned when a cancel loses the compensation
// claim to a concurrent driver; the caller may retry shortly.
var ErrCancelConflict = errors.New("cancel claim lost")

const (
	idempotencyTTL = 24 * time.Hour
	statusCacheTTL = 30 * time.Second
)

// OrderService handles order intake and read paths. The saga itself is
// driven by the orchestrator, asynchronously from the request.
type OrderService struct {
	store        Store
	redis        Cache
	orchestrator Orchestrator
	logger       *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(store Store, redis Cache, orchestrator Orchestrator) *OrderService {
	return &OrderService{
		store:        store,
		redis:        redis,
		orchestrator: orchestrator,
		logger:       util.GetLogger(),
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	CustomerID      int64              `json:"customer_id" binding:"required"`
	ShippingAddress string             `json:"shipping_address" binding:"required"`
	PaymentMethod   string             `json:"payment_method" binding:"required"`
	Items           []OrderItemRequest `json:"items" binding:"required,min=1"`
	IdempotencyKey  string             `json:"idempotency_key,omitempty"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
	UnitPrice int64 `json:"unit_price" binding:"required,min=1"`
}

// CreateOrderResponse is returned immediately; the saga outcome is
// observed through a later read, not through this call.
type CreateOrderResponse struct {
	OrderID     int64  `json:"order_id"`
	OrderNumber string `json:"order_number"`
	Status      string `json:"status"`
}

// CreateOrder accepts an order and starts its saga. The response
// carries the accepted order in PENDING status; fulfillment proceeds
// in the background.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if req.IdempotencyKey != "" {
		orderID, found, err := s.redis.GetIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			s.logger.Warn("Idempotency lookup failed, proceeding without it", zap.Error(err))
		} else if found {
			existing, err := s.store.OrderByID(ctx, orderID)
			if err != nil {
				return nil, fmt.Errorf("failed to load duplicate order: %w", err)
			}
			s.logger.Info("Duplicate order request detected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Int64("order_id", existing.ID))
			return &CreateOrderResponse{
				OrderID:     existing.ID,
				OrderNumber: existing.OrderNumber,
				Status:      existing.Status,
			}, nil
		}
	}

	order := &models.Order{
		OrderNumber:     newOrderNumber(),
		CustomerID:      req.CustomerID,
		TotalAmount:     calculateTotal(req.Items),
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		Status:          models.OrderStatusPending,
	}

	items := make([]models.OrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, models.OrderItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}

	if err := s.orchestrator.StartSaga(ctx, order, items); err != nil {
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order accepted",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber))

	if req.IdempotencyKey != "" {
		if err := s.redis.SetIdempotencyKey(ctx, req.IdempotencyKey, order.ID, idempotencyTTL); err != nil {
			s.logger.Warn("Failed to record idempotency key", zap.Error(err))
		}
	}

	// Fulfillment runs in the background; the caller observes progress
	// through reads.
	go s.orchestrator.ExecuteNextStep(context.Background(), order.ID)

	return &CreateOrderResponse{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Status:      order.Status,
	}, nil
}

// CancelOrder triggers compensation on a non-terminal saga. The cancel
// competes with the forward goroutine and the scheduler, so it must
// win the conditional move to COMPENSATING before any compensation
// write happens; rows affected decides ownership.
func (s *OrderService) CancelOrder(ctx context.Context, orderID int64) error {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()

	order, err := s.store.OrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	state, err := s.store.SagaByOrderID(ctx, orderID)
	if err != nil {
		return err
	}
	if state.Terminal() {
		return fmt.Errorf("%w: order %d is %s", ErrSagaTerminal, orderID, state.Status)
	}

	claimed, err := s.store.ClaimCompensation(ctx, state.ID)
	if err != nil {
		return err
	}
	if !claimed {
		state, err = s.store.SagaByOrderID(ctx, orderID)
		if err != nil {
			return err
		}
		if state.Status == models.SagaStatusCompensating {
			// Another driver is already unwinding this saga; the cancel
			// outcome is the same.
			return nil
		}
		if state.Terminal() {
			return fmt.Errorf("%w: order %d is %s", ErrSagaTerminal, orderID, state.Status)
		}
		return fmt.Errorf("%w: order %d is %s", ErrCancelConflict, orderID, state.Status)
	}

	state, err = s.store.SagaByOrderID(ctx, orderID)
	if err != nil {
		return err
	}
	state.ErrorMessage = "cancelled by customer"

	s.logger.Info("Cancellation requested",
		zap.String("order_number", order.OrderNumber),
		zap.String("saga_status", string(state.Status)))

	go s.orchestrator.Compensate(context.Background(), order, state)
	return nil
}

// GetOrder retrieves an order and its items, with the saga status
// reflected on the order record.
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*models.Order, []models.OrderItem, error) {
	order, err := s.store.OrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	items, err := s.store.OrderItems(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	if err := s.redis.CacheOrderStatus(ctx, order.ID, order.Status, statusCacheTTL); err != nil {
		s.logger.Debug("Failed to cache order status", zap.Error(err))
	}
	return order, items, nil
}

// GetOrderByNumber retrieves an order by its business key.
func (s *OrderService) GetOrderByNumber(ctx context.Context, number string) (*models.Order, []models.OrderItem, error) {
	order, err := s.store.OrderByNumber(ctx, number)
	if err != nil {
		return nil, nil, err
	}
	items, err := s.store.OrderItems(ctx, order.ID)
	if err != nil {
		return nil, nil, err
	}
	return order, items, nil
}

// ListOrdersByCustomer retrieves all orders for a customer.
func (s *OrderService) ListOrdersByCustomer(ctx context.Context, customerID int64) ([]models.Order, error) {
	return s.store.OrdersByCustomer(ctx, customerID)
}

// OrderStatus returns the order status, served from the redis cache
// when fresh.
func (s *OrderService) OrderStatus(ctx context.Context, orderID int64) (string, error) {
	if status, found, err := s.redis.CachedOrderStatus(ctx, orderID); err == nil && found {
		return status, nil
	}
	order, err := s.store.OrderByID(ctx, orderID)
	if err != nil {
		return "", err
	}
	return order.Status, nil
}

func calculateTotal(items []OrderItemRequest) int64 {
	var total int64
	for _, item := range items {
		total += item.UnitPrice * int64(item.Quantity)
	}
	return total
}

func newOrderNumber() string {
	return "ORD-" + strings.ToUpper(uuid.New().String()[:8])
}
