package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types published through the outbox
const (
	EventTypeOrderCreated      = "ORDER_CREATED"
	EventTypeInventoryReserved = "INVENTORY_RESERVED"
	EventTypePaymentProcessed  = "PAYMENT_PROCESSED"
	EventTypeShippingArranged  = "SHIPPING_ARRANGED"
	EventTypeOrderCompleted    = "ORDER_COMPLETED"
	EventTypeOrderCompensated  = "ORDER_COMPENSATED"
	EventTypeOrderFailed       = "ORDER_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent announces a new order entering the workflow
type OrderCreatedEvent struct {
	BaseEvent
	OrderNumber string          `json:"order_number"`
	CustomerID  int64           `json:"customer_id"`
	TotalAmount int64           `json:"total_amount"`
	Items       []OrderItemData `json:"items"`
}

// StepCompletedEvent announces a forward saga step finishing,
// carrying the collaborator transaction id for that step.
type StepCompletedEvent struct {
	BaseEvent
	OrderID       int64    `json:"order_id"`
	OrderNumber   string   `json:"order_number"`
	Step          SagaStep `json:"step"`
	TransactionID string   `json:"transaction_id,omitempty"`
}

// OrderOutcomeEvent announces a terminal saga state
// (COMPLETED, COMPENSATED, FAILED).
type OrderOutcomeEvent struct {
	BaseEvent
	OrderID     int64  `json:"order_id"`
	OrderNumber string `json:"order_number"`
	Reason      string `json:"reason,omitempty"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
}

// NewOutboxEvent serializes the payload and wraps it in an outbox
// record ready to be written alongside a state change.
func NewOutboxEvent(aggregateID int64, eventType string, payload interface{}) (*OutboxEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &OutboxEvent{
		ID:          uuid.New().String(),
		AggregateID: aggregateID,
		EventType:   eventType,
		Payload:     raw,
		CreatedAt:   time.Now(),
	}, nil
}

// NewBaseEvent fills the common event envelope.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}
