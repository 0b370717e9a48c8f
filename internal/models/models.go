package models

import (
	"fmt"
	"time"
)

// Order represents a customer order moving through fulfillment
type Order struct {
	ID              int64     `db:"id" json:"id"`
	OrderNumber     string    `db:"order_number" json:"order_number"`
	CustomerID      int64     `db:"customer_id" json:"customer_id"`
	TotalAmount     int64     `db:"total_amount" json:"total_amount"`
	ShippingAddress string    `db:"shipping_address" json:"shipping_address"`
	PaymentMethod   string    `db:"payment_method" json:"payment_method"`
	Status          string    `db:"status" json:"status"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// OrderItem represents a line item in an order
type OrderItem struct {
	ID        int64 `db:"id" json:"id"`
	OrderID   int64 `db:"order_id" json:"order_id"`
	ProductID int64 `db:"product_id" json:"product_id"`
	Quantity  int   `db:"quantity" json:"quantity"`
	UnitPrice int64 `db:"unit_price" json:"unit_price"`
}

// Order statuses mirror saga progress
const (
	OrderStatusPending   = "PENDING"
	OrderStatusCompleted = "COMPLETED"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusFailed    = "FAILED"
)

// SagaStatus is the workflow-level state of an order saga.
type SagaStatus string

const (
	SagaStatusStarted      SagaStatus = "STARTED"
	SagaStatusInProgress   SagaStatus = "IN_PROGRESS"
	SagaStatusRetrying     SagaStatus = "RETRYING"
	SagaStatusCompensating SagaStatus = "COMPENSATING"
	SagaStatusCompensated  SagaStatus = "COMPENSATED"
	SagaStatusCompleted    SagaStatus = "COMPLETED"
	SagaStatusFailed       SagaStatus = "FAILED"
)

// SagaStep identifies the step the saga will execute next.
type SagaStep string

const (
	StepOrderCreated        SagaStep = "ORDER_CREATED"
	StepInventoryValidation SagaStep = "INVENTORY_VALIDATION"
	StepPaymentProcessing   SagaStep = "PAYMENT_PROCESSING"
	StepShippingArrangement SagaStep = "SHIPPING_ARRANGEMENT"
	StepOrderConfirmation   SagaStep = "ORDER_CONFIRMATION"
	StepCompleted           SagaStep = "COMPLETED"
)

// NextStep returns the step following s in the fixed workflow order.
// ok is false once the workflow has no further step.
func (s SagaStep) NextStep() (next SagaStep, ok bool) {
	switch s {
	case StepOrderCreated:
		return StepInventoryValidation, true
	case StepInventoryValidation:
		return StepPaymentProcessing, true
	case StepPaymentProcessing:
		return StepShippingArrangement, true
	case StepShippingArrangement:
		return StepOrderConfirmation, true
	case StepOrderConfirmation:
		return StepCompleted, true
	default:
		return StepCompleted, false
	}
}

// SagaState is the persisted workflow state, one-to-one with an order.
type SagaState struct {
	ID                     int64      `db:"id" json:"id"`
	OrderID                int64      `db:"order_id" json:"order_id"`
	Status                 SagaStatus `db:"status" json:"status"`
	CurrentStep            SagaStep   `db:"current_step" json:"current_step"`
	InventoryReserved      bool       `db:"inventory_reserved" json:"inventory_reserved"`
	PaymentProcessed       bool       `db:"payment_processed" json:"payment_processed"`
	ShippingArranged       bool       `db:"shipping_arranged" json:"shipping_arranged"`
	InventoryTransactionID string     `db:"inventory_transaction_id" json:"inventory_transaction_id,omitempty"`
	PaymentTransactionID   string     `db:"payment_transaction_id" json:"payment_transaction_id,omitempty"`
	ShippingTransactionID  string     `db:"shipping_transaction_id" json:"shipping_transaction_id,omitempty"`
	Retryable              bool       `db:"retryable" json:"retryable"`
	RetryCount             int        `db:"retry_count" json:"retry_count"`
	NextRetryTime          *time.Time `db:"next_retry_time" json:"next_retry_time,omitempty"`
	ErrorMessage           string     `db:"error_message" json:"error_message,omitempty"`
	CreatedAt              time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time  `db:"updated_at" json:"updated_at"`
}

// Terminal reports whether the saga can never change state again.
// FAILED is terminal only once the saga is no longer retryable.
func (s *SagaState) Terminal() bool {
	switch s.Status {
	case SagaStatusCompleted, SagaStatusCompensated:
		return true
	case SagaStatusFailed:
		return !s.Retryable
	default:
		return false
	}
}

// Validate rejects step/flag combinations the workflow can never
// produce, e.g. a saga at SHIPPING_ARRANGEMENT without inventory
// reserved. The orchestrator refuses to drive an invalid state.
func (s *SagaState) Validate() error {
	switch s.CurrentStep {
	case StepOrderCreated, StepInventoryValidation:
	case StepPaymentProcessing:
		if !s.InventoryReserved {
			return fmt.Errorf("saga %d at %s without inventory reserved", s.ID, s.CurrentStep)
		}
	case StepShippingArrangement:
		if !s.InventoryReserved || !s.PaymentProcessed {
			return fmt.Errorf("saga %d at %s with incomplete prior steps", s.ID, s.CurrentStep)
		}
	case StepOrderConfirmation, StepCompleted:
		if !s.InventoryReserved || !s.PaymentProcessed || !s.ShippingArranged {
			return fmt.Errorf("saga %d at %s with incomplete prior steps", s.ID, s.CurrentStep)
		}
	default:
		return fmt.Errorf("saga %d has unknown step %q", s.ID, s.CurrentStep)
	}
	return nil
}

// ReservationStatus is the lifecycle state of a stock hold.
// PENDING is the only non-terminal state.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationCancelled ReservationStatus = "CANCELLED"
)

// Reservation is a per-item stock hold created by the reservation engine.
type Reservation struct {
	ID        string            `db:"id" json:"id"`
	OrderID   int64             `db:"order_id" json:"order_id"`
	ProductID int64             `db:"product_id" json:"product_id"`
	Quantity  int               `db:"quantity" json:"quantity"`
	Status    ReservationStatus `db:"status" json:"status"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt time.Time         `db:"updated_at" json:"updated_at"`
}

// Inventory represents product stock with an optimistic-concurrency version.
type Inventory struct {
	ProductID int64     `db:"product_id" json:"product_id"`
	Available int       `db:"available" json:"available"`
	Reserved  int       `db:"reserved" json:"reserved"`
	Version   int64     `db:"version" json:"version"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// OutboxEvent is written in the same transaction as the state change
// it announces and published asynchronously by the outbox publisher.
type OutboxEvent struct {
	ID          string    `db:"id" json:"id"`
	AggregateID int64     `db:"aggregate_id" json:"aggregate_id"`
	EventType   string    `db:"event_type" json:"event_type"`
	Payload     []byte    `db:"payload" json:"payload"`
	Processed   bool      `db:"processed" json:"processed"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
