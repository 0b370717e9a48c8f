package comms

import (
	"context"

	"fulfillment-service/internal/models"
)

// Result is the normalized outcome of any collaborator call. Retryable
// is the single signal the orchestrator uses to choose between
// scheduling a retry and starting compensation: transport timeouts and
// 5xx responses are retryable, definitive business rejections
// (insufficient stock, card decline) are not. A timeout is always a
// failure, never inferred success.
type Result struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id,omitempty"`
	Message       string `json:"message,omitempty"`
	Retryable     bool   `json:"retryable"`
}

// Strategy is the uniform transport to the inventory, payment and
// shipping collaborators. Implementations absorb transport failures
// and never return raw errors to the orchestrator.
type Strategy interface {
	ReserveInventory(ctx context.Context, order *models.Order, items []models.OrderItem) Result
	ConfirmInventory(ctx context.Context, order *models.Order) Result
	ReleaseInventory(ctx context.Context, order *models.Order, transactionID string) Result
	ProcessPayment(ctx context.Context, order *models.Order) Result
	RefundPayment(ctx context.Context, transactionID string) Result
	ArrangeShipping(ctx context.Context, order *models.Order) Result
	CancelShipping(ctx context.Context, trackingNumber string) Result
}
