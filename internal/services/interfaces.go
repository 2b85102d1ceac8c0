package services

import (
	"context"
	"time"

	domain "github.com/ordersync/api/internal/domain"
)

// OrderItemInput is one client-submitted order line. Prices are never taken
// from the client; only the variant reference and quantity are.
type OrderItemInput struct {
	VariantID string
	Quantity  int
}

// SyncOrderCommand captures an offline-device order submission. ExternalID is
// the client-generated order identifier and the idempotency key for retries.
// UserID is the authenticated caller, passed explicitly by the request layer.
type SyncOrderCommand struct {
	ExternalID      string
	UserID          string
	ShippingAddress string
	DeviceCreatedAt time.Time
	Items           []OrderItemInput
}

// UpdateOrderCommand replaces a pending order's item set and optionally its
// shipping address. UserID is the caller and must own the order.
type UpdateOrderCommand struct {
	OrderID         string
	UserID          string
	ShippingAddress *string
	Items           []OrderItemInput
}

// UpdateOrderStatusCommand requests a status transition.
type UpdateOrderStatusCommand struct {
	OrderID string
	Status  domain.OrderStatus
}

// OrderService is the order synchronizer, mutator, and status machine.
type OrderService interface {
	SyncOrder(ctx context.Context, cmd SyncOrderCommand) (domain.Order, error)
	UpdateOrder(ctx context.Context, cmd UpdateOrderCommand) (domain.Order, error)
	UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	ListUserOrders(ctx context.Context, userID string) ([]domain.Order, error)
}

// CreateIntentCommand requests a provider payment intent for a pending order.
type CreateIntentCommand struct {
	OrderID     string
	AmountCents int64
	Currency    string
}

// PaymentIntentResult is returned to the client so it can complete the
// payment against the provider.
type PaymentIntentResult struct {
	PaymentID        string
	ProviderIntentID string
	ClientSecret     string
	AmountCents      int64
	Currency         string
	Status           domain.PaymentStatus
}

// ProviderEventCommand is a provider status notification keyed by the
// provider's intent identifier.
type ProviderEventCommand struct {
	ProviderIntentID string
	ProviderStatus   string
	RawPayload       string
}

// PaymentService reconciles local payment and order state against the
// payment provider.
type PaymentService interface {
	CreateIntent(ctx context.Context, cmd CreateIntentCommand) (PaymentIntentResult, error)
	ApplyProviderEvent(ctx context.Context, cmd ProviderEventCommand) (domain.Payment, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (domain.Payment, error)
	ConfirmPayment(ctx context.Context, providerIntentID string) (domain.Payment, error)
	GetPayment(ctx context.Context, paymentID string) (domain.Payment, error)
	ListOrderPayments(ctx context.Context, orderID string) ([]domain.Payment, error)
}
