package domain

import (
	"time"
)

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order has been synced but not yet paid.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusPaid indicates the payment provider confirmed the payment.
	OrderStatusPaid OrderStatus = "PAID"
	// OrderStatusCancelled indicates the order was cancelled and its stock released.
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// PaymentStatus enumerates the internal lifecycle states of a payment record.
type PaymentStatus string

const (
	// PaymentStatusPending indicates the intent exists but the provider has not settled it.
	PaymentStatusPending PaymentStatus = "PENDING"
	// PaymentStatusSucceeded indicates the provider captured the payment.
	PaymentStatusSucceeded PaymentStatus = "SUCCEEDED"
	// PaymentStatusFailed indicates the provider reported a terminal failure.
	PaymentStatusFailed PaymentStatus = "FAILED"
	// PaymentStatusCancelled indicates the intent was cancelled at the provider.
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
)

// User references the owning account for an order. Registration and
// authentication live outside this service; only identity and email are read.
type User struct {
	ID        string
	Email     string
	FullName  string
	CreatedAt time.Time
}

// Product carries the catalog fields the order flow prices against.
type Product struct {
	ID             string
	Name           string
	BasePriceCents int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProductVariant is the stock-keeping unit the ledger mutates. StockQuantity
// is only ever changed through reserve/release statements.
type ProductVariant struct {
	ID                   string
	ProductID            string
	SKU                  string
	Size                 string
	Color                string
	AdditionalPriceCents int64
	StockQuantity        int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// UnitPriceCents resolves the price snapshot for an order line: product base
// price plus the variant surcharge.
func (v ProductVariant) UnitPriceCents(product Product) int64 {
	return product.BasePriceCents + v.AdditionalPriceCents
}

// Attributes renders the human-readable variant attributes used in
// insufficient-stock messages.
func (v ProductVariant) Attributes() string {
	switch {
	case v.Size != "" && v.Color != "":
		return v.Size + " " + v.Color
	case v.Size != "":
		return v.Size
	default:
		return v.Color
	}
}

// Order is the aggregate root. ID is the client-generated external identifier
// and doubles as the idempotency key for sync retries. TotalCents is always
// recomputed server-side from the persisted items.
type Order struct {
	ID              string
	UserID          string
	Status          OrderStatus
	TotalCents      int64
	ShippingAddress string
	DeviceCreatedAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Items           []OrderItem
}

// OrderItem is exclusively owned by its order; it is created and deleted only
// inside synchronizer/mutator transactions.
type OrderItem struct {
	ID                 string
	OrderID            string
	VariantID          string
	Quantity           int
	UnitPriceSnapCents int64
	CreatedAt          time.Time
}

// LineTotalCents is the item's contribution to the order total.
func (i OrderItem) LineTotalCents() int64 {
	return int64(i.Quantity) * i.UnitPriceSnapCents
}

// ItemsTotalCents sums the line totals; after every successful write this
// equals Order.TotalCents.
func ItemsTotalCents(items []OrderItem) int64 {
	var total int64
	for _, item := range items {
		total += item.LineTotalCents()
	}
	return total
}

// Payment records one provider transaction for an order. ProviderIntentID is
// unique, which keeps reconciliation idempotent per provider reference.
type Payment struct {
	ID               string
	OrderID          string
	ProviderIntentID string
	AmountCents      int64
	Currency         string
	Status           PaymentStatus
	RawResponse      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
