package repositories

import (
	"context"

	domain "github.com/ordersync/api/internal/domain"
)

// UnitOfWork groups repository operations into one transactional boundary.
// Repositories participating in the transaction read it from the context the
// callback receives; the transaction rolls back when fn returns an error.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// UserRepository resolves order owners. Account management lives elsewhere.
type UserRepository interface {
	FindByID(ctx context.Context, userID string) (domain.User, error)
}

// VariantRepository owns product variant rows and the stock ledger. Reserve
// and Release are the only paths that mutate stock_quantity; both must run
// inside an ambient UnitOfWork transaction and read the persisted row under a
// row lock, never a previously loaded value.
type VariantRepository interface {
	FindByID(ctx context.Context, variantID string) (domain.ProductVariant, error)
	FindProduct(ctx context.Context, productID string) (domain.Product, error)
	// ReserveStock locks the variant row, fails with InsufficientStockError
	// when quantity exceeds the persisted stock, and decrements otherwise.
	ReserveStock(ctx context.Context, variantID string, quantity int) error
	// ReleaseStock increments the persisted stock. No upper bound applies.
	ReleaseStock(ctx context.Context, variantID string, quantity int) error
}

// OrderRepository persists order headers and their item collections. Items
// are written and deleted only through these methods, always inside the
// synchronizer/mutator transaction.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// FindByIDForUpdate locks the order row for the remainder of the ambient
	// transaction so concurrent status changes serialise.
	FindByIDForUpdate(ctx context.Context, orderID string) (domain.Order, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Order, error)
	UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus) error
	UpdateTotal(ctx context.Context, orderID string, totalCents int64) error
	UpdateShippingAddress(ctx context.Context, orderID string, address string) error
	InsertItem(ctx context.Context, item domain.OrderItem) error
	DeleteItems(ctx context.Context, orderID string) error
	ListItems(ctx context.Context, orderID string) ([]domain.OrderItem, error)
}

// PaymentRepository persists payment records keyed by the provider intent id.
type PaymentRepository interface {
	Insert(ctx context.Context, payment domain.Payment) error
	FindByID(ctx context.Context, paymentID string) (domain.Payment, error)
	FindByProviderIntentID(ctx context.Context, intentID string) (domain.Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error)
	UpdateStatus(ctx context.Context, paymentID string, status domain.PaymentStatus, rawResponse string) error
}
