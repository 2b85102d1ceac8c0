package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/ordersync/api/internal/domain"
	"github.com/ordersync/api/internal/repositories"
)

const (
	orderEventSynced        = "order.synced"
	orderEventReplayed      = "order.sync.replayed"
	orderEventUpdated       = "order.updated"
	orderEventStatusChanged = "order.status.changed"
	orderEventStockReleased = "order.stock.released"

	itemIDPrefix = "itm_"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrUserNotFound indicates the submitting user does not exist.
	ErrUserNotFound = errors.New("order: user not found")
	// ErrVariantNotFound indicates a referenced product variant does not exist.
	ErrVariantNotFound = errors.New("order: variant not found")
	// ErrOrderForbidden indicates the caller does not own the order.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrOrderInvalidState indicates the order status forbids the operation.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrInsufficientStock indicates a reservation exceeded available stock.
	ErrInsufficientStock = errors.New("order: insufficient stock")
)

// InsufficientStockError carries the variant identity and quantities of a
// failed reservation. It unwraps to ErrInsufficientStock.
type InsufficientStockError struct {
	Shortage repositories.StockShortage
}

// Error implements the error interface.
func (e *InsufficientStockError) Error() string {
	s := e.Shortage
	name := s.ProductName
	if s.VariantAttributes != "" {
		name += " - " + s.VariantAttributes
	}
	return fmt.Sprintf("order: insufficient stock for %s: available %d, requested %d", name, s.Available, s.Requested)
}

// Unwrap exposes the sentinel for errors.Is checks.
func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Variants    repositories.VariantRepository
	Users       repositories.UserRepository
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	variants   repositories.VariantRepository
	users      repositories.UserRepository
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Variants == nil {
		return nil, errors.New("order service: variant repository is required")
	}
	if deps.Users == nil {
		return nil, errors.New("order service: user repository is required")
	}
	if deps.UnitOfWork == nil {
		return nil, errors.New("order service: unit of work is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		variants:   deps.Variants,
		users:      deps.Users,
		unitOfWork: deps.UnitOfWork,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// SyncOrder persists a client-submitted order exactly once. A resubmission of
// an already-synced external id returns the stored order with no side
// effects; otherwise the header insert, per-line stock reservations, item
// writes, and total update commit or roll back as one transaction.
func (s *orderService) SyncOrder(ctx context.Context, cmd SyncOrderCommand) (domain.Order, error) {
	externalID := strings.TrimSpace(cmd.ExternalID)
	if externalID == "" {
		return domain.Order{}, fmt.Errorf("%w: external id is required", ErrOrderInvalidInput)
	}
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return domain.Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if err := validateItems(cmd.Items); err != nil {
		return domain.Order{}, err
	}

	// Idempotency: a retried sync returns the existing order unchanged.
	existing, err := s.orders.FindByID(ctx, externalID)
	if err == nil {
		s.logger(ctx, orderEventReplayed, map[string]any{"orderId": externalID})
		return existing, nil
	}
	if !isRepoNotFound(err) {
		return domain.Order{}, err
	}

	if _, err := s.users.FindByID(ctx, userID); err != nil {
		if isRepoNotFound(err) {
			return domain.Order{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return domain.Order{}, err
	}

	now := s.now()
	order := domain.Order{
		ID:              externalID,
		UserID:          userID,
		Status:          domain.OrderStatusPending,
		TotalCents:      0,
		ShippingAddress: strings.TrimSpace(cmd.ShippingAddress),
		DeviceCreatedAt: cmd.DeviceCreatedAt.UTC(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Insert(txCtx, order); err != nil {
			return err
		}
		items, total, err := s.reserveAndInsertItems(txCtx, order.ID, cmd.Items, now)
		if err != nil {
			return err
		}
		if err := s.orders.UpdateTotal(txCtx, order.ID, total); err != nil {
			return err
		}
		order.Items = items
		order.TotalCents = total
		return nil
	})
	if err != nil {
		// A concurrent retry can lose the insert race; the committed winner
		// is the authoritative result.
		if isRepoConflict(err) {
			if existing, findErr := s.orders.FindByID(ctx, externalID); findErr == nil {
				s.logger(ctx, orderEventReplayed, map[string]any{"orderId": externalID})
				return existing, nil
			}
		}
		return domain.Order{}, s.mapLedgerError(err)
	}

	s.logger(ctx, orderEventSynced, map[string]any{
		"orderId":    order.ID,
		"userId":     order.UserID,
		"totalCents": order.TotalCents,
		"items":      len(order.Items),
	})
	return order, nil
}

// UpdateOrder replaces a pending order's item set. Old reservations are
// released and the new set reserved inside one transaction, so a failed
// reservation rolls inventory and items back to the pre-call state.
func (s *orderService) UpdateOrder(ctx context.Context, cmd UpdateOrderCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	callerID := strings.TrimSpace(cmd.UserID)
	if callerID == "" {
		return domain.Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if err := validateItems(cmd.Items); err != nil {
		return domain.Order{}, err
	}

	var updated domain.Order
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByIDForUpdate(txCtx, orderID)
		if err != nil {
			if isRepoNotFound(err) {
				return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
			}
			return err
		}
		if order.UserID != callerID {
			return fmt.Errorf("%w: order %s is not owned by caller", ErrOrderForbidden, orderID)
		}
		if order.Status != domain.OrderStatusPending {
			return fmt.Errorf("%w: only pending orders can be modified", ErrOrderInvalidState)
		}

		for _, item := range order.Items {
			if err := s.variants.ReleaseStock(txCtx, item.VariantID, item.Quantity); err != nil {
				return err
			}
		}
		if err := s.orders.DeleteItems(txCtx, orderID); err != nil {
			return err
		}

		now := s.now()
		items, total, err := s.reserveAndInsertItems(txCtx, orderID, cmd.Items, now)
		if err != nil {
			return err
		}
		if err := s.orders.UpdateTotal(txCtx, orderID, total); err != nil {
			return err
		}

		if cmd.ShippingAddress != nil {
			if address := strings.TrimSpace(*cmd.ShippingAddress); address != "" {
				if err := s.orders.UpdateShippingAddress(txCtx, orderID, address); err != nil {
					return err
				}
				order.ShippingAddress = address
			}
		}

		order.Items = items
		order.TotalCents = total
		order.UpdatedAt = now
		updated = order
		return nil
	})
	if err != nil {
		return domain.Order{}, s.mapLedgerError(err)
	}

	s.logger(ctx, orderEventUpdated, map[string]any{
		"orderId":    updated.ID,
		"totalCents": updated.TotalCents,
		"items":      len(updated.Items),
	})
	return updated, nil
}

// UpdateStatus applies a status transition. Cancellation releases stock for
// every current item in the same transaction as the status write; cancelling
// an already-cancelled order is a no-op and never releases twice. Terminal
// states reject every other transition except the PAID to CANCELLED refund
// path.
func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !validOrderStatus(cmd.Status) {
		return domain.Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.Status)
	}

	var updated domain.Order
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByIDForUpdate(txCtx, orderID)
		if err != nil {
			if isRepoNotFound(err) {
				return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
			}
			return err
		}

		prev := order.Status
		if prev == cmd.Status {
			// Includes CANCELLED -> CANCELLED: no-op, no double release.
			updated = order
			return nil
		}
		if !transitionAllowed(prev, cmd.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrOrderInvalidState, prev, cmd.Status)
		}

		if cmd.Status == domain.OrderStatusCancelled {
			for _, item := range order.Items {
				if err := s.variants.ReleaseStock(txCtx, item.VariantID, item.Quantity); err != nil {
					return err
				}
			}
			s.logger(txCtx, orderEventStockReleased, map[string]any{
				"orderId": orderID,
				"items":   len(order.Items),
			})
		}

		if err := s.orders.UpdateStatus(txCtx, orderID, cmd.Status); err != nil {
			return err
		}

		order.Status = cmd.Status
		order.UpdatedAt = s.now()
		updated = order

		s.logger(txCtx, orderEventStatusChanged, map[string]any{
			"orderId":  orderID,
			"previous": string(prev),
			"current":  string(cmd.Status),
		})
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}

// GetOrder loads one order with items.
func (s *orderService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return domain.Order{}, err
	}
	return order, nil
}

// ListUserOrders returns the user's orders, newest first.
func (s *orderService) ListUserOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	return s.orders.ListByUser(ctx, userID)
}

// reserveAndInsertItems runs the shared reserve/price/persist loop for the
// synchronizer and the mutator, in submission order. The unit price snapshot
// is the product base price plus the variant surcharge at call time.
func (s *orderService) reserveAndInsertItems(ctx context.Context, orderID string, inputs []OrderItemInput, now time.Time) ([]domain.OrderItem, int64, error) {
	items := make([]domain.OrderItem, 0, len(inputs))
	var total int64

	for _, input := range inputs {
		variant, err := s.variants.FindByID(ctx, input.VariantID)
		if err != nil {
			if isRepoNotFound(err) {
				return nil, 0, fmt.Errorf("%w: %s", ErrVariantNotFound, input.VariantID)
			}
			return nil, 0, err
		}
		product, err := s.variants.FindProduct(ctx, variant.ProductID)
		if err != nil {
			return nil, 0, err
		}

		if err := s.variants.ReserveStock(ctx, variant.ID, input.Quantity); err != nil {
			return nil, 0, err
		}

		item := domain.OrderItem{
			ID:                 itemIDPrefix + s.newID(),
			OrderID:            orderID,
			VariantID:          variant.ID,
			Quantity:           input.Quantity,
			UnitPriceSnapCents: variant.UnitPriceCents(product),
			CreatedAt:          now,
		}
		if err := s.orders.InsertItem(ctx, item); err != nil {
			return nil, 0, err
		}

		items = append(items, item)
		total += item.LineTotalCents()
	}

	return items, total, nil
}

func (s *orderService) now() time.Time {
	return s.clock()
}

// mapLedgerError converts the repository's shortage error into the service
// taxonomy while preserving the shortage details.
func (s *orderService) mapLedgerError(err error) error {
	var shortage *repositories.InsufficientStockError
	if errors.As(err, &shortage) {
		return &InsufficientStockError{Shortage: shortage.Shortage}
	}
	return err
}

func validateItems(items []OrderItemInput) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrOrderInvalidInput)
	}
	for _, item := range items {
		if strings.TrimSpace(item.VariantID) == "" {
			return fmt.Errorf("%w: item variant id is required", ErrOrderInvalidInput)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: quantity for variant %s must be positive", ErrOrderInvalidInput, item.VariantID)
		}
	}
	return nil
}

func validOrderStatus(status domain.OrderStatus) bool {
	switch status {
	case domain.OrderStatusPending, domain.OrderStatusPaid, domain.OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// transitionAllowed encodes the hardened status machine: terminal states are
// immutable except for the PAID -> CANCELLED refund path.
func transitionAllowed(from, to domain.OrderStatus) bool {
	switch from {
	case domain.OrderStatusPending:
		return to == domain.OrderStatusPaid || to == domain.OrderStatusCancelled
	case domain.OrderStatusPaid:
		return to == domain.OrderStatusCancelled
	default:
		return false
	}
}

func isRepoNotFound(err error) bool {
	var repoErr *repositories.Error
	return errors.As(err, &repoErr) && repoErr.Code == repositories.ErrorNotFound
}

func isRepoConflict(err error) bool {
	var repoErr *repositories.Error
	return errors.As(err, &repoErr) && repoErr.Code == repositories.ErrorConflict
}
