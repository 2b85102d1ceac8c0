package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	domain "github.com/ordersync/api/internal/domain"
	"github.com/ordersync/api/internal/repositories"
)

// memStore backs the stub repositories. The stub unit of work snapshots it
// before each transaction and restores the snapshot when the callback fails,
// which mirrors the rollback guarantees the Postgres layer provides.
type memStore struct {
	users    map[string]domain.User
	products map[string]domain.Product
	variants map[string]domain.ProductVariant
	orders   map[string]domain.Order
	items    map[string][]domain.OrderItem
	payments map[string]domain.Payment
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[string]domain.User),
		products: make(map[string]domain.Product),
		variants: make(map[string]domain.ProductVariant),
		orders:   make(map[string]domain.Order),
		items:    make(map[string][]domain.OrderItem),
		payments: make(map[string]domain.Payment),
	}
}

func (s *memStore) clone() *memStore {
	out := newMemStore()
	for k, v := range s.users {
		out.users[k] = v
	}
	for k, v := range s.products {
		out.products[k] = v
	}
	for k, v := range s.variants {
		out.variants[k] = v
	}
	for k, v := range s.orders {
		out.orders[k] = v
	}
	for k, v := range s.items {
		out.items[k] = append([]domain.OrderItem(nil), v...)
	}
	for k, v := range s.payments {
		out.payments[k] = v
	}
	return out
}

type stubUnitOfWork struct {
	store *memStore
	depth int
}

func (u *stubUnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if u.depth > 0 {
		// Nested call joins the ambient transaction.
		u.depth++
		defer func() { u.depth-- }()
		return fn(ctx)
	}

	snapshot := u.store.clone()
	u.depth++
	err := fn(ctx)
	u.depth--
	if err != nil {
		*u.store = *snapshot
	}
	return err
}

func notFound(op, id string) error {
	return repositories.NewError(op, repositories.ErrorNotFound, fmt.Sprintf("%s not found", id), nil)
}

func conflict(op, id string) error {
	return repositories.NewError(op, repositories.ErrorConflict, fmt.Sprintf("%s already exists", id), nil)
}

type stubUserRepo struct{ store *memStore }

func (r *stubUserRepo) FindByID(_ context.Context, userID string) (domain.User, error) {
	user, ok := r.store.users[userID]
	if !ok {
		return domain.User{}, notFound("user.find", userID)
	}
	return user, nil
}

type stubVariantRepo struct{ store *memStore }

func (r *stubVariantRepo) FindByID(_ context.Context, variantID string) (domain.ProductVariant, error) {
	variant, ok := r.store.variants[variantID]
	if !ok {
		return domain.ProductVariant{}, notFound("variant.find", variantID)
	}
	return variant, nil
}

func (r *stubVariantRepo) FindProduct(_ context.Context, productID string) (domain.Product, error) {
	product, ok := r.store.products[productID]
	if !ok {
		return domain.Product{}, notFound("variant.find_product", productID)
	}
	return product, nil
}

func (r *stubVariantRepo) ReserveStock(_ context.Context, variantID string, quantity int) error {
	variant, ok := r.store.variants[variantID]
	if !ok {
		return notFound("variant.reserve", variantID)
	}
	if variant.StockQuantity < quantity {
		product := r.store.products[variant.ProductID]
		return &repositories.InsufficientStockError{Shortage: repositories.StockShortage{
			VariantID:         variant.ID,
			SKU:               variant.SKU,
			ProductName:       product.Name,
			VariantAttributes: variant.Attributes(),
			Available:         variant.StockQuantity,
			Requested:         quantity,
		}}
	}
	variant.StockQuantity -= quantity
	r.store.variants[variantID] = variant
	return nil
}

func (r *stubVariantRepo) ReleaseStock(_ context.Context, variantID string, quantity int) error {
	variant, ok := r.store.variants[variantID]
	if !ok {
		return notFound("variant.release", variantID)
	}
	variant.StockQuantity += quantity
	r.store.variants[variantID] = variant
	return nil
}

type stubOrderRepo struct{ store *memStore }

func (r *stubOrderRepo) Insert(_ context.Context, order domain.Order) error {
	if _, ok := r.store.orders[order.ID]; ok {
		return conflict("order.insert", order.ID)
	}
	order.Items = nil
	r.store.orders[order.ID] = order
	return nil
}

func (r *stubOrderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	order, ok := r.store.orders[orderID]
	if !ok {
		return domain.Order{}, notFound("order.find", orderID)
	}
	order.Items = append([]domain.OrderItem(nil), r.store.items[orderID]...)
	return order, nil
}

func (r *stubOrderRepo) FindByIDForUpdate(ctx context.Context, orderID string) (domain.Order, error) {
	return r.FindByID(ctx, orderID)
}

func (r *stubOrderRepo) ListByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	var out []domain.Order
	for id, order := range r.store.orders {
		if order.UserID != userID {
			continue
		}
		order.Items = append([]domain.OrderItem(nil), r.store.items[id]...)
		out = append(out, order)
	}
	return out, nil
}

func (r *stubOrderRepo) UpdateStatus(_ context.Context, orderID string, status domain.OrderStatus) error {
	order, ok := r.store.orders[orderID]
	if !ok {
		return notFound("order.update_status", orderID)
	}
	order.Status = status
	r.store.orders[orderID] = order
	return nil
}

func (r *stubOrderRepo) UpdateTotal(_ context.Context, orderID string, totalCents int64) error {
	order, ok := r.store.orders[orderID]
	if !ok {
		return notFound("order.update_total", orderID)
	}
	order.TotalCents = totalCents
	r.store.orders[orderID] = order
	return nil
}

func (r *stubOrderRepo) UpdateShippingAddress(_ context.Context, orderID string, address string) error {
	order, ok := r.store.orders[orderID]
	if !ok {
		return notFound("order.update_address", orderID)
	}
	order.ShippingAddress = address
	r.store.orders[orderID] = order
	return nil
}

func (r *stubOrderRepo) InsertItem(_ context.Context, item domain.OrderItem) error {
	r.store.items[item.OrderID] = append(r.store.items[item.OrderID], item)
	return nil
}

func (r *stubOrderRepo) DeleteItems(_ context.Context, orderID string) error {
	delete(r.store.items, orderID)
	return nil
}

func (r *stubOrderRepo) ListItems(_ context.Context, orderID string) ([]domain.OrderItem, error) {
	return append([]domain.OrderItem(nil), r.store.items[orderID]...), nil
}

type orderEnv struct {
	store   *memStore
	service OrderService
}

func newOrderEnv(t *testing.T) *orderEnv {
	t.Helper()

	store := newMemStore()
	store.users["usr_1"] = domain.User{ID: "usr_1", Email: "ana@example.com"}
	store.products["prd_1"] = domain.Product{ID: "prd_1", Name: "Trail Shoe", BasePriceCents: 8000}
	store.variants["var_1"] = domain.ProductVariant{
		ID: "var_1", ProductID: "prd_1", SKU: "SHOE-42-BLK",
		Size: "42", Color: "black", AdditionalPriceCents: 500, StockQuantity: 10,
	}
	store.variants["var_2"] = domain.ProductVariant{
		ID: "var_2", ProductID: "prd_1", SKU: "SHOE-43-RED",
		Size: "43", Color: "red", AdditionalPriceCents: 0, StockQuantity: 2,
	}

	counter := 0
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:     &stubOrderRepo{store: store},
		Variants:   &stubVariantRepo{store: store},
		Users:      &stubUserRepo{store: store},
		UnitOfWork: &stubUnitOfWork{store: store},
		Clock:      func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
		IDGenerator: func() string {
			counter++
			return fmt.Sprintf("TEST%04d", counter)
		},
	})
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}

	return &orderEnv{store: store, service: svc}
}

func syncCommand() SyncOrderCommand {
	return SyncOrderCommand{
		ExternalID:      "ord_local_1",
		UserID:          "usr_1",
		ShippingAddress: "Calle Mayor 1, Madrid",
		DeviceCreatedAt: time.Date(2024, 4, 30, 9, 30, 0, 0, time.UTC),
		Items: []OrderItemInput{
			{VariantID: "var_1", Quantity: 2},
			{VariantID: "var_2", Quantity: 1},
		},
	}
}

func TestOrderService_SyncOrder_ReservesStockAndComputesTotal(t *testing.T) {
	env := newOrderEnv(t)

	order, err := env.service.SyncOrder(context.Background(), syncCommand())
	if err != nil {
		t.Fatalf("sync order: %v", err)
	}

	if order.Status != domain.OrderStatusPending {
		t.Fatalf("expected PENDING status, got %s", order.Status)
	}
	// var_1 is 8000+500 per unit, var_2 is 8000.
	if want := int64(2*8500 + 8000); order.TotalCents != want {
		t.Fatalf("expected total %d, got %d", want, order.TotalCents)
	}
	if got := domain.ItemsTotalCents(order.Items); got != order.TotalCents {
		t.Fatalf("item totals %d disagree with order total %d", got, order.TotalCents)
	}
	if env.store.variants["var_1"].StockQuantity != 8 {
		t.Fatalf("expected var_1 stock 8, got %d", env.store.variants["var_1"].StockQuantity)
	}
	if env.store.variants["var_2"].StockQuantity != 1 {
		t.Fatalf("expected var_2 stock 1, got %d", env.store.variants["var_2"].StockQuantity)
	}
}

func TestOrderService_SyncOrder_ReplayReturnsStoredOrder(t *testing.T) {
	env := newOrderEnv(t)
	ctx := context.Background()

	first, err := env.service.SyncOrder(ctx, syncCommand())
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}

	second, err := env.service.SyncOrder(ctx, syncCommand())
	if err != nil {
		t.Fatalf("replayed sync: %v", err)
	}

	if second.ID != first.ID || second.TotalCents != first.TotalCents {
		t.Fatalf("replay returned a different order: %+v vs %+v", second, first)
	}
	if len(env.store.items[first.ID]) != 2 {
		t.Fatalf("expected 2 items after replay, got %d", len(env.store.items[first.ID]))
	}
	// Stock must not be reserved twice.
	if env.store.variants["var_1"].StockQuantity != 8 {
		t.Fatalf("replay reserved stock again: var_1 stock %d", env.store.variants["var_1"].StockQuantity)
	}
}

func TestOrderService_SyncOrder_InsufficientStockRollsBack(t *testing.T) {
	env := newOrderEnv(t)

	cmd := syncCommand()
	cmd.Items = []OrderItemInput{
		{VariantID: "var_1", Quantity: 2},
		{VariantID: "var_2", Quantity: 5},
	}

	_, err := env.service.SyncOrder(context.Background(), cmd)
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}

	var shortage *InsufficientStockError
	if !errors.As(err, &shortage) {
		t.Fatalf("expected InsufficientStockError, got %T", err)
	}
	if shortage.Shortage.VariantID != "var_2" || shortage.Shortage.Available != 2 || shortage.Shortage.Requested != 5 {
		t.Fatalf("unexpected shortage details: %+v", shortage.Shortage)
	}

	// Nothing persisted: the var_1 reservation and the header both rolled back.
	if env.store.variants["var_1"].StockQuantity != 10 {
		t.Fatalf("var_1 stock not restored: %d", env.store.variants["var_1"].StockQuantity)
	}
	if _, ok := env.store.orders["ord_local_1"]; ok {
		t.Fatalf("order header survived the rollback")
	}
	if len(env.store.items["ord_local_1"]) != 0 {
		t.Fatalf("order items survived the rollback")
	}
}

func TestOrderService_SyncOrder_UnknownUser(t *testing.T) {
	env := newOrderEnv(t)

	cmd := syncCommand()
	cmd.UserID = "usr_missing"

	_, err := env.service.SyncOrder(context.Background(), cmd)
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected user not found, got %v", err)
	}
}

func TestOrderService_SyncOrder_InvalidInput(t *testing.T) {
	env := newOrderEnv(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*SyncOrderCommand)
	}{
		{"missing external id", func(c *SyncOrderCommand) { c.ExternalID = " " }},
		{"missing user id", func(c *SyncOrderCommand) { c.UserID = "" }},
		{"no items", func(c *SyncOrderCommand) { c.Items = nil }},
		{"zero quantity", func(c *SyncOrderCommand) { c.Items[0].Quantity = 0 }},
		{"negative quantity", func(c *SyncOrderCommand) { c.Items[0].Quantity = -3 }},
		{"blank variant", func(c *SyncOrderCommand) { c.Items[0].VariantID = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := syncCommand()
			tc.mutate(&cmd)
			if _, err := env.service.SyncOrder(ctx, cmd); !errors.Is(err, ErrOrderInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestOrderService_UpdateOrder_ReplacesItemsAtomically(t *testing.T) {
	env := newOrderEnv(t)
	ctx := context.Background()

	if _, err := env.service.SyncOrder(ctx, syncCommand()); err != nil {
		t.Fatalf("sync order: %v", err)
	}

	address := "Gran Via 10, Madrid"
	updated, err := env.service.UpdateOrder(ctx, UpdateOrderCommand{
		OrderID:         "ord_local_1",
		UserID:          "usr_1",
		ShippingAddress: &address,
		Items: []OrderItemInput{
			{VariantID: "var_1", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("update order: %v", err)
	}

	if updated.TotalCents != 8500 {
		t.Fatalf("expected total 8500, got %d", updated.TotalCents)
	}
	if updated.ShippingAddress != address {
		t.Fatalf("shipping address not updated: %q", updated.ShippingAddress)
	}
	if len(updated.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(updated.Items))
	}
	// Old reservations released, new one applied: 10-2+2-1 and 2-1+1.
	if env.store.variants["var_1"].StockQuantity != 9 {
		t.Fatalf("expected var_1 stock 9, got %d", env.store.variants["var_1"].StockQuantity)
	}
	if env.store.variants["var_2"].StockQuantity != 2 {
		t.Fatalf("expected var_2 stock 2, got %d", env.store.variants["var_2"].StockQuantity)
	}
}

func TestOrderService_UpdateOrder_FailedReservationRestoresOldState(t *testing.T) {
	env := newOrderEnv(t)
	ctx := context.Background()

	if _, err := env.service.SyncOrder(ctx, syncCommand()); err != nil {
		t.Fatalf("sync order: %v", err)
	}

	_, err := env.service.UpdateOrder(ctx, UpdateOrderCommand{
		OrderID: "ord_local_1",
		UserID:  "usr_1",
		Items: []OrderItemInput{
			{VariantID: "var_2", Quantity: 50},
		},
	})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	// The original items, total, and reservations are untouched.
	order, err := env.service.GetOrder(ctx, "ord_local_1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.TotalCents != 25000 {
		t.Fatalf("total changed after failed update: %d", order.TotalCents)
	}
	if len(order.Items) != 2 {
		t.Fatalf("items changed after failed update: %d", len(order.Items))
	}
	if env.store.variants["var_1"].StockQuantity != 8 || env.store.variants["var_2"].StockQuantity != 1 {
		t.Fatalf("stock changed after failed update: var_1=%d var_2=%d",
			env.store.variants["var_1"].StockQuantity, env.store.variants["var_2"].StockQuantity)
	}
}

func TestOrderService_UpdateOrder_OwnershipAndState(t *testing.T) {
	env := newOrderEnv(t)
	ctx := context.Background()

	if _, err := env.service.SyncOrder(ctx, syncCommand()); err != nil {
		t.Fatalf("sync order: %v", err)
	}

	_, err := env.service.UpdateOrder(ctx, UpdateOrderCommand{
		OrderID: "ord_local_1",
		UserID:  "usr_2",
		Items:   []OrderItemInput{{VariantID: "var_1", Quantity: 1}},
	})
	if !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	if _, err := env.service.UpdateStatus(ctx, UpdateOrderStatusCommand{OrderID: "ord_local_1", Status: domain.OrderStatusPaid}); err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	_, err = env.service.UpdateOrder(ctx, UpdateOrderCommand{
		OrderID: "ord_local_1",
		UserID:  "usr_1",
		Items:   []OrderItemInput{{VariantID: "var_1", Quantity: 1}},
	})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected invalid state for paid order, got %v", err)
	}
}

func TestOrderService_UpdateStatus_CancellationReleasesStockOnce(t *testing.T) {
	env := newOrderEnv(t)
	ctx := context.Background()

	if _, err := env.service.SyncOrder(ctx, syncCommand()); err != nil {
		t.Fatalf("sync order: %v", err)
	}

	cancelled, err := env.service.UpdateStatus(ctx, UpdateOrderStatusCommand{
		OrderID: "ord_local_1",
		Status:  domain.OrderStatusCancelled,
	})
	if err != nil {
		t.Fatalf("cancel order: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}
	if env.store.variants["var_1"].StockQuantity != 10 || env.store.variants["var_2"].StockQuantity != 2 {
		t.Fatalf("cancellation did not restore stock: var_1=%d var_2=%d",
			env.store.variants["var_1"].StockQuantity, env.store.variants["var_2"].StockQuantity)
	}

	// Cancelling again is a no-op and must not release a second time.
	again, err := env.service.UpdateStatus(ctx, UpdateOrderStatusCommand{
		OrderID: "ord_local_1",
		Status:  domain.OrderStatusCancelled,
	})
	if err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if again.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", again.Status)
	}
	if env.store.variants["var_1"].StockQuantity != 10 || env.store.variants["var_2"].StockQuantity != 2 {
		t.Fatalf("repeat cancellation released stock again: var_1=%d var_2=%d",
			env.store.variants["var_1"].StockQuantity, env.store.variants["var_2"].StockQuantity)
	}
}

func TestOrderService_UpdateStatus_TransitionRules(t *testing.T) {
	env := newOrderEnv(t)
	ctx := context.Background()

	if _, err := env.service.SyncOrder(ctx, syncCommand()); err != nil {
		t.Fatalf("sync order: %v", err)
	}

	// PENDING -> PAID is allowed.
	if _, err := env.service.UpdateStatus(ctx, UpdateOrderStatusCommand{OrderID: "ord_local_1", Status: domain.OrderStatusPaid}); err != nil {
		t.Fatalf("pending -> paid: %v", err)
	}

	// PAID -> PENDING is rejected.
	if _, err := env.service.UpdateStatus(ctx, UpdateOrderStatusCommand{OrderID: "ord_local_1", Status: domain.OrderStatusPending}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected invalid state for paid -> pending, got %v", err)
	}

	// PAID -> CANCELLED is the refund path and releases stock.
	if _, err := env.service.UpdateStatus(ctx, UpdateOrderStatusCommand{OrderID: "ord_local_1", Status: domain.OrderStatusCancelled}); err != nil {
		t.Fatalf("paid -> cancelled: %v", err)
	}
	if env.store.variants["var_1"].StockQuantity != 10 {
		t.Fatalf("refund cancellation did not restore stock: %d", env.store.variants["var_1"].StockQuantity)
	}

	// CANCELLED -> PAID is rejected.
	if _, err := env.service.UpdateStatus(ctx, UpdateOrderStatusCommand{OrderID: "ord_local_1", Status: domain.OrderStatusPaid}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected invalid state for cancelled -> paid, got %v", err)
	}

	// Unknown status values are rejected as input errors.
	if _, err := env.service.UpdateStatus(ctx, UpdateOrderStatusCommand{OrderID: "ord_local_1", Status: "SHIPPED"}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input for unknown status, got %v", err)
	}
}

func TestOrderService_UpdateStatus_SameStatusNoOp(t *testing.T) {
	env := newOrderEnv(t)
	ctx := context.Background()

	if _, err := env.service.SyncOrder(ctx, syncCommand()); err != nil {
		t.Fatalf("sync order: %v", err)
	}

	order, err := env.service.UpdateStatus(ctx, UpdateOrderStatusCommand{OrderID: "ord_local_1", Status: domain.OrderStatusPending})
	if err != nil {
		t.Fatalf("pending -> pending: %v", err)
	}
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("expected PENDING, got %s", order.Status)
	}
}

func TestOrderService_GetOrder_NotFound(t *testing.T) {
	env := newOrderEnv(t)

	if _, err := env.service.GetOrder(context.Background(), "ord_missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderService_ListUserOrders(t *testing.T) {
	env := newOrderEnv(t)
	ctx := context.Background()

	if _, err := env.service.SyncOrder(ctx, syncCommand()); err != nil {
		t.Fatalf("sync order: %v", err)
	}
	cmd := syncCommand()
	cmd.ExternalID = "ord_local_2"
	cmd.Items = []OrderItemInput{{VariantID: "var_1", Quantity: 1}}
	if _, err := env.service.SyncOrder(ctx, cmd); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	orders, err := env.service.ListUserOrders(ctx, "usr_1")
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(orders))
	}

	others, err := env.service.ListUserOrders(ctx, "usr_2")
	if err != nil {
		t.Fatalf("list other user: %v", err)
	}
	if len(others) != 0 {
		t.Fatalf("expected no orders for usr_2, got %d", len(others))
	}
}
