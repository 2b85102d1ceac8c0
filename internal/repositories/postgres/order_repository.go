package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	domain "github.com/ordersync/api/internal/domain"
	"github.com/ordersync/api/internal/repositories"
)

const pgUniqueViolation = "23505"

// OrderRepository implements repositories.OrderRepository over Postgres. The
// order id is the client-generated external identifier, so the primary key
// doubles as the sync idempotency constraint.
type OrderRepository struct {
	db *DB
}

// NewOrderRepository constructs the repository.
func NewOrderRepository(db *DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Insert persists an order header. A duplicate id maps to a conflict so the
// synchronizer can distinguish a concurrent retry from a storage fault.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	const op = "orders.insert"
	_, err := r.db.querier(ctx).Exec(ctx, `
		INSERT INTO orders (id, user_id, status, total_cents, shipping_address, device_created_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		order.ID, order.UserID, order.Status, order.TotalCents, order.ShippingAddress,
		order.DeviceCreatedAt, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return repositories.NewError(op, repositories.ErrorConflict, fmt.Sprintf("order %s already exists", order.ID), err)
		}
		return repositories.NewError(op, repositories.ErrorUnknown, "insert order", err)
	}
	return nil
}

// FindByID loads an order with its items.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.find(ctx, orderID, false)
}

// FindByIDForUpdate loads an order under a row lock; concurrent status
// changes and mutations against the same order serialise on it.
func (r *OrderRepository) FindByIDForUpdate(ctx context.Context, orderID string) (domain.Order, error) {
	return r.find(ctx, orderID, true)
}

func (r *OrderRepository) find(ctx context.Context, orderID string, forUpdate bool) (domain.Order, error) {
	const op = "orders.findByID"
	query := `
		SELECT id, user_id, status, total_cents, shipping_address, device_created_at, created_at, updated_at
		FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var o domain.Order
	err := r.db.querier(ctx).QueryRow(ctx, query, orderID).Scan(
		&o.ID, &o.UserID, &o.Status, &o.TotalCents, &o.ShippingAddress,
		&o.DeviceCreatedAt, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, repositories.NewError(op, repositories.ErrorNotFound, fmt.Sprintf("order %s not found", orderID), err)
	}
	if err != nil {
		return domain.Order{}, repositories.NewError(op, repositories.ErrorUnknown, "scan order", err)
	}

	items, err := r.ListItems(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	o.Items = items
	return o, nil
}

// ListByUser returns the user's orders, newest first, items included.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	const op = "orders.listByUser"
	q := r.db.querier(ctx)

	rows, err := q.Query(ctx, `
		SELECT id, user_id, status, total_cents, shipping_address, device_created_at, created_at, updated_at
		FROM orders WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, repositories.NewError(op, repositories.ErrorUnknown, "query orders", err)
	}
	defer rows.Close()

	var out []domain.Order
	ids := make([]string, 0)
	for rows.Next() {
		var o domain.Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.Status, &o.TotalCents, &o.ShippingAddress,
			&o.DeviceCreatedAt, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, repositories.NewError(op, repositories.ErrorUnknown, "scan order", err)
		}
		out = append(out, o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, repositories.NewError(op, repositories.ErrorUnknown, "iterate orders", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	itemRows, err := q.Query(ctx, `
		SELECT id, order_id, variant_id, quantity, unit_price_snapshot_cents, created_at
		FROM order_items WHERE order_id = ANY($1)
		ORDER BY created_at, id`, ids)
	if err != nil {
		return nil, repositories.NewError(op, repositories.ErrorUnknown, "query items", err)
	}
	defer itemRows.Close()

	byOrder := make(map[string][]domain.OrderItem, len(out))
	for itemRows.Next() {
		var item domain.OrderItem
		if err := itemRows.Scan(&item.ID, &item.OrderID, &item.VariantID, &item.Quantity, &item.UnitPriceSnapCents, &item.CreatedAt); err != nil {
			return nil, repositories.NewError(op, repositories.ErrorUnknown, "scan item", err)
		}
		byOrder[item.OrderID] = append(byOrder[item.OrderID], item)
	}
	if err := itemRows.Err(); err != nil {
		return nil, repositories.NewError(op, repositories.ErrorUnknown, "iterate items", err)
	}

	for i := range out {
		out[i].Items = byOrder[out[i].ID]
	}
	return out, nil
}

// UpdateStatus persists a status transition.
func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus) error {
	const op = "orders.updateStatus"
	return r.exec(ctx, op, `
		UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`, orderID, status)
}

// UpdateTotal persists the server-computed order total.
func (r *OrderRepository) UpdateTotal(ctx context.Context, orderID string, totalCents int64) error {
	const op = "orders.updateTotal"
	return r.exec(ctx, op, `
		UPDATE orders SET total_cents = $2, updated_at = now() WHERE id = $1`, orderID, totalCents)
}

// UpdateShippingAddress replaces the shipping address.
func (r *OrderRepository) UpdateShippingAddress(ctx context.Context, orderID string, address string) error {
	const op = "orders.updateShippingAddress"
	return r.exec(ctx, op, `
		UPDATE orders SET shipping_address = $2, updated_at = now() WHERE id = $1`, orderID, address)
}

func (r *OrderRepository) exec(ctx context.Context, op, query string, orderID string, arg any) error {
	tag, err := r.db.querier(ctx).Exec(ctx, query, orderID, arg)
	if err != nil {
		return repositories.NewError(op, repositories.ErrorUnknown, "update order", err)
	}
	if tag.RowsAffected() != 1 {
		return repositories.NewError(op, repositories.ErrorNotFound, fmt.Sprintf("order %s not found", orderID), nil)
	}
	return nil
}

// InsertItem appends one line item to its order.
func (r *OrderRepository) InsertItem(ctx context.Context, item domain.OrderItem) error {
	const op = "orders.insertItem"
	_, err := r.db.querier(ctx).Exec(ctx, `
		INSERT INTO order_items (id, order_id, variant_id, quantity, unit_price_snapshot_cents, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		item.ID, item.OrderID, item.VariantID, item.Quantity, item.UnitPriceSnapCents, item.CreatedAt)
	if err != nil {
		return repositories.NewError(op, repositories.ErrorUnknown, "insert item", err)
	}
	return nil
}

// DeleteItems removes the order's entire item set, used by the mutator before
// writing the replacement set.
func (r *OrderRepository) DeleteItems(ctx context.Context, orderID string) error {
	const op = "orders.deleteItems"
	_, err := r.db.querier(ctx).Exec(ctx, `DELETE FROM order_items WHERE order_id = $1`, orderID)
	if err != nil {
		return repositories.NewError(op, repositories.ErrorUnknown, "delete items", err)
	}
	return nil
}

// ListItems returns the order's items in insertion order.
func (r *OrderRepository) ListItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	const op = "orders.listItems"
	rows, err := r.db.querier(ctx).Query(ctx, `
		SELECT id, order_id, variant_id, quantity, unit_price_snapshot_cents, created_at
		FROM order_items WHERE order_id = $1
		ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, repositories.NewError(op, repositories.ErrorUnknown, "query items", err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.VariantID, &item.Quantity, &item.UnitPriceSnapCents, &item.CreatedAt); err != nil {
			return nil, repositories.NewError(op, repositories.ErrorUnknown, "scan item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, repositories.NewError(op, repositories.ErrorUnknown, "iterate items", err)
	}
	return items, nil
}
