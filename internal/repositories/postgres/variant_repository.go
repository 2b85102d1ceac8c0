package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	domain "github.com/ordersync/api/internal/domain"
	"github.com/ordersync/api/internal/repositories"
)

// VariantRepository implements repositories.VariantRepository over Postgres.
// It is the single owner of stock_quantity mutations: reserve and release
// lock the variant row so concurrent reservations serialise and never act on
// a stale read.
type VariantRepository struct {
	db *DB
}

// NewVariantRepository constructs the repository.
func NewVariantRepository(db *DB) *VariantRepository {
	return &VariantRepository{db: db}
}

// FindByID loads a variant row.
func (r *VariantRepository) FindByID(ctx context.Context, variantID string) (domain.ProductVariant, error) {
	const op = "variants.findByID"
	row := r.db.querier(ctx).QueryRow(ctx, `
		SELECT id, product_id, sku, size, color, additional_price_cents, stock_quantity, created_at, updated_at
		FROM product_variants WHERE id = $1`, variantID)

	var v domain.ProductVariant
	err := row.Scan(&v.ID, &v.ProductID, &v.SKU, &v.Size, &v.Color, &v.AdditionalPriceCents, &v.StockQuantity, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ProductVariant{}, repositories.NewError(op, repositories.ErrorNotFound, fmt.Sprintf("variant %s not found", variantID), err)
	}
	if err != nil {
		return domain.ProductVariant{}, repositories.NewError(op, repositories.ErrorUnknown, "scan variant", err)
	}
	return v, nil
}

// FindProduct loads the owning product for pricing and error messages.
func (r *VariantRepository) FindProduct(ctx context.Context, productID string) (domain.Product, error) {
	const op = "variants.findProduct"
	row := r.db.querier(ctx).QueryRow(ctx, `
		SELECT id, name, base_price_cents, created_at, updated_at
		FROM products WHERE id = $1`, productID)

	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.BasePriceCents, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Product{}, repositories.NewError(op, repositories.ErrorNotFound, fmt.Sprintf("product %s not found", productID), err)
	}
	if err != nil {
		return domain.Product{}, repositories.NewError(op, repositories.ErrorUnknown, "scan product", err)
	}
	return p, nil
}

// ReserveStock locks the variant row, validates availability against the
// persisted quantity, and decrements. Must run inside the ambient transaction
// guarding the order write; the FOR UPDATE lock is what makes two concurrent
// reservations of the last unit serialise.
func (r *VariantRepository) ReserveStock(ctx context.Context, variantID string, quantity int) error {
	const op = "variants.reserveStock"
	q := r.db.querier(ctx)

	var (
		stock       int
		sku         string
		size, color string
		productName string
	)
	err := q.QueryRow(ctx, `
		SELECT v.stock_quantity, v.sku, v.size, v.color, p.name
		FROM product_variants v
		JOIN products p ON p.id = v.product_id
		WHERE v.id = $1
		FOR UPDATE OF v`, variantID).Scan(&stock, &sku, &size, &color, &productName)
	if errors.Is(err, pgx.ErrNoRows) {
		return repositories.NewError(op, repositories.ErrorNotFound, fmt.Sprintf("variant %s not found", variantID), err)
	}
	if err != nil {
		return repositories.NewError(op, repositories.ErrorUnknown, "lock variant", err)
	}

	if stock < quantity {
		return &repositories.InsufficientStockError{Shortage: repositories.StockShortage{
			VariantID:         variantID,
			SKU:               sku,
			ProductName:       productName,
			VariantAttributes: variantAttributes(size, color),
			Available:         stock,
			Requested:         quantity,
		}}
	}

	tag, err := q.Exec(ctx, `
		UPDATE product_variants
		SET stock_quantity = stock_quantity - $2, updated_at = now()
		WHERE id = $1`, variantID, quantity)
	if err != nil {
		return repositories.NewError(op, repositories.ErrorUnknown, "decrement stock", err)
	}
	if tag.RowsAffected() != 1 {
		return repositories.NewError(op, repositories.ErrorNotFound, fmt.Sprintf("variant %s not found", variantID), nil)
	}
	return nil
}

// ReleaseStock restores previously reserved quantity. Stock can always be
// restored, so no upper bound is checked.
func (r *VariantRepository) ReleaseStock(ctx context.Context, variantID string, quantity int) error {
	const op = "variants.releaseStock"
	tag, err := r.db.querier(ctx).Exec(ctx, `
		UPDATE product_variants
		SET stock_quantity = stock_quantity + $2, updated_at = now()
		WHERE id = $1`, variantID, quantity)
	if err != nil {
		return repositories.NewError(op, repositories.ErrorUnknown, "increment stock", err)
	}
	if tag.RowsAffected() != 1 {
		return repositories.NewError(op, repositories.ErrorNotFound, fmt.Sprintf("variant %s not found", variantID), nil)
	}
	return nil
}

func variantAttributes(size, color string) string {
	switch {
	case size != "" && color != "":
		return size + " " + color
	case size != "":
		return size
	default:
		return color
	}
}
