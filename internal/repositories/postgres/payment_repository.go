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

// PaymentRepository implements repositories.PaymentRepository over Postgres.
// The unique index on provider_intent_id enforces at most one payment record
// per provider transaction.
type PaymentRepository struct {
	db *DB
}

// NewPaymentRepository constructs the repository.
func NewPaymentRepository(db *DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// Insert persists a payment row. Duplicate provider intent ids map to a
// conflict; reconciliation treats that as an idempotent replay signal.
func (r *PaymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	const op = "payments.insert"
	_, err := r.db.querier(ctx).Exec(ctx, `
		INSERT INTO payments (id, order_id, provider_intent_id, amount_cents, currency, status, raw_response, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		payment.ID, payment.OrderID, payment.ProviderIntentID, payment.AmountCents,
		payment.Currency, payment.Status, payment.RawResponse, payment.CreatedAt, payment.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return repositories.NewError(op, repositories.ErrorConflict,
				fmt.Sprintf("payment for intent %s already exists", payment.ProviderIntentID), err)
		}
		return repositories.NewError(op, repositories.ErrorUnknown, "insert payment", err)
	}
	return nil
}

// FindByID loads one payment row.
func (r *PaymentRepository) FindByID(ctx context.Context, paymentID string) (domain.Payment, error) {
	const op = "payments.findByID"
	return r.scanOne(ctx, op, `
		SELECT id, order_id, provider_intent_id, amount_cents, currency, status, raw_response, created_at, updated_at
		FROM payments WHERE id = $1`, paymentID)
}

// FindByProviderIntentID resolves the payment by its provider reference, the
// natural key for webhook reconciliation.
func (r *PaymentRepository) FindByProviderIntentID(ctx context.Context, intentID string) (domain.Payment, error) {
	const op = "payments.findByProviderIntentID"
	return r.scanOne(ctx, op, `
		SELECT id, order_id, provider_intent_id, amount_cents, currency, status, raw_response, created_at, updated_at
		FROM payments WHERE provider_intent_id = $1`, intentID)
}

func (r *PaymentRepository) scanOne(ctx context.Context, op, query, key string) (domain.Payment, error) {
	var p domain.Payment
	err := r.db.querier(ctx).QueryRow(ctx, query, key).Scan(
		&p.ID, &p.OrderID, &p.ProviderIntentID, &p.AmountCents, &p.Currency,
		&p.Status, &p.RawResponse, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Payment{}, repositories.NewError(op, repositories.ErrorNotFound, fmt.Sprintf("payment %s not found", key), err)
	}
	if err != nil {
		return domain.Payment{}, repositories.NewError(op, repositories.ErrorUnknown, "scan payment", err)
	}
	return p, nil
}

// ListByOrder returns the order's payments, newest first.
func (r *PaymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	const op = "payments.listByOrder"
	rows, err := r.db.querier(ctx).Query(ctx, `
		SELECT id, order_id, provider_intent_id, amount_cents, currency, status, raw_response, created_at, updated_at
		FROM payments WHERE order_id = $1
		ORDER BY created_at DESC`, orderID)
	if err != nil {
		return nil, repositories.NewError(op, repositories.ErrorUnknown, "query payments", err)
	}
	defer rows.Close()

	var out []domain.Payment
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(&p.ID, &p.OrderID, &p.ProviderIntentID, &p.AmountCents, &p.Currency,
			&p.Status, &p.RawResponse, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, repositories.NewError(op, repositories.ErrorUnknown, "scan payment", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, repositories.NewError(op, repositories.ErrorUnknown, "iterate payments", err)
	}
	return out, nil
}

// UpdateStatus persists the mapped provider status and the raw payload
// snapshot kept for audit.
func (r *PaymentRepository) UpdateStatus(ctx context.Context, paymentID string, status domain.PaymentStatus, rawResponse string) error {
	const op = "payments.updateStatus"
	tag, err := r.db.querier(ctx).Exec(ctx, `
		UPDATE payments SET status = $2, raw_response = $3, updated_at = now() WHERE id = $1`,
		paymentID, status, rawResponse)
	if err != nil {
		return repositories.NewError(op, repositories.ErrorUnknown, "update payment", err)
	}
	if tag.RowsAffected() != 1 {
		return repositories.NewError(op, repositories.ErrorNotFound, fmt.Sprintf("payment %s not found", paymentID), nil)
	}
	return nil
}
