package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/ordersync/api/internal/domain"
	"github.com/ordersync/api/internal/payments"
	"github.com/ordersync/api/internal/repositories"
)

const (
	paymentEventIntentCreated  = "payment.intent.created"
	paymentEventReconciled     = "payment.reconciled"
	paymentEventReplayed       = "payment.event.replayed"
	paymentEventUnknownStatus  = "payment.provider.status.unknown"
	paymentEventFailedSettled  = "payment.failed.recorded"
	paymentEventWebhookInvalid = "payment.webhook.rejected"

	paymentIDPrefix = "pay_"
	defaultCurrency = "EUR"
)

var (
	// ErrPaymentInvalidInput signals the caller provided invalid data.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentNotFound indicates no payment matches the identifier.
	ErrPaymentNotFound = errors.New("payment: not found")
	// ErrPaymentInvalidState indicates the order status forbids taking payment.
	ErrPaymentInvalidState = errors.New("payment: order not payable")
	// ErrPaymentDuplicateIntent indicates the provider intent is already recorded.
	ErrPaymentDuplicateIntent = errors.New("payment: duplicate provider intent")
	// ErrPaymentSignature indicates webhook signature verification failed.
	ErrPaymentSignature = errors.New("payment: invalid webhook signature")
)

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Payments    repositories.PaymentRepository
	Orders      OrderService
	Provider    payments.Provider
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	payments   repositories.PaymentRepository
	orders     OrderService
	provider   payments.Provider
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

// NewPaymentService wires dependencies into a concrete PaymentService implementation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Payments == nil {
		return nil, errors.New("payment service: payment repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("payment service: order service is required")
	}
	if deps.Provider == nil {
		return nil, errors.New("payment service: payment provider is required")
	}
	if deps.UnitOfWork == nil {
		return nil, errors.New("payment service: unit of work is required")
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

	return &paymentService{
		payments:   deps.Payments,
		orders:     deps.Orders,
		provider:   deps.Provider,
		unitOfWork: deps.UnitOfWork,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// CreateIntent opens a provider intent for a pending order and records the
// local payment row. The charged amount is always the order's stored total,
// never a client-supplied figure.
func (s *paymentService) CreateIntent(ctx context.Context, cmd CreateIntentCommand) (PaymentIntentResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return PaymentIntentResult{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return PaymentIntentResult{}, err
	}
	if order.Status != domain.OrderStatusPending {
		return PaymentIntentResult{}, fmt.Errorf("%w: order %s is %s", ErrPaymentInvalidState, orderID, order.Status)
	}
	if cmd.AmountCents != 0 && cmd.AmountCents != order.TotalCents {
		return PaymentIntentResult{}, fmt.Errorf("%w: amount %d does not match order total %d", ErrPaymentInvalidInput, cmd.AmountCents, order.TotalCents)
	}
	if order.TotalCents <= 0 {
		return PaymentIntentResult{}, fmt.Errorf("%w: order total must be positive", ErrPaymentInvalidInput)
	}

	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	paymentID := paymentIDPrefix + s.newID()

	intent, err := s.provider.CreateIntent(ctx, payments.IntentRequest{
		Amount:         order.TotalCents,
		Currency:       currency,
		IdempotencyKey: paymentID,
		Metadata: map[string]string{
			"order_id": order.ID,
			"user_id":  order.UserID,
		},
	})
	if err != nil {
		return PaymentIntentResult{}, err
	}

	now := s.clock()
	payment := domain.Payment{
		ID:               paymentID,
		OrderID:          order.ID,
		ProviderIntentID: intent.IntentID,
		AmountCents:      intent.Amount,
		Currency:         currency,
		Status:           domain.PaymentStatusPending,
		RawResponse:      encodeRaw(intent.Raw),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.payments.Insert(ctx, payment); err != nil {
		if isRepoConflict(err) {
			return PaymentIntentResult{}, fmt.Errorf("%w: %s", ErrPaymentDuplicateIntent, intent.IntentID)
		}
		return PaymentIntentResult{}, err
	}

	s.logger(ctx, paymentEventIntentCreated, map[string]any{
		"paymentId":     payment.ID,
		"orderId":       order.ID,
		"paymentIntent": intent.IntentID,
		"amountCents":   payment.AmountCents,
	})

	return PaymentIntentResult{
		PaymentID:        payment.ID,
		ProviderIntentID: intent.IntentID,
		ClientSecret:     intent.ClientSecret,
		AmountCents:      payment.AmountCents,
		Currency:         currency,
		Status:           payment.Status,
	}, nil
}

// ApplyProviderEvent reconciles one provider notification. The status write,
// the raw snapshot, and any order transition commit atomically; redelivery of
// an already-applied status is a no-op.
func (s *paymentService) ApplyProviderEvent(ctx context.Context, cmd ProviderEventCommand) (domain.Payment, error) {
	intentID := strings.TrimSpace(cmd.ProviderIntentID)
	if intentID == "" {
		return domain.Payment{}, fmt.Errorf("%w: provider intent id is required", ErrPaymentInvalidInput)
	}

	var reconciled domain.Payment
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		payment, err := s.payments.FindByProviderIntentID(txCtx, intentID)
		if err != nil {
			if isRepoNotFound(err) {
				return fmt.Errorf("%w: intent %s", ErrPaymentNotFound, intentID)
			}
			return err
		}

		status := s.mapProviderStatus(txCtx, intentID, cmd.ProviderStatus)
		if payment.Status == status {
			s.logger(txCtx, paymentEventReplayed, map[string]any{
				"paymentId":     payment.ID,
				"paymentIntent": intentID,
				"status":        string(status),
			})
			reconciled = payment
			return nil
		}

		if err := s.payments.UpdateStatus(txCtx, payment.ID, status, cmd.RawPayload); err != nil {
			return err
		}
		payment.Status = status
		payment.RawResponse = cmd.RawPayload
		payment.UpdatedAt = s.clock()

		switch status {
		case domain.PaymentStatusSucceeded:
			if _, err := s.orders.UpdateStatus(txCtx, UpdateOrderStatusCommand{
				OrderID: payment.OrderID,
				Status:  domain.OrderStatusPaid,
			}); err != nil {
				return err
			}
		case domain.PaymentStatusFailed:
			// A failed payment keeps the order pending with stock held; the
			// customer may retry with another method. Release happens only
			// through an explicit cancellation.
			s.logger(txCtx, paymentEventFailedSettled, map[string]any{
				"paymentId": payment.ID,
				"orderId":   payment.OrderID,
			})
		}

		s.logger(txCtx, paymentEventReconciled, map[string]any{
			"paymentId":     payment.ID,
			"orderId":       payment.OrderID,
			"paymentIntent": intentID,
			"status":        string(status),
		})
		reconciled = payment
		return nil
	})
	if err != nil {
		return domain.Payment{}, err
	}
	return reconciled, nil
}

// HandleWebhook verifies the provider signature before any state is touched,
// then reconciles the carried intent. A bad signature changes nothing.
func (s *paymentService) HandleWebhook(ctx context.Context, payload []byte, signature string) (domain.Payment, error) {
	event, err := s.provider.VerifyWebhook(payload, signature)
	if err != nil {
		if errors.Is(err, payments.ErrSignatureVerification) {
			s.logger(ctx, paymentEventWebhookInvalid, map[string]any{
				"reason": err.Error(),
			})
			return domain.Payment{}, fmt.Errorf("%w: %v", ErrPaymentSignature, err)
		}
		return domain.Payment{}, err
	}

	return s.ApplyProviderEvent(ctx, ProviderEventCommand{
		ProviderIntentID: event.IntentID,
		ProviderStatus:   event.Status,
		RawPayload:       encodeRaw(event.Raw),
	})
}

// ConfirmPayment pulls the intent's current state from the provider and
// reconciles it. It covers webhooks that were missed or delayed.
func (s *paymentService) ConfirmPayment(ctx context.Context, providerIntentID string) (domain.Payment, error) {
	intentID := strings.TrimSpace(providerIntentID)
	if intentID == "" {
		return domain.Payment{}, fmt.Errorf("%w: provider intent id is required", ErrPaymentInvalidInput)
	}

	intent, err := s.provider.LookupIntent(ctx, intentID)
	if err != nil {
		return domain.Payment{}, err
	}

	return s.ApplyProviderEvent(ctx, ProviderEventCommand{
		ProviderIntentID: intent.IntentID,
		ProviderStatus:   intent.Status,
		RawPayload:       encodeRaw(intent.Raw),
	})
}

// GetPayment loads one payment by internal id.
func (s *paymentService) GetPayment(ctx context.Context, paymentID string) (domain.Payment, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return domain.Payment{}, fmt.Errorf("%w: payment id is required", ErrPaymentInvalidInput)
	}
	payment, err := s.payments.FindByID(ctx, paymentID)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.Payment{}, fmt.Errorf("%w: %s", ErrPaymentNotFound, paymentID)
		}
		return domain.Payment{}, err
	}
	return payment, nil
}

// ListOrderPayments returns every payment attempt recorded for the order,
// newest first.
func (s *paymentService) ListOrderPayments(ctx context.Context, orderID string) ([]domain.Payment, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}
	if _, err := s.orders.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.payments.ListByOrder(ctx, orderID)
}

// mapProviderStatus normalises the provider's native status string. Statuses
// outside the known table settle as FAILED so an unrecognised notification
// can never look like a capture.
func (s *paymentService) mapProviderStatus(ctx context.Context, intentID, providerStatus string) domain.PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "succeeded":
		return domain.PaymentStatusSucceeded
	case "canceled":
		return domain.PaymentStatusCancelled
	case "requires_payment_method", "requires_confirmation", "requires_action":
		return domain.PaymentStatusPending
	default:
		s.logger(ctx, paymentEventUnknownStatus, map[string]any{
			"paymentIntent": intentID,
			"status":        providerStatus,
		})
		return domain.PaymentStatusFailed
	}
}

func encodeRaw(raw map[string]any) string {
	if len(raw) == 0 {
		return "{}"
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return "{}"
	}
	return string(data)
}
