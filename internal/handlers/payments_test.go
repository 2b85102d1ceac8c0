package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/ordersync/api/internal/domain"
	"github.com/ordersync/api/internal/services"
)

type stubPaymentService struct {
	createFn  func(context.Context, services.CreateIntentCommand) (services.PaymentIntentResult, error)
	applyFn   func(context.Context, services.ProviderEventCommand) (domain.Payment, error)
	webhookFn func(context.Context, []byte, string) (domain.Payment, error)
	confirmFn func(context.Context, string) (domain.Payment, error)
	getFn     func(context.Context, string) (domain.Payment, error)
	listFn    func(context.Context, string) ([]domain.Payment, error)
}

func (s *stubPaymentService) CreateIntent(ctx context.Context, cmd services.CreateIntentCommand) (services.PaymentIntentResult, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.PaymentIntentResult{}, errors.New("not implemented")
}

func (s *stubPaymentService) ApplyProviderEvent(ctx context.Context, cmd services.ProviderEventCommand) (domain.Payment, error) {
	if s.applyFn != nil {
		return s.applyFn(ctx, cmd)
	}
	return domain.Payment{}, errors.New("not implemented")
}

func (s *stubPaymentService) HandleWebhook(ctx context.Context, payload []byte, signature string) (domain.Payment, error) {
	if s.webhookFn != nil {
		return s.webhookFn(ctx, payload, signature)
	}
	return domain.Payment{}, errors.New("not implemented")
}

func (s *stubPaymentService) ConfirmPayment(ctx context.Context, providerIntentID string) (domain.Payment, error) {
	if s.confirmFn != nil {
		return s.confirmFn(ctx, providerIntentID)
	}
	return domain.Payment{}, errors.New("not implemented")
}

func (s *stubPaymentService) GetPayment(ctx context.Context, paymentID string) (domain.Payment, error) {
	if s.getFn != nil {
		return s.getFn(ctx, paymentID)
	}
	return domain.Payment{}, errors.New("not implemented")
}

func (s *stubPaymentService) ListOrderPayments(ctx context.Context, orderID string) ([]domain.Payment, error) {
	if s.listFn != nil {
		return s.listFn(ctx, orderID)
	}
	return nil, errors.New("not implemented")
}

func newPaymentRouter(payments services.PaymentService) http.Handler {
	handler := NewPaymentHandlers(payments)
	router := chi.NewRouter()
	router.Route("/payments", handler.Routes)
	return router
}

func samplePayment() domain.Payment {
	now := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
	return domain.Payment{
		ID:               "pay_1",
		OrderID:          "ord_local_1",
		ProviderIntentID: "pi_1",
		AmountCents:      25000,
		Currency:         "EUR",
		Status:           domain.PaymentStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestPaymentHandlersCreateIntent(t *testing.T) {
	var captured services.CreateIntentCommand
	service := &stubPaymentService{
		createFn: func(_ context.Context, cmd services.CreateIntentCommand) (services.PaymentIntentResult, error) {
			captured = cmd
			return services.PaymentIntentResult{
				PaymentID:        "pay_1",
				ProviderIntentID: "pi_1",
				ClientSecret:     "pi_1_secret",
				AmountCents:      25000,
				Currency:         "EUR",
				Status:           domain.PaymentStatusPending,
			}, nil
		},
	}
	router := newPaymentRouter(service)

	req := asCaller(httptest.NewRequest(http.MethodPost, "/payments/intent", bytes.NewBufferString(`{"order_id":"ord_local_1"}`)), "usr_1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_local_1" {
		t.Fatalf("order id not forwarded: %+v", captured)
	}

	var payload intentPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.ClientSecret != "pi_1_secret" || payload.AmountCents != 25000 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestPaymentHandlersCreateIntentOrderNotPending(t *testing.T) {
	service := &stubPaymentService{
		createFn: func(context.Context, services.CreateIntentCommand) (services.PaymentIntentResult, error) {
			return services.PaymentIntentResult{}, services.ErrPaymentInvalidState
		},
	}
	router := newPaymentRouter(service)

	req := asCaller(httptest.NewRequest(http.MethodPost, "/payments/intent", bytes.NewBufferString(`{"order_id":"ord_local_1"}`)), "usr_1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestPaymentHandlersConfirmPayment(t *testing.T) {
	service := &stubPaymentService{
		confirmFn: func(_ context.Context, intentID string) (domain.Payment, error) {
			if intentID != "pi_1" {
				t.Fatalf("unexpected intent id: %s", intentID)
			}
			payment := samplePayment()
			payment.Status = domain.PaymentStatusSucceeded
			return payment, nil
		},
	}
	router := newPaymentRouter(service)

	req := asCaller(httptest.NewRequest(http.MethodPost, "/payments/confirm", bytes.NewBufferString(`{"provider_intent_id":"pi_1"}`)), "usr_1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var payload paymentPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "SUCCEEDED" {
		t.Fatalf("expected SUCCEEDED, got %s", payload.Status)
	}
}

func TestPaymentHandlersGetPaymentNotFound(t *testing.T) {
	service := &stubPaymentService{
		getFn: func(context.Context, string) (domain.Payment, error) {
			return domain.Payment{}, services.ErrPaymentNotFound
		},
	}
	router := newPaymentRouter(service)

	req := asCaller(httptest.NewRequest(http.MethodGet, "/payments/pay_missing", nil), "usr_1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestPaymentHandlersRequireCaller(t *testing.T) {
	router := newPaymentRouter(&stubPaymentService{})

	req := httptest.NewRequest(http.MethodPost, "/payments/intent", bytes.NewBufferString(`{"order_id":"ord_1"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestOrderHandlersListOrderPayments(t *testing.T) {
	payments := &stubPaymentService{
		listFn: func(_ context.Context, orderID string) ([]domain.Payment, error) {
			if orderID != "ord_local_1" {
				t.Fatalf("unexpected order id: %s", orderID)
			}
			return []domain.Payment{samplePayment()}, nil
		},
	}
	router := newOrderRouter(&stubOrderService{}, payments)

	req := asCaller(httptest.NewRequest(http.MethodGet, "/orders/ord_local_1/payments", nil), "usr_1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var payload struct {
		Items []paymentPayload `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].ID != "pay_1" {
		t.Fatalf("unexpected items: %+v", payload.Items)
	}
}
