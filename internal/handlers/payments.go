package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/ordersync/api/internal/domain"
	"github.com/ordersync/api/internal/platform/httpx"
	"github.com/ordersync/api/internal/services"
)

type createIntentRequest struct {
	OrderID     string `json:"order_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

type confirmPaymentRequest struct {
	ProviderIntentID string `json:"provider_intent_id"`
}

type intentPayload struct {
	PaymentID        string `json:"payment_id"`
	ProviderIntentID string `json:"provider_intent_id"`
	ClientSecret     string `json:"client_secret,omitempty"`
	AmountCents      int64  `json:"amount_cents"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
}

type paymentPayload struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	ProviderIntentID string `json:"provider_intent_id"`
	AmountCents      int64  `json:"amount_cents"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

// PaymentHandlers exposes payment intent and reconciliation endpoints.
type PaymentHandlers struct {
	payments services.PaymentService
}

// NewPaymentHandlers constructs a new PaymentHandlers instance.
func NewPaymentHandlers(payments services.PaymentService) *PaymentHandlers {
	return &PaymentHandlers{payments: payments}
}

// Routes registers the /payments endpoints.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/intent", h.createIntent)
	r.Post("/confirm", h.confirmPayment)
	r.Get("/{paymentID}", h.getPayment)
}

func (h *PaymentHandlers) createIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireCaller(ctx, w); !ok {
		return
	}

	var req createIntentRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}

	result, err := h.payments.CreateIntent(ctx, services.CreateIntentCommand{
		OrderID:     req.OrderID,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, intentPayload{
		PaymentID:        result.PaymentID,
		ProviderIntentID: result.ProviderIntentID,
		ClientSecret:     result.ClientSecret,
		AmountCents:      result.AmountCents,
		Currency:         result.Currency,
		Status:           string(result.Status),
	})
}

func (h *PaymentHandlers) confirmPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireCaller(ctx, w); !ok {
		return
	}

	var req confirmPaymentRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}

	payment, err := h.payments.ConfirmPayment(ctx, req.ProviderIntentID)
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, buildPaymentPayload(payment))
}

func (h *PaymentHandlers) getPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireCaller(ctx, w); !ok {
		return
	}

	payment, err := h.payments.GetPayment(ctx, chi.URLParam(r, "paymentID"))
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, buildPaymentPayload(payment))
}

func buildPaymentPayload(payment domain.Payment) paymentPayload {
	return paymentPayload{
		ID:               payment.ID,
		OrderID:          payment.OrderID,
		ProviderIntentID: payment.ProviderIntentID,
		AmountCents:      payment.AmountCents,
		Currency:         payment.Currency,
		Status:           string(payment.Status),
		CreatedAt:        payment.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        payment.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_found", "payment not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("payment_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentDuplicateIntent):
		httpx.WriteError(ctx, w, httpx.NewError("payment_duplicate", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentSignature):
		httpx.WriteError(ctx, w, httpx.NewError("signature_invalid", "webhook signature verification failed", http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("payment_error", "failed to process payment request", http.StatusInternalServerError))
	}
}
