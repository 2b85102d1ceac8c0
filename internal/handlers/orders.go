package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/ordersync/api/internal/domain"
	"github.com/ordersync/api/internal/platform/httpx"
	"github.com/ordersync/api/internal/platform/requestctx"
	"github.com/ordersync/api/internal/services"
)

const maxOrderBodySize = 64 * 1024

type orderItemRequest struct {
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

type syncOrderRequest struct {
	ID              string             `json:"id"`
	ShippingAddress string             `json:"shipping_address"`
	CreatedAt       string             `json:"created_at"`
	Items           []orderItemRequest `json:"items"`
}

type updateOrderRequest struct {
	ShippingAddress *string            `json:"shipping_address"`
	Items           []orderItemRequest `json:"items"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type orderItemPayload struct {
	ID             string `json:"id"`
	VariantID      string `json:"variant_id"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	LineTotalCents int64  `json:"line_total_cents"`
}

type orderPayload struct {
	ID              string             `json:"id"`
	UserID          string             `json:"user_id"`
	Status          string             `json:"status"`
	TotalCents      int64              `json:"total_cents"`
	ShippingAddress string             `json:"shipping_address,omitempty"`
	DeviceCreatedAt string             `json:"device_created_at,omitempty"`
	CreatedAt       string             `json:"created_at"`
	UpdatedAt       string             `json:"updated_at"`
	Items           []orderItemPayload `json:"items"`
}

// OrderHandlers exposes the order synchronization and mutation endpoints.
type OrderHandlers struct {
	orders   services.OrderService
	payments services.PaymentService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderService, payments services.PaymentService) *OrderHandlers {
	return &OrderHandlers{
		orders:   orders,
		payments: payments,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/sync", h.syncOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Put("/{orderID}", h.updateOrder)
	r.Post("/{orderID}/status", h.updateStatus)
	r.Get("/{orderID}/payments", h.listOrderPayments)
}

func (h *OrderHandlers) syncOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireCaller(ctx, w)
	if !ok {
		return
	}

	var req syncOrderRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}

	deviceCreatedAt := time.Time{}
	if raw := strings.TrimSpace(req.CreatedAt); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_at must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		deviceCreatedAt = ts
	}

	order, err := h.orders.SyncOrder(ctx, services.SyncOrderCommand{
		ExternalID:      req.ID,
		UserID:          userID,
		ShippingAddress: req.ShippingAddress,
		DeviceCreatedAt: deviceCreatedAt,
		Items:           toItemInputs(req.Items),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireCaller(ctx, w)
	if !ok {
		return
	}

	orders, err := h.orders.ListUserOrders(ctx, userID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderPayload, 0, len(orders))
	for _, order := range orders {
		items = append(items, buildOrderPayload(order))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireCaller(ctx, w)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	if order.UserID != userID {
		httpx.WriteError(ctx, w, httpx.NewError("order_forbidden", "order belongs to another user", http.StatusForbidden))
		return
	}

	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) updateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireCaller(ctx, w)
	if !ok {
		return
	}

	var req updateOrderRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.UpdateOrder(ctx, services.UpdateOrderCommand{
		OrderID:         chi.URLParam(r, "orderID"),
		UserID:          userID,
		ShippingAddress: req.ShippingAddress,
		Items:           toItemInputs(req.Items),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireCaller(ctx, w); !ok {
		return
	}

	var req updateStatusRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.UpdateStatus(ctx, services.UpdateOrderStatusCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Status:  domain.OrderStatus(strings.ToUpper(strings.TrimSpace(req.Status))),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) listOrderPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireCaller(ctx, w); !ok {
		return
	}
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	records, err := h.payments.ListOrderPayments(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	items := make([]paymentPayload, 0, len(records))
	for _, payment := range records {
		items = append(items, buildPaymentPayload(payment))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func requireCaller(ctx context.Context, w http.ResponseWriter) (string, bool) {
	userID := strings.TrimSpace(requestctx.UserID(ctx))
	if userID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "caller identity required", http.StatusUnauthorized))
		return "", false
	}
	return userID, true
}

func decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOrderBodySize))
	if err := decoder.Decode(dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is not valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}

func toItemInputs(items []orderItemRequest) []services.OrderItemInput {
	inputs := make([]services.OrderItemInput, 0, len(items))
	for _, item := range items {
		inputs = append(inputs, services.OrderItemInput{
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
		})
	}
	return inputs
}

func buildOrderPayload(order domain.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ID:             item.ID,
			VariantID:      item.VariantID,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceSnapCents,
			LineTotalCents: item.LineTotalCents(),
		})
	}

	payload := orderPayload{
		ID:              order.ID,
		UserID:          order.UserID,
		Status:          string(order.Status),
		TotalCents:      order.TotalCents,
		ShippingAddress: order.ShippingAddress,
		CreatedAt:       order.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       order.UpdatedAt.UTC().Format(time.RFC3339),
		Items:           items,
	}
	if !order.DeviceCreatedAt.IsZero() {
		payload.DeviceCreatedAt = order.DeviceCreatedAt.UTC().Format(time.RFC3339)
	}
	return payload
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var shortage *services.InsufficientStockError
	switch {
	case errors.As(err, &shortage):
		details := map[string]any{
			"variant_id": shortage.Shortage.VariantID,
			"sku":        shortage.Shortage.SKU,
			"available":  shortage.Shortage.Available,
			"requested":  shortage.Shortage.Requested,
		}
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict).WithDetails(details))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrUserNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("user_not_found", "user not found", http.StatusNotFound))
	case errors.Is(err, services.ErrVariantNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("variant_not_found", "product variant not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("order_forbidden", "order belongs to another user", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
