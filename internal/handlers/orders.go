package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/meadowmart/api/internal/domain"
	"github.com/meadowmart/api/internal/platform/httpx"
	"github.com/meadowmart/api/internal/services"
)

// OrderHandlers exposes customer-facing order endpoints.
type OrderHandlers struct {
	orders  services.OrderService
	refunds services.RefundService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderService, refunds services.RefundService) *OrderHandlers {
	return &OrderHandlers{
		orders:  orders,
		refunds: refunds,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Get("/{orderID}/history", h.listHistory)
	r.Post("/{orderID}:cancel", h.cancelOrder)
	r.Post("/{orderID}/refunds", h.requestRefund)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	pager, ok := parsePager(w, r)
	if !ok {
		return
	}

	filter := services.OrderListFilter{
		CustomerID: actor.ID,
		Pagination: pager,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, ok := domain.ParseOrderStatus(raw)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a valid order status", http.StatusBadRequest))
			return
		}
		filter.Status = &status
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildOrderListResponse(page))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	order, ok := h.loadOwnedOrder(w, r, actor.ID)
	if !ok {
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	order, ok := h.loadOwnedOrder(w, r, actor.ID)
	if !ok {
		return
	}

	entries, err := h.orders.ListHistory(ctx, order.ID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildHistoryResponse(entries))
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req cancelOrderRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID:           orderID,
		ActorID:           actor.ID,
		Reason:            req.Reason,
		CustomerInitiated: true,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type requestRefundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (h *OrderHandlers) requestRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.refunds == nil {
		httpx.WriteError(ctx, w, httpx.NewError("refund_service_unavailable", "refund service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	order, ok := h.loadOwnedOrder(w, r, actor.ID)
	if !ok {
		return
	}

	var req requestRefundRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	amount := req.Amount
	if amount == 0 {
		amount = order.TotalAmount
	}

	refund, err := h.refunds.Request(ctx, services.RequestRefundCommand{
		OrderID: order.ID,
		Amount:  amount,
		Reason:  req.Reason,
		ActorID: actor.ID,
	})
	if err != nil {
		writeRefundError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, refundResponse{Refund: buildRefundPayload(refund)})
}

// loadOwnedOrder fetches the order and hides it behind a 404 when it belongs
// to another customer.
func (h *OrderHandlers) loadOwnedOrder(w http.ResponseWriter, r *http.Request, actorID string) (services.Order, bool) {
	ctx := r.Context()

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return services.Order{}, false
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return services.Order{}, false
	}
	if order.CustomerID != actorID {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return services.Order{}, false
	}
	return order, true
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"nextPageToken,omitempty"`
}

type orderSummaryPayload struct {
	ID           string `json:"id"`
	Code         string `json:"code"`
	Status       string `json:"status"`
	StatusCode   int    `json:"statusCode"`
	RefundStatus string `json:"refundStatus"`
	Currency     string `json:"currency"`
	Total        int64  `json:"total"`
	CreatedAt    string `json:"createdAt"`
}

type orderResponse struct {
	Order   orderPayload `json:"order"`
	Warning string       `json:"warning,omitempty"`
}

type orderPayload struct {
	ID             string             `json:"id"`
	Code           string             `json:"code"`
	CustomerID     string             `json:"customerId"`
	Status         string             `json:"status"`
	StatusCode     int                `json:"statusCode"`
	RefundStatus   string             `json:"refundStatus"`
	Currency       string             `json:"currency"`
	Subtotal       int64              `json:"subtotal"`
	ShippingFee    int64              `json:"shippingFee"`
	Discount       int64              `json:"discount"`
	TransactionFee int64              `json:"transactionFee"`
	Total          int64              `json:"total"`
	PaidByWallet   int64              `json:"paidByWallet"`
	PaidByExternal int64              `json:"paidByExternal"`
	PaymentMethod  string             `json:"paymentMethod,omitempty"`
	Items          []orderItemPayload `json:"items"`
	CancelReason   *string            `json:"cancelReason,omitempty"`
	CreatedAt      string             `json:"createdAt"`
	UpdatedAt      string             `json:"updatedAt,omitempty"`
	ConfirmedAt    string             `json:"confirmedAt,omitempty"`
	ShippedAt      string             `json:"shippedAt,omitempty"`
	DeliveredAt    string             `json:"deliveredAt,omitempty"`
	CompletedAt    string             `json:"completedAt,omitempty"`
	CancelledAt    string             `json:"cancelledAt,omitempty"`
}

type orderItemPayload struct {
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unitPrice"`
	Quantity  int    `json:"quantity"`
}

type orderHistoryResponse struct {
	Items []orderHistoryPayload `json:"items"`
}

type orderHistoryPayload struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	StatusCode int    `json:"statusCode"`
	ActorID    string `json:"actorId,omitempty"`
	Note       string `json:"note,omitempty"`
	ChangedAt  string `json:"changedAt"`
}

func buildOrderListResponse(page domain.CursorPage[domain.Order]) orderListResponse {
	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, orderSummaryPayload{
			ID:           order.ID,
			Code:         order.Code,
			Status:       order.Status.String(),
			StatusCode:   int(order.Status),
			RefundStatus: string(order.RefundStatus),
			Currency:     order.Currency,
			Total:        order.TotalAmount,
			CreatedAt:    formatTime(order.CreatedAt),
		})
	}
	return orderListResponse{
		Items:         items,
		NextPageToken: encodePageToken(page.NextPageToken),
	}
}

func buildOrderPayload(order domain.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload(item))
	}
	return orderPayload{
		ID:             order.ID,
		Code:           order.Code,
		CustomerID:     order.CustomerID,
		Status:         order.Status.String(),
		StatusCode:     int(order.Status),
		RefundStatus:   string(order.RefundStatus),
		Currency:       order.Currency,
		Subtotal:       order.Subtotal,
		ShippingFee:    order.ShippingFee,
		Discount:       order.Discount,
		TransactionFee: order.TransactionFee,
		Total:          order.TotalAmount,
		PaidByWallet:   order.PaidByWallet,
		PaidByExternal: order.PaidByExternal,
		PaymentMethod:  order.PaymentMethod,
		Items:          items,
		CancelReason:   order.CancelReason,
		CreatedAt:      formatTime(order.CreatedAt),
		UpdatedAt:      formatTime(order.UpdatedAt),
		ConfirmedAt:    formatTimePtr(order.ConfirmedAt),
		ShippedAt:      formatTimePtr(order.ShippedAt),
		DeliveredAt:    formatTimePtr(order.DeliveredAt),
		CompletedAt:    formatTimePtr(order.CompletedAt),
		CancelledAt:    formatTimePtr(order.CancelledAt),
	}
}

func buildHistoryResponse(entries []domain.OrderStatusHistory) orderHistoryResponse {
	items := make([]orderHistoryPayload, 0, len(entries))
	for _, entry := range entries {
		items = append(items, orderHistoryPayload{
			ID:         entry.ID,
			Status:     entry.Status.String(),
			StatusCode: int(entry.Status),
			ActorID:    entry.ActorID,
			Note:       entry.Note,
			ChangedAt:  formatTime(entry.ChangedAt),
		})
	}
	return orderHistoryResponse{Items: items}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrMissingReason):
		httpx.WriteError(ctx, w, httpx.NewError("missing_reason", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
