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

// AdminHandlers exposes staff-only order and refund operations.
type AdminHandlers struct {
	orders  services.OrderService
	refunds services.RefundService
	wallets services.WalletService
}

// NewAdminHandlers constructs a new AdminHandlers instance.
func NewAdminHandlers(orders services.OrderService, refunds services.RefundService) *AdminHandlers {
	return &AdminHandlers{
		orders:  orders,
		refunds: refunds,
	}
}

// WithWalletAudit enables the ledger audit endpoint over the wallet service.
func (h *AdminHandlers) WithWalletAudit(wallets services.WalletService) *AdminHandlers {
	h.wallets = wallets
	return h
}

// Routes registers the /admin endpoints.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{orderID}", h.getOrder)
	r.Get("/orders/{orderID}/history", h.listHistory)
	r.Post("/orders/{orderID}:transition", h.transitionOrder)
	r.Get("/orders/{orderID}/refunds", h.listRefunds)
	r.Post("/refunds/{refundID}:process", h.processRefund)
	r.Get("/wallets/{accountID}/audit", h.auditWallet)
}

func (h *AdminHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	if _, ok := requireStaff(w, r); !ok {
		return
	}

	pager, ok := parsePager(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	filter := services.OrderListFilter{
		CustomerID: strings.TrimSpace(query.Get("customerId")),
		Pagination: pager,
	}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
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

func (h *AdminHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	if _, ok := requireStaff(w, r); !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) listHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	if _, ok := requireStaff(w, r); !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	entries, err := h.orders.ListHistory(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildHistoryResponse(entries))
}

type transitionOrderRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

// transitionOrder moves the lifecycle forward. A warning in the response
// marks a committed transition whose side effect failed, such as a carrier
// dispatch that must be retried manually.
func (h *AdminHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, ok := requireStaff(w, r)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req transitionOrderRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	status, ok := domain.ParseOrderStatus(req.Status)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a valid order status", http.StatusBadRequest))
		return
	}

	order, warning, err := h.orders.TransitionStatus(ctx, services.OrderTransitionCommand{
		OrderID:      orderID,
		TargetStatus: status,
		ActorID:      actor.ID,
		Note:         req.Note,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{
		Order:   buildOrderPayload(order),
		Warning: warning,
	})
}

func (h *AdminHandlers) listRefunds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.refunds == nil {
		httpx.WriteError(ctx, w, httpx.NewError("refund_service_unavailable", "refund service unavailable", http.StatusServiceUnavailable))
		return
	}

	if _, ok := requireStaff(w, r); !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	refunds, err := h.refunds.ListByOrder(ctx, orderID)
	if err != nil {
		writeRefundError(ctx, w, err)
		return
	}

	items := make([]refundPayload, 0, len(refunds))
	for _, refund := range refunds {
		items = append(items, buildRefundPayload(refund))
	}
	writeJSONResponse(w, http.StatusOK, refundListResponse{Items: items})
}

type processRefundRequest struct {
	Approve bool   `json:"approve"`
	Note    string `json:"note"`
}

func (h *AdminHandlers) processRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.refunds == nil {
		httpx.WriteError(ctx, w, httpx.NewError("refund_service_unavailable", "refund service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, ok := requireStaff(w, r)
	if !ok {
		return
	}

	refundID := strings.TrimSpace(chi.URLParam(r, "refundID"))
	if refundID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "refund id is required", http.StatusBadRequest))
		return
	}

	var req processRefundRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	refund, err := h.refunds.Process(ctx, services.ProcessRefundCommand{
		RefundID: refundID,
		Approve:  req.Approve,
		Note:     req.Note,
		ActorID:  actor.ID,
	})
	if err != nil {
		writeRefundError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, refundResponse{Refund: buildRefundPayload(refund)})
}

// auditWallet recomputes a wallet balance from its ledger so staff can check
// the snapshot against the entries.
func (h *AdminHandlers) auditWallet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.wallets == nil {
		httpx.WriteError(ctx, w, httpx.NewError("wallet_service_unavailable", "wallet service unavailable", http.StatusServiceUnavailable))
		return
	}

	if _, ok := requireStaff(w, r); !ok {
		return
	}

	accountID := strings.TrimSpace(chi.URLParam(r, "accountID"))
	if accountID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "account id is required", http.StatusBadRequest))
		return
	}

	replay, err := h.wallets.Replay(ctx, accountID)
	if err != nil {
		writeWalletError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, walletAuditResponse{
		WalletID:        replay.WalletID,
		RecordedBalance: replay.RecordedBalance,
		ComputedBalance: replay.ComputedBalance,
		Drift:           replay.Drift,
		Entries:         replay.Entries,
	})
}

type walletAuditResponse struct {
	WalletID        string `json:"walletId"`
	RecordedBalance int64  `json:"recordedBalance"`
	ComputedBalance int64  `json:"computedBalance"`
	Drift           int64  `json:"drift"`
	Entries         int    `json:"entries"`
}

type refundResponse struct {
	Refund refundPayload `json:"refund"`
}

type refundListResponse struct {
	Items []refundPayload `json:"items"`
}

type refundPayload struct {
	ID          string `json:"id"`
	OrderID     string `json:"orderId"`
	AccountID   string `json:"accountId"`
	Amount      int64  `json:"amount"`
	Mode        string `json:"mode"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	Note        string `json:"note,omitempty"`
	RequestedBy string `json:"requestedBy,omitempty"`
	ApprovedBy  string `json:"approvedBy,omitempty"`
	ApprovedAt  string `json:"approvedAt,omitempty"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}

func buildRefundPayload(refund domain.RefundRequest) refundPayload {
	payload := refundPayload{
		ID:          refund.ID,
		OrderID:     refund.OrderID,
		AccountID:   refund.AccountID,
		Amount:      refund.Amount,
		Mode:        string(refund.Mode),
		Status:      string(refund.Status),
		Reason:      refund.Reason,
		Note:        refund.Note,
		RequestedBy: refund.RequestedBy,
		CreatedAt:   formatTime(refund.CreatedAt),
		UpdatedAt:   formatTime(refund.UpdatedAt),
	}
	if refund.ApprovedBy != nil {
		payload.ApprovedBy = *refund.ApprovedBy
	}
	if refund.ApprovedAt != nil {
		payload.ApprovedAt = formatTime(*refund.ApprovedAt)
	}
	return payload
}

func writeRefundError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrRefundInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrRefundMissingNote):
		httpx.WriteError(ctx, w, httpx.NewError("missing_note", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrRefundNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("refund_not_found", "refund not found", http.StatusNotFound))
	case errors.Is(err, services.ErrRefundNotEligible):
		httpx.WriteError(ctx, w, httpx.NewError("refund_not_eligible", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrRefundAmountExceedsOrder):
		httpx.WriteError(ctx, w, httpx.NewError("amount_exceeds_order", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrRefundConflict):
		httpx.WriteError(ctx, w, httpx.NewError("refund_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("refund_error", "failed to process refund request", http.StatusInternalServerError))
	}
}
