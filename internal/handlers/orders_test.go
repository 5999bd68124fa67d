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

	domain "github.com/meadowmart/api/internal/domain"
	"github.com/meadowmart/api/internal/services"
)

type stubOrderService struct {
	createFn     func(context.Context, services.CreateOrderCommand) (services.Order, error)
	getFn        func(context.Context, string) (services.Order, error)
	byKeyFn      func(context.Context, string) (services.Order, error)
	listFn       func(context.Context, services.OrderListFilter) (domain.CursorPage[services.Order], error)
	historyFn    func(context.Context, string) ([]services.OrderStatusHistory, error)
	transitionFn func(context.Context, services.OrderTransitionCommand) (services.Order, string, error)
	cancelFn     func(context.Context, services.CancelOrderCommand) (services.Order, error)
	annotateFn   func(context.Context, string, services.RefundStatus, time.Time) (services.Order, error)
}

func (s *stubOrderService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) FindByIdempotencyKey(ctx context.Context, key string) (services.Order, error) {
	if s.byKeyFn != nil {
		return s.byKeyFn(ctx, key)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubOrderService) ListHistory(ctx context.Context, orderID string) ([]services.OrderStatusHistory, error) {
	if s.historyFn != nil {
		return s.historyFn(ctx, orderID)
	}
	return nil, nil
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.OrderTransitionCommand) (services.Order, string, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return services.Order{}, "", errors.New("not implemented")
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) SetRefundAnnotation(ctx context.Context, orderID string, status services.RefundStatus, at time.Time) (services.Order, error) {
	if s.annotateFn != nil {
		return s.annotateFn(ctx, orderID, status, at)
	}
	return services.Order{}, errors.New("not implemented")
}

type stubRefundService struct {
	requestFn func(context.Context, services.RequestRefundCommand) (services.RefundRequest, error)
	processFn func(context.Context, services.ProcessRefundCommand) (services.RefundRequest, error)
	getFn     func(context.Context, string) (services.RefundRequest, error)
	byOrderFn func(context.Context, string) ([]services.RefundRequest, error)
}

func (s *stubRefundService) Request(ctx context.Context, cmd services.RequestRefundCommand) (services.RefundRequest, error) {
	if s.requestFn != nil {
		return s.requestFn(ctx, cmd)
	}
	return services.RefundRequest{}, errors.New("not implemented")
}

func (s *stubRefundService) Process(ctx context.Context, cmd services.ProcessRefundCommand) (services.RefundRequest, error) {
	if s.processFn != nil {
		return s.processFn(ctx, cmd)
	}
	return services.RefundRequest{}, errors.New("not implemented")
}

func (s *stubRefundService) GetRefund(ctx context.Context, refundID string) (services.RefundRequest, error) {
	if s.getFn != nil {
		return s.getFn(ctx, refundID)
	}
	return services.RefundRequest{}, errors.New("not implemented")
}

func (s *stubRefundService) ListByOrder(ctx context.Context, orderID string) ([]services.RefundRequest, error) {
	if s.byOrderFn != nil {
		return s.byOrderFn(ctx, orderID)
	}
	return nil, nil
}

func testOrder(id, customerID string, status domain.OrderStatus) services.Order {
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	return services.Order{
		ID:             id,
		Code:           "MM-2026-000042",
		CustomerID:     customerID,
		Status:         status,
		Currency:       "VND",
		Subtotal:       450000,
		ShippingFee:    70000,
		Discount:       20000,
		TransactionFee: 10000,
		TotalAmount:    510000,
		PaidByWallet:   200000,
		PaidByExternal: 310000,
		PaymentMethod:  "gateway",
		RefundStatus:   domain.RefundStatusNone,
		Items: []services.OrderLine{
			{SKU: "sku-1", Name: "Ceramic mug", UnitPrice: 150000, Quantity: 3},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestOrderHandlersListOrdersFiltersByStatus(t *testing.T) {
	var captured services.OrderListFilter
	service := &stubOrderService{
		listFn: func(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
			captured = filter
			return domain.CursorPage[services.Order]{
				Items:         []services.Order{testOrder("ord_1", "cust-1", domain.OrderStatusShipped)},
				NextPageToken: "2026-04-02T10:00:00Z",
			}, nil
		},
	}

	handler := NewOrderHandlers(service, &stubRefundService{})
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := withCustomer(httptest.NewRequest(http.MethodGet, "/orders?status=shipped&pageSize=10", nil), "cust-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.CustomerID != "cust-1" {
		t.Fatalf("expected filter scoped to actor, got %s", captured.CustomerID)
	}
	if captured.Status == nil || *captured.Status != domain.OrderStatusShipped {
		t.Fatalf("expected shipped status filter, got %#v", captured.Status)
	}
	if captured.Pagination.PageSize != 10 {
		t.Fatalf("expected page size 10, got %d", captured.Pagination.PageSize)
	}

	var resp orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Items) != 1 {
		t.Fatalf("expected 1 order, got %d", len(resp.Items))
	}
	item := resp.Items[0]
	if item.ID != "ord_1" || item.Code != "MM-2026-000042" {
		t.Fatalf("unexpected order summary: %#v", item)
	}
	if item.Status != "shipped" || item.StatusCode != 3 {
		t.Fatalf("unexpected status fields: %#v", item)
	}
	if resp.NextPageToken == "" {
		t.Fatalf("expected encoded next page token")
	}
}

func TestOrderHandlersListOrdersInvalidStatus(t *testing.T) {
	handler := NewOrderHandlers(&stubOrderService{}, &stubRefundService{})
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := withCustomer(httptest.NewRequest(http.MethodGet, "/orders?status=bogus", nil), "cust-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestOrderHandlersGetOrderHidesForeignOrder(t *testing.T) {
	service := &stubOrderService{
		getFn: func(ctx context.Context, orderID string) (services.Order, error) {
			return testOrder(orderID, "cust-2", domain.OrderStatusPending), nil
		},
	}

	handler := NewOrderHandlers(service, &stubRefundService{})
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := withCustomer(httptest.NewRequest(http.MethodGet, "/orders/ord_1", nil), "cust-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for foreign order, got %d", rr.Code)
	}
}

func TestOrderHandlersGetOrderSuccess(t *testing.T) {
	service := &stubOrderService{
		getFn: func(ctx context.Context, orderID string) (services.Order, error) {
			return testOrder(orderID, "cust-1", domain.OrderStatusConfirmed), nil
		},
	}

	handler := NewOrderHandlers(service, &stubRefundService{})
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := withCustomer(httptest.NewRequest(http.MethodGet, "/orders/ord_1", nil), "cust-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Order.Total != 510000 || resp.Order.PaidByWallet != 200000 {
		t.Fatalf("unexpected totals: %#v", resp.Order)
	}
	if len(resp.Order.Items) != 1 || resp.Order.Items[0].SKU != "sku-1" {
		t.Fatalf("unexpected items: %#v", resp.Order.Items)
	}
}

func TestOrderHandlersListHistory(t *testing.T) {
	service := &stubOrderService{
		getFn: func(ctx context.Context, orderID string) (services.Order, error) {
			return testOrder(orderID, "cust-1", domain.OrderStatusConfirmed), nil
		},
		historyFn: func(ctx context.Context, orderID string) ([]services.OrderStatusHistory, error) {
			return []services.OrderStatusHistory{
				{ID: "hist_1", OrderID: orderID, Status: domain.OrderStatusPending, Note: "order created", ChangedAt: time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)},
				{ID: "hist_2", OrderID: orderID, Status: domain.OrderStatusConfirmed, Note: "status changed from pending to confirmed", ChangedAt: time.Date(2026, 4, 2, 11, 0, 0, 0, time.UTC)},
			}, nil
		},
	}

	handler := NewOrderHandlers(service, &stubRefundService{})
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := withCustomer(httptest.NewRequest(http.MethodGet, "/orders/ord_1/history", nil), "cust-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp orderHistoryResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Items) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(resp.Items))
	}
	if resp.Items[1].Status != "confirmed" || resp.Items[1].StatusCode != 2 {
		t.Fatalf("unexpected history row: %#v", resp.Items[1])
	}
}

func TestOrderHandlersCancelOrder(t *testing.T) {
	var captured services.CancelOrderCommand
	service := &stubOrderService{
		cancelFn: func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			captured = cmd
			order := testOrder(cmd.OrderID, "cust-1", domain.OrderStatusCancelled)
			reason := cmd.Reason
			order.CancelReason = &reason
			return order, nil
		},
	}

	handler := NewOrderHandlers(service, &stubRefundService{})
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	body := bytes.NewBufferString(`{"reason":"changed my mind"}`)
	req := withCustomer(httptest.NewRequest(http.MethodPost, "/orders/ord_1:cancel", body), "cust-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !captured.CustomerInitiated {
		t.Fatalf("expected customer initiated cancel")
	}
	if captured.OrderID != "ord_1" || captured.Reason != "changed my mind" {
		t.Fatalf("unexpected command: %#v", captured)
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Order.Status != "cancelled" {
		t.Fatalf("expected cancelled order, got %s", resp.Order.Status)
	}
}

func TestOrderHandlersCancelOrderInvalidTransition(t *testing.T) {
	service := &stubOrderService{
		cancelFn: func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			return services.Order{}, services.ErrInvalidTransition
		},
	}

	handler := NewOrderHandlers(service, &stubRefundService{})
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := withCustomer(httptest.NewRequest(http.MethodPost, "/orders/ord_1:cancel", bytes.NewBufferString(`{}`)), "cust-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

func TestOrderHandlersRequestRefundDefaultsToOrderTotal(t *testing.T) {
	var captured services.RequestRefundCommand
	orders := &stubOrderService{
		getFn: func(ctx context.Context, orderID string) (services.Order, error) {
			order := testOrder(orderID, "cust-1", domain.OrderStatusCompleted)
			return order, nil
		},
	}
	refunds := &stubRefundService{
		requestFn: func(ctx context.Context, cmd services.RequestRefundCommand) (services.RefundRequest, error) {
			captured = cmd
			return services.RefundRequest{
				ID:          "ref_1",
				OrderID:     cmd.OrderID,
				AccountID:   "cust-1",
				Amount:      cmd.Amount,
				Mode:        domain.RefundModeWallet,
				Status:      domain.RefundStatusRequested,
				Reason:      cmd.Reason,
				RequestedBy: cmd.ActorID,
				CreatedAt:   time.Date(2026, 4, 3, 9, 0, 0, 0, time.UTC),
			}, nil
		},
	}

	handler := NewOrderHandlers(orders, refunds)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	body := bytes.NewBufferString(`{"reason":"damaged on arrival"}`)
	req := withCustomer(httptest.NewRequest(http.MethodPost, "/orders/ord_1/refunds", body), "cust-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Amount != 510000 {
		t.Fatalf("expected refund amount to default to order total, got %d", captured.Amount)
	}
	if captured.Reason != "damaged on arrival" || captured.ActorID != "cust-1" {
		t.Fatalf("unexpected command: %#v", captured)
	}

	var resp refundResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Refund.ID != "ref_1" || resp.Refund.Status != "requested" {
		t.Fatalf("unexpected refund payload: %#v", resp.Refund)
	}
}

func TestOrderHandlersRequestRefundNotEligible(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(ctx context.Context, orderID string) (services.Order, error) {
			return testOrder(orderID, "cust-1", domain.OrderStatusShipped), nil
		},
	}
	refunds := &stubRefundService{
		requestFn: func(ctx context.Context, cmd services.RequestRefundCommand) (services.RefundRequest, error) {
			return services.RefundRequest{}, services.ErrRefundNotEligible
		},
	}

	handler := NewOrderHandlers(orders, refunds)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	body := bytes.NewBufferString(`{"reason":"late"}`)
	req := withCustomer(httptest.NewRequest(http.MethodPost, "/orders/ord_1/refunds", body), "cust-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}
