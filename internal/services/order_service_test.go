package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/meadowmart/api/internal/domain"
)

type stubOrderRepo struct {
	insertFn    func(ctx context.Context, order domain.Order) error
	updateFn    func(ctx context.Context, order domain.Order) error
	findByIDFn  func(ctx context.Context, orderID string) (domain.Order, error)
	findByKeyFn func(ctx context.Context, key string) (domain.Order, error)
	listFn      func(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	historyFn   func(ctx context.Context, orderID string) ([]domain.OrderStatusHistory, error)

	inserted []domain.Order
	updated  []domain.Order
	appended []domain.OrderStatusHistory
}

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	s.inserted = append(s.inserted, order)
	if s.insertFn != nil {
		return s.insertFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) Update(ctx context.Context, order domain.Order) error {
	s.updated = append(s.updated, order)
	if s.updateFn != nil {
		return s.updateFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findByIDFn != nil {
		return s.findByIDFn(ctx, orderID)
	}
	return domain.Order{}, stubRepoError{notFound: true}
}

func (s *stubOrderRepo) FindByIdempotencyKey(ctx context.Context, key string) (domain.Order, error) {
	if s.findByKeyFn != nil {
		return s.findByKeyFn(ctx, key)
	}
	return domain.Order{}, stubRepoError{notFound: true}
}

func (s *stubOrderRepo) AppendHistory(ctx context.Context, entry domain.OrderStatusHistory) error {
	s.appended = append(s.appended, entry)
	return nil
}

func (s *stubOrderRepo) ListHistory(ctx context.Context, orderID string) ([]domain.OrderStatusHistory, error) {
	if s.historyFn != nil {
		return s.historyFn(ctx, orderID)
	}
	return nil, nil
}

func (s *stubOrderRepo) List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

type stubCounterRepo struct {
	nextFn func(ctx context.Context, counterID string, step int64) (int64, error)
}

func (s *stubCounterRepo) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if s.nextFn != nil {
		return s.nextFn(ctx, counterID, step)
	}
	return 7, nil
}

type stubDispatcher struct {
	dispatchFn func(ctx context.Context, req DispatchRequest) (DispatchResult, error)
	calls      int
}

func (s *stubDispatcher) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	s.calls++
	if s.dispatchFn != nil {
		return s.dispatchFn(ctx, req)
	}
	return DispatchResult{TrackingCode: "TRACK123", Carrier: "ghn"}, nil
}

type stubEventPublisher struct {
	publishFn func(ctx context.Context, msg OrderEventMessage) (string, error)
	published []OrderEventMessage
}

func (s *stubEventPublisher) PublishOrderEvent(ctx context.Context, msg OrderEventMessage) (string, error) {
	s.published = append(s.published, msg)
	if s.publishFn != nil {
		return s.publishFn(ctx, msg)
	}
	return "srv-1", nil
}

func newOrderServiceForTest(t *testing.T, repo *stubOrderRepo, opts ...func(*OrderServiceDeps)) OrderService {
	t.Helper()

	deps := OrderServiceDeps{
		Orders:      repo,
		Counters:    &stubCounterRepo{},
		Clock:       fixedClock(time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)),
		IDGenerator: func() string { return "TESTID" },
	}
	for _, opt := range opts {
		opt(&deps)
	}

	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	return svc
}

func validCreateCommand() CreateOrderCommand {
	return CreateOrderCommand{
		CustomerID:     "cust_1",
		Currency:       "VND",
		Items:          []domain.OrderLine{{SKU: "sku-1", Name: "Ceramic mug", UnitPrice: 150_000, Quantity: 3}},
		Subtotal:       450_000,
		ShippingFee:    70_000,
		Discount:       20_000,
		TransactionFee: 10_000,
		TotalAmount:    510_000,
		PaidByWallet:   200_000,
		PaidByExternal: 310_000,
		PaymentMethod:  "gateway",
		IdempotencyKey: "idem-1",
		ActorID:        "cust_1",
	}
}

func TestOrderServiceCreateOrderWritesOrderAndCreationHistory(t *testing.T) {
	repo := &stubOrderRepo{}
	svc := newOrderServiceForTest(t, repo)

	order, err := svc.CreateOrder(context.Background(), validCreateCommand())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending, got %s", order.Status)
	}
	if order.RefundStatus != domain.RefundStatusNone {
		t.Fatalf("expected refund status none, got %s", order.RefundStatus)
	}
	if order.Code != "MM-2026-000007" {
		t.Fatalf("unexpected order code %s", order.Code)
	}
	if !strings.HasPrefix(order.ID, "ord_") {
		t.Fatalf("unexpected order id %s", order.ID)
	}
	if len(repo.inserted) != 1 {
		t.Fatalf("expected 1 insert, got %d", len(repo.inserted))
	}
	if len(repo.appended) != 1 {
		t.Fatalf("expected creation history row, got %d", len(repo.appended))
	}
	if repo.appended[0].Status != domain.OrderStatusPending {
		t.Fatalf("creation history status = %s", repo.appended[0].Status)
	}
}

func TestOrderServiceCreateOrderReplaysIdempotencyKey(t *testing.T) {
	existing := domain.Order{ID: "ord_EXISTING", IdempotencyKey: "idem-1", Status: domain.OrderStatusPending}
	repo := &stubOrderRepo{
		findByKeyFn: func(_ context.Context, key string) (domain.Order, error) {
			if key == "idem-1" {
				return existing, nil
			}
			return domain.Order{}, stubRepoError{notFound: true}
		},
	}
	svc := newOrderServiceForTest(t, repo)

	order, err := svc.CreateOrder(context.Background(), validCreateCommand())
	if err != nil {
		t.Fatalf("CreateOrder replay: %v", err)
	}
	if order.ID != "ord_EXISTING" {
		t.Fatalf("expected existing order, got %s", order.ID)
	}
	if len(repo.inserted) != 0 {
		t.Fatal("replay must not insert a second order")
	}
}

func TestOrderServiceCreateOrderRejectsMismatchedSplit(t *testing.T) {
	svc := newOrderServiceForTest(t, &stubOrderRepo{})

	cmd := validCreateCommand()
	cmd.PaidByWallet = 100_000
	_, err := svc.CreateOrder(context.Background(), cmd)
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func orderInStatus(status domain.OrderStatus) domain.Order {
	return domain.Order{
		ID:          "ord_1",
		Code:        "MM-2026-000001",
		CustomerID:  "cust_1",
		Status:      status,
		TotalAmount: 510_000,
	}
}

func TestOrderServiceTransitionForwardAppendsHistory(t *testing.T) {
	repo := &stubOrderRepo{
		findByIDFn: func(context.Context, string) (domain.Order, error) {
			return orderInStatus(domain.OrderStatusShipped), nil
		},
	}
	svc := newOrderServiceForTest(t, repo)

	order, warning, err := svc.TransitionStatus(context.Background(), OrderTransitionCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusDelivered,
		ActorID:      "staff_1",
	})
	if err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if warning != "" {
		t.Fatalf("unexpected warning %q", warning)
	}
	if order.Status != domain.OrderStatusDelivered {
		t.Fatalf("expected delivered, got %s", order.Status)
	}
	if order.DeliveredAt == nil {
		t.Fatal("expected DeliveredAt stamp")
	}
	if len(repo.appended) != 1 {
		t.Fatalf("expected 1 history row, got %d", len(repo.appended))
	}
	if repo.appended[0].Note == "" {
		t.Fatal("expected auto-generated note")
	}
}

func TestOrderServiceTransitionRejectsBackwardMove(t *testing.T) {
	repo := &stubOrderRepo{
		findByIDFn: func(context.Context, string) (domain.Order, error) {
			return orderInStatus(domain.OrderStatusShipped), nil
		},
	}
	svc := newOrderServiceForTest(t, repo)

	_, _, err := svc.TransitionStatus(context.Background(), OrderTransitionCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusConfirmed,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if len(repo.updated) != 0 {
		t.Fatal("rejected transition must not write")
	}
}

func TestOrderServiceTransitionRejectsTerminalStates(t *testing.T) {
	for _, status := range []domain.OrderStatus{domain.OrderStatusCompleted, domain.OrderStatusCancelled} {
		repo := &stubOrderRepo{
			findByIDFn: func(context.Context, string) (domain.Order, error) {
				return orderInStatus(status), nil
			},
		}
		svc := newOrderServiceForTest(t, repo)

		_, _, err := svc.TransitionStatus(context.Background(), OrderTransitionCommand{
			OrderID:      "ord_1",
			TargetStatus: domain.OrderStatusCompleted,
			Note:         "force",
		})
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("from %s: expected ErrInvalidTransition, got %v", status, err)
		}
	}
}

// contendedUnitOfWork models a transaction that lost the commit race: the
// concurrent writer's effect lands before fn runs, which is what a Firestore
// retry observes after a conflicting commit.
type contendedUnitOfWork struct {
	before func()
}

func (u *contendedUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	if u.before != nil {
		u.before()
	}
	return fn(ctx)
}

func TestOrderServiceTransitionRevalidatesAgainstCommittedState(t *testing.T) {
	stored := orderInStatus(domain.OrderStatusPending)
	repo := &stubOrderRepo{
		findByIDFn: func(context.Context, string) (domain.Order, error) {
			return stored, nil
		},
	}
	svc := newOrderServiceForTest(t, repo, func(deps *OrderServiceDeps) {
		deps.UnitOfWork = &contendedUnitOfWork{
			before: func() {
				confirmed := stored
				confirmed.Status = domain.OrderStatusConfirmed
				stored = confirmed
			},
		}
	})

	// Both writers saw the order Pending; the confirm committed first, so the
	// cancel must fail validation instead of overwriting it.
	_, _, err := svc.TransitionStatus(context.Background(), OrderTransitionCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusCancelled,
		ActorID:      "cust_1",
		Note:         "changed my mind",
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if len(repo.updated) != 0 {
		t.Fatalf("losing transition must not write, got %d updates", len(repo.updated))
	}
	if len(repo.appended) != 0 {
		t.Fatalf("losing transition must not append history, got %d rows", len(repo.appended))
	}
	if stored.Status != domain.OrderStatusConfirmed {
		t.Fatalf("committed status must stand, got %s", stored.Status)
	}
}

func TestOrderServiceCancelOnlyFromPending(t *testing.T) {
	repo := &stubOrderRepo{
		findByIDFn: func(context.Context, string) (domain.Order, error) {
			return orderInStatus(domain.OrderStatusConfirmed), nil
		},
	}
	svc := newOrderServiceForTest(t, repo)

	_, _, err := svc.TransitionStatus(context.Background(), OrderTransitionCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusCancelled,
		Note:         "changed my mind",
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestOrderServiceCancelRequiresReason(t *testing.T) {
	repo := &stubOrderRepo{
		findByIDFn: func(context.Context, string) (domain.Order, error) {
			return orderInStatus(domain.OrderStatusPending), nil
		},
	}
	svc := newOrderServiceForTest(t, repo)

	_, _, err := svc.TransitionStatus(context.Background(), OrderTransitionCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusCancelled,
	})
	if !errors.Is(err, ErrMissingReason) {
		t.Fatalf("expected ErrMissingReason, got %v", err)
	}
}

func TestOrderServiceCustomerCancelFillsDefaultReason(t *testing.T) {
	repo := &stubOrderRepo{
		findByIDFn: func(context.Context, string) (domain.Order, error) {
			return orderInStatus(domain.OrderStatusPending), nil
		},
	}
	svc := newOrderServiceForTest(t, repo)

	order, err := svc.Cancel(context.Background(), CancelOrderCommand{
		OrderID:           "ord_1",
		ActorID:           "cust_1",
		CustomerInitiated: true,
	})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", order.Status)
	}
	if order.CancelReason == nil || *order.CancelReason != "cancelled by customer" {
		t.Fatalf("expected default reason, got %v", order.CancelReason)
	}
}

func TestOrderServiceCustomerCancelRejectsForeignOrder(t *testing.T) {
	repo := &stubOrderRepo{
		findByIDFn: func(context.Context, string) (domain.Order, error) {
			return orderInStatus(domain.OrderStatusPending), nil
		},
	}
	svc := newOrderServiceForTest(t, repo)

	_, err := svc.Cancel(context.Background(), CancelOrderCommand{
		OrderID:           "ord_1",
		ActorID:           "cust_2",
		CustomerInitiated: true,
	})
	if !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden, got %v", err)
	}
}

func TestOrderServiceConfirmDispatchFailureIsWarning(t *testing.T) {
	repo := &stubOrderRepo{
		findByIDFn: func(context.Context, string) (domain.Order, error) {
			return orderInStatus(domain.OrderStatusPending), nil
		},
	}
	dispatcher := &stubDispatcher{
		dispatchFn: func(context.Context, DispatchRequest) (DispatchResult, error) {
			return DispatchResult{}, errors.New("carrier timeout")
		},
	}
	svc := newOrderServiceForTest(t, repo, func(deps *OrderServiceDeps) {
		deps.Dispatcher = dispatcher
	})

	order, warning, err := svc.TransitionStatus(context.Background(), OrderTransitionCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusConfirmed,
		ActorID:      "staff_1",
	})
	if err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if order.Status != domain.OrderStatusConfirmed {
		t.Fatalf("transition must commit despite dispatch failure, got %s", order.Status)
	}
	if warning == "" || !strings.Contains(warning, "carrier timeout") {
		t.Fatalf("expected dispatch warning, got %q", warning)
	}
	if len(repo.updated) != 1 {
		t.Fatalf("expected committed update, got %d", len(repo.updated))
	}
}

func TestOrderServiceConfirmTriggersDispatch(t *testing.T) {
	repo := &stubOrderRepo{
		findByIDFn: func(context.Context, string) (domain.Order, error) {
			return orderInStatus(domain.OrderStatusPending), nil
		},
	}
	dispatcher := &stubDispatcher{}
	svc := newOrderServiceForTest(t, repo, func(deps *OrderServiceDeps) {
		deps.Dispatcher = dispatcher
	})

	if _, _, err := svc.TransitionStatus(context.Background(), OrderTransitionCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusConfirmed,
	}); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if dispatcher.calls != 1 {
		t.Fatalf("expected 1 dispatch call, got %d", dispatcher.calls)
	}
}

func TestOrderServicePublishFailureDoesNotFailTransition(t *testing.T) {
	repo := &stubOrderRepo{
		findByIDFn: func(context.Context, string) (domain.Order, error) {
			return orderInStatus(domain.OrderStatusDelivered), nil
		},
	}
	publisher := &stubEventPublisher{
		publishFn: func(context.Context, OrderEventMessage) (string, error) {
			return "", errors.New("broker unavailable")
		},
	}
	svc := newOrderServiceForTest(t, repo, func(deps *OrderServiceDeps) {
		deps.Events = publisher
	})

	order, _, err := svc.TransitionStatus(context.Background(), OrderTransitionCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusCompleted,
	})
	if err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if order.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected completed, got %s", order.Status)
	}
}

func TestOrderServiceSetRefundAnnotationRequiresCompletedOrder(t *testing.T) {
	repo := &stubOrderRepo{
		findByIDFn: func(context.Context, string) (domain.Order, error) {
			return orderInStatus(domain.OrderStatusShipped), nil
		},
	}
	svc := newOrderServiceForTest(t, repo)

	_, err := svc.SetRefundAnnotation(context.Background(), "ord_1", domain.RefundStatusRequested, time.Now())
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func TestOrderServiceSetRefundAnnotationUpdatesAxis(t *testing.T) {
	repo := &stubOrderRepo{
		findByIDFn: func(context.Context, string) (domain.Order, error) {
			return orderInStatus(domain.OrderStatusCompleted), nil
		},
	}
	svc := newOrderServiceForTest(t, repo)

	order, err := svc.SetRefundAnnotation(context.Background(), "ord_1", domain.RefundStatusRequested, time.Now())
	if err != nil {
		t.Fatalf("SetRefundAnnotation: %v", err)
	}
	if order.RefundStatus != domain.RefundStatusRequested {
		t.Fatalf("expected requested, got %s", order.RefundStatus)
	}
	if order.Status != domain.OrderStatusCompleted {
		t.Fatalf("lifecycle status must not change, got %s", order.Status)
	}
}
