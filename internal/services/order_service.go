package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/meadowmart/api/internal/domain"
	"github.com/meadowmart/api/internal/repositories"
)

const (
	orderEventCreated         = "order.created"
	orderEventStatusChanged   = "order.status_changed"
	orderEventCancelled       = "order.cancelled"
	orderEventRefundAnnotated = "order.refund_annotated"

	orderIDPrefix   = "ord_"
	historyIDPrefix = "osh_"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderConflict indicates a concurrent write collided and the caller
	// should retry.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderForbidden indicates the actor may not act on this order.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrInvalidTransition rejects lifecycle moves the state machine does not
	// permit. The lifecycle only moves forward; cancellation is reachable from
	// the initial state alone.
	ErrInvalidTransition = errors.New("order: invalid status transition")
	// ErrMissingReason rejects cancellations that carry no explanation.
	ErrMissingReason = errors.New("order: cancellation reason is required")
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders     repositories.OrderRepository
	Counters   repositories.CounterRepository
	UnitOfWork repositories.UnitOfWork
	Dispatcher ShippingDispatcher
	Events     OrderEventPublisher

	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	counters   repositories.CounterRepository
	unitOfWork repositories.UnitOfWork
	dispatcher ShippingDispatcher
	events     OrderEventPublisher

	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
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

	return &orderService{
		orders:     deps.Orders,
		counters:   deps.Counters,
		unitOfWork: unit,
		dispatcher: deps.Dispatcher,
		events:     deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	if customerID == "" {
		return Order{}, fmt.Errorf("%w: customer id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return Order{}, fmt.Errorf("%w: at least one item is required", ErrOrderInvalidInput)
	}
	if cmd.TotalAmount <= 0 {
		return Order{}, fmt.Errorf("%w: total amount must be positive", ErrOrderInvalidInput)
	}
	if cmd.PaidByWallet < 0 || cmd.PaidByExternal < 0 {
		return Order{}, fmt.Errorf("%w: payment split must not be negative", ErrOrderInvalidInput)
	}
	if cmd.PaidByWallet+cmd.PaidByExternal != cmd.TotalAmount {
		return Order{}, fmt.Errorf("%w: payment split %d+%d does not cover total %d",
			ErrOrderInvalidInput, cmd.PaidByWallet, cmd.PaidByExternal, cmd.TotalAmount)
	}

	idempotencyKey := strings.TrimSpace(cmd.IdempotencyKey)
	if idempotencyKey != "" {
		existing, err := s.orders.FindByIdempotencyKey(ctx, idempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !isNotFound(err) {
			return Order{}, s.mapRepositoryError(err)
		}
	}

	now := s.clock()
	code, err := s.nextOrderCode(ctx, now)
	if err != nil {
		return Order{}, err
	}

	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	order := Order{
		ID:             orderIDPrefix + s.newID(),
		Code:           code,
		CustomerID:     customerID,
		Status:         domain.OrderStatusPending,
		Currency:       currency,
		Subtotal:       cmd.Subtotal,
		ShippingFee:    cmd.ShippingFee,
		Discount:       cmd.Discount,
		TransactionFee: cmd.TransactionFee,
		TotalAmount:    cmd.TotalAmount,
		PaidByWallet:   cmd.PaidByWallet,
		PaidByExternal: cmd.PaidByExternal,
		PaymentMethod:  strings.TrimSpace(cmd.PaymentMethod),
		RefundStatus:   domain.RefundStatusNone,
		IdempotencyKey: idempotencyKey,
		Items:          cmd.Items,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	entry := OrderStatusHistory{
		ID:        historyIDPrefix + s.newID(),
		OrderID:   order.ID,
		Status:    order.Status,
		ActorID:   strings.TrimSpace(cmd.ActorID),
		Note:      "order created",
		ChangedAt: now,
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return s.mapRepositoryError(s.orders.AppendHistory(txCtx, entry))
	})
	if err != nil {
		// A concurrent create with the same key lands here; hand back the
		// winner's order.
		if idempotencyKey != "" && errors.Is(err, ErrOrderConflict) {
			if existing, findErr := s.orders.FindByIdempotencyKey(ctx, idempotencyKey); findErr == nil {
				return existing, nil
			}
		}
		return Order{}, err
	}

	s.logger(ctx, orderEventCreated, map[string]any{
		"orderId":    order.ID,
		"orderCode":  order.Code,
		"customerId": order.CustomerID,
		"total":      order.TotalAmount,
	})
	s.publishEvent(ctx, orderEventCreated, order, entry.ActorID)

	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) FindByIdempotencyKey(ctx context.Context, key string) (Order, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Order{}, fmt.Errorf("%w: idempotency key is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) ListHistory(ctx context.Context, orderID string) ([]OrderStatusHistory, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if _, err := s.orders.FindByID(ctx, orderID); err != nil {
		return nil, s.mapRepositoryError(err)
	}
	entries, err := s.orders.ListHistory(ctx, orderID)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return entries, nil
}

// TransitionStatus commits a lifecycle move together with its audit row. The
// shipping dispatch triggered by a confirmation runs after the commit; its
// failure is reported as a warning, never as an error, so the committed state
// and the returned order always agree.
func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderTransitionCommand) (Order, string, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, "", fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !cmd.TargetStatus.Valid() {
		return Order{}, "", fmt.Errorf("%w: unknown status %d", ErrOrderInvalidInput, int(cmd.TargetStatus))
	}

	target := cmd.TargetStatus

	// The read joins the transaction, so a transition racing with another
	// writer retries and revalidates against the committed status instead of
	// overwriting it from a stale snapshot.
	var (
		order Order
		entry OrderStatusHistory
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}

		note := strings.TrimSpace(cmd.Note)
		if err := validateTransition(current.Status, target); err != nil {
			return err
		}
		if target == domain.OrderStatusCancelled && note == "" {
			return fmt.Errorf("%w: cancelling %s", ErrMissingReason, current.ID)
		}
		if note == "" {
			note = fmt.Sprintf("status changed from %s to %s", current.Status, target)
		}

		now := s.clock()
		order = current
		order.Status = target
		order.UpdatedAt = now
		stampTransition(&order, target, now, note)

		entry = OrderStatusHistory{
			ID:        historyIDPrefix + s.newID(),
			OrderID:   order.ID,
			Status:    target,
			ActorID:   strings.TrimSpace(cmd.ActorID),
			Note:      note,
			ChangedAt: now,
		}

		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return s.mapRepositoryError(s.orders.AppendHistory(txCtx, entry))
	})
	if err != nil {
		return Order{}, "", err
	}

	s.logger(ctx, orderEventStatusChanged, map[string]any{
		"orderId": order.ID,
		"status":  target.String(),
		"actorId": entry.ActorID,
	})

	var warning string
	if target == domain.OrderStatusConfirmed && s.dispatcher != nil {
		if _, dispatchErr := s.dispatcher.Dispatch(ctx, DispatchRequest{
			OrderID:   order.ID,
			OrderCode: order.Code,
		}); dispatchErr != nil {
			warning = fmt.Sprintf("shipping dispatch failed: %v", dispatchErr)
			s.logger(ctx, "order.dispatch_failed", map[string]any{
				"orderId": order.ID,
				"error":   dispatchErr.Error(),
			})
		}
	}

	eventType := orderEventStatusChanged
	if target == domain.OrderStatusCancelled {
		eventType = orderEventCancelled
	}
	s.publishEvent(ctx, eventType, order, entry.ActorID)

	return order, warning, nil
}

// Cancel is the customer-facing shortcut for the Pending to Cancelled move.
// Customer-initiated cancels are limited to the order's owner and receive a
// default reason when none is given; staff cancels must state one.
func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	reason := strings.TrimSpace(cmd.Reason)
	if cmd.CustomerInitiated {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return Order{}, s.mapRepositoryError(err)
		}
		if order.CustomerID != strings.TrimSpace(cmd.ActorID) {
			return Order{}, fmt.Errorf("%w: order belongs to another customer", ErrOrderForbidden)
		}
		if reason == "" {
			reason = "cancelled by customer"
		}
	}

	order, _, err := s.TransitionStatus(ctx, OrderTransitionCommand{
		OrderID:      orderID,
		TargetStatus: domain.OrderStatusCancelled,
		ActorID:      cmd.ActorID,
		Note:         reason,
	})
	return order, err
}

// SetRefundAnnotation updates the refund axis on a completed order without
// touching its lifecycle status.
func (s *orderService) SetRefundAnnotation(ctx context.Context, orderID string, status RefundStatus, at time.Time) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !status.Valid() {
		return Order{}, fmt.Errorf("%w: unknown refund status %q", ErrOrderInvalidInput, status)
	}

	var order Order
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if current.Status != domain.OrderStatusCompleted {
			return fmt.Errorf("%w: refund annotation requires a completed order, got %s",
				ErrOrderInvalidInput, current.Status)
		}

		current.RefundStatus = status
		current.UpdatedAt = at.UTC()
		if err := s.orders.Update(txCtx, current); err != nil {
			return s.mapRepositoryError(err)
		}
		order = current
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, orderEventRefundAnnotated, order, "")

	return order, nil
}

// validateTransition enforces the forward-only lifecycle. Cancellation is the
// only branch, reachable from Pending alone; forward skips are permitted so
// operators can fast-forward an order whose intermediate updates were missed.
func validateTransition(current, target domain.OrderStatus) error {
	if current.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, current)
	}
	if target == domain.OrderStatusCancelled {
		if current != domain.OrderStatusPending {
			return fmt.Errorf("%w: cannot cancel a %s order", ErrInvalidTransition, current)
		}
		return nil
	}
	if target <= current {
		return fmt.Errorf("%w: %s to %s moves backwards", ErrInvalidTransition, current, target)
	}
	return nil
}

func stampTransition(order *domain.Order, target domain.OrderStatus, now time.Time, note string) {
	switch target {
	case domain.OrderStatusConfirmed:
		order.ConfirmedAt = &now
	case domain.OrderStatusShipped:
		order.ShippedAt = &now
	case domain.OrderStatusDelivered:
		order.DeliveredAt = &now
	case domain.OrderStatusCompleted:
		order.CompletedAt = &now
	case domain.OrderStatusCancelled:
		order.CancelledAt = &now
		order.CancelReason = &note
	}
}

func (s *orderService) nextOrderCode(ctx context.Context, now time.Time) (string, error) {
	year := now.Year()
	seq, err := s.counters.Next(ctx, fmt.Sprintf("orders-%d", year), 1)
	if err != nil {
		return "", fmt.Errorf("order: allocate code: %w", s.mapRepositoryError(err))
	}
	return fmt.Sprintf("MM-%d-%06d", year, seq), nil
}

// publishEvent emits the lifecycle event and logs any failure. Delivery is
// best effort; a broker outage never rolls back a committed transition.
func (s *orderService) publishEvent(ctx context.Context, eventType string, order Order, actorID string) {
	if s.events == nil {
		return
	}

	message := OrderEventMessage{
		EventID:      "evt_" + s.newID(),
		Type:         eventType,
		OrderID:      order.ID,
		OrderCode:    order.Code,
		CustomerID:   order.CustomerID,
		Status:       order.Status.String(),
		RefundStatus: string(order.RefundStatus),
		ActorID:      actorID,
		OccurredAt:   s.clock(),
	}

	if _, err := s.events.PublishOrderEvent(ctx, message); err != nil {
		s.logger(ctx, "order.event_publish_failed", map[string]any{
			"orderId":   order.ID,
			"eventType": eventType,
			"error":     err.Error(),
		})
	}
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}
