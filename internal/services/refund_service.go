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
	refundEventRequested = "refund.requested"
	refundEventCompleted = "refund.completed"
	refundEventRejected  = "refund.rejected"

	refundIDPrefix = "ref_"
)

var (
	// ErrRefundInvalidInput signals the caller provided invalid data.
	ErrRefundInvalidInput = errors.New("refund: invalid input")
	// ErrRefundNotFound indicates the refund request could not be located.
	ErrRefundNotFound = errors.New("refund: not found")
	// ErrRefundNotEligible rejects requests against orders that are not
	// completed or already have a refund in flight or settled.
	ErrRefundNotEligible = errors.New("refund: order not eligible")
	// ErrRefundAmountExceedsOrder rejects refunds larger than the order total.
	ErrRefundAmountExceedsOrder = errors.New("refund: amount exceeds order total")
	// ErrRefundMissingNote rejects a rejection that carries no explanation.
	ErrRefundMissingNote = errors.New("refund: rejection note is required")
	// ErrRefundConflict indicates a concurrent write collided and the caller
	// should retry.
	ErrRefundConflict = errors.New("refund: conflict")
)

// RefundServiceDeps bundles collaborators required to construct the refund service.
type RefundServiceDeps struct {
	Refunds    repositories.RefundRepository
	Orders     OrderService
	Wallets    WalletService
	UnitOfWork repositories.UnitOfWork

	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type refundService struct {
	refunds    repositories.RefundRepository
	orders     OrderService
	wallets    WalletService
	unitOfWork repositories.UnitOfWork

	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

// NewRefundService wires dependencies into a concrete RefundService implementation.
func NewRefundService(deps RefundServiceDeps) (RefundService, error) {
	if deps.Refunds == nil {
		return nil, errors.New("refund service: refund repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("refund service: order service is required")
	}
	if deps.Wallets == nil {
		return nil, errors.New("refund service: wallet service is required")
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

	return &refundService{
		refunds:    deps.Refunds,
		orders:     deps.Orders,
		wallets:    deps.Wallets,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Request opens a refund against a completed order. Eligibility is the
// conjunction of a completed lifecycle and an untouched refund axis, so an
// order is refundable at most once.
func (s *refundService) Request(ctx context.Context, cmd RequestRefundCommand) (RefundRequest, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return RefundRequest{}, fmt.Errorf("%w: order id is required", ErrRefundInvalidInput)
	}
	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		return RefundRequest{}, fmt.Errorf("%w: reason is required", ErrRefundInvalidInput)
	}
	if cmd.Amount <= 0 {
		return RefundRequest{}, fmt.Errorf("%w: amount must be positive", ErrRefundInvalidInput)
	}

	// Eligibility, the refund row, and the order annotation commit as one
	// transaction. Two concurrent requests both read the order inside their
	// transactions, both try to write it, and the loser retries against the
	// committed Requested annotation and fails eligibility.
	var refund RefundRequest
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.GetOrder(txCtx, orderID)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusCompleted {
			return fmt.Errorf("%w: order is %s", ErrRefundNotEligible, order.Status)
		}
		if order.RefundStatus != domain.RefundStatusNone {
			return fmt.Errorf("%w: refund status is %s", ErrRefundNotEligible, order.RefundStatus)
		}
		if cmd.Amount > order.TotalAmount {
			return fmt.Errorf("%w: requested %d, order total %d",
				ErrRefundAmountExceedsOrder, cmd.Amount, order.TotalAmount)
		}

		if _, err := s.refunds.FindActiveByOrder(txCtx, orderID); err == nil {
			return fmt.Errorf("%w: a refund request is already open", ErrRefundNotEligible)
		} else if !isNotFound(err) {
			return s.mapRepositoryError(err)
		}

		now := s.clock()
		refund = RefundRequest{
			ID:          refundIDPrefix + s.newID(),
			OrderID:     order.ID,
			AccountID:   order.CustomerID,
			Amount:      cmd.Amount,
			Mode:        domain.RefundModeWallet,
			Status:      domain.RefundStatusRequested,
			Reason:      reason,
			RequestedBy: strings.TrimSpace(cmd.ActorID),
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		// The annotation update precedes the insert so every read in the
		// transaction happens before its first write.
		if _, err := s.orders.SetRefundAnnotation(txCtx, order.ID, domain.RefundStatusRequested, now); err != nil {
			return err
		}
		return s.mapRepositoryError(s.refunds.Insert(txCtx, refund))
	})
	if err != nil {
		return RefundRequest{}, err
	}

	s.logger(ctx, refundEventRequested, map[string]any{
		"refundId": refund.ID,
		"orderId":  refund.OrderID,
		"amount":   refund.Amount,
	})

	return refund, nil
}

// Process lands the admin decision. Approval credits the customer wallet with
// the refund id as the ledger reference, so a retried approval after a partial
// failure resumes instead of paying twice. Repeating a decision already taken
// replays the stored outcome.
func (s *refundService) Process(ctx context.Context, cmd ProcessRefundCommand) (RefundRequest, error) {
	refundID := strings.TrimSpace(cmd.RefundID)
	if refundID == "" {
		return RefundRequest{}, fmt.Errorf("%w: refund id is required", ErrRefundInvalidInput)
	}

	refund, err := s.refunds.FindByID(ctx, refundID)
	if err != nil {
		return RefundRequest{}, s.mapRepositoryError(err)
	}

	if refund.Status.Terminal() {
		settledApproved := refund.Status == domain.RefundStatusCompleted
		if settledApproved == cmd.Approve {
			// A crash between the refund update and the order annotation leaves
			// the order stuck at Requested; the replay re-asserts the terminal
			// annotation before reporting the stored outcome.
			if _, err := s.orders.SetRefundAnnotation(ctx, refund.OrderID, refund.Status, refund.UpdatedAt); err != nil {
				return RefundRequest{}, err
			}
			return refund, nil
		}
		return RefundRequest{}, fmt.Errorf("%w: refund already %s", ErrRefundNotEligible, refund.Status)
	}
	if refund.Status != domain.RefundStatusRequested {
		return RefundRequest{}, fmt.Errorf("%w: refund is %s", ErrRefundNotEligible, refund.Status)
	}

	if cmd.Approve {
		return s.approve(ctx, refund, cmd)
	}
	return s.reject(ctx, refund, cmd)
}

func (s *refundService) approve(ctx context.Context, refund RefundRequest, cmd ProcessRefundCommand) (RefundRequest, error) {
	if _, err := s.wallets.GetOrCreate(ctx, refund.AccountID); err != nil {
		return RefundRequest{}, err
	}

	// The credit is keyed on the refund id; a retry after a crash between the
	// credit and the status update finds the existing ledger entry and moves on.
	if _, err := s.wallets.Credit(ctx, WalletMutationCommand{
		AccountID:      refund.AccountID,
		Amount:         refund.Amount,
		Type:           domain.WalletTxnRefund,
		Reference:      refund.ID,
		RelatedOrderID: refund.OrderID,
		Note:           fmt.Sprintf("refund for order %s", refund.OrderID),
	}); err != nil {
		return RefundRequest{}, err
	}

	now := s.clock()
	actorID := strings.TrimSpace(cmd.ActorID)
	refund.Status = domain.RefundStatusCompleted
	refund.Note = strings.TrimSpace(cmd.Note)
	refund.ApprovedBy = &actorID
	refund.ApprovedAt = &now
	refund.UpdatedAt = now

	if err := s.refunds.Update(ctx, refund); err != nil {
		return RefundRequest{}, s.mapRepositoryError(err)
	}

	if _, err := s.orders.SetRefundAnnotation(ctx, refund.OrderID, domain.RefundStatusCompleted, now); err != nil {
		return RefundRequest{}, err
	}

	s.logger(ctx, refundEventCompleted, map[string]any{
		"refundId": refund.ID,
		"orderId":  refund.OrderID,
		"amount":   refund.Amount,
		"actorId":  actorID,
	})

	return refund, nil
}

func (s *refundService) reject(ctx context.Context, refund RefundRequest, cmd ProcessRefundCommand) (RefundRequest, error) {
	note := strings.TrimSpace(cmd.Note)
	if note == "" {
		return RefundRequest{}, fmt.Errorf("%w: rejecting %s", ErrRefundMissingNote, refund.ID)
	}

	now := s.clock()
	refund.Status = domain.RefundStatusRejected
	refund.Note = note
	refund.UpdatedAt = now

	if err := s.refunds.Update(ctx, refund); err != nil {
		return RefundRequest{}, s.mapRepositoryError(err)
	}

	if _, err := s.orders.SetRefundAnnotation(ctx, refund.OrderID, domain.RefundStatusRejected, now); err != nil {
		return RefundRequest{}, err
	}

	s.logger(ctx, refundEventRejected, map[string]any{
		"refundId": refund.ID,
		"orderId":  refund.OrderID,
		"actorId":  strings.TrimSpace(cmd.ActorID),
	})

	return refund, nil
}

func (s *refundService) GetRefund(ctx context.Context, refundID string) (RefundRequest, error) {
	refundID = strings.TrimSpace(refundID)
	if refundID == "" {
		return RefundRequest{}, fmt.Errorf("%w: refund id is required", ErrRefundInvalidInput)
	}
	refund, err := s.refunds.FindByID(ctx, refundID)
	if err != nil {
		return RefundRequest{}, s.mapRepositoryError(err)
	}
	return refund, nil
}

func (s *refundService) ListByOrder(ctx context.Context, orderID string) ([]RefundRequest, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrRefundInvalidInput)
	}
	refunds, err := s.refunds.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return refunds, nil
}

func (s *refundService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *refundService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrRefundNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrRefundConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("refund: repository unavailable: %w", err)
		}
	}

	return err
}
