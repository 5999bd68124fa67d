package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/meadowmart/api/internal/domain"
	pfirestore "github.com/meadowmart/api/internal/platform/firestore"
)

const refundsCollection = "refund_requests"

type refundDocument struct {
	OrderID     string     `firestore:"orderId"`
	AccountID   string     `firestore:"accountId"`
	Amount      int64      `firestore:"amount"`
	Mode        string     `firestore:"mode"`
	Status      string     `firestore:"status"`
	Terminal    bool       `firestore:"terminal"`
	Reason      string     `firestore:"reason"`
	Note        string     `firestore:"note,omitempty"`
	RequestedBy string     `firestore:"requestedBy"`
	ApprovedBy  *string    `firestore:"approvedBy,omitempty"`
	ApprovedAt  *time.Time `firestore:"approvedAt,omitempty"`
	CreatedAt   time.Time  `firestore:"createdAt"`
	UpdatedAt   time.Time  `firestore:"updatedAt"`
}

// RefundRepository implements repositories.RefundRepository backed by Firestore.
type RefundRepository struct {
	refunds *pfirestore.BaseRepository[refundDocument]
}

// NewRefundRepository constructs a Firestore-backed refund repository.
func NewRefundRepository(provider *pfirestore.Provider) (*RefundRepository, error) {
	if provider == nil {
		return nil, errors.New("refund repository requires firestore provider")
	}
	return &RefundRepository{
		refunds: pfirestore.NewBaseRepository[refundDocument](provider, refundsCollection),
	}, nil
}

// Insert writes a new refund request.
func (r *RefundRepository) Insert(ctx context.Context, refund domain.RefundRequest) error {
	return r.refunds.Create(ctx, refund.ID, encodeRefund(refund))
}

// Update overwrites the refund request document.
func (r *RefundRepository) Update(ctx context.Context, refund domain.RefundRequest) error {
	return r.refunds.Set(ctx, refund.ID, encodeRefund(refund))
}

// FindByID loads a refund request.
func (r *RefundRepository) FindByID(ctx context.Context, refundID string) (domain.RefundRequest, error) {
	doc, err := r.refunds.Get(ctx, strings.TrimSpace(refundID))
	if err != nil {
		return domain.RefundRequest{}, err
	}
	return decodeRefund(doc.ID, doc.Data), nil
}

// FindActiveByOrder returns the single non-terminal request for the order.
func (r *RefundRepository) FindActiveByOrder(ctx context.Context, orderID string) (domain.RefundRequest, error) {
	orderID = strings.TrimSpace(orderID)
	docs, err := r.refunds.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", orderID).Where("terminal", "==", false).Limit(1)
	})
	if err != nil {
		return domain.RefundRequest{}, err
	}
	if len(docs) == 0 {
		return domain.RefundRequest{}, pfirestore.NotFoundError("refunds.find_active", fmt.Errorf("no active refund for order %q", orderID))
	}
	return decodeRefund(docs[0].ID, docs[0].Data), nil
}

// ListByOrder returns all refund requests filed against the order, oldest first.
func (r *RefundRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.RefundRequest, error) {
	docs, err := r.refunds.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", strings.TrimSpace(orderID)).OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	refunds := make([]domain.RefundRequest, 0, len(docs))
	for _, doc := range docs {
		refunds = append(refunds, decodeRefund(doc.ID, doc.Data))
	}
	return refunds, nil
}

func encodeRefund(refund domain.RefundRequest) refundDocument {
	return refundDocument{
		OrderID:     refund.OrderID,
		AccountID:   refund.AccountID,
		Amount:      refund.Amount,
		Mode:        string(refund.Mode),
		Status:      string(refund.Status),
		Terminal:    refund.Status.Terminal(),
		Reason:      refund.Reason,
		Note:        refund.Note,
		RequestedBy: refund.RequestedBy,
		ApprovedBy:  refund.ApprovedBy,
		ApprovedAt:  refund.ApprovedAt,
		CreatedAt:   refund.CreatedAt,
		UpdatedAt:   refund.UpdatedAt,
	}
}

func decodeRefund(id string, doc refundDocument) domain.RefundRequest {
	return domain.RefundRequest{
		ID:          id,
		OrderID:     doc.OrderID,
		AccountID:   doc.AccountID,
		Amount:      doc.Amount,
		Mode:        domain.RefundMode(doc.Mode),
		Status:      domain.RefundStatus(doc.Status),
		Reason:      doc.Reason,
		Note:        doc.Note,
		RequestedBy: doc.RequestedBy,
		ApprovedBy:  doc.ApprovedBy,
		ApprovedAt:  doc.ApprovedAt,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
}
