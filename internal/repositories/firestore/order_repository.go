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
	"github.com/meadowmart/api/internal/repositories"
)

const (
	ordersCollection       = "orders"
	orderHistoryCollection = "order_status_history"

	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

type orderDocument struct {
	Code           string              `firestore:"code"`
	CustomerID     string              `firestore:"customerId"`
	StatusID       int                 `firestore:"statusId"`
	Currency       string              `firestore:"currency"`
	Subtotal       int64               `firestore:"subtotal"`
	ShippingFee    int64               `firestore:"shippingFee"`
	Discount       int64               `firestore:"discount"`
	TransactionFee int64               `firestore:"transactionFee"`
	TotalAmount    int64               `firestore:"totalAmount"`
	PaidByWallet   int64               `firestore:"paidByWalletAmount"`
	PaidByExternal int64               `firestore:"paidByExternalAmount"`
	PaymentMethod  string              `firestore:"paymentMethod"`
	RefundStatus   string              `firestore:"refundStatus"`
	IdempotencyKey string              `firestore:"idempotencyKey"`
	Items          []orderLineDocument `firestore:"items"`
	CancelReason   *string             `firestore:"cancelReason,omitempty"`
	CreatedAt      time.Time           `firestore:"createdAt"`
	UpdatedAt      time.Time           `firestore:"updatedAt"`
	ConfirmedAt    *time.Time          `firestore:"confirmedAt,omitempty"`
	ShippedAt      *time.Time          `firestore:"shippedAt,omitempty"`
	DeliveredAt    *time.Time          `firestore:"deliveredAt,omitempty"`
	CompletedAt    *time.Time          `firestore:"completedAt,omitempty"`
	CancelledAt    *time.Time          `firestore:"cancelledAt,omitempty"`
}

type orderLineDocument struct {
	SKU       string `firestore:"sku"`
	Name      string `firestore:"name"`
	UnitPrice int64  `firestore:"unitPrice"`
	Quantity  int    `firestore:"quantity"`
}

type orderHistoryDocument struct {
	OrderID   string    `firestore:"orderId"`
	StatusID  int       `firestore:"statusId"`
	Status    string    `firestore:"status"`
	ActorID   string    `firestore:"actorId"`
	Note      string    `firestore:"note"`
	ChangedAt time.Time `firestore:"changedAt"`
}

// OrderRepository implements repositories.OrderRepository backed by Firestore.
type OrderRepository struct {
	orders  *pfirestore.BaseRepository[orderDocument]
	history *pfirestore.BaseRepository[orderHistoryDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		orders:  pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection),
		history: pfirestore.NewBaseRepository[orderHistoryDocument](provider, orderHistoryCollection),
	}, nil
}

// Insert writes a new order. Fails with a conflict if the document exists.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	return r.orders.Create(ctx, order.ID, encodeOrder(order))
}

// Update overwrites the order document.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	return r.orders.Set(ctx, order.ID, encodeOrder(order))
}

// FindByID loads a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(doc.ID, doc.Data), nil
}

// FindByIdempotencyKey locates the order created under the given checkout key.
func (r *OrderRepository) FindByIdempotencyKey(ctx context.Context, key string) (domain.Order, error) {
	key = strings.TrimSpace(key)
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("idempotencyKey", "==", key).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.NotFoundError("orders.find_by_key", fmt.Errorf("no order for idempotency key %q", key))
	}
	return decodeOrder(docs[0].ID, docs[0].Data), nil
}

// AppendHistory writes one immutable status history row.
func (r *OrderRepository) AppendHistory(ctx context.Context, entry domain.OrderStatusHistory) error {
	return r.history.Create(ctx, entry.ID, orderHistoryDocument{
		OrderID:   entry.OrderID,
		StatusID:  int(entry.Status),
		Status:    entry.Status.String(),
		ActorID:   entry.ActorID,
		Note:      entry.Note,
		ChangedAt: entry.ChangedAt,
	})
}

// ListHistory returns all history rows for the order in change order.
func (r *OrderRepository) ListHistory(ctx context.Context, orderID string) ([]domain.OrderStatusHistory, error) {
	docs, err := r.history.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", strings.TrimSpace(orderID)).OrderBy("changedAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	entries := make([]domain.OrderStatusHistory, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, domain.OrderStatusHistory{
			ID:        doc.ID,
			OrderID:   doc.Data.OrderID,
			Status:    domain.OrderStatus(doc.Data.StatusID),
			ActorID:   doc.Data.ActorID,
			Note:      doc.Data.Note,
			ChangedAt: doc.Data.ChangedAt,
		})
	}
	return entries, nil
}

// List returns orders matching the filter, newest first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = defaultOrderPageSize
	}
	if pageSize > maxOrderPageSize {
		pageSize = maxOrderPageSize
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		if customer := strings.TrimSpace(filter.CustomerID); customer != "" {
			q = q.Where("customerId", "==", customer)
		}
		if filter.Status != nil {
			q = q.Where("statusId", "==", int(*filter.Status))
		}
		q = q.OrderBy("createdAt", firestore.Desc)
		if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
			if cursor, err := time.Parse(time.RFC3339Nano, token); err == nil {
				q = q.StartAfter(cursor)
			}
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{}
	for i, doc := range docs {
		if i == pageSize {
			page.NextPageToken = docs[pageSize-1].Data.CreatedAt.UTC().Format(time.RFC3339Nano)
			break
		}
		page.Items = append(page.Items, decodeOrder(doc.ID, doc.Data))
	}
	return page, nil
}

func encodeOrder(order domain.Order) orderDocument {
	items := make([]orderLineDocument, 0, len(order.Items))
	for _, line := range order.Items {
		items = append(items, orderLineDocument{
			SKU:       line.SKU,
			Name:      line.Name,
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
		})
	}
	return orderDocument{
		Code:           order.Code,
		CustomerID:     order.CustomerID,
		StatusID:       int(order.Status),
		Currency:       order.Currency,
		Subtotal:       order.Subtotal,
		ShippingFee:    order.ShippingFee,
		Discount:       order.Discount,
		TransactionFee: order.TransactionFee,
		TotalAmount:    order.TotalAmount,
		PaidByWallet:   order.PaidByWallet,
		PaidByExternal: order.PaidByExternal,
		PaymentMethod:  order.PaymentMethod,
		RefundStatus:   string(order.RefundStatus),
		IdempotencyKey: order.IdempotencyKey,
		Items:          items,
		CancelReason:   order.CancelReason,
		CreatedAt:      order.CreatedAt,
		UpdatedAt:      order.UpdatedAt,
		ConfirmedAt:    order.ConfirmedAt,
		ShippedAt:      order.ShippedAt,
		DeliveredAt:    order.DeliveredAt,
		CompletedAt:    order.CompletedAt,
		CancelledAt:    order.CancelledAt,
	}
}

func decodeOrder(id string, doc orderDocument) domain.Order {
	items := make([]domain.OrderLine, 0, len(doc.Items))
	for _, line := range doc.Items {
		items = append(items, domain.OrderLine{
			SKU:       line.SKU,
			Name:      line.Name,
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
		})
	}
	refundStatus := domain.RefundStatus(doc.RefundStatus)
	if refundStatus == "" {
		refundStatus = domain.RefundStatusNone
	}
	return domain.Order{
		ID:             id,
		Code:           doc.Code,
		CustomerID:     doc.CustomerID,
		Status:         domain.OrderStatus(doc.StatusID),
		Currency:       doc.Currency,
		Subtotal:       doc.Subtotal,
		ShippingFee:    doc.ShippingFee,
		Discount:       doc.Discount,
		TransactionFee: doc.TransactionFee,
		TotalAmount:    doc.TotalAmount,
		PaidByWallet:   doc.PaidByWallet,
		PaidByExternal: doc.PaidByExternal,
		PaymentMethod:  doc.PaymentMethod,
		RefundStatus:   refundStatus,
		IdempotencyKey: doc.IdempotencyKey,
		Items:          items,
		CancelReason:   doc.CancelReason,
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
		ConfirmedAt:    doc.ConfirmedAt,
		ShippedAt:      doc.ShippedAt,
		DeliveredAt:    doc.DeliveredAt,
		CompletedAt:    doc.CompletedAt,
		CancelledAt:    doc.CancelledAt,
	}
}
