package domain

import (
	"fmt"
	"strings"
	"time"
)

// OrderStatus is the enumerated order lifecycle state. The ordinal values are
// a stable external contract and must never be renumbered.
type OrderStatus int

const (
	// OrderStatusPending is the initial state assigned at checkout.
	OrderStatusPending OrderStatus = 1
	// OrderStatusConfirmed indicates the order was accepted and dispatch was requested.
	OrderStatusConfirmed OrderStatus = 2
	// OrderStatusShipped indicates the carrier picked the parcel up.
	OrderStatusShipped OrderStatus = 3
	// OrderStatusDelivered indicates the carrier reported delivery.
	OrderStatusDelivered OrderStatus = 4
	// OrderStatusCompleted is the terminal success state; refunds attach only here.
	OrderStatusCompleted OrderStatus = 5
	// OrderStatusCancelled is the terminal failure state, reachable only from Pending.
	OrderStatusCancelled OrderStatus = 6
)

var orderStatusNames = map[OrderStatus]string{
	OrderStatusPending:   "pending",
	OrderStatusConfirmed: "confirmed",
	OrderStatusShipped:   "shipped",
	OrderStatusDelivered: "delivered",
	OrderStatusCompleted: "completed",
	OrderStatusCancelled: "cancelled",
}

// String returns the lowercase wire name for the status.
func (s OrderStatus) String() string {
	if name, ok := orderStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Valid reports whether the ordinal maps to a defined status.
func (s OrderStatus) Valid() bool {
	_, ok := orderStatusNames[s]
	return ok
}

// Terminal reports whether no further lifecycle transition is permitted.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// ParseOrderStatus resolves a wire name back to its ordinal.
func ParseOrderStatus(name string) (OrderStatus, bool) {
	needle := strings.ToLower(strings.TrimSpace(name))
	for status, label := range orderStatusNames {
		if label == needle {
			return status, true
		}
	}
	return 0, false
}

// RefundStatus tracks the refund annotation axis on an order. It never alters
// the order's lifecycle status.
type RefundStatus string

const (
	// RefundStatusNone means no refund has been requested.
	RefundStatusNone RefundStatus = "none"
	// RefundStatusRequested means a refund awaits an admin decision.
	RefundStatusRequested RefundStatus = "requested"
	// RefundStatusApproved means the refund was approved but money has not moved.
	// This flow approves and pays in one step, so the state is accepted on the
	// wire but not produced internally.
	RefundStatusApproved RefundStatus = "approved"
	// RefundStatusProcessing is accepted on the wire for compatibility; not produced.
	RefundStatusProcessing RefundStatus = "processing"
	// RefundStatusCompleted means the wallet credit landed.
	RefundStatusCompleted RefundStatus = "completed"
	// RefundStatusRejected is terminal; no money moved.
	RefundStatusRejected RefundStatus = "rejected"
)

// Terminal reports whether the refund axis permits no further change.
func (s RefundStatus) Terminal() bool {
	return s == RefundStatusCompleted || s == RefundStatusRejected
}

// Valid reports whether the value is a defined refund status.
func (s RefundStatus) Valid() bool {
	switch s {
	case RefundStatusNone, RefundStatusRequested, RefundStatusApproved,
		RefundStatusProcessing, RefundStatusCompleted, RefundStatusRejected:
		return true
	}
	return false
}

// WalletTxnType enumerates ledger entry categories.
type WalletTxnType string

const (
	// WalletTxnTopUp records money entering the wallet from an external gateway.
	WalletTxnTopUp WalletTxnType = "topup"
	// WalletTxnPayment records money leaving the wallet to pay an order.
	WalletTxnPayment WalletTxnType = "payment"
	// WalletTxnRefund records money returning to the wallet from a refunded order.
	WalletTxnRefund WalletTxnType = "refund"
)

// WalletTxnDirection marks the signed direction of a ledger entry.
type WalletTxnDirection string

const (
	// DirectionIn increases the balance.
	DirectionIn WalletTxnDirection = "in"
	// DirectionOut decreases the balance.
	DirectionOut WalletTxnDirection = "out"
)

// WalletTxnStatus is the settlement state of a ledger entry.
type WalletTxnStatus string

const (
	// WalletTxnPending has reserved an entry but not settled; it does not count
	// toward the balance.
	WalletTxnPending WalletTxnStatus = "pending"
	// WalletTxnCompleted is settled and counts toward the balance.
	WalletTxnCompleted WalletTxnStatus = "completed"
	// WalletTxnFailed never counts toward the balance.
	WalletTxnFailed WalletTxnStatus = "failed"
)

// Order is the aggregate owned by the order state machine. Monetary amounts
// are integer minor units in the configured currency.
type Order struct {
	ID             string
	Code           string
	CustomerID     string
	Status         OrderStatus
	Currency       string
	Subtotal       int64
	ShippingFee    int64
	Discount       int64
	TransactionFee int64
	TotalAmount    int64
	PaidByWallet   int64
	PaidByExternal int64
	PaymentMethod  string
	RefundStatus   RefundStatus
	IdempotencyKey string
	Items          []OrderLine
	CancelReason   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ConfirmedAt    *time.Time
	ShippedAt      *time.Time
	DeliveredAt    *time.Time
	CompletedAt    *time.Time
	CancelledAt    *time.Time
}

// OrderLine is an immutable order line item snapshot.
type OrderLine struct {
	SKU       string
	Name      string
	UnitPrice int64
	Quantity  int
}

// OrderStatusHistory is one append-only audit row per committed transition,
// including the creation entry.
type OrderStatusHistory struct {
	ID        string
	OrderID   string
	Status    OrderStatus
	ActorID   string
	Note      string
	ChangedAt time.Time
}

// Wallet holds the cached balance for one customer account. The ledger is
// authoritative; Balance is a snapshot maintained transactionally alongside
// every ledger append.
type Wallet struct {
	ID                string
	AccountID         string
	Balance           int64
	Currency          string
	LastTransactionAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WalletTransaction is an append-only ledger entry. Amount is always positive;
// the sign is implied by Direction. BalanceAfter is an immutable audit
// snapshot taken at write time.
type WalletTransaction struct {
	ID             string
	WalletID       string
	Type           WalletTxnType
	Direction      WalletTxnDirection
	Amount         int64
	BalanceAfter   int64
	Status         WalletTxnStatus
	Reference      string
	RelatedOrderID string
	Note           string
	CreatedAt      time.Time
}

// Signed returns the balance delta this entry contributes when completed.
func (t WalletTransaction) Signed() int64 {
	if t.Direction == DirectionOut {
		return -t.Amount
	}
	return t.Amount
}

// RefundMode enumerates how refund money is returned.
type RefundMode string

// RefundModeWallet returns money to the customer wallet; the only mode in scope.
const RefundModeWallet RefundMode = "wallet"

// RefundRequest is the admin-decided refund aggregate. At most one
// non-terminal request may exist per order.
type RefundRequest struct {
	ID          string
	OrderID     string
	AccountID   string
	Amount      int64
	Mode        RefundMode
	Status      RefundStatus
	Reason      string
	Note        string
	RequestedBy string
	ApprovedBy  *string
	ApprovedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PaymentFeeType selects the transaction fee formula for a payment method.
type PaymentFeeType string

const (
	// FeeFixed charges a flat amount.
	FeeFixed PaymentFeeType = "fixed"
	// FeePercentage charges fee percent of (subtotal + shipping - discount).
	FeePercentage PaymentFeeType = "percentage"
)

// PaymentMethod describes a configured external payment channel and its
// acceptance window.
type PaymentMethod struct {
	Code      string
	Name      string
	FeeType   PaymentFeeType
	Fee       int64
	MinAmount int64
	MaxAmount int64
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// Pagination defines standard paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}
