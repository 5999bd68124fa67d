package services

import (
	"context"
	"time"

	domain "github.com/meadowmart/api/internal/domain"
	"github.com/meadowmart/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderLine          = domain.OrderLine
	OrderStatus        = domain.OrderStatus
	OrderStatusHistory = domain.OrderStatusHistory
	Wallet             = domain.Wallet
	WalletTransaction  = domain.WalletTransaction
	RefundRequest      = domain.RefundRequest
	RefundStatus       = domain.RefundStatus
	PaymentMethod      = domain.PaymentMethod
)

// WalletService owns the append-only ledger and the cached balance derived
// from it. All balance mutations flow through here.
type WalletService interface {
	GetOrCreate(ctx context.Context, accountID string) (Wallet, error)
	GetWallet(ctx context.Context, accountID string) (Wallet, error)
	Credit(ctx context.Context, cmd WalletMutationCommand) (WalletTransaction, error)
	Debit(ctx context.Context, cmd WalletMutationCommand) (WalletTransaction, error)
	InitiateTopUp(ctx context.Context, cmd InitiateTopUpCommand) (TopUpIntent, error)
	ConfirmTopUp(ctx context.Context, cmd ConfirmTopUpCommand) (WalletTransaction, error)
	FailTopUp(ctx context.Context, cmd FailTopUpCommand) (WalletTransaction, error)
	ListTransactions(ctx context.Context, accountID string, pager Pagination) (domain.CursorPage[WalletTransaction], error)
	// Replay recomputes the balance from the full ledger and reports any
	// drift against the stored snapshot.
	Replay(ctx context.Context, accountID string) (LedgerReplay, error)
}

// LedgerReplay is the result of recomputing a wallet balance from its ledger.
// Drift is zero when the snapshot agrees with the entries.
type LedgerReplay struct {
	WalletID        string
	RecordedBalance int64
	ComputedBalance int64
	Drift           int64
	Entries         int
}

// OrderService owns order lifecycle transitions and their audit history.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	FindByIdempotencyKey(ctx context.Context, key string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	ListHistory(ctx context.Context, orderID string) ([]OrderStatusHistory, error)
	// TransitionStatus commits the lifecycle change and returns the order plus
	// a non-fatal warning string when a downstream side effect failed.
	TransitionStatus(ctx context.Context, cmd OrderTransitionCommand) (Order, string, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	SetRefundAnnotation(ctx context.Context, orderID string, status RefundStatus, at time.Time) (Order, error)
}

// RefundService moves money from a completed order back to the customer's
// wallet under admin approval.
type RefundService interface {
	Request(ctx context.Context, cmd RequestRefundCommand) (RefundRequest, error)
	Process(ctx context.Context, cmd ProcessRefundCommand) (RefundRequest, error)
	GetRefund(ctx context.Context, refundID string) (RefundRequest, error)
	ListByOrder(ctx context.Context, orderID string) ([]RefundRequest, error)
}

// PricingService computes checkout totals. Quote is a pure function of its
// inputs; QuoteShipping consults the carrier rate source and caches results.
type PricingService interface {
	Quote(input PricingInput) (PricingQuote, error)
	QuoteShipping(ctx context.Context, req CarrierQuoteRequest) ([]CarrierQuote, error)
	Method(code string) (PaymentMethod, bool)
	Methods() []PaymentMethod
}

// CheckoutService orchestrates pricing, wallet debit, external payment
// initiation, and order creation behind the idempotency guard.
type CheckoutService interface {
	Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error)
}

// CarrierRateSource quotes shipping fees. Quotes are advisory; the fee
// charged is always the one the caller selected.
type CarrierRateSource interface {
	Quote(ctx context.Context, req CarrierQuoteRequest) ([]CarrierQuote, error)
}

// ShippingDispatcher requests carrier pickup when an order is confirmed.
type ShippingDispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error)
}

// PaymentInitiator starts an external gateway payment and returns the URL
// the customer completes it at.
type PaymentInitiator interface {
	Initiate(ctx context.Context, req PaymentInitiation) (PaymentSession, error)
}

// OrderEventPublisher publishes order lifecycle events for downstream
// consumers such as the notification sender. Failures never roll back the
// transition that produced the event.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, message OrderEventMessage) (string, error)
}

// OrderEventMessage is the wire payload published on order lifecycle events.
type OrderEventMessage struct {
	EventID      string    `json:"eventId"`
	Type         string    `json:"type"`
	OrderID      string    `json:"orderId"`
	OrderCode    string    `json:"orderCode,omitempty"`
	CustomerID   string    `json:"customerId,omitempty"`
	Status       string    `json:"status,omitempty"`
	RefundStatus string    `json:"refundStatus,omitempty"`
	ActorID      string    `json:"actorId,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// Command and DTO definitions ------------------------------------------------

type OrderListFilter = repositories.OrderListFilter

type WalletMutationCommand struct {
	AccountID      string
	Amount         int64
	Type           domain.WalletTxnType
	Reference      string
	RelatedOrderID string
	Note           string
}

type InitiateTopUpCommand struct {
	AccountID string
	Amount    int64
	ReturnURL string
}

// TopUpIntent is handed back to the client to complete the gateway payment.
type TopUpIntent struct {
	AccountID  string
	Amount     int64
	PaymentURL string
	Reference  string
	CreatedAt  time.Time
}

type ConfirmTopUpCommand struct {
	AccountID string
	Amount    int64
	// GatewayReference is the gateway's transaction reference; replays with
	// the same reference must not double-credit.
	GatewayReference string
}

// FailTopUpCommand marks an initiated top-up as failed at the gateway. The
// pending ledger entry flips to failed without moving the balance.
type FailTopUpCommand struct {
	AccountID        string
	GatewayReference string
	Note             string
}

type CreateOrderCommand struct {
	CustomerID     string
	Currency       string
	Items          []OrderLine
	Subtotal       int64
	ShippingFee    int64
	Discount       int64
	TransactionFee int64
	TotalAmount    int64
	PaidByWallet   int64
	PaidByExternal int64
	PaymentMethod  string
	IdempotencyKey string
	ActorID        string
}

type OrderTransitionCommand struct {
	OrderID      string
	TargetStatus OrderStatus
	ActorID      string
	Note         string
}

type CancelOrderCommand struct {
	OrderID string
	ActorID string
	Reason  string
	// CustomerInitiated restricts the cancel to the order's own owner.
	CustomerInitiated bool
}

type RequestRefundCommand struct {
	OrderID string
	Amount  int64
	Reason  string
	ActorID string
}

type ProcessRefundCommand struct {
	RefundID string
	Approve  bool
	Note     string
	ActorID  string
}

// PricingInput feeds Quote. Amounts are integer minor units.
type PricingInput struct {
	Subtotal    int64
	ShippingFee int64
	Discount    int64
	MethodCode  string
}

// PricingQuote is the computed checkout total breakdown.
type PricingQuote struct {
	Subtotal       int64
	ShippingFee    int64
	Discount       int64
	TransactionFee int64
	Total          int64
	Method         PaymentMethod
}

type CheckoutCommand struct {
	CustomerID     string
	Items          []OrderLine
	ShippingFee    int64
	Discount       int64
	MethodCode     string
	WalletAmount   int64
	IdempotencyKey string
	ReturnURL      string
}

// CheckoutResult reports the created (or replayed) order and, when an
// external remainder is due, the gateway payment URL.
type CheckoutResult struct {
	Order      Order
	PaymentURL string
	Replayed   bool
}

type CarrierQuoteRequest struct {
	Address string
	Weight  int64
	Value   int64
}

type CarrierQuote struct {
	Carrier       string
	ServiceType   string
	Fee           int64
	EstimatedDays int
}

type DispatchRequest struct {
	OrderID   string
	OrderCode string
	Address   string
}

type DispatchResult struct {
	TrackingCode string
	Carrier      string
}

// PaymentInitiation describes the external payment to start.
type PaymentInitiation struct {
	Amount    int64
	Currency  string
	OrderID   string
	ReturnURL string
	Reference string
}

// PaymentSession is the gateway's answer to an initiation.
type PaymentSession struct {
	PaymentURL string
	ProviderID string
	ExpiresAt  time.Time
}
