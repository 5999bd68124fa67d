package repositories

import (
	"context"
	"time"

	domain "github.com/meadowmart/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Wallets() WalletRepository
	Refunds() RefundRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in a transactional boundary. All
// mutations issued through the callback's context commit or fail together.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	CustomerID string
	Status     *domain.OrderStatus
	Pagination domain.Pagination
}

// OrderRepository persists orders and their append-only status history.
// Insert fails with a conflict when the idempotency key is already taken.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByIdempotencyKey(ctx context.Context, key string) (domain.Order, error)
	AppendHistory(ctx context.Context, entry domain.OrderStatusHistory) error
	ListHistory(ctx context.Context, orderID string) ([]domain.OrderStatusHistory, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// WalletRepository persists wallets and their append-only transaction ledger.
// Create fails with a conflict when a wallet already exists for the account;
// AppendTransaction fails with a conflict when the entry's reference-derived
// identity already exists.
type WalletRepository interface {
	Get(ctx context.Context, walletID string) (domain.Wallet, error)
	Create(ctx context.Context, wallet domain.Wallet) error
	UpdateBalance(ctx context.Context, walletID string, balance int64, at time.Time) error
	AppendTransaction(ctx context.Context, txn domain.WalletTransaction) error
	// UpdateTransaction rewrites an existing ledger entry, used to settle or
	// fail a pending one. The entry keeps its reference-derived identity.
	UpdateTransaction(ctx context.Context, txn domain.WalletTransaction) error
	FindTransactionByReference(ctx context.Context, walletID, reference string) (domain.WalletTransaction, error)
	ListTransactions(ctx context.Context, walletID string, pager domain.Pagination) (domain.CursorPage[domain.WalletTransaction], error)
}

// RefundRepository persists refund requests.
type RefundRepository interface {
	Insert(ctx context.Context, refund domain.RefundRequest) error
	Update(ctx context.Context, refund domain.RefundRequest) error
	FindByID(ctx context.Context, refundID string) (domain.RefundRequest, error)
	// FindActiveByOrder returns the single non-terminal request for the order,
	// or a not-found error when none exists.
	FindActiveByOrder(ctx context.Context, orderID string) (domain.RefundRequest, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.RefundRequest, error)
}

// CounterRepository issues monotonically increasing sequences, used for
// human-readable order codes.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// HealthRepository probes the persistence backend for readiness checks.
type HealthRepository interface {
	Check(ctx context.Context) error
}
