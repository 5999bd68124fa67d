package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/meadowmart/api/internal/platform/firestore"
	"github.com/meadowmart/api/internal/repositories"
)

// Registry bundles the Firestore repository implementations behind the
// repositories.Registry contract.
type Registry struct {
	provider *pfirestore.Provider

	orders   *OrderRepository
	wallets  *WalletRepository
	refunds  *RefundRepository
	counters *CounterRepository
	health   *HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs every Firestore repository against the shared provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	wallets, err := NewWalletRepository(provider)
	if err != nil {
		return nil, err
	}
	refunds, err := NewRefundRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}
	health, err := NewHealthRepository(provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider: provider,
		orders:   orders,
		wallets:  wallets,
		refunds:  refunds,
		counters: counters,
		health:   health,
	}, nil
}

func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Orders() repositories.OrderRepository     { return r.orders }
func (r *Registry) Wallets() repositories.WalletRepository   { return r.wallets }
func (r *Registry) Refunds() repositories.RefundRepository   { return r.refunds }
func (r *Registry) Counters() repositories.CounterRepository { return r.counters }
func (r *Registry) Health() repositories.HealthRepository    { return r.health }

// RunInTx executes fn inside a Firestore transaction. Repository calls made
// through the callback's context join the same transaction. A context that
// already carries a transaction joins it instead of opening a nested one, so
// a service running under another service's unit of work stays on the outer
// commit.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("registry not initialised")
	}
	if _, ok := pfirestore.TxFromContext(ctx); ok {
		return fn(ctx)
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		return fn(ctx)
	})
}
