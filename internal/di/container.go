package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	domain "github.com/meadowmart/api/internal/domain"
	"github.com/meadowmart/api/internal/platform/config"
	"github.com/meadowmart/api/internal/repositories"
	"github.com/meadowmart/api/internal/services"
)

// Adapters carries the outbound integrations the service layer depends on.
// Any of them may be nil; the affected capability degrades instead of
// failing construction, except where a service hard-requires it.
type Adapters struct {
	Payments   services.PaymentInitiator
	Dispatcher services.ShippingDispatcher
	Rates      services.CarrierRateSource
	Events     services.OrderEventPublisher
	Logger     *zap.Logger
}

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Wallets  services.WalletService
	Orders   services.OrderService
	Refunds  services.RefundService
	Checkout services.CheckoutService
	Pricing  services.PricingService
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependency graph over the provided
// registry. Tests can supply in-memory registries and stub adapters.
func NewContainer(cfg config.Config, reg repositories.Registry, adapters Adapters) (*Container, error) {
	if reg == nil {
		return nil, errors.New("di: repositories registry is required")
	}

	logger := adapters.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var pricingOpts []services.PricingOption
	if adapters.Rates != nil {
		pricingOpts = append(pricingOpts, services.WithCarrierRates(adapters.Rates))
	}
	pricing, err := services.NewPricingEngine(paymentMethodCatalog(), pricingOpts...)
	if err != nil {
		return nil, fmt.Errorf("di: build pricing engine: %w", err)
	}

	wallets, err := services.NewWalletService(services.WalletServiceDeps{
		Wallets:    reg.Wallets(),
		UnitOfWork: reg,
		Payments:   adapters.Payments,
		Clock:      time.Now,
		Logger:     eventLogger(logger.Named("wallet")),
		Currency:   cfg.Payments.DefaultCurrency,
		TopUpMin:   cfg.Payments.TopUpMin,
		TopUpMax:   cfg.Payments.TopUpMax,
		MaxBalance: cfg.Payments.WalletMaxBalance,
	})
	if err != nil {
		return nil, fmt.Errorf("di: build wallet service: %w", err)
	}

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     reg.Orders(),
		Counters:   reg.Counters(),
		UnitOfWork: reg,
		Dispatcher: adapters.Dispatcher,
		Events:     adapters.Events,
		Clock:      time.Now,
		Logger:     eventLogger(logger.Named("orders")),
	})
	if err != nil {
		return nil, fmt.Errorf("di: build order service: %w", err)
	}

	refunds, err := services.NewRefundService(services.RefundServiceDeps{
		Refunds:    reg.Refunds(),
		Orders:     orders,
		Wallets:    wallets,
		UnitOfWork: reg,
		Clock:      time.Now,
		Logger:     eventLogger(logger.Named("refunds")),
	})
	if err != nil {
		return nil, fmt.Errorf("di: build refund service: %w", err)
	}

	checkout, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Pricing:  pricing,
		Wallets:  wallets,
		Orders:   orders,
		Payments: adapters.Payments,
		Clock:    time.Now,
		Logger:   eventLogger(logger.Named("checkout")),
		Currency: cfg.Payments.DefaultCurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("di: build checkout service: %w", err)
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services: Services{
			Wallets:  wallets,
			Orders:   orders,
			Refunds:  refunds,
			Checkout: checkout,
			Pricing:  pricing,
		},
	}, nil
}

// Close releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

// paymentMethodCatalog returns the configured external payment channels.
// Wallet payments carry no transaction fee; the card gateway charges a
// percentage of the fee base and bounds the acceptable order total.
func paymentMethodCatalog() []domain.PaymentMethod {
	return []domain.PaymentMethod{
		{Code: "wallet", Name: "Store wallet", FeeType: domain.FeeFixed, Fee: 0},
		{Code: "gateway", Name: "Card gateway", FeeType: domain.FeePercentage, Fee: 2, MinAmount: 10_000, MaxAmount: 2_000_000},
		{Code: "cod", Name: "Cash on delivery", FeeType: domain.FeeFixed, Fee: 15_000, MaxAmount: 5_000_000},
	}
}

func eventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug("service event", zFields...)
	}
}
