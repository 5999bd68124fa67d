package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/meadowmart/api/internal/domain"
)

const checkoutEventCompleted = "checkout.completed"

// ErrCheckoutInvalidInput signals the caller provided invalid data.
var ErrCheckoutInvalidInput = errors.New("checkout: invalid input")

// CheckoutServiceDeps bundles collaborators required to construct the checkout service.
type CheckoutServiceDeps struct {
	Pricing  PricingService
	Wallets  WalletService
	Orders   OrderService
	Payments PaymentInitiator

	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)

	Currency string
}

type checkoutService struct {
	pricing  PricingService
	wallets  WalletService
	orders   OrderService
	payments PaymentInitiator

	clock  func() time.Time
	logger func(context.Context, string, map[string]any)

	currency string
}

// NewCheckoutService wires dependencies into a concrete CheckoutService implementation.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Pricing == nil {
		return nil, errors.New("checkout service: pricing service is required")
	}
	if deps.Wallets == nil {
		return nil, errors.New("checkout service: wallet service is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "VND"
	}

	return &checkoutService{
		pricing:  deps.Pricing,
		wallets:  deps.Wallets,
		orders:   deps.Orders,
		payments: deps.Payments,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger:   logger,
		currency: currency,
	}, nil
}

// Checkout prices the cart, takes the wallet share, starts the external
// payment for the remainder, and creates the pending order. The quote runs
// first so an amount outside the payment method's window fails before any
// money moves or any order exists. Every mutation is keyed on the caller's
// idempotency key, so a retried checkout resumes rather than repeats.
func (s *checkoutService) Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	if customerID == "" {
		return CheckoutResult{}, fmt.Errorf("%w: customer id is required", ErrCheckoutInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return CheckoutResult{}, fmt.Errorf("%w: at least one item is required", ErrCheckoutInvalidInput)
	}
	key := strings.TrimSpace(cmd.IdempotencyKey)
	if key == "" {
		return CheckoutResult{}, fmt.Errorf("%w: idempotency key is required", ErrCheckoutInvalidInput)
	}
	if cmd.WalletAmount < 0 {
		return CheckoutResult{}, fmt.Errorf("%w: wallet amount must not be negative", ErrCheckoutInvalidInput)
	}

	subtotal, err := cartSubtotal(cmd.Items)
	if err != nil {
		return CheckoutResult{}, err
	}

	quote, err := s.pricing.Quote(PricingInput{
		Subtotal:    subtotal,
		ShippingFee: cmd.ShippingFee,
		Discount:    cmd.Discount,
		MethodCode:  cmd.MethodCode,
	})
	if err != nil {
		return CheckoutResult{}, err
	}

	if existing, err := s.orders.FindByIdempotencyKey(ctx, key); err == nil {
		return CheckoutResult{Order: existing, Replayed: true}, nil
	} else if !errors.Is(err, ErrOrderNotFound) {
		return CheckoutResult{}, err
	}

	walletAmount := cmd.WalletAmount
	if walletAmount > quote.Total {
		return CheckoutResult{}, fmt.Errorf("%w: wallet amount %d exceeds total %d",
			ErrCheckoutInvalidInput, walletAmount, quote.Total)
	}

	if walletAmount > 0 {
		if _, err := s.wallets.Debit(ctx, WalletMutationCommand{
			AccountID: customerID,
			Amount:    walletAmount,
			Type:      domain.WalletTxnPayment,
			Reference: "chk_" + key,
			Note:      "order payment",
		}); err != nil {
			return CheckoutResult{}, err
		}
	}

	external := quote.Total - walletAmount

	var paymentURL string
	if external > 0 {
		if s.payments == nil {
			return CheckoutResult{}, errors.New("checkout: payment initiator not configured")
		}
		session, err := s.payments.Initiate(ctx, PaymentInitiation{
			Amount:    external,
			Currency:  s.currency,
			ReturnURL: strings.TrimSpace(cmd.ReturnURL),
			Reference: "pay_" + key,
		})
		if err != nil {
			return CheckoutResult{}, fmt.Errorf("checkout: initiate payment: %w", err)
		}
		paymentURL = session.PaymentURL
	}

	order, err := s.orders.CreateOrder(ctx, CreateOrderCommand{
		CustomerID:     customerID,
		Currency:       s.currency,
		Items:          cmd.Items,
		Subtotal:       quote.Subtotal,
		ShippingFee:    quote.ShippingFee,
		Discount:       quote.Discount,
		TransactionFee: quote.TransactionFee,
		TotalAmount:    quote.Total,
		PaidByWallet:   walletAmount,
		PaidByExternal: external,
		PaymentMethod:  quote.Method.Code,
		IdempotencyKey: key,
		ActorID:        customerID,
	})
	if err != nil {
		return CheckoutResult{}, err
	}

	s.logger(ctx, checkoutEventCompleted, map[string]any{
		"orderId":    order.ID,
		"customerId": customerID,
		"total":      quote.Total,
		"wallet":     walletAmount,
		"external":   external,
	})

	return CheckoutResult{Order: order, PaymentURL: paymentURL}, nil
}

func cartSubtotal(items []OrderLine) (int64, error) {
	var subtotal int64
	for i, item := range items {
		if item.Quantity <= 0 {
			return 0, fmt.Errorf("%w: item %d has non-positive quantity", ErrCheckoutInvalidInput, i)
		}
		if item.UnitPrice < 0 {
			return 0, fmt.Errorf("%w: item %d has negative unit price", ErrCheckoutInvalidInput, i)
		}
		subtotal += item.UnitPrice * int64(item.Quantity)
	}
	return subtotal, nil
}
