package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/meadowmart/api/internal/domain"
)

func testPricingEngine(t *testing.T) PricingService {
	t.Helper()

	engine, err := NewPricingEngine([]domain.PaymentMethod{
		{Code: "wallet", Name: "Wallet", FeeType: domain.FeeFixed, Fee: 0},
		{Code: "gateway", Name: "Card gateway", FeeType: domain.FeePercentage, Fee: 2, MinAmount: 10_000, MaxAmount: 2_000_000},
	})
	if err != nil {
		t.Fatalf("NewPricingEngine: %v", err)
	}
	return engine
}

type checkoutOrderStub struct {
	stubOrderService
	createFn func(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	byKeyFn  func(ctx context.Context, key string) (Order, error)
	created  []CreateOrderCommand
}

func (s *checkoutOrderStub) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	s.created = append(s.created, cmd)
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return Order{
		ID:             "ord_NEW",
		CustomerID:     cmd.CustomerID,
		Status:         domain.OrderStatusPending,
		TotalAmount:    cmd.TotalAmount,
		PaidByWallet:   cmd.PaidByWallet,
		PaidByExternal: cmd.PaidByExternal,
		IdempotencyKey: cmd.IdempotencyKey,
	}, nil
}

func (s *checkoutOrderStub) FindByIdempotencyKey(ctx context.Context, key string) (Order, error) {
	if s.byKeyFn != nil {
		return s.byKeyFn(ctx, key)
	}
	return Order{}, ErrOrderNotFound
}

func validCheckoutCommand() CheckoutCommand {
	return CheckoutCommand{
		CustomerID:     "cust_1",
		Items:          []domain.OrderLine{{SKU: "sku-1", Name: "Ceramic mug", UnitPrice: 150_000, Quantity: 3}},
		ShippingFee:    70_000,
		Discount:       20_000,
		MethodCode:     "gateway",
		WalletAmount:   200_000,
		IdempotencyKey: "idem-1",
		ReturnURL:      "https://shop.example/orders",
	}
}

func newCheckoutServiceForTest(t *testing.T, orders *checkoutOrderStub, wallets *stubWalletService, payments PaymentInitiator) CheckoutService {
	t.Helper()

	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Pricing:  testPricingEngine(t),
		Wallets:  wallets,
		Orders:   orders,
		Payments: payments,
		Clock:    fixedClock(time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)),
		Currency: "VND",
	})
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	return svc
}

func TestCheckoutSplitsPaymentAcrossWalletAndGateway(t *testing.T) {
	orders := &checkoutOrderStub{}
	wallets := &stubWalletService{}
	var initiated PaymentInitiation
	payments := &stubPaymentInitiator{
		initiateFn: func(_ context.Context, req PaymentInitiation) (PaymentSession, error) {
			initiated = req
			return PaymentSession{PaymentURL: "https://pay.example/s1"}, nil
		},
	}
	svc := newCheckoutServiceForTest(t, orders, wallets, payments)

	result, err := svc.Checkout(context.Background(), validCheckoutCommand())
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if result.Replayed {
		t.Fatal("fresh checkout must not be a replay")
	}
	if result.PaymentURL != "https://pay.example/s1" {
		t.Fatalf("unexpected payment url %s", result.PaymentURL)
	}

	// 450000 + 70000 - 20000 = 500000 base, 2% fee = 10000, total 510000.
	if len(orders.created) != 1 {
		t.Fatalf("expected 1 order, got %d", len(orders.created))
	}
	cmd := orders.created[0]
	if cmd.TotalAmount != 510_000 || cmd.TransactionFee != 10_000 {
		t.Fatalf("unexpected totals %+v", cmd)
	}
	if cmd.PaidByWallet != 200_000 || cmd.PaidByExternal != 310_000 {
		t.Fatalf("unexpected split %+v", cmd)
	}
	if cmd.PaidByWallet+cmd.PaidByExternal != cmd.TotalAmount {
		t.Fatal("split must cover the total exactly")
	}

	if len(wallets.debits) != 1 {
		t.Fatalf("expected 1 wallet debit, got %d", len(wallets.debits))
	}
	if wallets.debits[0].Reference != "chk_idem-1" {
		t.Fatalf("debit must be keyed on the idempotency key, got %q", wallets.debits[0].Reference)
	}
	if initiated.Amount != 310_000 {
		t.Fatalf("expected external initiation of 310000, got %d", initiated.Amount)
	}
}

func TestCheckoutAmountOutOfRangeFailsBeforeAnyMutation(t *testing.T) {
	orders := &checkoutOrderStub{}
	wallets := &stubWalletService{}
	svc := newCheckoutServiceForTest(t, orders, wallets, &stubPaymentInitiator{})

	cmd := validCheckoutCommand()
	cmd.Items = []domain.OrderLine{{SKU: "sku-2", Name: "Sticker", UnitPrice: 4_000, Quantity: 1}}
	cmd.ShippingFee = 0
	cmd.Discount = 0
	cmd.WalletAmount = 0

	_, err := svc.Checkout(context.Background(), cmd)
	if !errors.Is(err, ErrAmountOutOfRange) {
		t.Fatalf("expected ErrAmountOutOfRange, got %v", err)
	}
	if len(wallets.debits) != 0 {
		t.Fatal("pricing rejection must not touch the wallet")
	}
	if len(orders.created) != 0 {
		t.Fatal("pricing rejection must not create an order")
	}
}

func TestCheckoutReplaysExistingOrderForSameKey(t *testing.T) {
	existing := Order{ID: "ord_EXISTING", IdempotencyKey: "idem-1", Status: domain.OrderStatusPending}
	orders := &checkoutOrderStub{
		byKeyFn: func(_ context.Context, key string) (Order, error) {
			if key == "idem-1" {
				return existing, nil
			}
			return Order{}, ErrOrderNotFound
		},
	}
	wallets := &stubWalletService{}
	svc := newCheckoutServiceForTest(t, orders, wallets, &stubPaymentInitiator{})

	result, err := svc.Checkout(context.Background(), validCheckoutCommand())
	if err != nil {
		t.Fatalf("Checkout replay: %v", err)
	}
	if !result.Replayed {
		t.Fatal("expected replay")
	}
	if result.Order.ID != "ord_EXISTING" {
		t.Fatalf("expected existing order, got %s", result.Order.ID)
	}
	if len(wallets.debits) != 0 {
		t.Fatal("replay must not debit again")
	}
	if len(orders.created) != 0 {
		t.Fatal("replay must not create a second order")
	}
}

func TestCheckoutInsufficientBalanceAbortsBeforeOrder(t *testing.T) {
	orders := &checkoutOrderStub{}
	wallets := &stubWalletService{
		debitFn: func(context.Context, WalletMutationCommand) (WalletTransaction, error) {
			return WalletTransaction{}, ErrInsufficientBalance
		},
	}
	svc := newCheckoutServiceForTest(t, orders, wallets, &stubPaymentInitiator{})

	_, err := svc.Checkout(context.Background(), validCheckoutCommand())
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if len(orders.created) != 0 {
		t.Fatal("failed debit must not create an order")
	}
}

func TestCheckoutWalletCoversFullTotalSkipsGateway(t *testing.T) {
	orders := &checkoutOrderStub{}
	wallets := &stubWalletService{}
	payments := &stubPaymentInitiator{
		initiateFn: func(context.Context, PaymentInitiation) (PaymentSession, error) {
			return PaymentSession{}, errors.New("should not be called")
		},
	}
	svc := newCheckoutServiceForTest(t, orders, wallets, payments)

	cmd := validCheckoutCommand()
	cmd.MethodCode = "wallet"
	// Without a gateway fee the total is the 500000 base.
	cmd.WalletAmount = 500_000

	result, err := svc.Checkout(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if result.PaymentURL != "" {
		t.Fatalf("wallet-only checkout must not return a payment url, got %s", result.PaymentURL)
	}
	if orders.created[0].PaidByExternal != 0 {
		t.Fatalf("expected zero external, got %d", orders.created[0].PaidByExternal)
	}
}

func TestCheckoutRejectsWalletAmountAboveTotal(t *testing.T) {
	svc := newCheckoutServiceForTest(t, &checkoutOrderStub{}, &stubWalletService{}, &stubPaymentInitiator{})

	cmd := validCheckoutCommand()
	cmd.WalletAmount = 600_000

	_, err := svc.Checkout(context.Background(), cmd)
	if !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("expected ErrCheckoutInvalidInput, got %v", err)
	}
}
