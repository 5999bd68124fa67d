package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/meadowmart/api/internal/domain"
)

func testMethods() []PaymentMethod {
	return []PaymentMethod{
		{Code: "wallet", Name: "Wallet", FeeType: domain.FeeFixed, Fee: 0, MinAmount: 1_000, MaxAmount: 500_000_000},
		{Code: "gateway", Name: "Card gateway", FeeType: domain.FeePercentage, Fee: 2, MinAmount: 10_000, MaxAmount: 2_000_000},
		{Code: "cod", Name: "Cash on delivery", FeeType: domain.FeeFixed, Fee: 15_000, MinAmount: 0, MaxAmount: 5_000_000},
	}
}

func newTestEngine(t *testing.T) PricingService {
	t.Helper()
	engine, err := NewPricingEngine(testMethods())
	if err != nil {
		t.Fatalf("NewPricingEngine returned error: %v", err)
	}
	return engine
}

func TestQuotePercentageFeeUsesPreFeeBase(t *testing.T) {
	engine := newTestEngine(t)

	quote, err := engine.Quote(PricingInput{
		Subtotal:    450_000,
		ShippingFee: 70_000,
		Discount:    20_000,
		MethodCode:  "gateway",
	})
	if err != nil {
		t.Fatalf("Quote returned error: %v", err)
	}

	// Base is 500,000; 2% fee is computed on the base only.
	if quote.TransactionFee != 10_000 {
		t.Fatalf("unexpected fee: %d", quote.TransactionFee)
	}
	if quote.Total != 510_000 {
		t.Fatalf("unexpected total: %d", quote.Total)
	}
}

func TestQuoteFixedFee(t *testing.T) {
	engine := newTestEngine(t)

	quote, err := engine.Quote(PricingInput{
		Subtotal:    100_000,
		ShippingFee: 30_000,
		MethodCode:  "cod",
	})
	if err != nil {
		t.Fatalf("Quote returned error: %v", err)
	}
	if quote.TransactionFee != 15_000 {
		t.Fatalf("unexpected fee: %d", quote.TransactionFee)
	}
	if quote.Total != 145_000 {
		t.Fatalf("unexpected total: %d", quote.Total)
	}
}

func TestQuoteZeroFeeMethodAddsNothing(t *testing.T) {
	engine := newTestEngine(t)

	quote, err := engine.Quote(PricingInput{
		Subtotal:   50_000,
		MethodCode: "wallet",
	})
	if err != nil {
		t.Fatalf("Quote returned error: %v", err)
	}
	if quote.TransactionFee != 0 || quote.Total != 50_000 {
		t.Fatalf("unexpected quote: %+v", quote)
	}
}

func TestQuoteRejectsTotalOutsideMethodWindow(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.Quote(PricingInput{
		Subtotal:   5_000,
		MethodCode: "gateway",
	})
	if !errors.Is(err, ErrAmountOutOfRange) {
		t.Fatalf("expected ErrAmountOutOfRange below minimum, got %v", err)
	}

	_, err = engine.Quote(PricingInput{
		Subtotal:   3_000_000,
		MethodCode: "gateway",
	})
	if !errors.Is(err, ErrAmountOutOfRange) {
		t.Fatalf("expected ErrAmountOutOfRange above maximum, got %v", err)
	}
}

func TestQuoteRejectsNegativeInputs(t *testing.T) {
	engine := newTestEngine(t)

	cases := []PricingInput{
		{Subtotal: -1, MethodCode: "wallet"},
		{Subtotal: 10_000, ShippingFee: -1, MethodCode: "wallet"},
		{Subtotal: 10_000, Discount: -1, MethodCode: "wallet"},
	}
	for _, input := range cases {
		if _, err := engine.Quote(input); !errors.Is(err, ErrPricingInvalidAmount) {
			t.Fatalf("expected ErrPricingInvalidAmount for %+v, got %v", input, err)
		}
	}
}

func TestQuoteRejectsDiscountExceedingBase(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.Quote(PricingInput{
		Subtotal:    10_000,
		ShippingFee: 5_000,
		Discount:    20_000,
		MethodCode:  "wallet",
	})
	if !errors.Is(err, ErrPricingInvalidAmount) {
		t.Fatalf("expected ErrPricingInvalidAmount, got %v", err)
	}
}

func TestQuoteRejectsUnknownMethod(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.Quote(PricingInput{Subtotal: 10_000, MethodCode: "paypal"})
	if !errors.Is(err, ErrUnknownPaymentMethod) {
		t.Fatalf("expected ErrUnknownPaymentMethod, got %v", err)
	}
}

func TestMethodLookupIsCaseInsensitive(t *testing.T) {
	engine := newTestEngine(t)

	method, ok := engine.Method(" Gateway ")
	if !ok || method.Code != "gateway" {
		t.Fatalf("unexpected lookup result: %+v ok=%v", method, ok)
	}
}

type countingRateSource struct {
	calls  int
	quotes []CarrierQuote
	err    error
}

func (s *countingRateSource) Quote(_ context.Context, _ CarrierQuoteRequest) ([]CarrierQuote, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.quotes, nil
}

func TestQuoteShippingCachesByDestinationAndParcel(t *testing.T) {
	source := &countingRateSource{quotes: []CarrierQuote{
		{Carrier: "ghn", ServiceType: "standard", Fee: 32_000, EstimatedDays: 3},
	}}
	engine, err := NewPricingEngine(testMethods(), WithCarrierRates(source))
	if err != nil {
		t.Fatalf("NewPricingEngine returned error: %v", err)
	}

	req := CarrierQuoteRequest{Address: "Da Nang", Weight: 1_200, Value: 450_000}
	for i := 0; i < 3; i++ {
		quotes, err := engine.QuoteShipping(context.Background(), req)
		if err != nil {
			t.Fatalf("QuoteShipping attempt %d: %v", i, err)
		}
		if len(quotes) != 1 || quotes[0].Fee != 32_000 {
			t.Fatalf("unexpected quotes: %+v", quotes)
		}
	}
	if source.calls != 1 {
		t.Fatalf("rate source calls = %d, want 1", source.calls)
	}

	// A different parcel misses the cache.
	if _, err := engine.QuoteShipping(context.Background(), CarrierQuoteRequest{Address: "Da Nang", Weight: 5_000, Value: 450_000}); err != nil {
		t.Fatalf("QuoteShipping heavier parcel: %v", err)
	}
	if source.calls != 2 {
		t.Fatalf("rate source calls = %d, want 2", source.calls)
	}
}

func TestQuoteShippingCacheExpires(t *testing.T) {
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	source := &countingRateSource{quotes: []CarrierQuote{{Carrier: "ghn", Fee: 32_000}}}
	engine, err := NewPricingEngine(testMethods(),
		WithCarrierRates(source),
		WithQuoteCacheTTL(time.Minute),
		WithPricingClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("NewPricingEngine returned error: %v", err)
	}

	req := CarrierQuoteRequest{Address: "Hue", Weight: 800}
	if _, err := engine.QuoteShipping(context.Background(), req); err != nil {
		t.Fatalf("QuoteShipping: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := engine.QuoteShipping(context.Background(), req); err != nil {
		t.Fatalf("QuoteShipping after expiry: %v", err)
	}
	if source.calls != 2 {
		t.Fatalf("rate source calls = %d, want 2", source.calls)
	}
}

func TestQuoteShippingWithoutRateSource(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.QuoteShipping(context.Background(), CarrierQuoteRequest{Address: "Hanoi", Weight: 500})
	if !errors.Is(err, ErrCarrierRatesUnavailable) {
		t.Fatalf("expected ErrCarrierRatesUnavailable, got %v", err)
	}
}

func TestQuoteShippingWrapsSourceFailure(t *testing.T) {
	source := &countingRateSource{err: errors.New("aggregator down")}
	engine, err := NewPricingEngine(testMethods(), WithCarrierRates(source))
	if err != nil {
		t.Fatalf("NewPricingEngine returned error: %v", err)
	}

	_, err = engine.QuoteShipping(context.Background(), CarrierQuoteRequest{Address: "Hanoi", Weight: 500})
	if !errors.Is(err, ErrCarrierRatesUnavailable) {
		t.Fatalf("expected ErrCarrierRatesUnavailable, got %v", err)
	}
}

func TestQuoteShippingValidatesRequest(t *testing.T) {
	source := &countingRateSource{}
	engine, err := NewPricingEngine(testMethods(), WithCarrierRates(source))
	if err != nil {
		t.Fatalf("NewPricingEngine returned error: %v", err)
	}

	if _, err := engine.QuoteShipping(context.Background(), CarrierQuoteRequest{Weight: 500}); !errors.Is(err, ErrPricingInvalidAmount) {
		t.Fatalf("expected error for missing address, got %v", err)
	}
	if _, err := engine.QuoteShipping(context.Background(), CarrierQuoteRequest{Address: "Hanoi"}); !errors.Is(err, ErrPricingInvalidAmount) {
		t.Fatalf("expected error for zero weight, got %v", err)
	}
	if source.calls != 0 {
		t.Fatalf("rate source should not be consulted on invalid input, calls = %d", source.calls)
	}
}
