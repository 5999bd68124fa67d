package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/meadowmart/api/internal/domain"
)

var (
	// ErrPricingInvalidAmount signals a negative or inconsistent monetary input.
	ErrPricingInvalidAmount = errors.New("pricing: invalid amount")
	// ErrAmountOutOfRange means the computed total falls outside the payment
	// method's acceptance window. Checked before any order is created.
	ErrAmountOutOfRange = errors.New("pricing: amount out of range for payment method")
	// ErrUnknownPaymentMethod means the requested method code is not configured.
	ErrUnknownPaymentMethod = errors.New("pricing: unknown payment method")
	// ErrCarrierRatesUnavailable means no carrier rate source is wired, or the
	// source failed. Shipping quotes are advisory, so callers can degrade.
	ErrCarrierRatesUnavailable = errors.New("pricing: carrier rates unavailable")
)

const defaultQuoteCacheTTL = 5 * time.Minute

type pricingEngine struct {
	methods map[string]PaymentMethod
	rates   CarrierRateSource
	cache   *carrierQuoteCache
}

// PricingOption customises the engine beyond the payment method catalog.
type PricingOption func(*pricingEngine)

// WithCarrierRates attaches the rate source consulted by QuoteShipping.
func WithCarrierRates(rates CarrierRateSource) PricingOption {
	return func(e *pricingEngine) {
		e.rates = rates
	}
}

// WithQuoteCacheTTL overrides how long carrier quotes are reused.
func WithQuoteCacheTTL(ttl time.Duration) PricingOption {
	return func(e *pricingEngine) {
		if ttl > 0 {
			e.cache.ttl = ttl
		}
	}
}

// WithPricingClock injects the clock used for quote cache expiry.
func WithPricingClock(now func() time.Time) PricingOption {
	return func(e *pricingEngine) {
		if now != nil {
			e.cache.now = now
		}
	}
}

// NewPricingEngine builds a calculator over the configured payment methods.
func NewPricingEngine(methods []PaymentMethod, opts ...PricingOption) (PricingService, error) {
	if len(methods) == 0 {
		return nil, errors.New("pricing: at least one payment method is required")
	}
	index := make(map[string]PaymentMethod, len(methods))
	for _, method := range methods {
		code := strings.ToLower(strings.TrimSpace(method.Code))
		if code == "" {
			return nil, errors.New("pricing: payment method code is required")
		}
		if _, dup := index[code]; dup {
			return nil, fmt.Errorf("pricing: duplicate payment method %q", code)
		}
		if method.Fee < 0 {
			return nil, fmt.Errorf("pricing: negative fee on method %q", code)
		}
		method.Code = code
		index[code] = method
	}
	engine := &pricingEngine{
		methods: index,
		cache:   newCarrierQuoteCache(defaultQuoteCacheTTL, time.Now),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// Quote computes the checkout total. The percentage fee base is
// subtotal + shipping - discount; the fee is never part of its own base.
func (e *pricingEngine) Quote(input PricingInput) (PricingQuote, error) {
	if input.Subtotal < 0 {
		return PricingQuote{}, fmt.Errorf("%w: subtotal must not be negative", ErrPricingInvalidAmount)
	}
	if input.ShippingFee < 0 {
		return PricingQuote{}, fmt.Errorf("%w: shipping fee must not be negative", ErrPricingInvalidAmount)
	}
	if input.Discount < 0 {
		return PricingQuote{}, fmt.Errorf("%w: discount must not be negative", ErrPricingInvalidAmount)
	}

	method, ok := e.Method(input.MethodCode)
	if !ok {
		return PricingQuote{}, fmt.Errorf("%w: %q", ErrUnknownPaymentMethod, input.MethodCode)
	}

	base := input.Subtotal + input.ShippingFee - input.Discount
	if base < 0 {
		return PricingQuote{}, fmt.Errorf("%w: discount exceeds subtotal plus shipping", ErrPricingInvalidAmount)
	}

	var fee int64
	if method.Fee > 0 {
		switch method.FeeType {
		case domain.FeePercentage:
			fee = base * method.Fee / 100
		default:
			fee = method.Fee
		}
	}

	total := base + fee
	if total < method.MinAmount || (method.MaxAmount > 0 && total > method.MaxAmount) {
		return PricingQuote{}, fmt.Errorf("%w: total %d outside [%d, %d] for %q",
			ErrAmountOutOfRange, total, method.MinAmount, method.MaxAmount, method.Code)
	}

	return PricingQuote{
		Subtotal:       input.Subtotal,
		ShippingFee:    input.ShippingFee,
		Discount:       input.Discount,
		TransactionFee: fee,
		Total:          total,
		Method:         method,
	}, nil
}

func (e *pricingEngine) Method(code string) (PaymentMethod, bool) {
	method, ok := e.methods[strings.ToLower(strings.TrimSpace(code))]
	return method, ok
}

func (e *pricingEngine) Methods() []PaymentMethod {
	out := make([]PaymentMethod, 0, len(e.methods))
	for _, method := range e.methods {
		out = append(out, method)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// QuoteShipping returns advisory carrier quotes. Results are cached per
// destination and parcel so repeated checkout previews do not hammer the
// carrier aggregator; the fee actually charged is always the one the caller
// passes to Quote.
func (e *pricingEngine) QuoteShipping(ctx context.Context, req CarrierQuoteRequest) ([]CarrierQuote, error) {
	if e.rates == nil {
		return nil, fmt.Errorf("%w: no rate source configured", ErrCarrierRatesUnavailable)
	}
	address := strings.TrimSpace(req.Address)
	if address == "" {
		return nil, fmt.Errorf("%w: address is required", ErrPricingInvalidAmount)
	}
	if req.Weight <= 0 {
		return nil, fmt.Errorf("%w: weight must be positive", ErrPricingInvalidAmount)
	}
	req.Address = address

	key := carrierQuoteKey(req)
	if quotes, ok := e.cache.Get(key); ok {
		return quotes, nil
	}

	quotes, err := e.rates.Quote(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCarrierRatesUnavailable, err)
	}
	e.cache.Put(key, quotes)
	return quotes, nil
}

type carrierQuoteCache struct {
	ttl time.Duration
	now func() time.Time
	mu  sync.RWMutex
	m   map[string]carrierQuoteEntry
}

type carrierQuoteEntry struct {
	quotes  []CarrierQuote
	expires time.Time
}

func newCarrierQuoteCache(ttl time.Duration, now func() time.Time) *carrierQuoteCache {
	return &carrierQuoteCache{
		ttl: ttl,
		now: now,
		m:   make(map[string]carrierQuoteEntry),
	}
}

func (c *carrierQuoteCache) Get(key string) ([]CarrierQuote, bool) {
	c.mu.RLock()
	entry, ok := c.m[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expires) {
		c.mu.Lock()
		delete(c.m, key)
		c.mu.Unlock()
		return nil, false
	}
	return entry.quotes, true
}

func (c *carrierQuoteCache) Put(key string, quotes []CarrierQuote) {
	c.mu.Lock()
	c.m[key] = carrierQuoteEntry{quotes: quotes, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func carrierQuoteKey(req CarrierQuoteRequest) string {
	return strings.Join([]string{
		strings.ToUpper(req.Address),
		fmt.Sprintf("%d", req.Weight),
		fmt.Sprintf("%d", req.Value),
	}, "|")
}
