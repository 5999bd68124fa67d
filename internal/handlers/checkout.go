package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/meadowmart/api/internal/domain"
	"github.com/meadowmart/api/internal/platform/httpx"
	"github.com/meadowmart/api/internal/services"
)

const idempotencyKeyHeader = "Idempotency-Key"

// CheckoutHandlers exposes the checkout endpoint and the pricing preview.
type CheckoutHandlers struct {
	checkout services.CheckoutService
	pricing  services.PricingService
}

// NewCheckoutHandlers constructs a new CheckoutHandlers instance.
func NewCheckoutHandlers(checkout services.CheckoutService, pricing services.PricingService) *CheckoutHandlers {
	return &CheckoutHandlers{
		checkout: checkout,
		pricing:  pricing,
	}
}

// Routes registers the /checkout endpoints.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.checkoutOrder)
	r.Post("/quote", h.quote)
	r.Get("/payment-methods", h.listPaymentMethods)
}

type checkoutItemRequest struct {
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unitPrice"`
	Quantity  int    `json:"quantity"`
}

type checkoutRequest struct {
	Items        []checkoutItemRequest `json:"items"`
	ShippingFee  int64                 `json:"shippingFee"`
	Discount     int64                 `json:"discount"`
	MethodCode   string                `json:"paymentMethod"`
	WalletAmount int64                 `json:"walletAmount"`
	ReturnURL    string                `json:"returnUrl"`
}

type checkoutResponse struct {
	Order      orderPayload `json:"order"`
	PaymentURL string       `json:"paymentUrl,omitempty"`
	Replayed   bool         `json:"replayed,omitempty"`
}

func (h *CheckoutHandlers) checkoutOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_service_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	key := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
	if key == "" {
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", "Idempotency-Key header is required", http.StatusBadRequest))
		return
	}

	var req checkoutRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	items := make([]domain.OrderLine, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.OrderLine(item))
	}

	result, err := h.checkout.Checkout(ctx, services.CheckoutCommand{
		CustomerID:     actor.ID,
		Items:          items,
		ShippingFee:    req.ShippingFee,
		Discount:       req.Discount,
		MethodCode:     req.MethodCode,
		WalletAmount:   req.WalletAmount,
		IdempotencyKey: key,
		ReturnURL:      req.ReturnURL,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSONResponse(w, status, checkoutResponse{
		Order:      buildOrderPayload(result.Order),
		PaymentURL: result.PaymentURL,
		Replayed:   result.Replayed,
	})
}

type quoteRequest struct {
	Items       []checkoutItemRequest `json:"items"`
	ShippingFee int64                 `json:"shippingFee"`
	Discount    int64                 `json:"discount"`
	MethodCode  string                `json:"paymentMethod"`
}

type quoteResponse struct {
	Subtotal       int64  `json:"subtotal"`
	ShippingFee    int64  `json:"shippingFee"`
	Discount       int64  `json:"discount"`
	TransactionFee int64  `json:"transactionFee"`
	Total          int64  `json:"total"`
	PaymentMethod  string `json:"paymentMethod"`
}

func (h *CheckoutHandlers) quote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pricing == nil {
		httpx.WriteError(ctx, w, httpx.NewError("pricing_service_unavailable", "pricing service unavailable", http.StatusServiceUnavailable))
		return
	}

	if _, ok := requireActor(w, r); !ok {
		return
	}

	var req quoteRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	var subtotal int64
	for _, item := range req.Items {
		subtotal += item.UnitPrice * int64(item.Quantity)
	}

	quote, err := h.pricing.Quote(services.PricingInput{
		Subtotal:    subtotal,
		ShippingFee: req.ShippingFee,
		Discount:    req.Discount,
		MethodCode:  req.MethodCode,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, quoteResponse{
		Subtotal:       quote.Subtotal,
		ShippingFee:    quote.ShippingFee,
		Discount:       quote.Discount,
		TransactionFee: quote.TransactionFee,
		Total:          quote.Total,
		PaymentMethod:  quote.Method.Code,
	})
}

type paymentMethodPayload struct {
	Code      string `json:"code"`
	Name      string `json:"name"`
	FeeType   string `json:"feeType"`
	Fee       int64  `json:"fee"`
	MinAmount int64  `json:"minAmount,omitempty"`
	MaxAmount int64  `json:"maxAmount,omitempty"`
}

func (h *CheckoutHandlers) listPaymentMethods(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pricing == nil {
		httpx.WriteError(ctx, w, httpx.NewError("pricing_service_unavailable", "pricing service unavailable", http.StatusServiceUnavailable))
		return
	}

	methods := h.pricing.Methods()
	items := make([]paymentMethodPayload, 0, len(methods))
	for _, method := range methods {
		items = append(items, paymentMethodPayload{
			Code:      method.Code,
			Name:      method.Name,
			FeeType:   string(method.FeeType),
			Fee:       method.Fee,
			MinAmount: method.MinAmount,
			MaxAmount: method.MaxAmount,
		})
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": items})
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput),
		errors.Is(err, services.ErrPricingInvalidAmount),
		errors.Is(err, services.ErrUnknownPaymentMethod):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrAmountOutOfRange):
		httpx.WriteError(ctx, w, httpx.NewError("amount_out_of_range", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrInsufficientBalance):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_balance", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout", http.StatusInternalServerError))
	}
}
