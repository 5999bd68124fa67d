package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/meadowmart/api/internal/platform/httpx"
	"github.com/meadowmart/api/internal/services"
)

// carrierQuoter is the slice of the pricing service the shipping endpoints
// need. Quotes flow through the engine so repeated previews hit its cache.
type carrierQuoter interface {
	QuoteShipping(ctx context.Context, req services.CarrierQuoteRequest) ([]services.CarrierQuote, error)
}

// ShippingHandlers exposes carrier rate quoting.
type ShippingHandlers struct {
	quoter carrierQuoter
}

// NewShippingHandlers constructs a new ShippingHandlers instance.
func NewShippingHandlers(quoter carrierQuoter) *ShippingHandlers {
	return &ShippingHandlers{quoter: quoter}
}

// Routes registers the /shipping endpoints.
func (h *ShippingHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/rates", h.quoteRates)
}

type shippingRateRequest struct {
	Address string `json:"address"`
	Weight  int64  `json:"weight"`
	Value   int64  `json:"value"`
}

type shippingRatePayload struct {
	Carrier       string `json:"carrier"`
	ServiceType   string `json:"serviceType"`
	Fee           int64  `json:"fee"`
	EstimatedDays int    `json:"estimatedDays"`
}

func (h *ShippingHandlers) quoteRates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.quoter == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_service_unavailable", "shipping service unavailable", http.StatusServiceUnavailable))
		return
	}

	if _, ok := requireActor(w, r); !ok {
		return
	}

	var req shippingRateRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	quotes, err := h.quoter.QuoteShipping(ctx, services.CarrierQuoteRequest{
		Address: req.Address,
		Weight:  req.Weight,
		Value:   req.Value,
	})
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}

	items := make([]shippingRatePayload, 0, len(quotes))
	for _, quote := range quotes {
		items = append(items, shippingRatePayload(quote))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": items})
}

func writeShippingError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrPricingInvalidAmount):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCarrierRatesUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("carrier_unavailable", "carrier service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("shipping_error", "failed to quote shipping rates", http.StatusInternalServerError))
	}
}
