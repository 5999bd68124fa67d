package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/meadowmart/api/internal/services"
)

type stubCarrierQuoter struct {
	quoteFn func(context.Context, services.CarrierQuoteRequest) ([]services.CarrierQuote, error)
}

func (s *stubCarrierQuoter) QuoteShipping(ctx context.Context, req services.CarrierQuoteRequest) ([]services.CarrierQuote, error) {
	if s.quoteFn != nil {
		return s.quoteFn(ctx, req)
	}
	return nil, nil
}

func TestShippingHandlersQuoteRates(t *testing.T) {
	var captured services.CarrierQuoteRequest
	quoter := &stubCarrierQuoter{
		quoteFn: func(ctx context.Context, req services.CarrierQuoteRequest) ([]services.CarrierQuote, error) {
			captured = req
			return []services.CarrierQuote{
				{Carrier: "ghn", ServiceType: "standard", Fee: 35000, EstimatedDays: 3},
				{Carrier: "ghtk", ServiceType: "express", Fee: 62000, EstimatedDays: 1},
			}, nil
		},
	}

	handler := NewShippingHandlers(quoter)
	router := chi.NewRouter()
	router.Route("/shipping", handler.Routes)

	body := bytes.NewBufferString(`{"address":"12 Hang Bac, Hoan Kiem, Ha Noi","weight":1200,"value":450000}`)
	req := withCustomer(httptest.NewRequest(http.MethodPost, "/shipping/rates", body), "cust-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Weight != 1200 || captured.Value != 450000 {
		t.Fatalf("unexpected request: %#v", captured)
	}

	var resp struct {
		Items []shippingRatePayload `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Items) != 2 {
		t.Fatalf("expected 2 quotes, got %d", len(resp.Items))
	}
	if resp.Items[0].Carrier != "ghn" || resp.Items[0].Fee != 35000 {
		t.Fatalf("unexpected quote: %#v", resp.Items[0])
	}
}

func TestShippingHandlersQuoteRatesMissingAddress(t *testing.T) {
	quoter := &stubCarrierQuoter{
		quoteFn: func(ctx context.Context, req services.CarrierQuoteRequest) ([]services.CarrierQuote, error) {
			return nil, fmt.Errorf("%w: address is required", services.ErrPricingInvalidAmount)
		},
	}
	handler := NewShippingHandlers(quoter)
	router := chi.NewRouter()
	router.Route("/shipping", handler.Routes)

	body := bytes.NewBufferString(`{"weight":1200}`)
	req := withCustomer(httptest.NewRequest(http.MethodPost, "/shipping/rates", body), "cust-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestShippingHandlersQuoteRatesCarrierUnavailable(t *testing.T) {
	quoter := &stubCarrierQuoter{
		quoteFn: func(ctx context.Context, req services.CarrierQuoteRequest) ([]services.CarrierQuote, error) {
			return nil, fmt.Errorf("%w: connection refused", services.ErrCarrierRatesUnavailable)
		},
	}

	handler := NewShippingHandlers(quoter)
	router := chi.NewRouter()
	router.Route("/shipping", handler.Routes)

	body := bytes.NewBufferString(`{"address":"12 Hang Bac","weight":1200}`)
	req := withCustomer(httptest.NewRequest(http.MethodPost, "/shipping/rates", body), "cust-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}
