package shipping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/meadowmart/api/internal/services"
)

const defaultQuoteTimeout = 3 * time.Second

// ErrCarrierUnavailable wraps transport and non-2xx failures from the carrier API.
var ErrCarrierUnavailable = errors.New("shipping: carrier unavailable")

// ClientConfig configures the carrier API client.
type ClientConfig struct {
	BaseURL      string
	AuthToken    string
	QuoteTimeout time.Duration
	HTTPClient   *http.Client
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

// Client talks to the carrier aggregator API. It serves both rate quoting at
// checkout and pickup dispatch on order confirmation.
type Client struct {
	baseURL      string
	authToken    string
	quoteTimeout time.Duration
	httpc        *http.Client
	logger       func(context.Context, string, map[string]any)
}

// NewClient builds a carrier API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("shipping: base url is required")
	}

	timeout := cfg.QuoteTimeout
	if timeout <= 0 {
		timeout = defaultQuoteTimeout
	}

	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &Client{
		baseURL:      baseURL,
		authToken:    strings.TrimSpace(cfg.AuthToken),
		quoteTimeout: timeout,
		httpc:        httpc,
		logger:       logger,
	}, nil
}

type rateRequestBody struct {
	Address string `json:"address"`
	Weight  int64  `json:"weight"`
	Value   int64  `json:"value"`
}

type rateResponseBody struct {
	Rates []struct {
		Carrier       string `json:"carrier"`
		ServiceType   string `json:"serviceType"`
		Fee           int64  `json:"fee"`
		EstimatedDays int    `json:"estimatedDays"`
	} `json:"rates"`
}

// Quote fetches carrier rates. Quoting is on the checkout critical path, so
// it runs under its own short deadline regardless of the caller's.
func (c *Client) Quote(ctx context.Context, req services.CarrierQuoteRequest) ([]services.CarrierQuote, error) {
	quoteCtx, cancel := context.WithTimeout(ctx, c.quoteTimeout)
	defer cancel()

	var resp rateResponseBody
	if err := c.post(quoteCtx, "/v1/rates", rateRequestBody{
		Address: req.Address,
		Weight:  req.Weight,
		Value:   req.Value,
	}, &resp); err != nil {
		return nil, err
	}

	quotes := make([]services.CarrierQuote, 0, len(resp.Rates))
	for _, rate := range resp.Rates {
		quotes = append(quotes, services.CarrierQuote{
			Carrier:       rate.Carrier,
			ServiceType:   rate.ServiceType,
			Fee:           rate.Fee,
			EstimatedDays: rate.EstimatedDays,
		})
	}
	return quotes, nil
}

type dispatchRequestBody struct {
	OrderID   string `json:"orderId"`
	OrderCode string `json:"orderCode"`
	Address   string `json:"address,omitempty"`
}

type dispatchResponseBody struct {
	TrackingCode string `json:"trackingCode"`
	Carrier      string `json:"carrier"`
}

// Dispatch requests carrier pickup for a confirmed order.
func (c *Client) Dispatch(ctx context.Context, req services.DispatchRequest) (services.DispatchResult, error) {
	var resp dispatchResponseBody
	if err := c.post(ctx, "/v1/dispatch", dispatchRequestBody{
		OrderID:   req.OrderID,
		OrderCode: req.OrderCode,
		Address:   req.Address,
	}, &resp); err != nil {
		return services.DispatchResult{}, err
	}

	c.logger(ctx, "shipping.dispatched", map[string]any{
		"orderId":      req.OrderID,
		"trackingCode": resp.TrackingCode,
		"carrier":      resp.Carrier,
	})

	return services.DispatchResult{
		TrackingCode: resp.TrackingCode,
		Carrier:      resp.Carrier,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("shipping: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("shipping: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCarrierUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s returned %d: %s", ErrCarrierUnavailable, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrCarrierUnavailable, err)
	}
	return nil
}
