package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/meadowmart/api/internal/services"
)

func TestNewRouterDefaultMounts(t *testing.T) {
	router := NewRouter()

	t.Run("healthz", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rr := httptest.NewRecorder()

		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp["status"] != "ok" {
			t.Fatalf("expected ok status, got %v", resp["status"])
		}
	})

	t.Run("unregistered group returns not implemented", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/wallet", nil)
		rr := httptest.NewRecorder()

		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusNotImplemented {
			t.Fatalf("expected status 501, got %d", rr.Code)
		}
	})

	t.Run("unknown route returns 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/nope", nil)
		rr := httptest.NewRecorder()

		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestNewRouterMountsRegistrars(t *testing.T) {
	wallet := NewWalletHandlers(&stubWalletService{
		getOrCreateFn: func(ctx context.Context, accountID string) (services.Wallet, error) {
			return services.Wallet{ID: accountID, AccountID: accountID, Currency: "VND"}, nil
		},
	}, nil)

	router := NewRouter(WithWalletRoutes(wallet.Routes))

	req := withCustomer(httptest.NewRequest(http.MethodGet, "/api/v1/wallet/", nil), "cust-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestNewRouterGroupMiddlewares(t *testing.T) {
	var seen bool
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = true
			next.ServeHTTP(w, r)
		})
	}

	router := NewRouter(WithWebhookMiddlewares(mw))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments/topup", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if !seen {
		t.Fatalf("expected webhook middleware to run")
	}
}

func TestHealthHandlersReadyzDegraded(t *testing.T) {
	handlers := NewHealthHandlers(map[string]ReadinessChecker{
		"firestore": func(ctx context.Context) error { return nil },
		"pubsub":    func(ctx context.Context) error { return errors.New("topic missing") },
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	handlers.Readyz(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}

	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Status != "degraded" {
		t.Fatalf("expected degraded, got %s", resp.Status)
	}
	if resp.Checks["firestore"] != "ok" {
		t.Fatalf("expected firestore ok, got %s", resp.Checks["firestore"])
	}
	if resp.Checks["pubsub"] != "topic missing" {
		t.Fatalf("expected pubsub failure message, got %s", resp.Checks["pubsub"])
	}
}
