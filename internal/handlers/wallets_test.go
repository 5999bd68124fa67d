package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/meadowmart/api/internal/domain"
	"github.com/meadowmart/api/internal/platform/idempotency"
	"github.com/meadowmart/api/internal/platform/pagination"
	"github.com/meadowmart/api/internal/platform/requestctx"
	"github.com/meadowmart/api/internal/services"
)

type stubWalletService struct {
	getOrCreateFn func(context.Context, string) (services.Wallet, error)
	getFn         func(context.Context, string) (services.Wallet, error)
	creditFn      func(context.Context, services.WalletMutationCommand) (services.WalletTransaction, error)
	debitFn       func(context.Context, services.WalletMutationCommand) (services.WalletTransaction, error)
	initiateFn    func(context.Context, services.InitiateTopUpCommand) (services.TopUpIntent, error)
	confirmFn     func(context.Context, services.ConfirmTopUpCommand) (services.WalletTransaction, error)
	failFn        func(context.Context, services.FailTopUpCommand) (services.WalletTransaction, error)
	listFn        func(context.Context, string, services.Pagination) (domain.CursorPage[services.WalletTransaction], error)
	replayFn      func(context.Context, string) (services.LedgerReplay, error)
}

func (s *stubWalletService) GetOrCreate(ctx context.Context, accountID string) (services.Wallet, error) {
	if s.getOrCreateFn != nil {
		return s.getOrCreateFn(ctx, accountID)
	}
	return services.Wallet{}, errors.New("not implemented")
}

func (s *stubWalletService) GetWallet(ctx context.Context, accountID string) (services.Wallet, error) {
	if s.getFn != nil {
		return s.getFn(ctx, accountID)
	}
	return services.Wallet{}, errors.New("not implemented")
}

func (s *stubWalletService) Credit(ctx context.Context, cmd services.WalletMutationCommand) (services.WalletTransaction, error) {
	if s.creditFn != nil {
		return s.creditFn(ctx, cmd)
	}
	return services.WalletTransaction{}, errors.New("not implemented")
}

func (s *stubWalletService) Debit(ctx context.Context, cmd services.WalletMutationCommand) (services.WalletTransaction, error) {
	if s.debitFn != nil {
		return s.debitFn(ctx, cmd)
	}
	return services.WalletTransaction{}, errors.New("not implemented")
}

func (s *stubWalletService) InitiateTopUp(ctx context.Context, cmd services.InitiateTopUpCommand) (services.TopUpIntent, error) {
	if s.initiateFn != nil {
		return s.initiateFn(ctx, cmd)
	}
	return services.TopUpIntent{}, errors.New("not implemented")
}

func (s *stubWalletService) ConfirmTopUp(ctx context.Context, cmd services.ConfirmTopUpCommand) (services.WalletTransaction, error) {
	if s.confirmFn != nil {
		return s.confirmFn(ctx, cmd)
	}
	return services.WalletTransaction{}, errors.New("not implemented")
}

func (s *stubWalletService) FailTopUp(ctx context.Context, cmd services.FailTopUpCommand) (services.WalletTransaction, error) {
	if s.failFn != nil {
		return s.failFn(ctx, cmd)
	}
	return services.WalletTransaction{}, errors.New("not implemented")
}

func (s *stubWalletService) ListTransactions(ctx context.Context, accountID string, pager services.Pagination) (domain.CursorPage[services.WalletTransaction], error) {
	if s.listFn != nil {
		return s.listFn(ctx, accountID, pager)
	}
	return domain.CursorPage[services.WalletTransaction]{}, nil
}

func (s *stubWalletService) Replay(ctx context.Context, accountID string) (services.LedgerReplay, error) {
	if s.replayFn != nil {
		return s.replayFn(ctx, accountID)
	}
	return services.LedgerReplay{}, errors.New("not implemented")
}

type stubLimiter struct {
	allow bool
	keys  []string
}

func (s *stubLimiter) Allow(key string) bool {
	s.keys = append(s.keys, key)
	return s.allow
}

func withCustomer(req *http.Request, id string) *http.Request {
	return req.WithContext(requestctx.WithActor(req.Context(), requestctx.Actor{ID: id, Role: "customer"}))
}

func withStaff(req *http.Request, id string) *http.Request {
	return req.WithContext(requestctx.WithActor(req.Context(), requestctx.Actor{ID: id, Role: "admin"}))
}

func TestWalletHandlersGetWallet(t *testing.T) {
	now := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)
	service := &stubWalletService{
		getOrCreateFn: func(ctx context.Context, accountID string) (services.Wallet, error) {
			if accountID != "cust-1" {
				t.Fatalf("unexpected account id %s", accountID)
			}
			return services.Wallet{
				ID:        "cust-1",
				AccountID: "cust-1",
				Balance:   125000,
				Currency:  "VND",
				CreatedAt: now,
				UpdatedAt: now,
			}, nil
		},
	}

	handler := NewWalletHandlers(service, nil)
	router := chi.NewRouter()
	router.Route("/wallet", handler.Routes)

	req := withCustomer(httptest.NewRequest(http.MethodGet, "/wallet", nil), "cust-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp walletResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Wallet.ID != "cust-1" || resp.Wallet.Balance != 125000 {
		t.Fatalf("unexpected wallet payload: %#v", resp.Wallet)
	}
	if resp.Wallet.Currency != "VND" {
		t.Fatalf("expected currency VND, got %s", resp.Wallet.Currency)
	}
}

func TestWalletHandlersGetWalletUnauthenticated(t *testing.T) {
	handler := NewWalletHandlers(&stubWalletService{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/wallet", nil)
	rr := httptest.NewRecorder()

	handler.getWallet(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestWalletHandlersListTransactionsEncodesToken(t *testing.T) {
	now := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)
	var capturedPager services.Pagination
	service := &stubWalletService{
		listFn: func(ctx context.Context, accountID string, pager services.Pagination) (domain.CursorPage[services.WalletTransaction], error) {
			capturedPager = pager
			return domain.CursorPage[services.WalletTransaction]{
				Items: []services.WalletTransaction{
					{
						ID:           "wtx_1",
						Type:         domain.WalletTxnTopUp,
						Direction:    domain.DirectionIn,
						Amount:       50000,
						BalanceAfter: 50000,
						Status:       domain.WalletTxnCompleted,
						Reference:    "topup_1",
						CreatedAt:    now,
					},
				},
				NextPageToken: now.Format(time.RFC3339Nano),
			}, nil
		},
	}

	token, err := pagination.EncodeToken(pagination.Cursor{StartAfter: []any{"2026-05-09T00:00:00Z"}})
	if err != nil {
		t.Fatalf("encode token: %v", err)
	}

	handler := NewWalletHandlers(service, nil)
	router := chi.NewRouter()
	router.Route("/wallet", handler.Routes)

	req := withCustomer(httptest.NewRequest(http.MethodGet, "/wallet/transactions?pageSize=5&pageToken="+token, nil), "cust-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if capturedPager.PageSize != 5 {
		t.Fatalf("expected page size 5, got %d", capturedPager.PageSize)
	}
	if capturedPager.PageToken != "2026-05-09T00:00:00Z" {
		t.Fatalf("expected decoded cursor value, got %q", capturedPager.PageToken)
	}

	var resp walletTransactionListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].ID != "wtx_1" {
		t.Fatalf("unexpected items: %#v", resp.Items)
	}
	if resp.NextPageToken == "" {
		t.Fatalf("expected encoded next page token")
	}
	cursor, err := pagination.DecodeToken(resp.NextPageToken)
	if err != nil {
		t.Fatalf("decode next token: %v", err)
	}
	if len(cursor.StartAfter) != 1 || cursor.StartAfter[0] != now.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected cursor: %#v", cursor)
	}
}

func TestWalletHandlersInitiateTopUp(t *testing.T) {
	var captured services.InitiateTopUpCommand
	service := &stubWalletService{
		initiateFn: func(ctx context.Context, cmd services.InitiateTopUpCommand) (services.TopUpIntent, error) {
			captured = cmd
			return services.TopUpIntent{
				AccountID:  cmd.AccountID,
				Amount:     cmd.Amount,
				PaymentURL: "https://pay.example.com/session/abc",
				Reference:  "topup_abc",
				CreatedAt:  time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC),
			}, nil
		},
	}
	limiter := &stubLimiter{allow: true}

	handler := NewWalletHandlers(service, limiter)
	router := chi.NewRouter()
	router.Route("/wallet", handler.Routes)

	body := bytes.NewBufferString(`{"amount":200000,"returnUrl":"https://shop.example.com/wallet"}`)
	req := withCustomer(httptest.NewRequest(http.MethodPost, "/wallet/topups", body), "cust-9")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.AccountID != "cust-9" || captured.Amount != 200000 {
		t.Fatalf("unexpected command: %#v", captured)
	}
	if captured.ReturnURL != "https://shop.example.com/wallet" {
		t.Fatalf("unexpected return url: %s", captured.ReturnURL)
	}
	if len(limiter.keys) != 1 || limiter.keys[0] != "cust-9" {
		t.Fatalf("expected limiter keyed by actor, got %#v", limiter.keys)
	}

	var resp topUpIntentResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Reference != "topup_abc" || resp.PaymentURL == "" {
		t.Fatalf("unexpected intent payload: %#v", resp)
	}
}

func TestWalletHandlersInitiateTopUpRateLimited(t *testing.T) {
	handler := NewWalletHandlers(&stubWalletService{}, &stubLimiter{allow: false})
	router := chi.NewRouter()
	router.Route("/wallet", handler.Routes)

	body := bytes.NewBufferString(`{"amount":200000}`)
	req := withCustomer(httptest.NewRequest(http.MethodPost, "/wallet/topups", body), "cust-9")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rr.Code)
	}
}

func TestWalletHandlersInitiateTopUpOutOfRange(t *testing.T) {
	service := &stubWalletService{
		initiateFn: func(ctx context.Context, cmd services.InitiateTopUpCommand) (services.TopUpIntent, error) {
			return services.TopUpIntent{}, services.ErrTopUpOutOfRange
		},
	}

	handler := NewWalletHandlers(service, nil)
	router := chi.NewRouter()
	router.Route("/wallet", handler.Routes)

	body := bytes.NewBufferString(`{"amount":99}`)
	req := withCustomer(httptest.NewRequest(http.MethodPost, "/wallet/topups", body), "cust-9")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestPaymentWebhookHandlersConfirmTopUp(t *testing.T) {
	var captured services.ConfirmTopUpCommand
	service := &stubWalletService{
		confirmFn: func(ctx context.Context, cmd services.ConfirmTopUpCommand) (services.WalletTransaction, error) {
			captured = cmd
			return services.WalletTransaction{
				ID:           "wtx_42",
				Type:         domain.WalletTxnTopUp,
				Direction:    domain.DirectionIn,
				Amount:       cmd.Amount,
				BalanceAfter: 300000,
				Status:       domain.WalletTxnCompleted,
				Reference:    cmd.GatewayReference,
				CreatedAt:    time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC),
			}, nil
		},
	}

	handler := NewPaymentWebhookHandlers(service, nil)
	router := chi.NewRouter()
	router.Route("/webhooks", handler.Routes)

	body := bytes.NewBufferString(`{"accountId":"cust-1","amount":300000,"gatewayReference":"psp_ref_7"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/topup", body)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.AccountID != "cust-1" || captured.GatewayReference != "psp_ref_7" {
		t.Fatalf("unexpected command: %#v", captured)
	}

	var resp walletTransactionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Transaction.Reference != "psp_ref_7" || resp.Transaction.BalanceAfter != 300000 {
		t.Fatalf("unexpected transaction payload: %#v", resp.Transaction)
	}
}

func newGuardedWebhookHandler(t *testing.T, service services.WalletService) *PaymentWebhookHandlers {
	t.Helper()
	guard, err := idempotency.NewGuard(idempotency.NewMemoryStore())
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	return NewPaymentWebhookHandlers(service, guard)
}

func TestPaymentWebhookHandlersGuardedRedeliveryHitsServiceOnce(t *testing.T) {
	calls := 0
	service := &stubWalletService{
		confirmFn: func(_ context.Context, cmd services.ConfirmTopUpCommand) (services.WalletTransaction, error) {
			calls++
			return services.WalletTransaction{
				ID:           "wtx_42",
				Type:         domain.WalletTxnTopUp,
				Direction:    domain.DirectionIn,
				Amount:       cmd.Amount,
				BalanceAfter: 300000,
				Status:       domain.WalletTxnCompleted,
				Reference:    cmd.GatewayReference,
			}, nil
		},
	}

	handler := newGuardedWebhookHandler(t, service)
	router := chi.NewRouter()
	router.Route("/webhooks", handler.Routes)

	payload := `{"accountId":"cust-1","amount":300000,"gatewayReference":"psp_ref_7"}`
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/topup", bytes.NewBufferString(payload))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected status 200, got %d: %s", i+1, rr.Code, rr.Body.String())
		}

		var resp walletTransactionResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("delivery %d: failed to parse response: %v", i+1, err)
		}
		if resp.Transaction.ID != "wtx_42" {
			t.Fatalf("delivery %d: unexpected transaction %#v", i+1, resp.Transaction)
		}
	}
	if calls != 1 {
		t.Fatalf("expected 1 service call across redeliveries, got %d", calls)
	}
}

func TestPaymentWebhookHandlersGuardRejectsReusedReference(t *testing.T) {
	service := &stubWalletService{
		confirmFn: func(_ context.Context, cmd services.ConfirmTopUpCommand) (services.WalletTransaction, error) {
			return services.WalletTransaction{ID: "wtx_42", Reference: cmd.GatewayReference}, nil
		},
	}

	handler := newGuardedWebhookHandler(t, service)
	router := chi.NewRouter()
	router.Route("/webhooks", handler.Routes)

	first := httptest.NewRequest(http.MethodPost, "/webhooks/payments/topup",
		bytes.NewBufferString(`{"accountId":"cust-1","amount":300000,"gatewayReference":"psp_ref_7"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, first)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	// Same reference, different amount: not a redelivery, so it is refused
	// instead of replayed.
	second := httptest.NewRequest(http.MethodPost, "/webhooks/payments/topup",
		bytes.NewBufferString(`{"accountId":"cust-1","amount":999,"gatewayReference":"psp_ref_7"}`))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, second)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestPaymentWebhookHandlersFailTopUp(t *testing.T) {
	var captured services.FailTopUpCommand
	service := &stubWalletService{
		failFn: func(_ context.Context, cmd services.FailTopUpCommand) (services.WalletTransaction, error) {
			captured = cmd
			return services.WalletTransaction{
				ID:        "wtx_9",
				Type:      domain.WalletTxnTopUp,
				Direction: domain.DirectionIn,
				Amount:    150000,
				Status:    domain.WalletTxnFailed,
				Reference: cmd.GatewayReference,
				Note:      cmd.Note,
			}, nil
		},
	}

	handler := NewPaymentWebhookHandlers(service, nil)
	router := chi.NewRouter()
	router.Route("/webhooks", handler.Routes)

	body := bytes.NewBufferString(`{"accountId":"cust-1","gatewayReference":"psp_ref_9","note":"card declined"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/topup/failed", body)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.GatewayReference != "psp_ref_9" || captured.Note != "card declined" {
		t.Fatalf("unexpected command: %#v", captured)
	}

	var resp walletTransactionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Transaction.Status != string(domain.WalletTxnFailed) {
		t.Fatalf("unexpected transaction payload: %#v", resp.Transaction)
	}
}
