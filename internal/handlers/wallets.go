package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	domain "github.com/meadowmart/api/internal/domain"
	"github.com/meadowmart/api/internal/platform/httpx"
	"github.com/meadowmart/api/internal/platform/idempotency"
	"github.com/meadowmart/api/internal/services"
)

// WalletHandlers exposes the customer wallet endpoints.
type WalletHandlers struct {
	wallets services.WalletService
	limiter rateLimiter
}

// NewWalletHandlers constructs a new WalletHandlers instance. The limiter, if
// present, throttles top-up initiations per actor.
func NewWalletHandlers(wallets services.WalletService, limiter rateLimiter) *WalletHandlers {
	return &WalletHandlers{
		wallets: wallets,
		limiter: limiter,
	}
}

// Routes registers the /wallet endpoints.
func (h *WalletHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.getWallet)
	r.Get("/transactions", h.listTransactions)
	r.Post("/topups", h.initiateTopUp)
}

func (h *WalletHandlers) getWallet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.wallets == nil {
		httpx.WriteError(ctx, w, httpx.NewError("wallet_service_unavailable", "wallet service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	wallet, err := h.wallets.GetOrCreate(ctx, actor.ID)
	if err != nil {
		writeWalletError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, walletResponse{Wallet: buildWalletPayload(wallet)})
}

func (h *WalletHandlers) listTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.wallets == nil {
		httpx.WriteError(ctx, w, httpx.NewError("wallet_service_unavailable", "wallet service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	pager, ok := parsePager(w, r)
	if !ok {
		return
	}

	page, err := h.wallets.ListTransactions(ctx, actor.ID, pager)
	if err != nil {
		writeWalletError(ctx, w, err)
		return
	}

	items := make([]walletTransactionPayload, 0, len(page.Items))
	for _, txn := range page.Items {
		items = append(items, buildWalletTransactionPayload(txn))
	}
	writeJSONResponse(w, http.StatusOK, walletTransactionListResponse{
		Items:         items,
		NextPageToken: encodePageToken(page.NextPageToken),
	})
}

type initiateTopUpRequest struct {
	Amount    int64  `json:"amount"`
	ReturnURL string `json:"returnUrl"`
}

func (h *WalletHandlers) initiateTopUp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.wallets == nil {
		httpx.WriteError(ctx, w, httpx.NewError("wallet_service_unavailable", "wallet service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	if h.limiter != nil && !h.limiter.Allow(actor.ID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many top-up attempts", http.StatusTooManyRequests))
		return
	}

	var req initiateTopUpRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	intent, err := h.wallets.InitiateTopUp(ctx, services.InitiateTopUpCommand{
		AccountID: actor.ID,
		Amount:    req.Amount,
		ReturnURL: req.ReturnURL,
	})
	if err != nil {
		writeWalletError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, topUpIntentResponse{
		Amount:     intent.Amount,
		PaymentURL: intent.PaymentURL,
		Reference:  intent.Reference,
		CreatedAt:  formatTime(intent.CreatedAt),
	})
}

// PaymentWebhookHandlers lands gateway callbacks. The guard, when present,
// runs each callback at most once per gateway reference and replays the
// recorded outcome on redelivery.
type PaymentWebhookHandlers struct {
	wallets services.WalletService
	guard   *idempotency.Guard
}

// NewPaymentWebhookHandlers constructs webhook handlers over the wallet service.
func NewPaymentWebhookHandlers(wallets services.WalletService, guard *idempotency.Guard) *PaymentWebhookHandlers {
	return &PaymentWebhookHandlers{wallets: wallets, guard: guard}
}

// Routes registers the /webhooks endpoints.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/topup", h.confirmTopUp)
	r.Post("/payments/topup/failed", h.failTopUp)
}

type confirmTopUpRequest struct {
	AccountID        string `json:"accountId"`
	Amount           int64  `json:"amount"`
	GatewayReference string `json:"gatewayReference"`
}

type failTopUpRequest struct {
	AccountID        string `json:"accountId"`
	GatewayReference string `json:"gatewayReference"`
	Note             string `json:"note"`
}

// confirmTopUp credits the wallet once per gateway reference; the gateway may
// redeliver the callback freely.
func (h *PaymentWebhookHandlers) confirmTopUp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.wallets == nil {
		httpx.WriteError(ctx, w, httpx.NewError("wallet_service_unavailable", "wallet service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req confirmTopUpRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	txn, err := h.admitCallback(ctx, "topup:confirm:"+req.GatewayReference,
		fmt.Sprintf("%s|%d", req.AccountID, req.Amount),
		func(ctx context.Context) (services.WalletTransaction, error) {
			return h.wallets.ConfirmTopUp(ctx, services.ConfirmTopUpCommand{
				AccountID:        req.AccountID,
				Amount:           req.Amount,
				GatewayReference: req.GatewayReference,
			})
		})
	if err != nil {
		writeWebhookError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, walletTransactionResponse{Transaction: buildWalletTransactionPayload(txn)})
}

// failTopUp marks an initiated top-up as failed at the gateway.
func (h *PaymentWebhookHandlers) failTopUp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.wallets == nil {
		httpx.WriteError(ctx, w, httpx.NewError("wallet_service_unavailable", "wallet service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req failTopUpRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	txn, err := h.admitCallback(ctx, "topup:fail:"+req.GatewayReference,
		req.AccountID,
		func(ctx context.Context) (services.WalletTransaction, error) {
			return h.wallets.FailTopUp(ctx, services.FailTopUpCommand{
				AccountID:        req.AccountID,
				GatewayReference: req.GatewayReference,
				Note:             req.Note,
			})
		})
	if err != nil {
		writeWebhookError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, walletTransactionResponse{Transaction: buildWalletTransactionPayload(txn)})
}

// admitCallback funnels one gateway callback through the run-once guard. A
// redelivered callback replays the stored transaction without re-entering the
// wallet service; without a guard the service's own reference idempotency
// still holds.
func (h *PaymentWebhookHandlers) admitCallback(ctx context.Context, key, fingerprint string, op func(ctx context.Context) (services.WalletTransaction, error)) (services.WalletTransaction, error) {
	if h.guard == nil {
		return op(ctx)
	}

	result, err := h.guard.AdmitOnce(ctx, key, fingerprint, func(ctx context.Context) ([]byte, error) {
		txn, err := op(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(txn)
	})
	if err != nil {
		return services.WalletTransaction{}, err
	}

	var txn services.WalletTransaction
	if err := json.Unmarshal(result.Payload, &txn); err != nil {
		return services.WalletTransaction{}, fmt.Errorf("decode recorded callback outcome: %w", err)
	}
	return txn, nil
}

func writeWebhookError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, idempotency.ErrDuplicateInFlight):
		httpx.WriteError(ctx, w, httpx.NewError("duplicate_delivery", "callback is already being processed", http.StatusConflict))
	case errors.Is(err, idempotency.ErrFingerprintMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("reference_reused", "gateway reference reused with a different payload", http.StatusConflict))
	default:
		writeWalletError(ctx, w, err)
	}
}

type walletResponse struct {
	Wallet walletPayload `json:"wallet"`
}

type walletPayload struct {
	ID                string `json:"id"`
	Balance           int64  `json:"balance"`
	Currency          string `json:"currency"`
	LastTransactionAt string `json:"lastTransactionAt,omitempty"`
	CreatedAt         string `json:"createdAt"`
	UpdatedAt         string `json:"updatedAt,omitempty"`
}

type walletTransactionResponse struct {
	Transaction walletTransactionPayload `json:"transaction"`
}

type walletTransactionListResponse struct {
	Items         []walletTransactionPayload `json:"items"`
	NextPageToken string                     `json:"nextPageToken,omitempty"`
}

type walletTransactionPayload struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Direction      string `json:"direction"`
	Amount         int64  `json:"amount"`
	BalanceAfter   int64  `json:"balanceAfter"`
	Status         string `json:"status"`
	Reference      string `json:"reference,omitempty"`
	RelatedOrderID string `json:"relatedOrderId,omitempty"`
	Note           string `json:"note,omitempty"`
	CreatedAt      string `json:"createdAt"`
}

type topUpIntentResponse struct {
	Amount     int64  `json:"amount"`
	PaymentURL string `json:"paymentUrl"`
	Reference  string `json:"reference"`
	CreatedAt  string `json:"createdAt"`
}

func buildWalletPayload(wallet domain.Wallet) walletPayload {
	payload := walletPayload{
		ID:        wallet.ID,
		Balance:   wallet.Balance,
		Currency:  wallet.Currency,
		CreatedAt: formatTime(wallet.CreatedAt),
		UpdatedAt: formatTime(wallet.UpdatedAt),
	}
	if wallet.LastTransactionAt != nil {
		payload.LastTransactionAt = formatTime(*wallet.LastTransactionAt)
	}
	return payload
}

func buildWalletTransactionPayload(txn domain.WalletTransaction) walletTransactionPayload {
	return walletTransactionPayload{
		ID:             txn.ID,
		Type:           string(txn.Type),
		Direction:      string(txn.Direction),
		Amount:         txn.Amount,
		BalanceAfter:   txn.BalanceAfter,
		Status:         string(txn.Status),
		Reference:      txn.Reference,
		RelatedOrderID: txn.RelatedOrderID,
		Note:           txn.Note,
		CreatedAt:      formatTime(txn.CreatedAt),
	}
}

func writeWalletError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrWalletInvalidInput),
		errors.Is(err, services.ErrWalletInvalidAmount):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrTopUpOutOfRange):
		httpx.WriteError(ctx, w, httpx.NewError("amount_out_of_range", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrInsufficientBalance):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_balance", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrWalletLimitExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("balance_limit_exceeded", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrWalletNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("wallet_not_found", "wallet not found", http.StatusNotFound))
	case errors.Is(err, services.ErrWalletConflict):
		httpx.WriteError(ctx, w, httpx.NewError("wallet_conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("wallet_error", "failed to process wallet request", http.StatusInternalServerError))
	}
}
