package payments

import (
	"context"
	"errors"
	"strings"

	"github.com/meadowmart/api/internal/services"
)

// Initiator adapts the gateway manager to the payment contract the checkout
// and wallet services consume.
type Initiator struct {
	manager    *Manager
	successURL string
	cancelURL  string
}

// NewInitiator builds an Initiator over the manager. The URLs are fallbacks
// for callers that do not supply a return URL.
func NewInitiator(manager *Manager, successURL, cancelURL string) (*Initiator, error) {
	if manager == nil {
		return nil, errors.New("payments: manager is required")
	}
	return &Initiator{
		manager:    manager,
		successURL: strings.TrimSpace(successURL),
		cancelURL:  strings.TrimSpace(cancelURL),
	}, nil
}

// Initiate opens a hosted session for the requested amount. The caller's
// reference becomes the gateway idempotency key, so a retried initiation
// returns the same session instead of opening a second one.
func (i *Initiator) Initiate(ctx context.Context, req services.PaymentInitiation) (services.PaymentSession, error) {
	successURL := strings.TrimSpace(req.ReturnURL)
	if successURL == "" {
		successURL = i.successURL
	}
	cancelURL := i.cancelURL
	if cancelURL == "" {
		cancelURL = successURL
	}

	metadata := map[string]string{"reference": req.Reference}
	if req.OrderID != "" {
		metadata["orderId"] = req.OrderID
	}

	session, err := i.manager.CreateSession(ctx, PaymentContext{Currency: req.Currency}, SessionRequest{
		Amount:         req.Amount,
		Currency:       req.Currency,
		SuccessURL:     successURL,
		CancelURL:      cancelURL,
		Metadata:       metadata,
		IdempotencyKey: req.Reference,
	})
	if err != nil {
		return services.PaymentSession{}, err
	}

	return services.PaymentSession{
		PaymentURL: session.RedirectURL,
		ProviderID: session.ID,
		ExpiresAt:  session.ExpiresAt,
	}, nil
}
