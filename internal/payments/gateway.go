package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the normalised payment states shared across gateways.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or gateway confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the gateway reports the payment as captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the gateway reports a failure and no further action is possible.
	StatusFailed Status = "failed"
)

// ErrUnsupportedGateway is returned when the manager cannot locate a gateway.
var ErrUnsupportedGateway = errors.New("payments: unsupported gateway")

// SessionRequest captures the payload required to open a hosted payment session.
type SessionRequest struct {
	Amount         int64
	Currency       string
	CustomerID     string
	SuccessURL     string
	CancelURL      string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// Session is the gateway session the customer is redirected to.
type Session struct {
	ID          string
	Gateway     string
	RedirectURL string
	IntentID    string
	ExpiresAt   time.Time
}

// LookupRequest fetches gateway-side payment state for reconciliation.
type LookupRequest struct {
	IntentID string
}

// PaymentDetails normalises gateway specific fields.
type PaymentDetails struct {
	Gateway    string
	IntentID   string
	Status     Status
	Amount     int64
	Currency   string
	Captured   bool
	CapturedAt *time.Time
}

// Gateway is the contract payment adapters implement.
type Gateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
}

// Manager selects a gateway per payment and exposes the aggregated interface.
type Manager struct {
	gateways       map[string]Gateway
	defaultGateway string
	currencyRoutes map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultGateway overrides the default gateway for currencies without explicit routing.
func WithDefaultGateway(name string) ManagerOption {
	return func(m *Manager) {
		m.defaultGateway = name
	}
}

// WithCurrencyRoutes configures static currency to gateway mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied gateways.
func NewManager(gateways map[string]Gateway, opts ...ManagerOption) (*Manager, error) {
	if len(gateways) == 0 {
		return nil, errors.New("payments: at least one gateway is required")
	}
	copyMap := make(map[string]Gateway, len(gateways))
	for k, v := range gateways {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid gateway registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		gateways: copyMap,
	}
	if _, ok := copyMap["stripe"]; ok {
		m.defaultGateway = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a gateway.
type PaymentContext struct {
	PreferredGateway string
	Currency         string
}

func (m *Manager) resolveGateway(ctx PaymentContext) (string, Gateway, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if len(m.gateways) == 0 {
		return "", nil, errors.New("payments: no gateways registered")
	}
	if name := strings.TrimSpace(strings.ToLower(ctx.PreferredGateway)); name != "" {
		if g, ok := m.gateways[name]; ok {
			return name, g, nil
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency != "" && m.currencyRoutes != nil {
		if routed, ok := m.currencyRoutes[currency]; ok {
			name := strings.TrimSpace(strings.ToLower(routed))
			if g, ok := m.gateways[name]; ok {
				return name, g, nil
			}
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultGateway)); def != "" {
		if g, ok := m.gateways[def]; ok {
			return def, g, nil
		}
	}
	if len(m.gateways) == 1 {
		for name, g := range m.gateways {
			return name, g, nil
		}
	}
	return "", nil, ErrUnsupportedGateway
}

// CreateSession delegates to the resolved gateway.
func (m *Manager) CreateSession(ctx context.Context, paymentCtx PaymentContext, req SessionRequest) (Session, error) {
	name, gateway, err := m.resolveGateway(paymentCtx)
	if err != nil {
		return Session{}, err
	}
	session, err := gateway.CreateSession(ctx, req)
	if err != nil {
		return Session{}, err
	}
	session.Gateway = name
	return session, nil
}

// LookupPayment delegates to the resolved gateway.
func (m *Manager) LookupPayment(ctx context.Context, paymentCtx PaymentContext, req LookupRequest) (PaymentDetails, error) {
	_, gateway, err := m.resolveGateway(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	return gateway.LookupPayment(ctx, req)
}
