package handlers

import (
	"context"
	"net/http"
	"time"
)

// ReadinessChecker probes a backing dependency.
type ReadinessChecker func(ctx context.Context) error

// HealthHandlers serves liveness and readiness endpoints.
type HealthHandlers struct {
	started time.Time
	clock   func() time.Time
	checks  map[string]ReadinessChecker
}

// NewHealthHandlers constructs health handlers over the named readiness checks.
func NewHealthHandlers(checks map[string]ReadinessChecker) *HealthHandlers {
	return &HealthHandlers{
		started: time.Now(),
		clock:   time.Now,
		checks:  checks,
	}
}

// Healthz reports process liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    h.clock().Sub(h.started).String(),
		"timestamp": h.clock().UTC().Format(time.RFC3339),
	})
}

// Readyz runs every registered dependency check and fails when any does.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	results := make(map[string]string, len(h.checks))
	healthy := true
	for name, check := range h.checks {
		if check == nil {
			continue
		}
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			healthy = false
			continue
		}
		results[name] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSONResponse(w, status, map[string]any{
		"status": state,
		"checks": results,
	})
}
