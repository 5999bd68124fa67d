package firestore

import (
	"context"
	"errors"
	"time"

	"google.golang.org/api/iterator"

	pfirestore "github.com/meadowmart/api/internal/platform/firestore"
)

const healthProbeTimeout = 1500 * time.Millisecond

// HealthRepository probes Firestore for readiness checks.
type HealthRepository struct {
	provider *pfirestore.Provider
}

// NewHealthRepository constructs a Firestore readiness probe.
func NewHealthRepository(provider *pfirestore.Provider) (*HealthRepository, error) {
	if provider == nil {
		return nil, errors.New("health repository requires firestore provider")
	}
	return &HealthRepository{provider: provider}, nil
}

// Check issues a cheap read against the backend and reports reachability.
func (r *HealthRepository) Check(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return errors.New("health repository not initialised")
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	client, err := r.provider.Client(probeCtx)
	if err != nil {
		return pfirestore.WrapError("health.client", err)
	}

	iter := client.Collections(probeCtx)
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return pfirestore.WrapError("health.probe", err)
	}
	return nil
}
