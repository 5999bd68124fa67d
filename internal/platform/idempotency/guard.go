package idempotency

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicateInFlight is returned when another caller holds the key and
	// does not finish within the guard's wait window.
	ErrDuplicateInFlight = errors.New("idempotency: duplicate request in flight")
)

// Result carries the payload of an admitted operation and whether it was
// replayed from a previous completion.
type Result struct {
	Payload  []byte
	Replayed bool
}

// Guard wraps a Store with run-once semantics for service operations that do
// not flow through the HTTP middleware, such as broker callbacks.
type Guard struct {
	store        Store
	ttl          time.Duration
	waitTimeout  time.Duration
	pollInterval time.Duration
	clock        clockFunc
}

// GuardOption customises guard behaviour.
type GuardOption func(*Guard)

// WithGuardTTL configures how long completed records are retained.
func WithGuardTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithGuardWait bounds how long AdmitOnce waits on a concurrent holder.
func WithGuardWait(timeout, poll time.Duration) GuardOption {
	return func(g *Guard) {
		if timeout > 0 {
			g.waitTimeout = timeout
		}
		if poll > 0 {
			g.pollInterval = poll
		}
	}
}

// WithGuardClock overrides the time source, primarily for testing.
func WithGuardClock(clock clockFunc) GuardOption {
	return func(g *Guard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// NewGuard constructs a guard over the provided store.
func NewGuard(store Store, opts ...GuardOption) (*Guard, error) {
	if store == nil {
		return nil, errors.New("idempotency: guard requires a store")
	}
	guard := &Guard{
		store:        store,
		ttl:          DefaultTTL,
		waitTimeout:  10 * time.Second,
		pollInterval: 200 * time.Millisecond,
		clock:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(guard)
		}
	}
	return guard, nil
}

// AdmitOnce runs op exactly once per key. A completed record replays the
// stored payload without invoking op. A concurrent holder of the same key is
// awaited up to the wait timeout, after which ErrDuplicateInFlight is
// returned. When op fails the reservation is released so the caller may
// retry.
func (g *Guard) AdmitOnce(ctx context.Context, key, fingerprint string, op func(ctx context.Context) ([]byte, error)) (Result, error) {
	if op == nil {
		return Result{}, errors.New("idempotency: operation is required")
	}

	reservation, err := g.reserve(ctx, key, fingerprint)
	if err != nil {
		return Result{}, err
	}

	switch reservation.State {
	case ReservationStateCompleted:
		return Result{Payload: reservation.Record.ResponseBody, Replayed: true}, nil
	case ReservationStatePending:
		return Result{}, ErrDuplicateInFlight
	}

	payload, opErr := op(ctx)
	if opErr != nil {
		if releaseErr := g.store.Release(ctx, key, fingerprint); releaseErr != nil {
			return Result{}, errors.Join(opErr, releaseErr)
		}
		return Result{}, opErr
	}

	saved := Response{Status: 0, Body: payload}
	if err := g.store.SaveResponse(ctx, key, fingerprint, saved, g.clock().UTC(), g.ttl); err != nil {
		return Result{Payload: payload}, err
	}
	return Result{Payload: payload}, nil
}

func (g *Guard) reserve(ctx context.Context, key, fingerprint string) (Reservation, error) {
	reservation, err := g.store.Reserve(ctx, key, fingerprint, g.clock().UTC(), g.ttl)
	if err != nil || reservation.State != ReservationStatePending {
		return reservation, err
	}
	if g.waitTimeout <= 0 || g.pollInterval <= 0 {
		return reservation, nil
	}

	deadline := time.NewTimer(g.waitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return reservation, ctx.Err()
		case <-deadline.C:
			return reservation, nil
		case <-ticker.C:
			reservation, err = g.store.Reserve(ctx, key, fingerprint, g.clock().UTC(), g.ttl)
			if err != nil || reservation.State != ReservationStatePending {
				return reservation, err
			}
		}
	}
}
