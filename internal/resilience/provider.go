package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/voxfolio/pkg/provider/s2s"
)

// GuardedProvider wraps an [s2s.Provider] so that Connect goes through a
// [CircuitBreaker]. Only the dial is guarded; a session that fails after it
// opened does not count against the breaker.
type GuardedProvider struct {
	s2s.Provider
	breaker *CircuitBreaker
}

var _ s2s.Provider = (*GuardedProvider)(nil)

// GuardProvider wraps p with a new breaker configured by cfg. Cancellation of
// the Connect context by the caller is not counted as a failure.
func GuardProvider(p s2s.Provider, cfg CircuitBreakerConfig) *GuardedProvider {
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}
	return &GuardedProvider{Provider: p, breaker: NewCircuitBreaker(cfg)}
}

// Connect dials the wrapped provider unless the breaker is open, in which
// case it returns [ErrCircuitOpen] without dialling.
func (g *GuardedProvider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	var h s2s.SessionHandle
	err := g.breaker.Execute(func() error {
		var err error
		h, err = g.Provider.Connect(ctx, cfg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Breaker returns the breaker guarding Connect.
func (g *GuardedProvider) Breaker() *CircuitBreaker { return g.breaker }
