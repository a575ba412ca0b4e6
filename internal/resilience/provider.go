package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/voxlive/pkg/provider/s2s"
)

// Compile-time interface assertion.
var _ s2s.Provider = (*GuardedProvider)(nil)

// GuardedProvider is an [s2s.Provider] whose Connect runs through a
// [CircuitBreaker]. Only opening a session is guarded; a session that is
// already open is returned untouched.
type GuardedProvider struct {
	inner   s2s.Provider
	breaker *CircuitBreaker
}

// GuardProvider wraps p with cb.
func GuardProvider(p s2s.Provider, cb *CircuitBreaker) *GuardedProvider {
	return &GuardedProvider{inner: p, breaker: cb}
}

// Connect opens a session on the wrapped provider unless the breaker is open,
// in which case it returns an error wrapping [ErrCircuitOpen] without dialling.
func (g *GuardedProvider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	var handle s2s.SessionHandle
	err := g.breaker.Execute(func() error {
		h, err := g.inner.Connect(ctx, cfg)
		if err != nil {
			return err
		}
		handle = h
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resilience: %s: %w", g.breaker.Name(), err)
	}
	return handle, nil
}

// Capabilities returns the wrapped provider's capabilities.
func (g *GuardedProvider) Capabilities() s2s.S2SCapabilities {
	return g.inner.Capabilities()
}

// Breaker returns the breaker guarding Connect.
func (g *GuardedProvider) Breaker() *CircuitBreaker {
	return g.breaker
}
