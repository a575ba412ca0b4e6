package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voxlive/internal/resilience"
	"github.com/MrWong99/voxlive/pkg/provider/s2s"
	"github.com/MrWong99/voxlive/pkg/provider/s2s/mock"
)

func TestGuardProvider_PassesThrough(t *testing.T) {
	t.Parallel()
	inner := &mock.Provider{ProviderCapabilities: s2s.S2SCapabilities{InputSampleRate: 16000}}
	g := resilience.GuardProvider(inner, resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "s2s"}))

	h, err := g.Connect(context.Background(), s2s.SessionConfig{Voice: "Puck"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if h != s2s.SessionHandle(inner.LastSession()) {
		t.Error("Connect did not return the wrapped provider's session")
	}
	if got := inner.ConnectCalls[0].Cfg.Voice; got != "Puck" {
		t.Errorf("forwarded voice = %q, want Puck", got)
	}
	if got := g.Capabilities().InputSampleRate; got != 16000 {
		t.Errorf("InputSampleRate = %d, want 16000", got)
	}
}

func TestGuardProvider_FailsFastWhenOpen(t *testing.T) {
	t.Parallel()
	inner := &mock.Provider{ConnectErr: errors.New("503 unavailable")}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "s2s",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})
	g := resilience.GuardProvider(inner, cb)

	for range 2 {
		if _, err := g.Connect(context.Background(), s2s.SessionConfig{}); err == nil {
			t.Fatal("expected connect error")
		}
	}
	_, err := g.Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if got := inner.ConnectCount(); got != 2 {
		t.Errorf("inner Connect calls = %d, want 2", got)
	}
	if g.Breaker().State() != resilience.StateOpen {
		t.Errorf("breaker state = %v, want open", g.Breaker().State())
	}
}
