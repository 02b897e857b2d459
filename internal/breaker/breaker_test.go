package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/relaydispatch/dispatch-engine/internal/domain"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type fakeStatePublisher struct {
	states []*domain.CircuitBreakerState
}

func (f *fakeStatePublisher) PutCircuitBreakerState(_ context.Context, state *domain.CircuitBreakerState) error {
	f.states = append(f.states, state)
	return nil
}

func TestForceTripOpensBreaker(t *testing.T) {
	store := &fakeStatePublisher{}
	b := New(Config{ErrorThreshold: 0.30, ResetTimeout: 50 * time.Millisecond}, store, zap.NewNop())

	if b.State() != gobreaker.StateClosed {
		t.Fatalf("expected closed state initially, got %s", b.State())
	}

	b.ForceTrip("error rate or system health threshold exceeded")

	if b.State() != gobreaker.StateOpen {
		t.Fatalf("expected open state after ForceTrip, got %s", b.State())
	}
	if len(store.states) == 0 {
		t.Fatalf("expected circuit breaker state to be published to the store")
	}
	if !store.states[len(store.states)-1].Tripped {
		t.Fatalf("expected published state to report tripped=true")
	}
}

func TestForceTripIsIdempotent(t *testing.T) {
	b := New(Config{ErrorThreshold: 0.30, ResetTimeout: time.Minute}, &fakeStatePublisher{}, zap.NewNop())

	b.ForceTrip("first")
	b.ForceTrip("second")

	if b.State() != gobreaker.StateOpen {
		t.Fatalf("expected breaker to remain open, got %s", b.State())
	}
}

func TestBreakerRecoversToHalfOpenAfterTimeout(t *testing.T) {
	b := New(Config{ErrorThreshold: 0.30, ResetTimeout: 20 * time.Millisecond}, &fakeStatePublisher{}, zap.NewNop())

	b.ForceTrip("forced")
	if b.State() != gobreaker.StateOpen {
		t.Fatalf("expected open immediately after ForceTrip")
	}

	time.Sleep(30 * time.Millisecond)

	if b.State() != gobreaker.StateHalfOpen {
		t.Fatalf("expected half-open after reset timeout elapses, got %s", b.State())
	}
}
