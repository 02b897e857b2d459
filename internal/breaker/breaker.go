// Package breaker wraps sony/gobreaker as the Record Pipeline's
// circuit-breaker gate (spec §4.5 step 1, §4.7), publishing every trip
// through the Context Store so the gate check is a cheap read even from a
// different process. Grounded on the intelligence-service resilience stack
// (other_examples/…intelligence-service.go.go), which builds its
// circuit breaker the same way: gobreaker.Settings{ReadyToTrip,
// OnStateChange} wrapping a single Execute call.
package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/relaydispatch/dispatch-engine/internal/domain"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// StatePublisher is the subset of the Context Store the breaker needs;
// satisfied by *store.Store.
type StatePublisher interface {
	PutCircuitBreakerState(ctx context.Context, state *domain.CircuitBreakerState) error
}

// Breaker gates Record Pipeline execution behind an error-rate trip.
type Breaker struct {
	cb           *gobreaker.CircuitBreaker
	resetTimeout time.Duration
	store        StatePublisher
	logger       *zap.Logger
}

// Config mirrors spec §6's CB_ERROR_THRESHOLD / CB_RESET_TIMEOUT tunables.
type Config struct {
	ErrorThreshold float64
	ResetTimeout   time.Duration
}

// New builds a Breaker. ReadyToTrip fires once at least 3 requests have
// been seen and the failure ratio crosses ErrorThreshold (default 0.30).
func New(cfg Config, store StatePublisher, logger *zap.Logger) *Breaker {
	b := &Breaker{resetTimeout: cfg.ResetTimeout, store: store, logger: logger}

	settings := gobreaker.Settings{
		Name:    "record-pipeline",
		Timeout: cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 3 {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.ErrorThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.onStateChange(from, to)
		},
	}
	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

func (b *Breaker) onStateChange(from, to gobreaker.State) {
	if b.logger != nil {
		b.logger.Warn("circuit breaker state change",
			zap.String("from", from.String()), zap.String("to", to.String()))
	}
	if to != gobreaker.StateOpen {
		return
	}
	state := &domain.CircuitBreakerState{
		Tripped:        true,
		LastTripped:    time.Now(),
		Reason:         "error rate threshold exceeded",
		ResetTimeoutMs: b.resetTimeout.Milliseconds(),
	}
	if b.store != nil {
		if err := b.store.PutCircuitBreakerState(context.Background(), state); err != nil && b.logger != nil {
			b.logger.Warn("failed to publish circuit breaker state", zap.Error(err))
		}
	}
}

// Execute runs fn through the breaker and returns gobreaker's result
// unchanged (gobreaker.ErrOpenState while open). The pipeline's gate check
// reads State() rather than calling Execute.
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	return b.cb.Execute(fn)
}

// ForceTrip drives the breaker open on the Adaptive Controller's own
// authority (spec §4.7: "Trip circuit breaker if avgError > 0.30 or
// systemHealth < -0.7 ... set breaker"). C7, not gobreaker's own per-request
// ReadyToTrip bookkeeping, is the sole decision-maker for this transition;
// this feeds gobreaker just enough synthetic failures to cross its own
// ReadyToTrip threshold (>=3 requests, 100% failure ratio always clears any
// configured threshold), so the state machine, OnStateChange publication,
// and Timeout-driven half-open recovery all stay genuinely gobreaker-owned.
func (b *Breaker) ForceTrip(reason string) {
	if b.cb.State() == gobreaker.StateOpen {
		return
	}
	forced := fmt.Errorf("controller forced trip: %s", reason)
	for i := 0; i < 3 && b.cb.State() != gobreaker.StateOpen; i++ {
		_, _ = b.cb.Execute(func() (interface{}, error) { return nil, forced })
	}
}

// State reports the breaker's current gobreaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
