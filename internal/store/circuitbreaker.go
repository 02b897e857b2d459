package store

import (
	"context"

	"github.com/relaydispatch/dispatch-engine/internal/domain"
)

const circuitBreakerKey = "metrics:circuitBreaker"

// PutCircuitBreakerState publishes the breaker's current snapshot (spec §6:
// metrics:circuitBreaker → hash { lastTripped, reason, resetTimeout, metrics })
// so it can be read back through GetCircuitBreakerState without holding a
// reference to the breaker itself.
func (s *Store) PutCircuitBreakerState(ctx context.Context, state *domain.CircuitBreakerState) error {
	fields := map[string]interface{}{
		"lastTripped":  state.LastTripped.UnixMilli(),
		"reason":       state.Reason,
		"resetTimeout": state.ResetTimeoutMs,
		"metrics":      state.MetricsSnapshot,
	}
	return s.redis.HSet(ctx, circuitBreakerKey, fields).Err()
}

// GetCircuitBreakerState reads the last published breaker snapshot. An empty
// map means nothing has been published yet.
func (s *Store) GetCircuitBreakerState(ctx context.Context) (map[string]string, error) {
	return s.redis.HGetAll(ctx, circuitBreakerKey).Result()
}
