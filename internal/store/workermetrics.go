package store

import (
	"context"
	"fmt"

	"github.com/relaydispatch/dispatch-engine/internal/domain"
)

// PutWorkerMetrics publishes worker:globalMetrics:<workerId>, the snapshot
// the batch worker refreshes every progress tick for dashboards and
// external aggregation.
func (s *Store) PutWorkerMetrics(ctx context.Context, wm *domain.WorkerMetrics) error {
	key := fmt.Sprintf("worker:globalMetrics:%s", wm.WorkerID)
	payload, err := jsonMarshal(wm)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, key, payload, 0).Err()
}

// GetWorkerMetrics reads worker:globalMetrics:<workerId>.
func (s *Store) GetWorkerMetrics(ctx context.Context, workerID string) (*domain.WorkerMetrics, error) {
	key := fmt.Sprintf("worker:globalMetrics:%s", workerID)
	payload, err := s.redis.Get(ctx, key).Result()
	if err != nil {
		if isRedisNil(err) {
			return nil, nil
		}
		return nil, err
	}
	var wm domain.WorkerMetrics
	if err := jsonUnmarshal(payload, &wm); err != nil {
		return nil, err
	}
	return &wm, nil
}

// RateLimiterSettings is the auto-tuned reservoir state the rate limiter
// republishes every tick so operators can see its current window without
// instrumenting the process directly (spec §6: metrics:rateLimiter).
type RateLimiterSettings struct {
	MaxConcurrent   int
	MinTimeMs       int
	ErrorRate       float64
	AvgResponseTime float64
	Limited         bool
	LastUpdated     int64
}

const rateLimiterSettingsKey = "metrics:rateLimiter"

func (s *Store) PutRateLimiterSettings(ctx context.Context, rl RateLimiterSettings) error {
	fields := map[string]interface{}{
		"maxConcurrent":   rl.MaxConcurrent,
		"minTime":         rl.MinTimeMs,
		"errorRate":       rl.ErrorRate,
		"avgResponseTime": rl.AvgResponseTime,
		"limited":         rl.Limited,
		"lastUpdated":     rl.LastUpdated,
	}
	return s.redis.HSet(ctx, rateLimiterSettingsKey, fields).Err()
}

func (s *Store) GetRateLimiterSettings(ctx context.Context) (map[string]string, error) {
	return s.redis.HGetAll(ctx, rateLimiterSettingsKey).Result()
}
