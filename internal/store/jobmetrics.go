package store

import (
	"context"
	"fmt"
)

// PutJobMetrics publishes metrics:<jobId>, the flat hash the status endpoint
// reads to show per-job progress without touching the job queue row.
func (s *Store) PutJobMetrics(ctx context.Context, jobID string, fields map[string]interface{}) error {
	key := fmt.Sprintf("metrics:%s", jobID)
	return s.redis.HSet(ctx, key, fields).Err()
}

func (s *Store) GetJobMetrics(ctx context.Context, jobID string) (map[string]string, error) {
	key := fmt.Sprintf("metrics:%s", jobID)
	return s.redis.HGetAll(ctx, key).Result()
}

const (
	apiPerformanceKey  = "metrics:apiPerformance"
	endpointsKey       = "metrics:endpoints"
	errorTimestampsKey = "metrics:errorTimestamps"
	recordErrorsKey    = "metrics:recordErrors"
)

// PutAPIPerformance publishes the Metrics Aggregator's rolling response-time
// and status-code summary to metrics:apiPerformance.
func (s *Store) PutAPIPerformance(ctx context.Context, fields map[string]interface{}) error {
	return s.redis.HSet(ctx, apiPerformanceKey, fields).Err()
}

func (s *Store) GetAPIPerformance(ctx context.Context) (map[string]string, error) {
	return s.redis.HGetAll(ctx, apiPerformanceKey).Result()
}

// PutEndpointPattern records the latest stats payload for an endpoint under
// metrics:endpoints, keyed by its normalised URL pattern (the aggregator
// passes a JSON {avgTime, calls, lastUpdated} payload).
func (s *Store) PutEndpointPattern(ctx context.Context, endpoint string, payload string) error {
	return s.redis.HSet(ctx, endpointsKey, endpoint, payload).Err()
}

func (s *Store) ListEndpointPatterns(ctx context.Context) (map[string]string, error) {
	return s.redis.HGetAll(ctx, endpointsKey).Result()
}

// RecordErrorTimestamp appends a millisecond Unix timestamp to the rolling
// error-rate window used by the adaptive controller's error trend score,
// trimmed to the last 100 entries per spec §6.
func (s *Store) RecordErrorTimestamp(ctx context.Context, unixMilli int64) error {
	pipe := s.redis.TxPipeline()
	pipe.RPush(ctx, errorTimestampsKey, unixMilli)
	pipe.LTrim(ctx, errorTimestampsKey, -100, -1)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) ListErrorTimestamps(ctx context.Context) ([]string, error) {
	return s.redis.LRange(ctx, errorTimestampsKey, 0, -1).Result()
}

// ListErrorTimestampsMillis is ListErrorTimestamps parsed into int64
// millisecond values, for folding into metrics.UnionErrorRate.
func (s *Store) ListErrorTimestampsMillis(ctx context.Context) ([]int64, error) {
	raw, err := s.ListErrorTimestamps(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(raw))
	for _, v := range raw {
		var ms int64
		if _, scanErr := fmt.Sscanf(v, "%d", &ms); scanErr == nil {
			out = append(out, ms)
		}
	}
	return out, nil
}

// IncrRecordErrorCategory increments the metrics:recordErrors counter for the
// given field; the pipeline passes "<url>:<status>".
func (s *Store) IncrRecordErrorCategory(ctx context.Context, category string) error {
	return s.redis.HIncrBy(ctx, recordErrorsKey, category, 1).Err()
}

func (s *Store) GetRecordErrorCounts(ctx context.Context) (map[string]string, error) {
	return s.redis.HGetAll(ctx, recordErrorsKey).Result()
}
