package store

import (
	"context"
	"fmt"
	"strconv"
)

// predictiveBiasKeyPrefix names the hash holding the hour-of-day concurrency
// history behind controller.PredictiveBias (SPEC_FULL.md §4 C7). One field
// per hour (0-23) holds the running mean of the concurrency samples recorded
// for that hour; a "<hour>:n" field beside it holds the sample count.
const predictiveBiasKeyPrefix = "controller:predictiveBias"

// RecordPredictiveSample folds one (hour, sample) pair into the running mean
// for that hour using Welford-style incremental averaging, so the bias
// adapts slowly instead of jumping on every sample.
func (s *Store) RecordPredictiveSample(ctx context.Context, hour int, delta float64) error {
	key := predictiveBiasKeyPrefix
	field := strconv.Itoa(hour)
	countField := field + ":n"

	existing, err := s.redis.HGet(ctx, key, field).Result()
	if err != nil && !isRedisNil(err) {
		return err
	}
	count, err := s.redis.HGet(ctx, key, countField).Int64()
	if err != nil && !isRedisNil(err) {
		return err
	}

	avg := delta
	if existing != "" {
		prev, convErr := strconv.ParseFloat(existing, 64)
		if convErr == nil {
			if count < 1 {
				count = 1
			}
			avg = prev + (delta-prev)/float64(count+1)
		}
	}

	return s.redis.HSet(ctx, key, field, fmt.Sprintf("%f", avg), countField, count+1).Err()
}

// GetPredictiveBias returns the running bias for the given hour, or 0 if no
// samples have been recorded yet.
func (s *Store) GetPredictiveBias(ctx context.Context, hour int) (float64, error) {
	field := strconv.Itoa(hour)
	existing, err := s.redis.HGet(ctx, predictiveBiasKeyPrefix, field).Result()
	if err != nil {
		if isRedisNil(err) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.ParseFloat(existing, 64)
}
