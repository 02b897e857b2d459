// Package store is the Context Store (C9): a thin policy layer over the
// durable key-value primitives (hash/list/sorted-set/TTL), publishing the
// single key namespace the spec defines in §6. All multi-key updates that
// must commit together are pipelined; every TTL-bearing key sets its TTL on
// first insertion and refreshes it on every mutation.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func isRedisNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

const (
	userActionErrorTTL = 24 * time.Hour
	successResponseTTL = 24 * time.Hour
	logsTTL            = 24 * time.Hour
)

// Store is the Redis-backed Context Store.
type Store struct {
	redis  *redis.Client
	logger *zap.Logger
}

// New connects to Redis and verifies reachability, mirroring the teacher's
// persistence.NewRedis constructor.
func New(ctx context.Context, redisURL string, logger *zap.Logger) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	opts.PoolSize = 20
	opts.MinIdleConns = 5
	opts.ConnMaxLifetime = time.Hour

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Store{redis: client, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.redis.Close()
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

// Append implements observability.LogSink: every log line for a session is
// durably retained (logs:<sessionId>, TTL 24h). Append failures are
// non-fatal per spec §7 (logging must never break the hot path).
func (s *Store) Append(ctx context.Context, sessionID string, level, message string, fields map[string]interface{}) {
	key := fmt.Sprintf("logs:%s", sessionID)
	entry := map[string]interface{}{
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
		"level":   level,
		"message": message,
		"fields":  fields,
	}

	payload, err := jsonMarshal(entry)
	if err != nil {
		s.logger.Warn("failed to marshal log entry", zap.Error(err))
		return
	}

	pipe := s.redis.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, logsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("failed to persist log entry", zap.String("session_id", sessionID), zap.Error(err))
	}
}
