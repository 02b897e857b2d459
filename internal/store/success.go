package store

import (
	"context"
	"fmt"

	"github.com/relaydispatch/dispatch-engine/internal/domain"
)

// PutSuccessResponse persists successResponse:<responseId> (TTL 24h) and
// indexes it under successResponses:<sessionId>, mirroring PutUserActionError
// so verbose callers can replay either outcome the same way.
func (s *Store) PutSuccessResponse(ctx context.Context, sr *domain.SuccessResponse) error {
	key := fmt.Sprintf("successResponse:%s", sr.ResponseID)
	listKey := fmt.Sprintf("successResponses:%s", sr.SessionID)

	payload, err := jsonMarshal(sr)
	if err != nil {
		return fmt.Errorf("marshal success response: %w", err)
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, key, payload, successResponseTTL)
	pipe.RPush(ctx, listKey, sr.ResponseID)
	pipe.Expire(ctx, listKey, successResponseTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist success response: %w", err)
	}
	return nil
}

// GetSuccessResponse loads successResponse:<responseId>.
func (s *Store) GetSuccessResponse(ctx context.Context, responseID string) (*domain.SuccessResponse, error) {
	key := fmt.Sprintf("successResponse:%s", responseID)
	payload, err := s.redis.Get(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("load success response: %w", err)
	}
	var sr domain.SuccessResponse
	if err := jsonUnmarshal(payload, &sr); err != nil {
		return nil, fmt.Errorf("unmarshal success response: %w", err)
	}
	return &sr, nil
}

// ListSuccessResponses returns every responseId recorded for a session; the
// pipeline records one for every record that succeeds.
func (s *Store) ListSuccessResponses(ctx context.Context, sessionID string) ([]string, error) {
	listKey := fmt.Sprintf("successResponses:%s", sessionID)
	return s.redis.LRange(ctx, listKey, 0, -1).Result()
}
