package store

import (
	"context"
	"fmt"
	"time"

	"github.com/relaydispatch/dispatch-engine/internal/domain"
)

// PutUserActionError persists userActionError:<errorId> (TTL 24h) and
// appends its id to userActionErrors:<sessionId> (TTL refreshed to match).
func (s *Store) PutUserActionError(ctx context.Context, uae *domain.UserActionError) error {
	key := fmt.Sprintf("userActionError:%s", uae.ErrorID)
	listKey := fmt.Sprintf("userActionErrors:%s", uae.SessionID)

	payload, err := jsonMarshal(uae)
	if err != nil {
		return fmt.Errorf("marshal user action error: %w", err)
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, key, payload, userActionErrorTTL)
	pipe.RPush(ctx, listKey, uae.ErrorID)
	pipe.Expire(ctx, listKey, userActionErrorTTL)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("persist user action error: %w", err)
	}
	return nil
}

// GetUserActionError loads userActionError:<errorId>.
func (s *Store) GetUserActionError(ctx context.Context, errorID string) (*domain.UserActionError, error) {
	key := fmt.Sprintf("userActionError:%s", errorID)
	payload, err := s.redis.Get(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("load user action error: %w", err)
	}
	var uae domain.UserActionError
	if err := jsonUnmarshal(payload, &uae); err != nil {
		return nil, fmt.Errorf("unmarshal user action error: %w", err)
	}
	return &uae, nil
}

// ListUserActionErrors returns every errorId recorded for a session.
func (s *Store) ListUserActionErrors(ctx context.Context, sessionID string) ([]string, error) {
	listKey := fmt.Sprintf("userActionErrors:%s", sessionID)
	return s.redis.LRange(ctx, listKey, 0, -1).Result()
}

// ResolveUserActionError marks a UserActionError resolved, refreshing its
// TTL. This is the "callers resolve ... via C9 helpers" hook from spec §7,
// made concrete per SPEC_FULL.md's supplemented-feature note.
func (s *Store) ResolveUserActionError(ctx context.Context, errorID, resolution string, resolvedAt time.Time) error {
	uae, err := s.GetUserActionError(ctx, errorID)
	if err != nil {
		return err
	}
	uae.Resolved = true
	uae.Resolution = resolution
	uae.ResolvedAt = &resolvedAt

	payload, err := jsonMarshal(uae)
	if err != nil {
		return fmt.Errorf("marshal resolved user action error: %w", err)
	}

	key := fmt.Sprintf("userActionError:%s", errorID)
	return s.redis.Set(ctx, key, payload, userActionErrorTTL).Err()
}
