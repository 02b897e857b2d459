package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/relaydispatch/dispatch-engine/internal/domain"
)

// ErrSessionNotFound is returned when session:<sessionId> has expired or
// never existed.
var ErrSessionNotFound = errors.New("no config found")

// PutSession persists session:<sessionId> with the configured TTL and
// indexes it under user:sessions:<ownerUserId>.
func (s *Store) PutSession(ctx context.Context, sess *domain.Session, ttl time.Duration) error {
	key := fmt.Sprintf("session:%s", sess.SessionID)
	payload, err := jsonMarshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	userKey := fmt.Sprintf("user:sessions:%s", sess.OwnerUser)

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, key, payload, ttl)
	pipe.RPush(ctx, userKey, sess.SessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// GetSession loads session:<sessionId>, returning ErrSessionNotFound if the
// key is absent or expired (spec §4.8 step 2: "fail the job with 'No config
// found'").
func (s *Store) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	key := fmt.Sprintf("session:%s", sessionID)
	payload, err := s.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var sess domain.Session
	if err := jsonUnmarshal(payload, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

// DeleteSession removes session:<sessionId> ahead of its TTL.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	key := fmt.Sprintf("session:%s", sessionID)
	return s.redis.Del(ctx, key).Err()
}

// ListSessionsByOwner returns every sessionId created by ownerUserId.
func (s *Store) ListSessionsByOwner(ctx context.Context, ownerUserID string) ([]string, error) {
	userKey := fmt.Sprintf("user:sessions:%s", ownerUserID)
	return s.redis.LRange(ctx, userKey, 0, -1).Result()
}
