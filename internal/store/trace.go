package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/relaydispatch/dispatch-engine/internal/domain"
)

// RecordAttempt persists one RequestTrace and its SessionStats increments in
// a single pipelined round-trip (spec §4.5 step 4, §5(b): "implementers must
// group those updates into one pipeline").
//
// It writes:
//   - apidata:<sessionId>:<reqId>      (hash RequestTrace)
//   - apirequests:<sessionId>          (sorted set reqId -> score=ts)
//   - apistats:<sessionId>             (hash total/success/failure/status:<code>)
func (s *Store) RecordAttempt(ctx context.Context, sessionID, reqID string, trace *domain.RequestTrace) error {
	dataKey := fmt.Sprintf("apidata:%s:%s", sessionID, reqID)
	reqSetKey := fmt.Sprintf("apirequests:%s", sessionID)
	statsKey := fmt.Sprintf("apistats:%s", sessionID)

	traceMap, err := traceToHash(trace)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}

	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, dataKey, traceMap)
	pipe.ZAdd(ctx, reqSetKey, redisZ(float64(trace.Ts.UnixMilli()), reqID))
	pipe.HIncrBy(ctx, statsKey, "total", 1)
	if trace.Success {
		pipe.HIncrBy(ctx, statsKey, "success", 1)
	} else {
		pipe.HIncrBy(ctx, statsKey, "failure", 1)
	}
	if trace.Status > 0 {
		pipe.HIncrBy(ctx, statsKey, "status:"+strconv.Itoa(trace.Status), 1)
	}

	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("persist attempt: %w", err)
	}
	return nil
}

// GetTrace loads apidata:<sessionId>:<reqId>.
func (s *Store) GetTrace(ctx context.Context, sessionID, reqID string) (*domain.RequestTrace, error) {
	dataKey := fmt.Sprintf("apidata:%s:%s", sessionID, reqID)
	fields, err := s.redis.HGetAll(ctx, dataKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load trace: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return traceFromHash(fields)
}

// GetSessionStats loads apistats:<sessionId>.
func (s *Store) GetSessionStats(ctx context.Context, sessionID string) (*domain.SessionStats, error) {
	statsKey := fmt.Sprintf("apistats:%s", sessionID)
	fields, err := s.redis.HGetAll(ctx, statsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load stats: %w", err)
	}

	stats := &domain.SessionStats{Status: map[string]int64{}}
	for k, v := range fields {
		n, convErr := strconv.ParseInt(v, 10, 64)
		if convErr != nil {
			continue
		}
		switch k {
		case "total":
			stats.Total = n
		case "success":
			stats.Success = n
		case "failure":
			stats.Failure = n
		default:
			stats.Status[k] = n
		}
	}
	return stats, nil
}
