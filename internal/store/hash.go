package store

import (
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/relaydispatch/dispatch-engine/internal/domain"
)

func redisZ(score float64, member string) redis.Z {
	return redis.Z{Score: score, Member: member}
}

// traceToHash flattens a RequestTrace into the field map HSET expects.
// Header maps and the request/response bodies are JSON-encoded so the whole
// record survives a single HSET without nested hash support.
func traceToHash(t *domain.RequestTrace) (map[string]interface{}, error) {
	reqHeaders, err := jsonMarshal(t.ReqHeaders)
	if err != nil {
		return nil, err
	}
	respHeaders, err := jsonMarshal(t.RespHeaders)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"traceId":         t.TraceID,
		"ts":              t.Ts.UnixMilli(),
		"url":             t.URL,
		"method":          t.Method,
		"reqHeaders":      reqHeaders,
		"reqBody":         t.ReqBody,
		"status":          t.Status,
		"respHeaders":     respHeaders,
		"respBody":        t.RespBody,
		"success":         boolToStr(t.Success),
		"errorMessage":    t.ErrorMessage,
		"timeMs":          t.TimeMs,
		"attempt":         t.Attempt,
		"isRetry":         boolToStr(t.IsRetry),
		"originalTraceId": t.OriginalTraceID,
	}, nil
}

func traceFromHash(fields map[string]string) (*domain.RequestTrace, error) {
	t := &domain.RequestTrace{
		TraceID:         fields["traceId"],
		URL:             fields["url"],
		Method:          fields["method"],
		ReqBody:         fields["reqBody"],
		RespBody:        fields["respBody"],
		ErrorMessage:    fields["errorMessage"],
		OriginalTraceID: fields["originalTraceId"],
	}

	if ms, err := strconv.ParseInt(fields["ts"], 10, 64); err == nil {
		t.Ts = time.UnixMilli(ms)
	}
	if status, err := strconv.Atoi(fields["status"]); err == nil {
		t.Status = status
	}
	if timeMs, err := strconv.ParseInt(fields["timeMs"], 10, 64); err == nil {
		t.TimeMs = timeMs
	}
	if attempt, err := strconv.Atoi(fields["attempt"]); err == nil {
		t.Attempt = attempt
	}
	t.Success = fields["success"] == "1"
	t.IsRetry = fields["isRetry"] == "1"

	if fields["reqHeaders"] != "" {
		_ = jsonUnmarshal(fields["reqHeaders"], &t.ReqHeaders)
	}
	if fields["respHeaders"] != "" {
		_ = jsonUnmarshal(fields["respHeaders"], &t.RespHeaders)
	}

	return t, nil
}

func boolToStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
