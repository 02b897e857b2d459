package store

import (
	"strconv"
	"testing"
	"time"

	"github.com/relaydispatch/dispatch-engine/internal/domain"
)

func TestTraceRoundTrip(t *testing.T) {
	want := &domain.RequestTrace{
		TraceID:         "trace-1",
		Ts:              time.UnixMilli(1_700_000_000_000).UTC(),
		URL:             "https://api.example.com/v1/members",
		Method:          "POST",
		ReqHeaders:      map[string]string{"Authorization": "Bearer xyz"},
		ReqBody:         `{"memberId":"m1"}`,
		Status:          200,
		RespHeaders:     map[string]string{"Content-Type": "application/json"},
		RespBody:        `{"ok":true}`,
		Success:         true,
		TimeMs:          142,
		Attempt:         1,
		IsRetry:         false,
		OriginalTraceID: "",
	}

	hash, err := traceToHash(want)
	if err != nil {
		t.Fatalf("traceToHash: %v", err)
	}

	fields := map[string]string{}
	for k, v := range hash {
		switch vv := v.(type) {
		case string:
			fields[k] = vv
		case int:
			fields[k] = strconv.Itoa(vv)
		case int64:
			fields[k] = strconv.FormatInt(vv, 10)
		}
	}

	got, err := traceFromHash(fields)
	if err != nil {
		t.Fatalf("traceFromHash: %v", err)
	}

	if got.TraceID != want.TraceID || got.URL != want.URL || got.Method != want.Method {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
	if got.Status != want.Status || got.TimeMs != want.TimeMs || got.Attempt != want.Attempt {
		t.Fatalf("numeric fields mismatch: got %+v, want %+v", got, want)
	}
	if got.Success != want.Success || got.IsRetry != want.IsRetry {
		t.Fatalf("bool fields mismatch: got %+v, want %+v", got, want)
	}
	if !got.Ts.Equal(want.Ts) {
		t.Fatalf("ts mismatch: got %v, want %v", got.Ts, want.Ts)
	}
	if got.ReqHeaders["Authorization"] != "Bearer xyz" {
		t.Fatalf("req headers not preserved: %+v", got.ReqHeaders)
	}
}

func TestBoolToStr(t *testing.T) {
	if boolToStr(true) != "1" {
		t.Fatalf("expected 1 for true")
	}
	if boolToStr(false) != "0" {
		t.Fatalf("expected 0 for false")
	}
}
