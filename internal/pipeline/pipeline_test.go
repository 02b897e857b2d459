package pipeline

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/relaydispatch/dispatch-engine/internal/domain"
	"github.com/relaydispatch/dispatch-engine/internal/httpexec"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type fakeBreaker struct{ state gobreaker.State }

func (f *fakeBreaker) State() gobreaker.State { return f.state }

type fakeExecutor struct {
	responses []execResult
	calls     int
}

type execResult struct {
	resp *httpexec.Response
	err  error
}

func (f *fakeExecutor) Do(ctx context.Context, url, method string, body []byte, headers map[string]string, attempt int) (*httpexec.Response, error) {
	r := f.responses[f.calls]
	f.calls++
	return r.resp, r.err
}

type fakeStore struct {
	traces          []*domain.RequestTrace
	successes       []*domain.SuccessResponse
	userErrors      []*domain.UserActionError
	errorCategory   []string
	errorTimestamps []int64
}

func (f *fakeStore) RecordAttempt(ctx context.Context, sessionID, reqID string, trace *domain.RequestTrace) error {
	f.traces = append(f.traces, trace)
	return nil
}

func (f *fakeStore) PutSuccessResponse(ctx context.Context, sr *domain.SuccessResponse) error {
	f.successes = append(f.successes, sr)
	return nil
}

func (f *fakeStore) PutUserActionError(ctx context.Context, uae *domain.UserActionError) error {
	f.userErrors = append(f.userErrors, uae)
	return nil
}

func (f *fakeStore) IncrRecordErrorCategory(ctx context.Context, category string) error {
	f.errorCategory = append(f.errorCategory, category)
	return nil
}

func (f *fakeStore) RecordErrorTimestamp(ctx context.Context, unixMilli int64) error {
	f.errorTimestamps = append(f.errorTimestamps, unixMilli)
	return nil
}

type logEntry struct {
	sessionID, level, message string
}

type fakeLogSink struct {
	entries []logEntry
}

func (f *fakeLogSink) Append(_ context.Context, sessionID string, level, message string, _ map[string]interface{}) {
	f.entries = append(f.entries, logEntry{sessionID: sessionID, level: level, message: message})
}

func newTestRequest() Request {
	return Request{
		SessionID: "sess-1",
		URL:       "https://api.example.com/members",
		Headers:   map[string]string{"Authorization": "Basic xyz"},
		Record:    domain.Record{MemberID: "m1", RequestID: "req-1", Fields: map[string]interface{}{"memberId": "m1"}},
	}
}

func TestProcessRecordSucceedsOnFirstAttempt(t *testing.T) {
	exec := &fakeExecutor{responses: []execResult{
		{resp: &httpexec.Response{Status: 200, Headers: http.Header{}, Body: []byte(`{"ok":true}`)}},
	}}
	store := &fakeStore{}
	p := New(&fakeBreaker{state: gobreaker.StateClosed}, exec, store, zap.NewNop())

	out := p.ProcessRecord(context.Background(), newTestRequest())
	if !out.Success {
		t.Fatalf("expected success, got %+v", out)
	}
	if len(store.successes) != 1 {
		t.Fatalf("expected one success response persisted, got %d", len(store.successes))
	}
	if len(store.traces) != 1 {
		t.Fatalf("expected one trace persisted, got %d", len(store.traces))
	}
}

func TestProcessRecordRejectsWhenBreakerOpen(t *testing.T) {
	exec := &fakeExecutor{}
	store := &fakeStore{}
	p := New(&fakeBreaker{state: gobreaker.StateOpen}, exec, store, zap.NewNop())

	out := p.ProcessRecord(context.Background(), newTestRequest())
	if out.Success {
		t.Fatalf("expected failure while breaker is open")
	}
	if exec.calls != 0 {
		t.Fatalf("expected no HTTP calls while breaker is open")
	}
}

func TestProcessRecordDoesNotRetryRequiresUserAction(t *testing.T) {
	exec := &fakeExecutor{responses: []execResult{
		{resp: &httpexec.Response{Status: 404, Headers: http.Header{}, Body: []byte(`{"error":"not found"}`)}},
	}}
	store := &fakeStore{}
	p := New(&fakeBreaker{state: gobreaker.StateClosed}, exec, store, zap.NewNop())

	out := p.ProcessRecord(context.Background(), newTestRequest())
	if out.Success {
		t.Fatalf("expected failure")
	}
	if exec.calls != 1 {
		t.Fatalf("expected exactly one attempt for REQUIRES_USER_ACTION, got %d", exec.calls)
	}
	if len(store.userErrors) != 1 {
		t.Fatalf("expected one user action error persisted, got %d", len(store.userErrors))
	}
}

func TestProcessRecordRetriesTemporaryFailureUpToMax(t *testing.T) {
	exec := &fakeExecutor{responses: []execResult{
		{resp: &httpexec.Response{Status: 429, Headers: http.Header{"Retry-After": []string{"1"}}, Body: nil}},
		{resp: &httpexec.Response{Status: 429, Headers: http.Header{"Retry-After": []string{"1"}}, Body: nil}},
		{resp: &httpexec.Response{Status: 429, Headers: http.Header{"Retry-After": []string{"1"}}, Body: nil}},
	}}
	store := &fakeStore{}
	p := New(&fakeBreaker{state: gobreaker.StateClosed}, exec, store, zap.NewNop())

	start := time.Now()
	out := p.ProcessRecord(context.Background(), newTestRequest())
	if time.Since(start) < 2*time.Second {
		t.Fatalf("expected retries to honor Retry-After delay")
	}
	if out.Success {
		t.Fatalf("expected failure after exhausting retries")
	}
	if exec.calls != maxRetries {
		t.Fatalf("expected %d attempts, got %d", maxRetries, exec.calls)
	}
	if len(store.errorCategory) != 1 {
		t.Fatalf("expected terminal 429 to bump recordErrors, got %d bumps", len(store.errorCategory))
	}
}

func TestProcessRecordAppendsToLogSinkOnSuccess(t *testing.T) {
	exec := &fakeExecutor{responses: []execResult{
		{resp: &httpexec.Response{Status: 200, Headers: http.Header{}, Body: []byte(`{"ok":true}`)}},
	}}
	store := &fakeStore{}
	sink := &fakeLogSink{}
	p := New(&fakeBreaker{state: gobreaker.StateClosed}, exec, store, zap.NewNop())
	p.SetLogSink(sink)

	p.ProcessRecord(context.Background(), newTestRequest())

	if len(sink.entries) != 1 || sink.entries[0].level != "info" {
		t.Fatalf("expected one info log entry, got %+v", sink.entries)
	}
}

func TestProcessRecordAppendsToLogSinkOnUserActionFailure(t *testing.T) {
	exec := &fakeExecutor{responses: []execResult{
		{resp: &httpexec.Response{Status: 404, Headers: http.Header{}, Body: []byte(`{"error":"not found"}`)}},
	}}
	store := &fakeStore{}
	sink := &fakeLogSink{}
	p := New(&fakeBreaker{state: gobreaker.StateClosed}, exec, store, zap.NewNop())
	p.SetLogSink(sink)

	p.ProcessRecord(context.Background(), newTestRequest())

	if len(sink.entries) != 1 || sink.entries[0].level != "warn" {
		t.Fatalf("expected one warn log entry, got %+v", sink.entries)
	}
}

func TestRetryAfterFloorsAtOneSecond(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", "0")
	if got := retryAfter(headers); got != time.Second {
		t.Fatalf("expected floor of 1s, got %v", got)
	}
}

func TestRetryAfterAbsent(t *testing.T) {
	if got := retryAfter(http.Header{}); got != 0 {
		t.Fatalf("expected 0 when Retry-After absent, got %v", got)
	}
}
