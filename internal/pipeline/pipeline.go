// Package pipeline implements the Record Pipeline (C5): the per-record
// sequence that gates on the circuit breaker, submits to the worker pool,
// retries with exponential backoff inside the worker, classifies every
// outcome, and persists every attempt and terminal bookkeeping entry
// through the Context Store.
//
// The 2^attempt*1s backoff schedule is shaped from cenkalti/backoff/v4's
// ExponentialBackOff the way the intelligence-service resilience stack
// configures it (other_examples/…intelligence-service.go.go), reined in to
// the spec's fixed growth rule instead of jittered exponential growth.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/relaydispatch/dispatch-engine/internal/classify"
	"github.com/relaydispatch/dispatch-engine/internal/domain"
	"github.com/relaydispatch/dispatch-engine/internal/events"
	"github.com/relaydispatch/dispatch-engine/internal/httpexec"
	"github.com/relaydispatch/dispatch-engine/internal/metrics"
	"github.com/relaydispatch/dispatch-engine/internal/observability"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const maxRetries = 3

// ErrCircuitBreakerActive is returned verbatim when the gate check in step 1
// short-circuits a record before it ever reaches the pool.
var ErrCircuitBreakerActive = fmt.Errorf("SYSTEM_ERROR: Circuit breaker active")

// Breaker is the subset of internal/breaker.Breaker the pipeline depends on.
// The gate check is a cheap state read, not a wrapped execution — C5 already
// owns its own retry loop, so the breaker only needs to answer "are we
// tripped right now?"
type Breaker interface {
	State() gobreaker.State
}

// Store is the subset of the Context Store the pipeline writes through.
type Store interface {
	RecordAttempt(ctx context.Context, sessionID, reqID string, trace *domain.RequestTrace) error
	PutSuccessResponse(ctx context.Context, sr *domain.SuccessResponse) error
	PutUserActionError(ctx context.Context, uae *domain.UserActionError) error
	IncrRecordErrorCategory(ctx context.Context, category string) error
	RecordErrorTimestamp(ctx context.Context, unixMilli int64) error
}

// Executor is the subset of internal/httpexec.Executor the pipeline drives.
type Executor interface {
	Do(ctx context.Context, url, method string, body []byte, headers map[string]string, attempt int) (*httpexec.Response, error)
}

// EventPublisher is the subset of internal/events.Bus the pipeline notifies
// on a terminal REQUIRES_USER_ACTION outcome, so external dashboards don't
// need to poll userActionErrors:<sessionId> (spec §7: "callers resolve or
// reprocess via C9 helpers").
type EventPublisher interface {
	PublishUserAction(ctx context.Context, ev events.UserActionEvent) error
}

// Pipeline runs one record at a time through the gate/retry/classify/persist
// sequence. It holds no per-record state; callers submit records
// concurrently (through C4) with no ordering guarantee between them.
type Pipeline struct {
	breaker  Breaker
	executor Executor
	store    Store
	logger   *zap.Logger

	aggregator *metrics.Aggregator
	promMetric *observability.Metrics
	bus        EventPublisher
	logSink    observability.LogSink
}

func New(breaker Breaker, executor Executor, store Store, logger *zap.Logger) *Pipeline {
	return &Pipeline{breaker: breaker, executor: executor, store: store, logger: logger}
}

// SetAggregator attaches the Metrics Aggregator (C6) so every HTTP attempt
// folds into its rolling windows. Optional: a pipeline with no aggregator
// attached simply skips this bookkeeping.
func (p *Pipeline) SetAggregator(agg *metrics.Aggregator) {
	p.aggregator = agg
}

// SetPromMetrics attaches the Prometheus-facing counters/histograms so every
// attempt is scrape-able alongside the rolling windows C6 keeps in memory.
func (p *Pipeline) SetPromMetrics(m *observability.Metrics) {
	p.promMetric = m
}

// SetEventBus attaches the job-event publisher so REQUIRES_USER_ACTION
// outcomes fan out onto job.useraction in addition to the durable store.
func (p *Pipeline) SetEventBus(bus EventPublisher) {
	p.bus = bus
}

// SetLogSink attaches the durable per-session log retention (logs:<sessionId>,
// spec §6). Every terminal outcome for a record is appended through it in
// addition to the process logger.
func (p *Pipeline) SetLogSink(sink observability.LogSink) {
	p.logSink = sink
}

// Request is everything the pipeline needs to dispatch and attribute one
// record.
type Request struct {
	SessionID string
	JobID     string
	URL       string
	Headers   map[string]string
	Record    domain.Record
}

// Outcome is what ProcessRecord settles to.
type Outcome struct {
	Success            bool
	ResponseBody       []byte
	Classification     classify.Outcome
	UserActionRequired bool
}

// ProcessRecord runs the full C5 sequence for a single record.
func (p *Pipeline) ProcessRecord(ctx context.Context, req Request) Outcome {
	if p.breaker.State() == gobreaker.StateOpen {
		p.logger.Warn("circuit breaker active, rejecting record", zap.String("session_id", req.SessionID))
		return Outcome{
			Success: false,
			Classification: classify.Outcome{
				Category: classify.SystemError,
				Message:  ErrCircuitBreakerActive.Error(),
			},
		}
	}

	return p.retryLoop(ctx, req)
}

func (p *Pipeline) retryLoop(ctx context.Context, req Request) Outcome {
	body, err := recordBody(req.Record)
	if err != nil {
		return Outcome{Success: false, Classification: classify.Outcome{Category: classify.UnknownError, Message: err.Error()}}
	}

	bo := newBackoff()
	var lastClassification classify.Outcome
	var lastResponse *httpexec.Response

	for attempt := 1; attempt <= maxRetries; attempt++ {
		isLastAttempt := attempt == maxRetries

		start := time.Now()
		resp, doErr := p.executor.Do(ctx, req.URL, http.MethodPost, body, req.Headers, attempt)
		elapsed := time.Since(start)

		var classification classify.Outcome
		var success bool

		switch {
		case doErr == nil && resp.Status < 300:
			success = true
			classification = classify.Outcome{Category: "", StatusCode: resp.Status}
		case doErr == nil:
			classification = classify.FromStatus(resp.Status, resp.Headers, resp.Body)
			lastResponse = resp
		default:
			classification = p.classifyExecError(doErr)
		}

		p.recordTrace(ctx, req, attempt, success, classification, body, resp, elapsed, doErr)

		if success {
			p.onSuccess(ctx, req, resp)
			return Outcome{Success: true, ResponseBody: resp.Body, Classification: classification}
		}

		lastClassification = classification

		if classification.Category == classify.RequiresUserAction {
			p.onTerminalFailure(ctx, req, classification)
			return Outcome{Success: false, Classification: classification, UserActionRequired: true}
		}

		if isLastAttempt || !classification.CanRetry {
			break
		}

		wait := nextBackoff(bo, attempt)
		if classification.Category == classify.TemporaryFailure && lastResponse != nil {
			if ra := retryAfter(lastResponse.Headers); ra > 0 {
				wait = ra
			}
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return Outcome{Success: false, Classification: classify.Outcome{Category: classify.UnknownError, Message: ctx.Err().Error()}}
		}
	}

	p.onTerminalFailure(ctx, req, lastClassification)
	return Outcome{Success: false, Classification: lastClassification}
}

func (p *Pipeline) classifyExecError(err error) classify.Outcome {
	if statusErr, ok := err.(*httpexec.StatusError); ok {
		return classify.FromServerError(statusErr.Status, statusErr.Body)
	}
	return classify.FromError(err)
}

func (p *Pipeline) recordTrace(ctx context.Context, req Request, attempt int, success bool, classification classify.Outcome, body []byte, resp *httpexec.Response, elapsed time.Duration, doErr error) {
	trace := &domain.RequestTrace{
		TraceID:    fmt.Sprintf("%s:%s", req.SessionID, req.Record.RequestID),
		Ts:         time.Now(),
		URL:        req.URL,
		Method:     http.MethodPost,
		ReqHeaders: req.Headers,
		ReqBody:    string(body),
		Success:    success,
		TimeMs:     elapsed.Milliseconds(),
		Attempt:    attempt,
		IsRetry:    attempt > 1,
	}
	if resp != nil {
		trace.Status = resp.Status
		trace.RespHeaders = headerMapFrom(resp.Headers)
		trace.RespBody = string(resp.Body)
	}
	if doErr != nil {
		trace.ErrorMessage = doErr.Error()
	}

	if err := p.store.RecordAttempt(ctx, req.SessionID, req.Record.RequestID, trace); err != nil && p.logger != nil {
		p.logger.Warn("failed to persist attempt trace", zap.Error(err))
	}

	if !success {
		if err := p.store.RecordErrorTimestamp(ctx, trace.Ts.UnixMilli()); err != nil && p.logger != nil {
			p.logger.Warn("failed to publish error timestamp", zap.Error(err))
		}
	}

	if p.aggregator != nil {
		p.aggregator.RecordCall(req.URL, trace.Status, elapsed, success, trace.Ts)
	}
	if p.promMetric != nil {
		p.promMetric.RequestDuration.WithLabelValues(strconv.Itoa(trace.Status)).Observe(float64(elapsed.Milliseconds()))
		if attempt > 1 {
			p.promMetric.RetryAttemptsTotal.WithLabelValues(string(classification.Category)).Inc()
		}
	}
}

func (p *Pipeline) onSuccess(ctx context.Context, req Request, resp *httpexec.Response) {
	sr := &domain.SuccessResponse{
		ResponseID: uuid.NewString(),
		SessionID:  req.SessionID,
		JobID:      req.JobID,
		Ts:         time.Now(),
		StatusCode: resp.Status,
		Data:       string(resp.Body),
		Record:     req.Record,
		DurationMs: resp.DurationMs,
	}
	if err := p.store.PutSuccessResponse(ctx, sr); err != nil && p.logger != nil {
		p.logger.Warn("failed to persist success response", zap.Error(err))
	}
	if p.promMetric != nil {
		p.promMetric.RecordsProcessedTotal.WithLabelValues("success").Inc()
	}
	if p.logSink != nil {
		p.logSink.Append(ctx, req.SessionID, "info", "record dispatched successfully", map[string]interface{}{
			"requestId": req.Record.RequestID, "jobId": req.JobID, "statusCode": resp.Status,
		})
	}
}

func (p *Pipeline) onTerminalFailure(ctx context.Context, req Request, classification classify.Outcome) {
	if classification.Category == classify.RequiresUserAction {
		uae := &domain.UserActionError{
			ErrorID:            uuid.NewString(),
			SessionID:          req.SessionID,
			JobID:              req.JobID,
			Ts:                 time.Now(),
			StatusCode:         classification.StatusCode,
			Category:           string(classification.Category),
			Message:            classification.Message,
			ValidationErrors:   stringSlice(classification.ValidationErrors),
			PermissionInfo:     stringValue(classification.PermissionInfo),
			UserActionGuidance: classification.UserActionGuidance,
			Record:             req.Record,
		}
		if err := p.store.PutUserActionError(ctx, uae); err != nil && p.logger != nil {
			p.logger.Warn("failed to persist user action error", zap.Error(err))
		}
		if p.promMetric != nil {
			p.promMetric.RecordsProcessedTotal.WithLabelValues("user_action_required").Inc()
			p.promMetric.RecordErrorsTotal.WithLabelValues(string(classification.Category)).Inc()
		}
		if p.bus != nil {
			if err := p.bus.PublishUserAction(ctx, events.UserActionEvent{
				ErrorID: uae.ErrorID, SessionID: req.SessionID, JobID: req.JobID,
			}); err != nil && p.logger != nil {
				p.logger.Warn("failed to publish user action event", zap.Error(err))
			}
		}
		if p.logSink != nil {
			p.logSink.Append(ctx, req.SessionID, "warn", "record requires user action", map[string]interface{}{
				"requestId": req.Record.RequestID, "jobId": req.JobID, "errorId": uae.ErrorID, "category": uae.Category,
			})
		}
		return
	}

	if p.promMetric != nil {
		p.promMetric.RecordsProcessedTotal.WithLabelValues("failure").Inc()
		p.promMetric.RecordErrorsTotal.WithLabelValues(string(classification.Category)).Inc()
	}
	if p.logSink != nil {
		p.logSink.Append(ctx, req.SessionID, "error", "record failed permanently", map[string]interface{}{
			"requestId": req.Record.RequestID, "jobId": req.JobID, "category": string(classification.Category),
		})
	}

	if classification.StatusCode == 429 || classification.StatusCode >= 500 {
		key := fmt.Sprintf("%s:%d", req.URL, classification.StatusCode)
		if err := p.store.IncrRecordErrorCategory(ctx, key); err != nil && p.logger != nil {
			p.logger.Warn("failed to bump record error counter", zap.Error(err))
		}
	}
}

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return b
}

// nextBackoff returns 2^attempt * 1s, the fixed schedule spec §4.5 requires
// rather than backoff's own jittered progression.
func nextBackoff(b *backoff.ExponentialBackOff, attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * time.Second
}

// retryAfter parses the Retry-After header (seconds or HTTP-date), flooring
// at 1s.
func retryAfter(headers http.Header) time.Duration {
	v := headers.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 1 {
			secs = 1
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < time.Second {
			d = time.Second
		}
		return d
	}
	return time.Second
}

// headerMapFrom flattens an http.Header into the single-valued map shape
// domain.RequestTrace carries, taking the first value of any repeated
// header.
func headerMapFrom(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func recordBody(r domain.Record) ([]byte, error) {
	return json.Marshal(r.Fields)
}

// stringSlice coerces a decoded-JSON validationErrors value (usually
// []interface{} of strings) into []string, best-effort.
func stringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
			continue
		}
		out = append(out, fmt.Sprintf("%v", item))
	}
	return out
}

// stringValue coerces a decoded-JSON permissionInfo value into a string,
// best-effort.
func stringValue(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
