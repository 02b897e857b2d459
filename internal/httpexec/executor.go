// Package httpexec implements the HTTP Executor (C2): a single outbound
// request with an attempt-scaled timeout, duration capture on every path,
// and errors raised only for transport failures and 5xx — 4xx comes back as
// a normal Response so the classifier (C3) can inspect it.
//
// No HTTP client library appears anywhere in the retrieved pack, so this is
// built directly on net/http (see DESIGN.md).
package httpexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	baseTimeout    = 10 * time.Second
	perAttemptStep = 5 * time.Second
	maxTimeout     = 30 * time.Second
)

// Response is what Do returns for any non-5xx, non-transport outcome.
type Response struct {
	Status     int
	Headers    http.Header
	Body       []byte
	DurationMs int64
}

// Executor issues outbound HTTP requests for the pipeline.
type Executor struct {
	client *http.Client
}

// New builds an Executor. The http.Client carries no timeout of its own —
// Do derives a fresh context deadline per call so the attempt-scaled timeout
// (spec §4.2) applies per request, not per client lifetime.
func New() *Executor {
	return &Executor{client: &http.Client{}}
}

// AttemptTimeout returns the timeout for the given 1-based attempt number:
// base 10s, +5s per retry, capped at 30s.
func AttemptTimeout(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	t := baseTimeout + time.Duration(attempt-1)*perAttemptStep
	if t > maxTimeout {
		return maxTimeout
	}
	return t
}

// Do issues one HTTP request. Statuses >= 500 are returned as an error (the
// pipeline's retry/backoff layer decides what to do with them); everything
// else, including 4xx, comes back as a Response. DurationMs is populated on
// both the success and error paths.
func (e *Executor) Do(ctx context.Context, url, method string, body []byte, headers map[string]string, attempt int) (*Response, error) {
	timeout := AttemptTimeout(attempt)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, &TransportError{Err: err, DurationMs: durationMs}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("read response body: %w", err), DurationMs: durationMs}
	}

	if resp.StatusCode >= 500 {
		return nil, &StatusError{
			Status:     resp.StatusCode,
			Headers:    resp.Header,
			Body:       respBody,
			DurationMs: durationMs,
		}
	}

	return &Response{
		Status:     resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
		DurationMs: durationMs,
	}, nil
}

// TransportError wraps a connection/DNS/timeout failure below the HTTP
// layer. The classifier inspects Err to distinguish timeout/refused/DNS.
type TransportError struct {
	Err        error
	DurationMs int64
}

func (e *TransportError) Error() string { return e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// StatusError wraps a >=500 response, still carrying the body/headers for
// classification and logging.
type StatusError struct {
	Status     int
	Headers    http.Header
	Body       []byte
	DurationMs int64
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error: status %d", e.Status)
}
