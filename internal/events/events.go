// Package events publishes job lifecycle notifications onto NATS for the
// (out-of-scope) HTTP front-end and any external aggregator to subscribe
// to — spec.md keeps the queue implementation itself a named external
// collaborator, but nothing stops the engine from fanning out progress
// over a separate bus the same way the teacher does for delivery events.
//
// Grounded on the teacher's queue/nats connection wiring (reconnect
// handling, structured logging on disconnect/reconnect), repointed at
// job.* subjects instead of sms.send/sms.dlq.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	SubjectJobProgress   = "job.progress"
	SubjectJobCompleted  = "job.completed"
	SubjectJobUserAction = "job.useraction"
)

// ProgressEvent mirrors the fields C8 pushes to updateProgress, fanned out
// for any external listener (spec §4.8 step 4).
type ProgressEvent struct {
	JobID          string `json:"jobId"`
	SessionID      string `json:"sessionId"`
	SuccessCount   int    `json:"successCount"`
	FailureCount   int    `json:"failureCount"`
	Total          int    `json:"total"`
	EstTimeLeftSec int64  `json:"estTimeLeftSec"`
	Concurrency    int    `json:"concurrency"`
	Backlog        int64  `json:"backlog"`
}

// CompletedEvent fires once per terminal job (spec §4.8 step 6).
type CompletedEvent struct {
	JobID        string `json:"jobId"`
	SessionID    string `json:"sessionId"`
	Status       string `json:"status"`
	SuccessCount int    `json:"successCount"`
	FailureCount int    `json:"failureCount"`
	TotalRecords int    `json:"totalRecords"`
}

// UserActionEvent fires for every REQUIRES_USER_ACTION terminal outcome so
// external dashboards don't need to poll userActionErrors:<sessionId>.
type UserActionEvent struct {
	ErrorID   string `json:"errorId"`
	SessionID string `json:"sessionId"`
	JobID     string `json:"jobId"`
}

// Bus wraps a NATS connection used purely for fire-and-forget notification;
// the Job Queue itself (internal/queue) remains the durable source of truth.
type Bus struct {
	conn   *nats.Conn
	logger *zap.Logger
}

func Connect(url string, logger *zap.Logger) (*Bus, error) {
	opts := []nats.Option{
		nats.Name("dispatch-engine"),
		nats.Timeout(10 * time.Second),
		nats.ReconnectWait(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Error("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("nats connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Bus{conn: conn, logger: logger}, nil
}

func (b *Bus) Close() {
	b.conn.Close()
}

func (b *Bus) PublishProgress(_ context.Context, ev ProgressEvent) error {
	return b.publish(SubjectJobProgress, ev)
}

func (b *Bus) PublishCompleted(_ context.Context, ev CompletedEvent) error {
	return b.publish(SubjectJobCompleted, ev)
}

func (b *Bus) PublishUserAction(_ context.Context, ev UserActionEvent) error {
	return b.publish(SubjectJobUserAction, ev)
}

func (b *Bus) publish(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", subject, err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		// Event-bus failures are non-fatal per spec §7 (metrics/log sink
		// failures never break the hot path); callers log and continue.
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
