// Package batchworker implements the Batch Worker (C8): it dequeues jobs
// from the Job Queue at the adaptive controller's current concurrency
// width, loads the job's session, fans records out in fixed sub-batches of
// 10 through the Worker Pool (C4) and Record Pipeline (C5), reports
// progress, and persists per-job and per-worker metrics through the
// Context Store (C9).
//
// Grounded on the teacher's worker.Worker (internal/worker/worker.go):
// fixed goroutine pool draining a job channel, a single consumer feeding
// it, a periodic metrics logger — generalized from a single
// NATS-subscribed message channel to a Postgres-claimed job queue honoring
// a controller-set concurrency width, and from "SMS send" to "batch of
// records through the record pipeline".
package batchworker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaydispatch/dispatch-engine/internal/domain"
	"github.com/relaydispatch/dispatch-engine/internal/events"
	"github.com/relaydispatch/dispatch-engine/internal/pipeline"
	"github.com/relaydispatch/dispatch-engine/internal/queue"
	"github.com/relaydispatch/dispatch-engine/internal/workerpool"
	"go.uber.org/zap"
)

const (
	subBatchSize    = 10
	pollInterval    = 500 * time.Millisecond
	progressHistCap = 20
)

// Store is the subset of the Context Store the batch worker writes through.
type Store interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	Append(ctx context.Context, sessionID string, level, message string, fields map[string]interface{})
	PutWorkerMetrics(ctx context.Context, wm *domain.WorkerMetrics) error
	PutJobMetrics(ctx context.Context, jobID string, fields map[string]interface{}) error
	GetUserActionError(ctx context.Context, errorID string) (*domain.UserActionError, error)
}

// Backlog reports the queue's current waiting count, fed to WorkerMetrics
// and the progress event so C7 can read backlog without a direct queue
// dependency.
type Backlog interface {
	GetJobCountByTypes(ctx context.Context, states ...domain.JobStatus) (map[domain.JobStatus]int64, error)
}

// Worker is one host's Batch Worker instance. Exactly one per process;
// concurrency width is mutated exclusively by the adaptive controller via
// SetConcurrency.
type Worker struct {
	hostID string

	queue    *queue.Queue
	store    Store
	backlog  Backlog
	pool     *workerpool.Pool
	pipeline *pipeline.Pipeline
	bus      *events.Bus
	logger   *zap.Logger

	concurrency int64
	activeJobs  int64

	wg sync.WaitGroup

	controllerStatus func() string
}

// New builds a Batch Worker. pool may be nil to start — callers normally
// call SetPool once the Worker Pool (C4) has been constructed from
// workerpool.Size().
func New(hostID string, q *queue.Queue, store Store, backlog Backlog, p *pipeline.Pipeline, bus *events.Bus, logger *zap.Logger) *Worker {
	return &Worker{
		hostID:   hostID,
		queue:    q,
		store:    store,
		backlog:  backlog,
		pipeline: p,
		bus:      bus,
		logger:   logger,
	}
}

// SetPool installs the Worker Pool (C4) instance that sub-batches submit
// through. The adaptive controller's OnChange does not recreate this pool —
// C4's size is the fixed clamp(NumCPU-1,2,4); only the job-level
// concurrency width C changes.
func (w *Worker) SetPool(p *workerpool.Pool) {
	w.pool = p
}

// SetControllerStatus installs a callback the worker reads for the
// "status fields from controller" WorkerMetrics entry.
func (w *Worker) SetControllerStatus(fn func() string) {
	w.controllerStatus = fn
}

// SetConcurrency is C7's hook: "recreate the Batch Worker at the new width"
// (spec §4.7). Rather than tearing down goroutines, the width simply bounds
// how many jobs Run claims concurrently.
func (w *Worker) SetConcurrency(n int) {
	atomic.StoreInt64(&w.concurrency, int64(n))
}

func (w *Worker) Concurrency() int {
	return int(atomic.LoadInt64(&w.concurrency))
}

// Run claims and processes jobs until ctx is cancelled, honoring the
// current concurrency width. It returns once every in-flight job goroutine
// it launched has returned.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return nil
		case <-ticker.C:
			w.claimAndDispatch(ctx)
		}
	}
}

func (w *Worker) claimAndDispatch(ctx context.Context) {
	avail := atomic.LoadInt64(&w.concurrency) - atomic.LoadInt64(&w.activeJobs)
	if avail <= 0 {
		return
	}

	recs, err := w.queue.Claim(ctx, int(avail))
	if err != nil {
		if !errors.Is(err, queue.ErrPaused) {
			w.logger.Warn("claim failed", zap.Error(err))
		}
		return
	}

	for _, rec := range recs {
		atomic.AddInt64(&w.activeJobs, 1)
		w.wg.Add(1)
		go func(rec *queue.Record) {
			defer w.wg.Done()
			defer atomic.AddInt64(&w.activeJobs, -1)
			w.processJob(ctx, rec)
		}(rec)
	}
}

// Shutdown stops accepting new work, waits up to timeout for in-flight jobs
// to drain, then terminates the Worker Pool. A job still active past the
// deadline keeps status 'active' in the queue; Claim only takes waiting
// jobs, so that job is not picked up again.
func (w *Worker) Shutdown(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		w.logger.Warn("batch worker drain timed out, terminating pool with jobs in flight")
	}

	if w.pool != nil {
		return w.pool.Shutdown(workerpool.TaskTimeout)
	}
	return nil
}

func (w *Worker) processJob(ctx context.Context, rec *queue.Record) {
	job := rec.Job
	workerID := fmt.Sprintf("%s:%s", w.hostID, job.JobID)

	if err := validateRecords(job.Records); err != nil {
		w.failJob(ctx, job.JobID, err.Error())
		return
	}

	sess, err := w.store.GetSession(ctx, job.SessionID)
	if err != nil {
		w.failJob(ctx, job.JobID, err.Error())
		return
	}

	headers := buildHeaders(sess.Auth)
	w.store.Append(ctx, job.SessionID, "info", "START", map[string]interface{}{
		"jobId": job.JobID, "records": len(job.Records),
	})

	var successCount, failureCount, userActionCount, processedCount int
	var totalProcessingMs float64
	var progressHistory []int

	for start := 0; start < len(job.Records); start += subBatchSize {
		end := start + subBatchSize
		if end > len(job.Records) {
			end = len(job.Records)
		}
		sub := job.Records[start:end]

		subStart := time.Now()
		outcomes := w.runSubBatch(ctx, sess, job, headers, sub)
		totalProcessingMs += float64(time.Since(subStart).Milliseconds())

		for _, o := range outcomes {
			processedCount++
			switch {
			case o.userActionRequired:
				userActionCount++
				failureCount++
			case o.success:
				successCount++
			default:
				failureCount++
			}
		}

		w.reportProgress(ctx, job, workerID, successCount, failureCount, processedCount, totalProcessingMs, &progressHistory)
	}

	result := domain.JobResult{
		SuccessCount:            successCount,
		FailureCount:            failureCount,
		UserActionRequiredCount: userActionCount,
		TotalRecords:            len(job.Records),
		CompletedAt:             time.Now().UTC(),
	}

	if err := w.queue.Complete(ctx, job.JobID, result); err != nil {
		w.logger.Warn("failed to mark job complete", zap.String("job_id", job.JobID), zap.Error(err))
	}

	if err := w.store.PutJobMetrics(ctx, job.JobID, map[string]interface{}{
		"successCount": successCount,
		"failureCount": failureCount,
		"totalRecords": len(job.Records),
		"completedAt":  result.CompletedAt.UnixMilli(),
	}); err != nil {
		w.logger.Warn("failed to publish job metrics", zap.Error(err))
	}

	if w.bus != nil {
		if err := w.bus.PublishCompleted(ctx, events.CompletedEvent{
			JobID: job.JobID, SessionID: job.SessionID, Status: string(domain.JobCompleted),
			SuccessCount: successCount, FailureCount: failureCount, TotalRecords: len(job.Records),
		}); err != nil {
			w.logger.Warn("failed to publish completed event", zap.Error(err))
		}
	}

	w.store.Append(ctx, job.SessionID, "info", "COMPLETE", map[string]interface{}{
		"jobId": job.JobID, "successCount": successCount, "failureCount": failureCount,
	})
}

type recordOutcome struct {
	success            bool
	userActionRequired bool
}

// runSubBatch submits one sub-batch through the Worker Pool (C4). A pool
// disaster (every task rejected by a dead/shutdown pool) falls back to
// serial processing directly through the Record Pipeline (C5), per spec §7.
func (w *Worker) runSubBatch(ctx context.Context, sess *domain.Session, job domain.Job, headers map[string]string, sub []domain.Record) []recordOutcome {
	if w.pool != nil {
		reqs := make([]interface{}, len(sub))
		for i, rec := range sub {
			reqs[i] = pipeline.Request{SessionID: job.SessionID, JobID: job.JobID, URL: sess.APIURL, Headers: headers, Record: rec}
		}
		results := w.pool.BatchProcess(ctx, reqs)
		if !poolDisaster(results) {
			out := make([]recordOutcome, len(results))
			for i, r := range results {
				out[i] = recordOutcome{success: r.Success, userActionRequired: r.UserActionRequired}
			}
			return out
		}
		w.logger.Warn("worker pool disaster, falling back to serial record processing", zap.String("job_id", job.JobID))
	}

	out := make([]recordOutcome, len(sub))
	for i, rec := range sub {
		req := pipeline.Request{SessionID: job.SessionID, JobID: job.JobID, URL: sess.APIURL, Headers: headers, Record: rec}
		o := w.pipeline.ProcessRecord(ctx, req)
		out[i] = recordOutcome{success: o.Success, userActionRequired: o.UserActionRequired}
	}
	return out
}

// poolDisaster reports whether every result in a sub-batch failed purely
// because the pool itself is gone (shut down or never initialized), as
// opposed to ordinary per-record failures the pipeline already classified.
func poolDisaster(results []workerpool.RecordResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if r.Success {
			return false
		}
		if !errors.Is(r.Err, workerpool.ErrShutdown) && !errors.Is(r.Err, workerpool.ErrPoolNotInitialized) {
			return false
		}
	}
	return true
}

func (w *Worker) reportProgress(ctx context.Context, job domain.Job, workerID string, successCount, failureCount, processedCount int, totalProcessingMs float64, progressHistory *[]int) {
	recordsLeft := len(job.Records) - processedCount
	avgTimePerRecordMs := totalProcessingMs / float64(processedCount)
	concurrency := w.Concurrency()
	if concurrency < 1 {
		concurrency = 1
	}
	estTimeLeftSec := int64(math.Ceil(avgTimePerRecordMs * float64(recordsLeft) / float64(concurrency) / 1000))

	percentComplete := int(float64(processedCount) / float64(len(job.Records)) * 100)
	*progressHistory = append(*progressHistory, percentComplete)
	if len(*progressHistory) > progressHistCap {
		*progressHistory = (*progressHistory)[len(*progressHistory)-progressHistCap:]
	}

	var backlog int64
	if w.backlog != nil {
		if counts, err := w.backlog.GetJobCountByTypes(ctx, domain.JobWaiting); err == nil {
			backlog = counts[domain.JobWaiting]
		}
	}

	controllerStatus := ""
	if w.controllerStatus != nil {
		controllerStatus = w.controllerStatus()
	}

	progressFields := map[string]interface{}{
		"successCount":       successCount,
		"failureCount":       failureCount,
		"processed":          processedCount,
		"total":              len(job.Records),
		"avgTimePerRecordMs": avgTimePerRecordMs,
		"estTimeLeftSec":     estTimeLeftSec,
		"backlog":            backlog,
		"controllerStatus":   controllerStatus,
	}
	if err := w.queue.UpdateProgress(ctx, job.JobID, progressFields); err != nil {
		w.logger.Warn("failed to update job progress", zap.String("job_id", job.JobID), zap.Error(err))
	}

	wm := &domain.WorkerMetrics{
		WorkerID:           workerID,
		CurrentConcurrency: concurrency,
		AvgTimePerRecordMs: avgTimePerRecordMs,
		EstTimeLeftSec:     estTimeLeftSec,
		SuccessCount:       successCount,
		FailureCount:       failureCount,
		Completed:          processedCount,
		Total:              len(job.Records),
		Backlog:            backlog,
		ProgressHistory:    append([]int(nil), (*progressHistory)...),
		ControllerStatus:   controllerStatus,
		Timestamp:          time.Now().UTC(),
	}
	if err := w.store.PutWorkerMetrics(ctx, wm); err != nil {
		w.logger.Warn("failed to publish worker metrics", zap.Error(err))
	}

	if w.bus != nil {
		if err := w.bus.PublishProgress(ctx, events.ProgressEvent{
			JobID: job.JobID, SessionID: job.SessionID, SuccessCount: successCount, FailureCount: failureCount,
			Total: len(job.Records), EstTimeLeftSec: estTimeLeftSec, Concurrency: concurrency, Backlog: backlog,
		}); err != nil {
			w.logger.Warn("failed to publish progress event", zap.Error(err))
		}
	}
}

func (w *Worker) failJob(ctx context.Context, jobID, reason string) {
	if err := w.queue.Fail(ctx, jobID, reason); err != nil {
		w.logger.Warn("failed to mark job failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// Replay re-submits a resolved UserActionError's original record through the
// Record Pipeline as a fresh attempt (SPEC_FULL.md's supplemented manual
// replay feature).
func (w *Worker) Replay(ctx context.Context, errorID string) error {
	uae, err := w.store.GetUserActionError(ctx, errorID)
	if err != nil {
		return fmt.Errorf("load user action error: %w", err)
	}
	if !uae.Resolved {
		return fmt.Errorf("user action error %s is not resolved", errorID)
	}

	sess, err := w.store.GetSession(ctx, uae.SessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	req := pipeline.Request{
		SessionID: uae.SessionID,
		JobID:     uae.JobID,
		URL:       sess.APIURL,
		Headers:   buildHeaders(sess.Auth),
		Record:    uae.Record,
	}
	outcome := w.pipeline.ProcessRecord(ctx, req)
	if !outcome.Success {
		return fmt.Errorf("replay terminal failure: %s", outcome.Classification.Message)
	}
	return nil
}
