// Package domain holds the entities shared across the dispatch engine:
// sessions, jobs, records, traces and the durable artifacts the Context
// Store persists. Types here are deliberately storage-agnostic; the
// persistence policy lives in internal/store.
package domain

import "time"

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobActive    JobStatus = "active"
	JobDelayed   JobStatus = "delayed"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Session is the tenant-configured API target and credentials, shared
// read-only by every Job that references it.
type Session struct {
	SessionID string    `json:"sessionId"`
	APIURL    string    `json:"apiUrl"`
	Auth      Auth      `json:"auth"`
	CreatedAt time.Time `json:"createdAt"`
	OwnerUser string    `json:"ownerUserId"`
}

// Auth is the opaque credential pair used to build outbound request headers.
// Auth configuration itself is an external concern (spec open question (i));
// this struct only carries whatever the front-end supplied.
type Auth struct {
	UserID string `json:"userId"`
	APIKey string `json:"apiKey"`
}

// Record is opaque application data. Only MemberID and RequestID are
// meaningful to the core for correlation; the rest is passed through
// verbatim as the outbound request body.
type Record struct {
	MemberID  string                 `json:"memberId"`
	RequestID string                 `json:"requestId"`
	Fields    map[string]interface{} `json:"-"`
}

// Job is a unit of work: a batch of Records dispatched under one Session.
type Job struct {
	JobID       string    `json:"jobId"`
	SessionID   string    `json:"sessionId"`
	Records     []Record  `json:"records"`
	Verbose     bool      `json:"verbose"`
	Status      JobStatus `json:"status"`
	Progress    int       `json:"progress"`
	ReturnValue *JobResult `json:"returnValue,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// JobResult is the terminal summary of a completed or failed Job.
type JobResult struct {
	SuccessCount           int    `json:"successCount"`
	FailureCount           int    `json:"failureCount"`
	UserActionRequiredCount int   `json:"userActionRequiredCount"`
	TotalRecords            int   `json:"totalRecords"`
	CompletedAt             time.Time `json:"completedAt"`
	FailureReason           string `json:"failureReason,omitempty"`
}

// RequestTrace is the full request/response artifact for one HTTP attempt.
type RequestTrace struct {
	TraceID         string            `json:"traceId"`
	Ts              time.Time         `json:"ts"`
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	ReqHeaders      map[string]string `json:"reqHeaders"`
	ReqBody         string            `json:"reqBody"`
	Status          int               `json:"status"`
	RespHeaders     map[string]string `json:"respHeaders"`
	RespBody        string            `json:"respBody"`
	Success         bool              `json:"success"`
	ErrorMessage    string            `json:"errorMessage,omitempty"`
	TimeMs          int64             `json:"timeMs"`
	Attempt         int               `json:"attempt"`
	IsRetry         bool              `json:"isRetry"`
	OriginalTraceID string            `json:"originalTraceId,omitempty"`
}

// SessionStats is the monotonically incremented per-session counter set.
type SessionStats struct {
	Total   int64           `json:"total"`
	Success int64           `json:"success"`
	Failure int64           `json:"failure"`
	Status  map[string]int64 `json:"status"`
}

// UserActionError is a terminal REQUIRES_USER_ACTION outcome, persisted for
// manual inspection/resolution/replay.
type UserActionError struct {
	ErrorID            string    `json:"errorId"`
	SessionID          string    `json:"sessionId"`
	JobID              string    `json:"jobId"`
	Ts                 time.Time `json:"ts"`
	StatusCode         int       `json:"statusCode"`
	Category           string    `json:"category"`
	Message            string    `json:"message"`
	ValidationErrors   []string  `json:"validationErrors,omitempty"`
	PermissionInfo     string    `json:"permissionInfo,omitempty"`
	UserActionGuidance string    `json:"userActionGuidance,omitempty"`
	Record             Record    `json:"record"`
	Resolved           bool      `json:"resolved"`
	Resolution         string    `json:"resolution,omitempty"`
	ResolvedAt         *time.Time `json:"resolvedAt,omitempty"`
}

// SuccessResponse is a successful delivery, retained for a bounded window
// for inspection.
type SuccessResponse struct {
	ResponseID string            `json:"responseId"`
	SessionID  string            `json:"sessionId"`
	JobID      string            `json:"jobId"`
	Ts         time.Time         `json:"ts"`
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Data       string            `json:"data"`
	Record     Record            `json:"record"`
	DurationMs int64             `json:"durationMs"`
}

// CircuitBreakerState is the process-wide breaker state, mirrored to the
// durable store for cross-process visibility.
type CircuitBreakerState struct {
	Tripped         bool      `json:"tripped"`
	LastTripped     time.Time `json:"lastTripped"`
	Reason          string    `json:"reason"`
	ResetTimeoutMs  int64     `json:"resetTimeout"`
	MetricsSnapshot string    `json:"metricsSnapshot,omitempty"`
}

// WorkerMetrics is the periodic snapshot a Batch Worker publishes for
// external aggregation.
type WorkerMetrics struct {
	WorkerID          string    `json:"workerId"`
	CurrentConcurrency int      `json:"currentConcurrency"`
	AvgTimePerRecordMs float64  `json:"avgTimePerRecordMs"`
	EstTimeLeftSec     int64    `json:"estTimeLeftSec"`
	SuccessCount       int      `json:"successCount"`
	FailureCount       int      `json:"failureCount"`
	Completed          int      `json:"completed"`
	Total              int      `json:"total"`
	Backlog            int64    `json:"backlog"`
	AvgCPU             float64  `json:"avgCpu"`
	AvgMem             float64  `json:"avgMem"`
	AvgError           float64  `json:"avgError"`
	ProgressHistory    []int    `json:"progressHistory"`
	ControllerStatus   string   `json:"controllerStatus"`
	Timestamp          time.Time `json:"timestamp"`
}
