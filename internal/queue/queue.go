// Package queue implements the Job Queue external collaborator named in
// spec.md §6: add/getJob/getJobCountByTypes/getJobs/updateProgress/
// moveToDelayed/promote/remove/pause/resume, backed by Postgres. The claim
// pattern (SELECT ... FOR UPDATE SKIP LOCKED) is grounded on the teacher's
// queue/database.go atomic-claim query, generalized from a fixed "messages"
// table to a generic jobs table carrying a domain.Job payload.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/relaydispatch/dispatch-engine/internal/domain"
)

// ErrNotFound is returned by GetJob when no row matches the id.
var ErrNotFound = errors.New("queue: job not found")

// ErrPaused is returned by Claim while the queue is paused.
var ErrPaused = errors.New("queue: paused")

// Options mirrors spec §6's "default job options": attempts=3, exponential
// backoff 5s, retention windows for completed/failed rows.
type Options struct {
	Attempts             int
	BackoffBase          time.Duration
	RetainCompleted      time.Duration
	RetainCompletedCount int
	RetainFailed         time.Duration
}

// DefaultOptions is the spec's default job options.
func DefaultOptions() Options {
	return Options{
		Attempts:             3,
		BackoffBase:          5 * time.Second,
		RetainCompleted:      24 * time.Hour,
		RetainCompletedCount: 1000,
		RetainFailed:         7 * 24 * time.Hour,
	}
}

// Record is one row of the jobs table: the queue's own bookkeeping wrapped
// around the domain.Job it carries.
type Record struct {
	ID          string
	Name        string
	SessionID   string
	Job         domain.Job
	Status      domain.JobStatus
	Progress    map[string]interface{}
	Attempts    int
	MaxAttempts int
	BackoffBase time.Duration
	AvailableAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	ReturnValue *domain.JobResult
	LastError   string
}

// Queue is the Postgres-backed Job Queue.
type Queue struct {
	db *sql.DB
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Add enqueues a new job (spec: `add(name, data, opts)`), defaulting to
// DefaultOptions() when opts.Attempts is zero.
func (q *Queue) Add(ctx context.Context, name string, job domain.Job, opts Options) (*Record, error) {
	if opts.Attempts == 0 {
		opts = DefaultOptions()
	}
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	job.Status = domain.JobWaiting
	job.CreatedAt = time.Now().UTC()
	job.UpdatedAt = job.CreatedAt

	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}

	const q1 = `
		INSERT INTO jobs (id, name, session_id, payload, status, progress, attempts, max_attempts, backoff_base_ms, available_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'waiting', '{}'::jsonb, 0, $5, $6, now(), now(), now())`
	_, err = q.db.ExecContext(ctx, q1, job.JobID, name, job.SessionID, payload, opts.Attempts, opts.BackoffBase.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	return q.GetJob(ctx, job.JobID)
}

// GetJob loads one job row by id.
func (q *Queue) GetJob(ctx context.Context, id string) (*Record, error) {
	const q1 = `
		SELECT id, name, session_id, payload, status, progress, attempts, max_attempts, backoff_base_ms,
		       available_at, created_at, updated_at, completed_at, return_value, last_error
		FROM jobs WHERE id = $1`
	row := q.db.QueryRowContext(ctx, q1, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	return rec, nil
}

// GetJobCountByTypes returns the count of jobs in each of the given states.
func (q *Queue) GetJobCountByTypes(ctx context.Context, states ...domain.JobStatus) (map[domain.JobStatus]int64, error) {
	out := make(map[domain.JobStatus]int64, len(states))
	for _, s := range states {
		var n int64
		if err := q.db.QueryRowContext(ctx, `SELECT count(*) FROM jobs WHERE status = $1`, string(s)).Scan(&n); err != nil {
			return nil, fmt.Errorf("count jobs (%s): %w", s, err)
		}
		out[s] = n
	}
	return out, nil
}

// GetJobs returns jobs in any of the given states, ordered oldest first,
// paginated [from, to).
func (q *Queue) GetJobs(ctx context.Context, states []domain.JobStatus, from, to int) ([]*Record, error) {
	if to <= from {
		return nil, nil
	}
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	const q1 = `
		SELECT id, name, session_id, payload, status, progress, attempts, max_attempts, backoff_base_ms,
		       available_at, created_at, updated_at, completed_at, return_value, last_error
		FROM jobs WHERE status = ANY($1) ORDER BY created_at ASC OFFSET $2 LIMIT $3`
	rows, err := q.db.QueryContext(ctx, q1, pq.Array(names), from, to-from)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Claim atomically pops up to `limit` waiting, due jobs and marks them
// active, the same SELECT ... FOR UPDATE SKIP LOCKED pattern the teacher
// uses to claim messages without double-delivery races between concurrent
// Batch Workers.
func (q *Queue) Claim(ctx context.Context, limit int) ([]*Record, error) {
	if paused, err := q.Paused(ctx); err != nil {
		return nil, err
	} else if paused {
		return nil, ErrPaused
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	const q1 = `
		UPDATE jobs SET status = 'active', updated_at = now()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'waiting' AND available_at <= now()
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, name, session_id, payload, status, progress, attempts, max_attempts, backoff_base_ms,
		          available_at, created_at, updated_at, completed_at, return_value, last_error`
	rows, err := tx.QueryContext(ctx, q1, limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return out, nil
}

// UpdateProgress writes the caller-supplied progress fields (spec §4.8
// step 4: "call queue updateProgress with these fields").
func (q *Queue) UpdateProgress(ctx context.Context, id string, fields map[string]interface{}) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `UPDATE jobs SET progress = $2, updated_at = now() WHERE id = $1`, id, payload)
	return err
}

// MoveToDelayed defers a job until `until`.
func (q *Queue) MoveToDelayed(ctx context.Context, id string, until time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'delayed', available_at = $2, attempts = attempts + 1, updated_at = now()
		WHERE id = $1`, id, until)
	return err
}

// Promote moves a delayed job back to waiting immediately.
func (q *Queue) Promote(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'waiting', available_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'delayed'`, id)
	return err
}

// Remove deletes a job row outright.
func (q *Queue) Remove(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	return err
}

// Complete marks a job completed and stores its terminal JobResult.
func (q *Queue) Complete(ctx context.Context, id string, result domain.JobResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', return_value = $2, completed_at = now(), updated_at = now()
		WHERE id = $1`, id, payload)
	return err
}

// Fail marks a job permanently failed. Job-level preconditions (empty
// records, missing session) fail outright per spec §7; record-level
// failures never reach this path since the job itself still "completes".
func (q *Queue) Fail(ctx context.Context, id, reason string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', last_error = $2, completed_at = now(), updated_at = now()
		WHERE id = $1`, id, reason)
	return err
}

// Pause stops Claim from returning any job until Resume is called. The flag
// is persisted so every process sharing this Postgres instance observes it.
func (q *Queue) Pause(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_control (key, value) VALUES ('paused', 'true')
		ON CONFLICT (key) DO UPDATE SET value = 'true'`)
	return err
}

func (q *Queue) Resume(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_control (key, value) VALUES ('paused', 'false')
		ON CONFLICT (key) DO UPDATE SET value = 'false'`)
	return err
}

func (q *Queue) Paused(ctx context.Context) (bool, error) {
	var v string
	err := q.db.QueryRowContext(ctx, `SELECT value FROM queue_control WHERE key = 'paused'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

// CleanupRetention trims completed/failed rows past the configured
// retention windows (spec §6 default job options).
func (q *Queue) CleanupRetention(ctx context.Context, opts Options) error {
	if opts.Attempts == 0 {
		opts = DefaultOptions()
	}
	if _, err := q.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE status = 'completed' AND completed_at < now() - $1::interval`,
		fmt.Sprintf("%d milliseconds", opts.RetainCompleted.Milliseconds())); err != nil {
		return fmt.Errorf("trim completed by age: %w", err)
	}
	if _, err := q.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE status = 'failed' AND completed_at < now() - $1::interval`,
		fmt.Sprintf("%d milliseconds", opts.RetainFailed.Milliseconds())); err != nil {
		return fmt.Errorf("trim failed by age: %w", err)
	}
	if opts.RetainCompletedCount > 0 {
		if _, err := q.db.ExecContext(ctx, `
			DELETE FROM jobs WHERE id IN (
				SELECT id FROM jobs WHERE status = 'completed'
				ORDER BY completed_at DESC OFFSET $1
			)`, opts.RetainCompletedCount); err != nil {
			return fmt.Errorf("trim completed by count: %w", err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec         Record
		payload     []byte
		progress    []byte
		returnValue sql.NullString
		backoffMs   int64
		lastError   sql.NullString
		completedAt sql.NullTime
	)

	if err := row.Scan(&rec.ID, &rec.Name, &rec.SessionID, &payload, &rec.Status, &progress,
		&rec.Attempts, &rec.MaxAttempts, &backoffMs, &rec.AvailableAt, &rec.CreatedAt, &rec.UpdatedAt,
		&completedAt, &returnValue, &lastError); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(payload, &rec.Job); err != nil {
		return nil, fmt.Errorf("unmarshal job payload: %w", err)
	}
	rec.Progress = map[string]interface{}{}
	if len(progress) > 0 {
		_ = json.Unmarshal(progress, &rec.Progress)
	}
	rec.BackoffBase = time.Duration(backoffMs) * time.Millisecond
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	if lastError.Valid {
		rec.LastError = lastError.String
	}
	if returnValue.Valid && returnValue.String != "" {
		var jr domain.JobResult
		if err := json.Unmarshal([]byte(returnValue.String), &jr); err == nil {
			rec.ReturnValue = &jr
		}
	}
	return &rec, nil
}
