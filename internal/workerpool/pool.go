// Package workerpool implements the bounded Worker Pool (C4): N workers
// each serve their own addressed inbox of typed tasks, every submission
// resolves with a success result or a classified error, and a worker that
// panics is replaced rather than allowed to take the pool down with it.
//
// Grounded on the teacher's fixed-size worker goroutines + buffered job
// channel (internal/worker/worker.go) and its crash-tolerant pool variant
// (internal/worker/pool.go), reshaped around typed tasks with per-task
// result channels instead of a single shared message-ID queue.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// TaskType distinguishes the two shapes of work the pool accepts.
type TaskType string

const (
	TaskAPICall       TaskType = "api_call"
	TaskProcessRecord TaskType = "process_record"
)

// TaskTimeout is the hard ceiling on any single task's execution.
const TaskTimeout = 30 * time.Second

// ErrShutdown is returned to every task still pending when Shutdown runs.
var ErrShutdown = errors.New("worker pool: shut down")

// ErrPoolNotInitialized signals a catastrophic C4 failure; callers fall
// back to serial in-process processing per spec §7.
var ErrPoolNotInitialized = errors.New("worker pool: not initialized")

// ErrDeliveryFailed is returned when a task could not be handed off to any
// worker even after one requeue attempt (spec §4.4: "If a worker cannot be
// delivered the task (transport error), the task is requeued once to
// another worker or fails with SYSTEM_ERROR").
var ErrDeliveryFailed = errors.New("SYSTEM_ERROR: worker pool delivery failed after one requeue")

// Task is one unit of work. Payload and Metadata are opaque to the pool;
// Handler interprets them.
type Task struct {
	Type     TaskType
	Payload  interface{}
	Metadata map[string]interface{}
}

// Result is what every task resolves to, success or failure, never both.
type Result struct {
	Success            bool
	Data               interface{}
	Err                error
	UserActionRequired bool
}

// Handler executes one task and produces its outcome. Implementations are
// expected to classify their own errors before returning — the pool treats
// Handler's error return as already-terminal.
type Handler func(ctx context.Context, task Task) (data interface{}, userActionRequired bool, err error)

// Size returns clamp(NumCPU-1, 2, 4), the pool size rule from spec §4.4.
func Size() int {
	n := runtime.NumCPU() - 1
	if n < 2 {
		return 2
	}
	if n > 4 {
		return 4
	}
	return n
}

type job struct {
	task   Task
	result chan Result
}

// workerSlot is one addressable inbox a task can be delivered to. Its
// channel is unbuffered: a send only succeeds while the worker holding it
// is idle and parked in a receive, so a successful send is itself proof of
// delivery to a specific, live worker.
type workerSlot struct {
	id int
	ch chan job
}

// Pool is the bounded worker pool.
type Pool struct {
	size    int
	handler Handler

	slotsMu sync.RWMutex
	slots   []*workerSlot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	submitted int64
	completed int64
	pending   int64

	mu       sync.Mutex
	shutdown bool
}

// New builds and starts a Pool of `size` workers (use Size() for the spec's
// default), each running `handler` to completion for one task at a time.
func New(size int, handler Handler) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		size:    size,
		handler: handler,
		slots:   make([]*workerSlot, size),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < size; i++ {
		p.startWorker(i)
	}
	return p
}

// startWorker installs a fresh inbox at slot `id` and launches the
// goroutine that serves it. Called both at construction and whenever a
// worker crashes, so the slot is replaced rather than left permanently
// short (spec §4.4: "a worker crash replaces the worker").
func (p *Pool) startWorker(id int) {
	slot := &workerSlot{id: id, ch: make(chan job)}

	p.slotsMu.Lock()
	p.slots[id] = slot
	p.slotsMu.Unlock()

	p.wg.Add(1)
	go p.runWorker(slot)
}

// runWorker processes jobs delivered to its own inbox until the pool shuts
// down. A panic inside the handler is caught, turned into a SYSTEM_ERROR
// result for that task's submitter, and a fresh goroutine takes over its
// slot; this goroutine then closes its old inbox and exits rather than
// looping back onto an inbox that p.slots no longer points at.
func (p *Pool) runWorker(slot *workerSlot) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case j, ok := <-slot.ch:
			if !ok {
				return
			}
			if crashed := p.execute(slot.id, j); crashed {
				close(slot.ch)
				return
			}
		}
	}
}

func (p *Pool) execute(id int, j job) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			j.result <- Result{Success: false, Err: fmt.Errorf("worker %d crashed: %v", id, r)}
			atomic.AddInt64(&p.completed, 1)
			// Replace this worker: the deferred recover unwinds the current
			// goroutine, so a fresh one takes its slot immediately.
			p.startWorker(id)
			crashed = true
		}
	}()

	taskCtx, cancel := context.WithTimeout(p.ctx, TaskTimeout)
	defer cancel()

	data, userActionRequired, err := p.handler(taskCtx, j.task)
	atomic.AddInt64(&p.completed, 1)

	if err != nil {
		j.result <- Result{Success: false, Err: err, UserActionRequired: userActionRequired}
		return false
	}
	j.result <- Result{Success: true, Data: data, UserActionRequired: userActionRequired}
	return false
}

// Submit enqueues one task and blocks until it settles. A delivery that
// cannot land on any worker — every live slot having been pulled out from
// under the attempt by a concurrent crash-replace — is requeued once
// against a fresh snapshot of workers before the caller sees
// ErrDeliveryFailed (spec §4.4).
func (p *Pool) Submit(ctx context.Context, task Task) Result {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return Result{Success: false, Err: ErrShutdown}
	}
	p.mu.Unlock()

	atomic.AddInt64(&p.pending, 1)
	defer atomic.AddInt64(&p.pending, -1)

	resultCh := make(chan Result, 1)
	j := job{task: task, result: resultCh}

	if err := p.deliver(ctx, j); err != nil {
		switch {
		case errors.Is(err, ErrShutdown):
			return Result{Success: false, Err: ErrShutdown}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return Result{Success: false, Err: err}
		default:
			return Result{Success: false, Err: ErrDeliveryFailed}
		}
	}
	atomic.AddInt64(&p.submitted, 1)

	select {
	case res := <-resultCh:
		return res
	case <-ctx.Done():
		return Result{Success: false, Err: ctx.Err()}
	case <-p.ctx.Done():
		return Result{Success: false, Err: ErrShutdown}
	}
}

// deliver hands j to whichever live worker is idle, retrying once against a
// fresh slot snapshot if the first attempt fails to land (spec §4.4: "the
// task is requeued once to another worker or fails with SYSTEM_ERROR").
func (p *Pool) deliver(ctx context.Context, j job) error {
	if err := p.tryDeliver(ctx, j); err == nil {
		return nil
	}
	return p.tryDeliver(ctx, j)
}

// tryDeliver races a send against every currently-live worker inbox plus
// both cancellation signals, using reflect.Select since the number of slots
// is only known at runtime. A send landing on any slot proves that worker
// was idle and received it; a slot whose channel was closed out from under
// it by a concurrent crash-replace panics the send, which is caught here
// and reported as a failed delivery rather than letting the panic escape.
func (p *Pool) tryDeliver(ctx context.Context, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker pool: delivery panic: %v", r)
		}
	}()

	p.slotsMu.RLock()
	slots := make([]*workerSlot, len(p.slots))
	copy(slots, p.slots)
	p.slotsMu.RUnlock()

	cases := make([]reflect.SelectCase, 0, len(slots)+2)
	for _, s := range slots {
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectSend,
			Chan: reflect.ValueOf(s.ch),
			Send: reflect.ValueOf(j),
		})
	}
	ctxDoneIdx := len(cases)
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})
	poolDoneIdx := len(cases)
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(p.ctx.Done())})

	chosen, _, _ := reflect.Select(cases)
	switch chosen {
	case ctxDoneIdx:
		return ctx.Err()
	case poolDoneIdx:
		return ErrShutdown
	default:
		return nil
	}
}

// RecordResult pairs a settled Result with the record it was submitted for,
// preserving the caller's input order — the shape batchProcess returns.
type RecordResult struct {
	Record             interface{}
	Success            bool
	Data               interface{}
	Err                error
	UserActionRequired bool
}

// BatchProcess submits every record as a process_record task, awaits all of
// them, and returns results in the same order as the input (spec §4.4:
// "awaits all (settled), returns per-record results preserving input
// order").
func (p *Pool) BatchProcess(ctx context.Context, records []interface{}) []RecordResult {
	results := make([]RecordResult, len(records))
	var wg sync.WaitGroup

	for i, record := range records {
		wg.Add(1)
		go func(i int, record interface{}) {
			defer wg.Done()
			res := p.Submit(ctx, Task{Type: TaskProcessRecord, Payload: record})
			results[i] = RecordResult{
				Record:             record,
				Success:            res.Success,
				Data:               res.Data,
				Err:                res.Err,
				UserActionRequired: res.UserActionRequired,
			}
		}(i, record)
	}

	wg.Wait()
	return results
}

// Shutdown cancels all pending/in-flight tasks (each rejects with
// ErrShutdown) and waits up to timeout for workers to drain.
func (p *Pool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker pool: shutdown timed out after %s", timeout)
	}
}

// Stats is a point-in-time snapshot for dashboards.
type Stats struct {
	Size      int
	Submitted int64
	Completed int64
	QueueLen  int
}

func (p *Pool) Stats() Stats {
	return Stats{
		Size:      p.size,
		Submitted: atomic.LoadInt64(&p.submitted),
		Completed: atomic.LoadInt64(&p.completed),
		QueueLen:  int(atomic.LoadInt64(&p.pending)),
	}
}
