package workerpool

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSubmitReturnsSuccess(t *testing.T) {
	p := New(2, func(ctx context.Context, task Task) (interface{}, bool, error) {
		return task.Payload, false, nil
	})
	defer p.Shutdown(time.Second)

	res := p.Submit(context.Background(), Task{Type: TaskProcessRecord, Payload: "hello"})
	if !res.Success {
		t.Fatalf("expected success, got err=%v", res.Err)
	}
	if res.Data != "hello" {
		t.Fatalf("expected payload echoed back, got %v", res.Data)
	}
}

func TestSubmitReturnsClassifiedError(t *testing.T) {
	wantErr := errors.New("boom")
	p := New(2, func(ctx context.Context, task Task) (interface{}, bool, error) {
		return nil, false, wantErr
	})
	defer p.Shutdown(time.Second)

	res := p.Submit(context.Background(), Task{Type: TaskProcessRecord})
	if res.Success {
		t.Fatalf("expected failure")
	}
	if !errors.Is(res.Err, wantErr) {
		t.Fatalf("expected wrapped error, got %v", res.Err)
	}
}

func TestWorkerCrashSurfacesErrorAndPoolSurvives(t *testing.T) {
	calls := make(chan struct{}, 10)
	p := New(2, func(ctx context.Context, task Task) (interface{}, bool, error) {
		calls <- struct{}{}
		if task.Payload == "panic" {
			panic("simulated crash")
		}
		return "ok", false, nil
	})
	defer p.Shutdown(time.Second)

	res := p.Submit(context.Background(), Task{Type: TaskProcessRecord, Payload: "panic"})
	if res.Success {
		t.Fatalf("expected the crashed task to resolve as a failure")
	}

	// Pool must still accept and complete subsequent work after a crash.
	res2 := p.Submit(context.Background(), Task{Type: TaskProcessRecord, Payload: "fine"})
	if !res2.Success || res2.Data != "ok" {
		t.Fatalf("expected pool to keep serving after a worker crash, got %+v", res2)
	}
}

func TestBatchProcessPreservesOrder(t *testing.T) {
	p := New(4, func(ctx context.Context, task Task) (interface{}, bool, error) {
		n := task.Payload.(int)
		time.Sleep(time.Duration(10-n) * time.Millisecond)
		if n%2 == 0 {
			return n * 10, false, nil
		}
		return nil, false, errors.New("odd number rejected")
	})
	defer p.Shutdown(time.Second)

	records := make([]interface{}, 10)
	for i := range records {
		records[i] = i
	}

	results := p.BatchProcess(context.Background(), records)
	if len(results) != len(records) {
		t.Fatalf("expected %d results, got %d", len(records), len(results))
	}
	for i, r := range results {
		if r.Record.(int) != i {
			t.Fatalf("order not preserved at index %d: got record %v", i, r.Record)
		}
		if i%2 == 0 && !r.Success {
			t.Fatalf("expected even record %d to succeed", i)
		}
		if i%2 != 0 && r.Success {
			t.Fatalf("expected odd record %d to fail", i)
		}
	}
}

func TestSubmitAfterShutdownIsRejected(t *testing.T) {
	block := make(chan struct{})
	p := New(1, func(ctx context.Context, task Task) (interface{}, bool, error) {
		<-block
		return "ok", false, nil
	})

	go func() {
		p.Submit(context.Background(), Task{Type: TaskProcessRecord})
	}()
	time.Sleep(10 * time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(block)
	}()

	if err := p.Shutdown(time.Second); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}

	res := p.Submit(context.Background(), Task{Type: TaskProcessRecord})
	if res.Success || !errors.Is(res.Err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown after pool shutdown, got %+v", res)
	}
}

func TestSizeClamped(t *testing.T) {
	n := Size()
	if n < 2 || n > 4 {
		t.Fatalf("Size() = %d, want value in [2,4]", n)
	}
}
