package batchworker

import (
	"context"
	"fmt"

	"github.com/relaydispatch/dispatch-engine/internal/pipeline"
	"github.com/relaydispatch/dispatch-engine/internal/workerpool"
)

// NewPool wires the Record Pipeline (C5) into the Worker Pool's (C4) typed
// task interface: every task payload is a pipeline.Request, executed
// through pipeline.ProcessRecord, with the pipeline's own Outcome.Success
// folded into the Handler's (err == nil) contract.
func NewPool(p *pipeline.Pipeline, size int) *workerpool.Pool {
	return workerpool.New(size, recordHandler(p))
}

func recordHandler(p *pipeline.Pipeline) workerpool.Handler {
	return func(ctx context.Context, task workerpool.Task) (interface{}, bool, error) {
		req, ok := task.Payload.(pipeline.Request)
		if !ok {
			return nil, false, fmt.Errorf("batchworker: unexpected task payload type %T", task.Payload)
		}

		outcome := p.ProcessRecord(ctx, req)
		if !outcome.Success {
			return outcome, outcome.UserActionRequired, fmt.Errorf("%s", outcome.Classification.Message)
		}
		return outcome, false, nil
	}
}
