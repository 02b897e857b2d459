package ratelimit

import (
	"context"

	"github.com/relaydispatch/dispatch-engine/internal/httpexec"
)

// doer is the subset of httpexec.Executor the gated executor wraps.
type doer interface {
	Do(ctx context.Context, url, method string, body []byte, headers map[string]string, attempt int) (*httpexec.Response, error)
}

// GatedExecutor wraps an httpexec.Executor so every outbound call passes
// through the Rate Limiter's token/in-flight gate first, satisfying the same
// pipeline.Executor interface the unwrapped executor does.
type GatedExecutor struct {
	next    doer
	limiter *Limiter
}

// Gate wraps next behind limiter.
func Gate(next doer, limiter *Limiter) *GatedExecutor {
	return &GatedExecutor{next: next, limiter: limiter}
}

func (g *GatedExecutor) Do(ctx context.Context, url, method string, body []byte, headers map[string]string, attempt int) (*httpexec.Response, error) {
	var (
		resp *httpexec.Response
		err  error
	)
	scheduleErr := g.limiter.Schedule(ctx, func(ctx context.Context) error {
		resp, err = g.next.Do(ctx, url, method, body, headers, attempt)
		return err
	})
	if scheduleErr != nil && err == nil {
		return nil, scheduleErr
	}
	return resp, err
}
