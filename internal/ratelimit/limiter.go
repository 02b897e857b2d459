// Package ratelimit implements the process-local Rate Limiter (C1): a
// global token bucket paired with an in-flight concurrency cap, shared by
// every outbound HTTP call the pool makes on this host. The combination of
// golang.org/x/time/rate and golang.org/x/sync/semaphore mirrors the
// resilience stack the intelligence-service executor builds its own
// execution gate from.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	maxConcurrentCeiling = 20
	maxConcurrentFloor   = 1
	minTimeCeiling       = 500 * time.Millisecond
	minTimeFloor         = 50 * time.Millisecond
)

// Limiter gates outbound calls behind (i) an available token and (ii) a free
// in-flight slot, blocking FIFO when either is exhausted.
type Limiter struct {
	mu sync.Mutex

	tokens    *rate.Limiter
	inFlight  *semaphore.Weighted
	reservoir int
	highWater int64

	maxConcurrent int64
	minTime       time.Duration

	queued int64
}

// Config seeds the limiter's reservoir, refill cadence and initial
// concurrency knobs per spec §4.1.
type Config struct {
	Reservoir      int
	RefillInterval time.Duration
	InitialMax     int64
	InitialMinTime time.Duration
}

// New builds a Limiter whose token bucket refills `cfg.Reservoir` tokens
// every `cfg.RefillInterval` and whose in-flight cap starts at
// `cfg.InitialMax`.
func New(cfg Config) *Limiter {
	refillRate := rate.Limit(float64(cfg.Reservoir) / cfg.RefillInterval.Seconds())
	return &Limiter{
		tokens:        rate.NewLimiter(refillRate, cfg.Reservoir),
		inFlight:      semaphore.NewWeighted(cfg.InitialMax),
		reservoir:     cfg.Reservoir,
		highWater:     cfg.InitialMax * 4,
		maxConcurrent: cfg.InitialMax,
		minTime:       cfg.InitialMinTime,
	}
}

// Schedule blocks until a token and an in-flight slot are both available,
// then runs fn. The minTime floor is enforced as a per-call pacing delay so
// a burst of freed tokens doesn't all fire back-to-back.
func (l *Limiter) Schedule(ctx context.Context, fn func(context.Context) error) error {
	l.mu.Lock()
	l.queued++
	minTime := l.minTime
	inFlight := l.inFlight
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.queued--
		l.mu.Unlock()
	}()

	if err := l.tokens.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: wait for token: %w", err)
	}
	if err := inFlight.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("rate limiter: acquire slot: %w", err)
	}
	defer inFlight.Release(1)

	if minTime > 0 {
		select {
		case <-time.After(minTime):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fn(ctx)
}

// IsLimited reports whether the FIFO queue depth has crossed 80% of
// highWater, the back-pressure signal callers can surface upstream.
func (l *Limiter) IsLimited() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return float64(l.queued) > 0.8*float64(l.highWater)
}

// Snapshot returns the limiter's current tunables for publishing to the
// durable store.
func (l *Limiter) Snapshot() (maxConcurrent int64, minTime time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxConcurrent, l.minTime
}

// Tune applies C7's auto-tune rule (spec §4.1): a hot error window tightens
// the gate, a cold one relaxes it. Clamped to [1,20] concurrency and
// [50ms,500ms] pacing.
func (l *Limiter) Tune(errorRate, avgResponseTimeMs float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case errorRate > 0.10:
		l.maxConcurrent = clampInt64(int64(math.Round(float64(l.maxConcurrent)*0.8)), maxConcurrentFloor, maxConcurrentCeiling)
		l.minTime = clampDuration(time.Duration(float64(l.minTime)*1.2), minTimeFloor, minTimeCeiling)
	case errorRate < 0.01 && avgResponseTimeMs < 200:
		l.maxConcurrent = clampInt64(int64(math.Round(float64(l.maxConcurrent)*1.1)), maxConcurrentFloor, maxConcurrentCeiling)
		l.minTime = clampDuration(time.Duration(float64(l.minTime)*0.9), minTimeFloor, minTimeCeiling)
	default:
		return
	}

	l.inFlight = semaphore.NewWeighted(l.maxConcurrent)
	l.highWater = l.maxConcurrent * 4
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
