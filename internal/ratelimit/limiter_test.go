package ratelimit

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Reservoir:      100,
		RefillInterval: time.Minute,
		InitialMax:     5,
		InitialMinTime: 0,
	}
}

func TestScheduleRunsFn(t *testing.T) {
	l := New(testConfig())

	var ran int32
	err := l.Schedule(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatalf("expected fn to run exactly once, ran=%d", ran)
	}
}

func TestScheduleRespectsConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	cfg.InitialMax = 2
	l := New(cfg)

	var current, maxSeen int32
	done := make(chan struct{})

	for i := 0; i < 5; i++ {
		go func() {
			_ = l.Schedule(context.Background(), func(ctx context.Context) error {
				n := atomic.AddInt32(&current, 1)
				for {
					old := atomic.LoadInt32(&maxSeen)
					if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&current, -1)
				done <- struct{}{}
				return nil
			})
		}()
	}

	for i := 0; i < 5; i++ {
		<-done
	}

	if atomic.LoadInt32(&maxSeen) > 2 {
		t.Fatalf("concurrency cap violated: saw %d concurrent calls, want <= 2", maxSeen)
	}
}

func TestTuneTightensOnHighErrorRate(t *testing.T) {
	l := New(testConfig())
	before, beforeMinTime := l.Snapshot()

	l.Tune(0.25, 100)

	after, afterMinTime := l.Snapshot()
	if after >= before {
		t.Fatalf("expected maxConcurrent to shrink, before=%d after=%d", before, after)
	}
	if afterMinTime <= beforeMinTime {
		t.Fatalf("expected minTime to grow, before=%v after=%v", beforeMinTime, afterMinTime)
	}
}

func TestTuneRelaxesOnLowErrorRate(t *testing.T) {
	cfg := testConfig()
	cfg.InitialMax = 5
	cfg.InitialMinTime = 100 * time.Millisecond
	l := New(cfg)
	before, beforeMinTime := l.Snapshot()

	l.Tune(0.001, 50)

	after, afterMinTime := l.Snapshot()
	if after <= before {
		t.Fatalf("expected maxConcurrent to grow, before=%d after=%d", before, after)
	}
	if afterMinTime >= beforeMinTime {
		t.Fatalf("expected minTime to shrink, before=%v after=%v", beforeMinTime, afterMinTime)
	}
}

func TestTuneClampsToBounds(t *testing.T) {
	cfg := testConfig()
	cfg.InitialMax = 20
	cfg.InitialMinTime = 500 * time.Millisecond
	l := New(cfg)

	l.Tune(0.001, 10)

	after, afterMinTime := l.Snapshot()
	if after > maxConcurrentCeiling {
		t.Fatalf("maxConcurrent exceeded ceiling: %d", after)
	}
	if afterMinTime < minTimeFloor {
		t.Fatalf("minTime below floor: %v", afterMinTime)
	}
}

func TestIsLimitedUnderQueuePressure(t *testing.T) {
	cfg := testConfig()
	cfg.InitialMax = 1
	l := New(cfg)
	l.highWater = 2

	if l.IsLimited() {
		t.Fatalf("expected not limited at zero queue depth")
	}

	release := make(chan struct{})
	go func() {
		_ = l.Schedule(context.Background(), func(ctx context.Context) error {
			<-release
			return nil
		})
	}()
	go func() {
		_ = l.Schedule(context.Background(), func(ctx context.Context) error {
			<-release
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	limited := l.IsLimited()
	close(release)

	if !limited {
		t.Fatalf("expected IsLimited to report true once queue depth exceeds 80%% of highWater")
	}
}
