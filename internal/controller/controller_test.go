package controller

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		MinConcurrency:     20,
		MaxConcurrency:     50,
		Cooldown:           0, // disable cooldown gating for deterministic unit tests
		CBErrorThreshold:   0.30,
		CBResetTimeout:     60 * time.Second,
		HistoryLength:      5,
		TrendHistoryLength: 3,
	}
}

func TestNewStartsAtMinConcurrency(t *testing.T) {
	c := New(testConfig())
	if c.Concurrency() != 20 {
		t.Fatalf("expected initial concurrency 20, got %d", c.Concurrency())
	}
}

func TestTripsBreakerOnHighErrorRate(t *testing.T) {
	c := New(testConfig())
	now := time.Now()

	var tripped bool
	c.OnTrip = func(reason string) { tripped = true }

	d := c.Tick(now, Signals{CPU: 0.5, Mem: 0.5, Error: 0.5, Backlog: 10, ResponseTime: 100})
	if d != DecisionTripBreaker {
		t.Fatalf("expected trip_breaker decision, got %s", d)
	}
	if !c.BreakerTripped() {
		t.Fatalf("expected breaker tripped")
	}
	if !tripped {
		t.Fatalf("expected OnTrip callback to fire")
	}
	if c.Concurrency() != 20 {
		t.Fatalf("expected concurrency dropped to MIN on trip, got %d", c.Concurrency())
	}
}

func TestStaysTrippedUntilResetTimeout(t *testing.T) {
	c := New(testConfig())
	now := time.Now()
	c.Tick(now, Signals{CPU: 0.5, Mem: 0.5, Error: 0.5, Backlog: 10, ResponseTime: 100})

	d := c.Tick(now.Add(10*time.Second), Signals{CPU: 0.5, Mem: 0.5, Error: 0.01, Backlog: 10, ResponseTime: 100})
	if d != DecisionTripBreaker {
		t.Fatalf("expected to remain tripped before reset timeout elapses, got %s", d)
	}
}

func TestEntersRecoveryAfterResetTimeout(t *testing.T) {
	c := New(testConfig())
	now := time.Now()
	c.Tick(now, Signals{CPU: 0.5, Mem: 0.5, Error: 0.5, Backlog: 10, ResponseTime: 100})

	var resetFired bool
	c.OnReset = func() { resetFired = true }

	d := c.Tick(now.Add(61*time.Second), Signals{CPU: 0.5, Mem: 0.5, Error: 0.01, Backlog: 10, ResponseTime: 100})
	if d != DecisionRecoveryTick {
		t.Fatalf("expected recovery_tick after reset timeout, got %s", d)
	}
	if c.BreakerTripped() {
		t.Fatalf("expected breaker cleared after reset timeout")
	}
	if !resetFired {
		t.Fatalf("expected OnReset callback to fire")
	}
	if c.Concurrency() <= 20 {
		t.Fatalf("expected concurrency to step up during recovery, got %d", c.Concurrency())
	}
}

func TestIncreasesConcurrencyOnHealthySignals(t *testing.T) {
	c := New(testConfig())
	now := time.Now()

	// Warm up trend history with falling CPU and a growing backlog, so the
	// trend scores give systemHealth 0.5 (> 0.3) by the decision tick.
	cpus := []float64{0.8, 0.6, 0.4}
	backlogs := []float64{10, 12, 15}
	for i := 0; i < 3; i++ {
		now = now.Add(time.Second)
		c.Tick(now, Signals{CPU: cpus[i], Mem: 0.8, Error: 0.01, Backlog: backlogs[i], ResponseTime: 50})
	}

	before := c.Concurrency()
	now = now.Add(time.Second)
	d := c.Tick(now, Signals{CPU: 0.3, Mem: 0.8, Error: 0.01, Backlog: 20, ResponseTime: 50})

	if d != DecisionIncrease {
		t.Fatalf("expected increase decision, got %s", d)
	}
	if c.Concurrency() <= before {
		t.Fatalf("expected concurrency to grow on increase decision")
	}
}

func TestDecreasesConcurrencyUnderMemoryPressure(t *testing.T) {
	c := New(testConfig())
	c.concurrency = 30 // start above MIN so the decrease is not clamped away
	now := time.Now()

	before := c.Concurrency()
	d := c.Tick(now, Signals{CPU: 0.5, Mem: 0.1, Error: 0.01, Backlog: 1, ResponseTime: 50})

	if d != DecisionDecrease {
		t.Fatalf("expected decrease decision under low memory, got %s", d)
	}
	if c.Concurrency() >= before {
		t.Fatalf("expected concurrency to shrink, before=%d after=%d", before, c.Concurrency())
	}
}

func TestConcurrencyNeverExceedsMaxOrMin(t *testing.T) {
	cfg := testConfig()
	c := New(cfg)
	now := time.Now()

	for i := 0; i < 50; i++ {
		now = now.Add(time.Second)
		c.Tick(now, Signals{CPU: 0.1, Mem: 0.9, Error: 0.0, Backlog: 100, ResponseTime: 10})
		if c.Concurrency() < cfg.MinConcurrency || c.Concurrency() > cfg.MaxConcurrency {
			t.Fatalf("concurrency %d out of bounds [%d,%d]", c.Concurrency(), cfg.MinConcurrency, cfg.MaxConcurrency)
		}
	}
}

func TestOnChangeFiresOnConcurrencyChange(t *testing.T) {
	c := New(testConfig())
	c.concurrency = 30 // start above MIN so the decrease is not clamped away
	now := time.Now()

	var changes int
	c.OnChange = func(newConcurrency int) { changes++ }

	c.Tick(now, Signals{CPU: 0.5, Mem: 0.1, Error: 0.01, Backlog: 1, ResponseTime: 50})
	if changes == 0 {
		t.Fatalf("expected OnChange to fire on a decrease decision")
	}
}

func TestPredictiveDeltaBoostsIncreaseStep(t *testing.T) {
	c := New(testConfig())
	now := time.Now()
	c.PredictiveDelta = func(now time.Time, concurrency int) int { return 5 }

	cpus := []float64{0.8, 0.6, 0.4}
	backlogs := []float64{10, 12, 15}
	for i := 0; i < 3; i++ {
		now = now.Add(time.Second)
		c.Tick(now, Signals{CPU: cpus[i], Mem: 0.8, Error: 0.01, Backlog: backlogs[i], ResponseTime: 50})
	}

	before := c.Concurrency()
	now = now.Add(time.Second)
	d := c.Tick(now, Signals{CPU: 0.3, Mem: 0.8, Error: 0.01, Backlog: 20, ResponseTime: 50})

	if d != DecisionIncrease {
		t.Fatalf("expected increase decision, got %s", d)
	}
	if c.Concurrency() != before+5 {
		t.Fatalf("expected predictive delta (5) to override default increase step, got concurrency %d (before %d)", c.Concurrency(), before)
	}
}

func TestPredictiveDeltaAppliesWhenStable(t *testing.T) {
	cfg := testConfig()
	cfg.Cooldown = time.Second
	c := New(cfg)
	now := time.Now()

	c.Tick(now, Signals{CPU: 1.0, Mem: 0.5, Error: 0.05, Backlog: 3, ResponseTime: 50})

	c.PredictiveDelta = func(now time.Time, concurrency int) int { return 3 }
	now = now.Add(3 * time.Second)
	before := c.Concurrency()
	d := c.Tick(now, Signals{CPU: 1.0, Mem: 0.5, Error: 0.05, Backlog: 3, ResponseTime: 50})

	if d == DecisionStable && c.Concurrency() != before+3 {
		t.Fatalf("expected predictive delta to nudge concurrency while stable, got %d (before %d)", c.Concurrency(), before)
	}
}
