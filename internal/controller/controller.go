// Package controller implements the Adaptive Controller (C7): every
// COOLDOWN_MS it samples system health, trips or recovers the circuit
// breaker, and nudges pool concurrency up or down. It is the only component
// that may mutate the shared concurrency width; every other component
// reacts to C7's decisions through C8.
//
// The sampling loop is grounded on the teacher's
// monitoring.PerformanceMonitor ticker loop
// (internal/monitoring/performance.go). The memory signal reads
// /proc/meminfo (see sample.go); no CPU/load-average library is
// directly imported anywhere in the retrieved pack (gopsutil only appears
// transitively), so the CPU signal reads /proc/loadavg directly, matching
// the teacher's own direct-runtime-introspection style (see DESIGN.md).
package controller

import (
	"math"
	"time"
)

const (
	maxRecoverySteps           = 5
	concurrencyIncreaseRate    = 2
	concurrencyStabilityThresh = 5
	maxDecreaseStep            = 3
)

// Signals is one sampling tick's raw readings, before trend smoothing.
type Signals struct {
	CPU          float64 // 1-minute load average
	Mem          float64 // freeMem/totalMem
	Error        float64 // from C6
	Backlog      float64 // queue waiting count
	ResponseTime float64 // ms, from C6
}

// Decision names which branch of the §4.7 decision tree fired on a tick.
type Decision string

const (
	DecisionTripBreaker   Decision = "trip_breaker"
	DecisionRecoveryStart Decision = "recovery_start"
	DecisionRecoveryTick  Decision = "recovery_tick"
	DecisionIncrease      Decision = "increase"
	DecisionDecrease      Decision = "decrease"
	DecisionStable        Decision = "stable"
)

// Config carries the spec §6 tunables.
type Config struct {
	MinConcurrency     int
	MaxConcurrency     int
	Cooldown           time.Duration
	CBErrorThreshold   float64
	CBResetTimeout     time.Duration
	HistoryLength      int
	TrendHistoryLength int
}

type window struct {
	samples []float64
	trends  []float64
}

func (w *window) pushSample(v float64, historyLen, trendLen int) {
	if len(w.samples) > 0 {
		prev := w.samples[len(w.samples)-1]
		w.trends = append(w.trends, trendFor(v, prev))
		if len(w.trends) > trendLen {
			w.trends = w.trends[len(w.trends)-trendLen:]
		}
	}
	w.samples = append(w.samples, v)
	if len(w.samples) > historyLen {
		w.samples = w.samples[len(w.samples)-historyLen:]
	}
}

func (w *window) avg() float64 {
	if len(w.samples) == 0 {
		return 0
	}
	var total float64
	for _, s := range w.samples {
		total += s
	}
	return total / float64(len(w.samples))
}

func (w *window) trendScore() float64 {
	if len(w.trends) == 0 {
		return 0
	}
	var total float64
	for _, t := range w.trends {
		total += t
	}
	return total / float64(len(w.trends))
}

func trendFor(latest, prev float64) float64 {
	switch {
	case latest > prev*1.1:
		return 1
	case latest < prev*0.9:
		return -1
	default:
		return 0
	}
}

// Controller holds the process-wide adaptive concurrency state. Exactly one
// instance is expected per process; C8 reads Concurrency() after every Tick.
type Controller struct {
	cfg Config

	concurrency int

	cpu, mem, errRate, backlog, responseTime window

	breakerTripped bool
	trippedAt      time.Time

	recovering        bool
	recoveryTarget    int
	recoveryStepsLeft int

	consecutiveDecreaseTriggers int
	stabilityCounter            int
	lastChangeAt                time.Time
	lastAvgResponseTime         float64
	lastSystemHealth            float64

	// OnChange fires whenever concurrency changes, so C8 can recreate the
	// Batch Worker at the new width.
	OnChange func(newConcurrency int)
	// OnTrip fires when the breaker trips, so C5's gate and C9's published
	// state stay in sync with the controller's own view.
	OnTrip func(reason string)
	// OnReset fires when the breaker clears and recovery begins.
	OnReset func()

	// PredictiveDelta, when set, returns the hour-of-day predictive bias
	// (spec §4.7) for the upcoming hour given the current concurrency. It is
	// consulted by the Increase branch ("prefer predictive adjustment if
	// positive and larger") and the Stable branch ("apply predictive
	// adjustment only if |delta|>=2 and now-lastChange>2*COOLDOWN_MS").
	PredictiveDelta func(now time.Time, concurrency int) int
}

// New builds a Controller starting at MinConcurrency, the safe floor.
func New(cfg Config) *Controller {
	return &Controller{
		cfg:                 cfg,
		concurrency:         cfg.MinConcurrency,
		lastChangeAt:        time.Time{},
		lastAvgResponseTime: 0,
	}
}

func (c *Controller) Concurrency() int { return c.concurrency }

func (c *Controller) BreakerTripped() bool { return c.breakerTripped }

// SystemHealth returns the most recently computed health score, used by the
// predictive-bias gate ("pattern updates only occur while systemHealth is
// positive and C is above midpoint", spec §4.7).
func (c *Controller) SystemHealth() float64 { return c.lastSystemHealth }

// AboveMidpoint reports whether the current concurrency sits above the
// midpoint of [MinConcurrency, MaxConcurrency].
func (c *Controller) AboveMidpoint() bool {
	mid := float64(c.cfg.MinConcurrency+c.cfg.MaxConcurrency) / 2
	return float64(c.concurrency) > mid
}

// Tick folds one sampling round into the rolling windows and applies the
// decision tree, in order, taking at most one action.
func (c *Controller) Tick(now time.Time, s Signals) Decision {
	c.cpu.pushSample(s.CPU, c.cfg.HistoryLength, c.cfg.TrendHistoryLength)
	c.mem.pushSample(s.Mem, c.cfg.HistoryLength, c.cfg.TrendHistoryLength)
	c.errRate.pushSample(s.Error, c.cfg.HistoryLength, c.cfg.TrendHistoryLength)
	c.backlog.pushSample(s.Backlog, c.cfg.HistoryLength, c.cfg.TrendHistoryLength)
	c.responseTime.pushSample(s.ResponseTime, c.cfg.HistoryLength, c.cfg.TrendHistoryLength)

	avgCPU := c.cpu.avg()
	avgMem := c.mem.avg()
	avgError := c.errRate.avg()
	avgBacklog := c.backlog.avg()
	avgResponseTime := c.responseTime.avg()

	systemHealth := 0.3*(-c.cpu.trendScore()) + 0.3*(-c.errRate.trendScore()) +
		0.2*c.backlog.trendScore() + 0.2*(-c.responseTime.trendScore())
	c.lastSystemHealth = systemHealth

	if c.breakerTripped {
		if now.Sub(c.trippedAt) < c.cfg.CBResetTimeout {
			return DecisionTripBreaker
		}
		c.breakerTripped = false
		c.recovering = true
		c.recoveryTarget = int(math.Floor(1.5 * float64(c.cfg.MinConcurrency)))
		c.recoveryStepsLeft = maxRecoverySteps
		if c.OnReset != nil {
			c.OnReset()
		}
		return c.recoveryTick(now)
	}

	if avgError > c.cfg.CBErrorThreshold || systemHealth < -0.7 {
		c.breakerTripped = true
		c.trippedAt = now
		c.setConcurrency(c.cfg.MinConcurrency, now)
		if c.OnTrip != nil {
			c.OnTrip("error rate or system health threshold exceeded")
		}
		return DecisionTripBreaker
	}

	if c.recovering {
		return c.recoveryTick(now)
	}

	cooledDown := now.Sub(c.lastChangeAt) >= c.cfg.Cooldown

	if systemHealth > 0.3 && avgCPU < 1.5 && avgMem > 0.4 && avgBacklog > 5 && avgError < 0.07 && cooledDown {
		c.consecutiveDecreaseTriggers = 0
		c.stabilityCounter++
		step := 1
		if c.stabilityCounter > concurrencyStabilityThresh && avgBacklog > 20 {
			byBacklog := int(math.Floor(avgBacklog / 10))
			if byBacklog > concurrencyIncreaseRate {
				step = concurrencyIncreaseRate
			} else {
				step = byBacklog
			}
			if step < 1 {
				step = 1
			}
		}
		if c.PredictiveDelta != nil {
			if predicted := c.PredictiveDelta(now, c.concurrency); predicted > 0 && predicted > step {
				step = predicted
			}
		}
		c.setConcurrency(c.concurrency+step, now)
		c.lastAvgResponseTime = avgResponseTime
		return DecisionIncrease
	}

	responseTimeRegression := c.lastAvgResponseTime > 0 && avgResponseTime > c.lastAvgResponseTime*1.5
	if (systemHealth < -0.3 || avgCPU > 2 || avgMem < 0.2 || avgError > 0.1 || responseTimeRegression) && cooledDown {
		c.stabilityCounter = 0
		c.consecutiveDecreaseTriggers++

		severity := 1
		if avgError > 0.2 {
			severity = 3
		} else if systemHealth < -0.6 {
			severity = 2
		}

		step := c.consecutiveDecreaseTriggers
		if step > maxDecreaseStep {
			step = maxDecreaseStep
		}
		c.setConcurrency(c.concurrency-step*severity, now)
		c.lastAvgResponseTime = avgResponseTime
		return DecisionDecrease
	}

	c.consecutiveDecreaseTriggers = 0
	c.lastAvgResponseTime = avgResponseTime

	if c.PredictiveDelta != nil && now.Sub(c.lastChangeAt) > 2*c.cfg.Cooldown {
		if predicted := c.PredictiveDelta(now, c.concurrency); predicted >= 2 || predicted <= -2 {
			c.setConcurrency(c.concurrency+predicted, now)
		}
	}
	return DecisionStable
}

// recoveryTick applies one equal step toward the recovery target, exiting
// recovery mode once reached or exhausted. Exiting resets stabilityCounter
// and consecutiveDecreaseTriggers, so ordinary Increase/Decrease logic
// resumes from zeroed counters.
func (c *Controller) recoveryTick(now time.Time) Decision {
	if c.recoveryStepsLeft <= 0 || c.concurrency >= c.recoveryTarget {
		c.recovering = false
		c.stabilityCounter = 0
		c.consecutiveDecreaseTriggers = 0
		return DecisionStable
	}
	step := int(math.Ceil(float64(c.recoveryTarget-c.cfg.MinConcurrency) / float64(maxRecoverySteps)))
	if step < 1 {
		step = 1
	}
	next := c.concurrency + step
	if next > c.recoveryTarget {
		next = c.recoveryTarget
	}
	c.setConcurrency(next, now)
	c.recoveryStepsLeft--
	if c.concurrency >= c.recoveryTarget {
		c.recovering = false
		c.stabilityCounter = 0
		c.consecutiveDecreaseTriggers = 0
	}
	return DecisionRecoveryTick
}

func (c *Controller) setConcurrency(v int, now time.Time) {
	if v < c.cfg.MinConcurrency {
		v = c.cfg.MinConcurrency
	}
	if v > c.cfg.MaxConcurrency {
		v = c.cfg.MaxConcurrency
	}
	if v == c.concurrency {
		return
	}
	c.concurrency = v
	c.lastChangeAt = now
	if c.OnChange != nil {
		c.OnChange(v)
	}
}
