// Command worker is the dispatch engine's processing entrypoint: it wires
// the Rate Limiter through the Batch Worker, runs the adaptive controller's
// sampling loop, and drains in-flight jobs on SIGTERM/SIGINT.
//
// Grounded on the teacher's cmd/worker main (dependency construction order,
// signal-based graceful shutdown), rebuilt around the dispatch engine's own
// collaborators instead of the SMS provider stack.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/relaydispatch/dispatch-engine/internal/batchworker"
	"github.com/relaydispatch/dispatch-engine/internal/breaker"
	"github.com/relaydispatch/dispatch-engine/internal/config"
	"github.com/relaydispatch/dispatch-engine/internal/controller"
	"github.com/relaydispatch/dispatch-engine/internal/domain"
	"github.com/relaydispatch/dispatch-engine/internal/events"
	"github.com/relaydispatch/dispatch-engine/internal/httpexec"
	"github.com/relaydispatch/dispatch-engine/internal/metrics"
	"github.com/relaydispatch/dispatch-engine/internal/observability"
	"github.com/relaydispatch/dispatch-engine/internal/pipeline"
	"github.com/relaydispatch/dispatch-engine/internal/queue"
	"github.com/relaydispatch/dispatch-engine/internal/ratelimit"
	"github.com/relaydispatch/dispatch-engine/internal/store"
	"github.com/relaydispatch/dispatch-engine/internal/workerpool"
	"go.uber.org/zap"
)

const shutdownDrainTimeout = 30 * time.Second

// predictiveCache recomputes the hour-of-day predictive bias (spec §4.7)
// only once per PREDICTION_UPDATE_INTERVAL, serving the cached delta to the
// controller's much more frequent Tick calls in between.
type predictiveCache struct {
	mu       sync.Mutex
	lastCalc time.Time
	delta    int
}

func (c *predictiveCache) refresh(ctx context.Context, now time.Time, concurrency int, period time.Duration, predictive *controller.PredictiveBias, logger *zap.Logger) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.lastCalc) < period && !c.lastCalc.IsZero() {
		return c.delta
	}
	c.lastCalc = now

	nextHour := (now.Hour() + 1) % 24
	delta, err := predictive.Bias(ctx, nextHour, concurrency)
	if err != nil {
		logger.Warn("failed to compute predictive bias", zap.Error(err))
		return 0
	}
	c.delta = delta
	return delta
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "worker: "+err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.GetLoggerFromEnv(cfg.LogLevel)
	defer logger.Sync()

	if cfg.MetricsEnabled {
		shutdownOtel, err := observability.SetupOpenTelemetry("dispatch-worker", logger)
		if err != nil {
			return fmt.Errorf("setup opentelemetry: %w", err)
		}
		defer shutdownOtel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctxStore, err := store.New(ctx, cfg.RedisURL, logger)
	if err != nil {
		return fmt.Errorf("connect context store: %w", err)
	}
	defer ctxStore.Close()

	db, err := queue.Connect(ctx, cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("connect job queue: %w", err)
	}
	defer db.Close()
	if err := queue.RunMigrations(db, cfg.MigrationsPath); err != nil {
		return fmt.Errorf("run job queue migrations: %w", err)
	}
	jobQueue := queue.New(db)

	bus, err := events.Connect(cfg.NATSURL, logger)
	if err != nil {
		return fmt.Errorf("connect event bus: %w", err)
	}
	defer bus.Close()

	promMetrics := observability.NewMetrics()
	aggregator := metrics.New()

	cb := breaker.New(breaker.Config{
		ErrorThreshold: cfg.CBErrorThreshold,
		ResetTimeout:   cfg.CBResetTimeout,
	}, ctxStore, logger)

	executor := httpexec.New()
	limiter := ratelimit.New(ratelimit.Config{
		Reservoir:      cfg.RLReservoir,
		RefillInterval: cfg.RLRefillInterval,
		InitialMax:     int64(cfg.RLInitialMax),
		InitialMinTime: cfg.RLInitialMinTimeMs,
	})
	gatedExecutor := ratelimit.Gate(executor, limiter)
	p := pipeline.New(cb, gatedExecutor, ctxStore, logger)
	p.SetAggregator(aggregator)
	p.SetPromMetrics(promMetrics)
	p.SetEventBus(bus)
	p.SetLogSink(ctxStore)

	pool := batchworker.NewPool(p, workerpool.Size())

	hostID, _ := os.Hostname()
	if hostID == "" {
		hostID = "worker"
	}
	worker := batchworker.New(hostID, jobQueue, ctxStore, jobQueue, p, bus, logger)
	worker.SetPool(pool)
	worker.SetConcurrency(cfg.MinConcurrency)

	predictive := controller.NewPredictiveBias(ctxStore)

	ctrl := controller.New(controller.Config{
		MinConcurrency:     cfg.MinConcurrency,
		MaxConcurrency:     cfg.MaxConcurrency,
		Cooldown:           cfg.CooldownMs,
		CBErrorThreshold:   cfg.CBErrorThreshold,
		CBResetTimeout:     cfg.CBResetTimeout,
		HistoryLength:      cfg.HistoryLength,
		TrendHistoryLength: cfg.TrendHistoryLength,
	})
	ctrl.OnChange = func(newConcurrency int) {
		worker.SetConcurrency(newConcurrency)
		promMetrics.ConcurrencyGauge.Set(float64(newConcurrency))
		logger.Info("concurrency changed", zap.Int("concurrency", newConcurrency))
	}
	ctrl.OnTrip = func(reason string) {
		cb.ForceTrip(reason)
		promMetrics.CircuitBreakerState.Set(1)
		logger.Warn("controller tripped the breaker", zap.String("reason", reason))
	}
	ctrl.OnReset = func() {
		promMetrics.CircuitBreakerState.Set(0)
		logger.Info("controller reset, entering recovery")
	}
	worker.SetControllerStatus(func() string { return fmt.Sprintf("concurrency=%d", ctrl.Concurrency()) })

	var (
		predMu           = &predictiveCache{}
		predictionPeriod = cfg.PredictionUpdateInterval
	)
	ctrl.PredictiveDelta = func(now time.Time, concurrency int) int {
		return predMu.refresh(ctx, now, concurrency, predictionPeriod, predictive, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	workerDone := make(chan error, 1)
	go func() { workerDone <- worker.Run(ctx) }()

	go runControllerLoop(ctx, cfg.CooldownMs, ctrl, predictive, jobQueue, ctxStore, aggregator, limiter, promMetrics, logger)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-workerDone:
		if err != nil {
			logger.Error("worker loop exited", zap.Error(err))
		}
	}

	cancel()
	if err := worker.Shutdown(shutdownDrainTimeout); err != nil {
		logger.Warn("worker shutdown did not complete cleanly", zap.Error(err))
	}
	return nil
}

// ctxStoreMetrics is the subset of the Context Store the controller loop
// publishes C6's rolling-window snapshot through and reads the canonical
// cross-process error-rate union from.
type ctxStoreMetrics interface {
	PutAPIPerformance(ctx context.Context, fields map[string]interface{}) error
	PutEndpointPattern(ctx context.Context, endpoint string, payload string) error
	ListErrorTimestampsMillis(ctx context.Context) ([]int64, error)
	PutRateLimiterSettings(ctx context.Context, rl store.RateLimiterSettings) error
}

// runControllerLoop samples system health every Cooldown and applies the
// adaptive controller's decision tree, per spec §4.7. Each tick also
// flushes the Metrics Aggregator's (C6) rolling windows to the Context
// Store and folds the durable cross-process error-timestamp list into the
// error rate the controller reasons about (spec open question (ii)).
func runControllerLoop(ctx context.Context, cooldown time.Duration, ctrl *controller.Controller, predictive *controller.PredictiveBias, jobQueue *queue.Queue, ctxStore ctxStoreMetrics, aggregator *metrics.Aggregator, limiter *ratelimit.Limiter, promMetrics *observability.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(cooldown)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cpu, err := controller.SampleLoadAverage()
			if err != nil {
				logger.Warn("failed to sample load average", zap.Error(err))
			}
			mem, err := controller.SampleMemory()
			if err != nil {
				logger.Warn("failed to sample memory", zap.Error(err))
			}
			errRate := unionedErrorRate(ctx, aggregator, ctxStore, now, logger)
			respTime := aggregator.AvgResponseTimeMs()

			var backlog float64
			if counts, err := jobQueue.GetJobCountByTypes(ctx, domain.JobWaiting); err == nil {
				backlog = float64(counts[domain.JobWaiting])
				promMetrics.QueueBacklogGauge.Set(backlog)
			}

			decision := ctrl.Tick(now, controller.Signals{
				CPU: cpu, Mem: mem, Error: errRate, Backlog: backlog, ResponseTime: respTime,
			})

			shouldUpdate := ctrl.SystemHealth() > 0 && ctrl.AboveMidpoint()
			_ = predictive.Observe(ctx, now.Hour(), ctrl.Concurrency(), shouldUpdate)

			flushAggregatorSnapshot(ctx, aggregator, ctxStore, now, errRate, logger)

			limiter.Tune(errRate, respTime)
			maxConcurrent, minTime := limiter.Snapshot()
			if err := ctxStore.PutRateLimiterSettings(ctx, store.RateLimiterSettings{
				MaxConcurrent:   int(maxConcurrent),
				MinTimeMs:       int(minTime.Milliseconds()),
				ErrorRate:       errRate,
				AvgResponseTime: respTime,
				Limited:         limiter.IsLimited(),
				LastUpdated:     now.UnixMilli(),
			}); err != nil {
				logger.Warn("failed to publish rate limiter settings", zap.Error(err))
			}

			logger.Debug("controller tick",
				zap.String("decision", string(decision)),
				zap.Int("concurrency", ctrl.Concurrency()),
				zap.Float64("cpu", cpu), zap.Float64("mem", mem),
				zap.Float64("error_rate", errRate), zap.Float64("backlog", backlog))
		}
	}
}

func unionedErrorRate(ctx context.Context, aggregator *metrics.Aggregator, ctxStore ctxStoreMetrics, now time.Time, logger *zap.Logger) float64 {
	local := aggregator.ErrorTimestampsSnapshot(now)
	durable, err := ctxStore.ListErrorTimestampsMillis(ctx)
	if err != nil {
		logger.Warn("failed to read durable error timestamps, falling back to local rate", zap.Error(err))
		return metrics.UnionErrorRate(local, nil, now)
	}
	return metrics.UnionErrorRate(local, durable, now)
}

func flushAggregatorSnapshot(ctx context.Context, aggregator *metrics.Aggregator, ctxStore ctxStoreMetrics, now time.Time, errRate float64, logger *zap.Logger) {
	snap := aggregator.TakeSnapshot(now)
	fields := map[string]interface{}{
		"avgResponseTime": snap.AvgResponseTimeMs,
		"callsLastMinute": snap.CallsLastMinute,
		"errorRate":       errRate,
		"timestamp":       now.UnixMilli(),
	}
	for code, count := range snap.StatusCodes {
		fields[fmt.Sprintf("status:%d", code)] = count
	}
	if err := ctxStore.PutAPIPerformance(ctx, fields); err != nil {
		logger.Warn("failed to publish api performance snapshot", zap.Error(err))
	}

	for pattern, times := range aggregator.EndpointPatterns() {
		if len(times) == 0 {
			continue
		}
		var total time.Duration
		for _, d := range times {
			total += d
		}
		avg := float64(total.Milliseconds()) / float64(len(times))
		payload := fmt.Sprintf(`{"avgTime":%f,"calls":%d,"lastUpdated":%d}`, avg, len(times), now.UnixMilli())
		if err := ctxStore.PutEndpointPattern(ctx, pattern, payload); err != nil {
			logger.Warn("failed to publish endpoint pattern", zap.String("pattern", pattern), zap.Error(err))
		}
	}
}
