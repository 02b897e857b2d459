package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the process's Prometheus instrumentation. Earlier revisions
// of this package stubbed these out as no-ops to drop the Prometheus
// dependency; the adaptive controller and record pipeline need real
// counters/gauges to be scrape-able, so this wires client_golang back in.
type Metrics struct {
	RecordsProcessedTotal *prometheus.CounterVec
	RecordErrorsTotal     *prometheus.CounterVec
	RequestDuration       *prometheus.HistogramVec
	ConcurrencyGauge      prometheus.Gauge
	CircuitBreakerState   prometheus.Gauge
	QueueBacklogGauge     prometheus.Gauge
	RetryAttemptsTotal    *prometheus.CounterVec
}

// NewMetrics registers the dispatch engine's metrics against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return &Metrics{
		RecordsProcessedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_records_processed_total",
			Help: "Total records processed by terminal outcome.",
		}, []string{"outcome"}),
		RecordErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_record_errors_total",
			Help: "Total terminal record errors by taxonomy category.",
		}, []string{"category"}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_http_request_duration_ms",
			Help:    "Outbound HTTP executor duration in milliseconds.",
			Buckets: []float64{10, 25, 50, 100, 200, 400, 800, 1600, 3200, 6400, 12800},
		}, []string{"status"}),
		ConcurrencyGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_concurrency_width",
			Help: "Current worker pool concurrency width as set by the adaptive controller.",
		}),
		CircuitBreakerState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_circuit_breaker_open",
			Help: "1 if the circuit breaker is tripped, 0 otherwise.",
		}),
		QueueBacklogGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_queue_backlog",
			Help: "Waiting job count observed by the adaptive controller.",
		}),
		RetryAttemptsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_retry_attempts_total",
			Help: "Total retry attempts issued by the record pipeline.",
		}, []string{"reason"}),
	}
}
