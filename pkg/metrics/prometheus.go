package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	ticksEvaluated   *prometheus.CounterVec
	levelsFired      *prometheus.CounterVec
	dispatchRetries  prometheus.Counter
	dispatchFailures prometheus.Counter
	subscriptions    prometheus.Gauge
	lastPrice        *prometheus.GaugeVec
	errorsTotal      *prometheus.CounterVec
	latency          *prometheus.HistogramVec
}

// New creates a new Prometheus metrics recorder.
func New() *Recorder {
	return &Recorder{
		ticksEvaluated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "levelwatch_ticks_evaluated_total",
				Help: "Total number of ticks evaluated against alerts",
			},
			[]string{"symbol"},
		),
		levelsFired: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "levelwatch_levels_fired_total",
				Help: "Total number of alert levels fired",
			},
			[]string{"symbol"},
		),
		dispatchRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "levelwatch_dispatch_retries_total",
				Help: "Total number of notification dispatch retries",
			},
		),
		dispatchFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "levelwatch_dispatch_failures_total",
				Help: "Total number of notifications abandoned after retry exhaustion",
			},
		),
		subscriptions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "levelwatch_active_subscriptions",
				Help: "Number of live upstream price subscriptions",
			},
		),
		lastPrice: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "levelwatch_last_price",
				Help: "Last observed price for a symbol",
			},
			[]string{"symbol"},
		),
		errorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "levelwatch_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		latency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "levelwatch_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// RecordTickEvaluated counts one evaluated tick for a symbol.
func (r *Recorder) RecordTickEvaluated(symbol string) {
	r.ticksEvaluated.WithLabelValues(symbol).Inc()
}

// RecordLevelFired counts one fired level for a symbol.
func (r *Recorder) RecordLevelFired(symbol string) {
	r.levelsFired.WithLabelValues(symbol).Inc()
}

// RecordDispatchRetry counts a notification retry.
func (r *Recorder) RecordDispatchRetry() {
	r.dispatchRetries.Inc()
}

// RecordDispatchFailure counts an abandoned notification.
func (r *Recorder) RecordDispatchFailure() {
	r.dispatchFailures.Inc()
}

// RecordSubscriptions sets the live subscription gauge.
func (r *Recorder) RecordSubscriptions(n int) {
	r.subscriptions.Set(float64(n))
}

// RecordLastPrice records the last price for a symbol.
func (r *Recorder) RecordLastPrice(symbol string, price float64) {
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}
