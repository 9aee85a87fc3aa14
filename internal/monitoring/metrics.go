package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Row outcomes counted by Metrics.
const (
	OutcomeCleaned   = "cleaned"
	OutcomeInvalid   = "invalid"
	OutcomeDuplicate = "duplicate"
)

// Metrics exposes pipeline throughput and health to Prometheus.
type Metrics struct {
	batches       *prometheus.CounterVec
	rows          *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	quality       prometheus.Gauge
	inFlight      prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// NewMetrics creates and registers the pipeline collectors. A nil registerer
// uses the default registry.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txnpipe_batches_total",
			Help: "Batches finished by terminal status.",
		}, []string{"status"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txnpipe_rows_total",
			Help: "Ingested rows by outcome.",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "txnpipe_stage_duration_seconds",
			Help:    "Pipeline stage latency.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage", "status"}),
		quality: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "txnpipe_last_batch_quality_percentage",
			Help: "Data quality percentage of the most recently completed batch.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "txnpipe_batches_in_flight",
			Help: "Batches currently being processed.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txnpipe_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "txnpipe_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	registerer.MustRegister(
		m.batches,
		m.rows,
		m.stageDuration,
		m.quality,
		m.inFlight,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// BatchStarted marks a batch as in flight.
func (m *Metrics) BatchStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// BatchFinished records the terminal status of a batch.
func (m *Metrics) BatchFinished(status string) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.batches.WithLabelValues(status).Inc()
}

// ObserveStage records one stage execution.
func (m *Metrics) ObserveStage(stage, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

// AddRows counts rows by outcome.
func (m *Metrics) AddRows(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rows.WithLabelValues(outcome).Add(float64(n))
}

// SetQuality records the latest batch quality.
func (m *Metrics) SetQuality(pct float64) {
	if m == nil {
		return
	}
	m.quality.Set(pct)
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, code).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
