package harvester

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the harvester.
type Metrics struct {
	Registry            *prometheus.Registry
	FetchAttemptsTotal  prometheus.Counter
	FetchDuration       prometheus.Histogram
	PagesTotal          *prometheus.CounterVec
	RetriesTotal        prometheus.Counter
	RecordsEmittedTotal prometheus.Counter
	ItemsFailedTotal    prometheus.Counter
	ErrorsTotal         *prometheus.CounterVec
	QueueDepth          prometheus.Gauge
	NormalizersInFlight prometheus.Gauge
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	attempts := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_fetch_attempts_total",
			Help: "Total page fetch attempts, retries included.",
		},
	)
	fetchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvest_fetch_duration_seconds",
			Help:    "Latency of individual page fetch attempts.",
			Buckets: prometheus.DefBuckets,
		},
	)
	pages := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_pages_total",
			Help: "Pages processed by outcome (ok, empty, failed).",
		},
		[]string{"outcome"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_retries_total",
			Help: "Total number of retry attempts scheduled.",
		},
	)
	records := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_records_emitted_total",
			Help: "Total normalized listings handed to the sink.",
		},
	)
	itemsFailed := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_items_failed_total",
			Help: "Raw items skipped because they could not be normalized.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_errors_total",
			Help: "Total number of harvest errors by type.",
		},
		[]string{"error_type"},
	)
	queueDepth := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvest_queue_depth",
			Help: "Raw batches buffered between fetcher and normalizers.",
		},
	)
	inFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvest_normalizers_in_flight",
			Help: "Items currently being normalized.",
		},
	)

	registry.MustRegister(attempts, fetchDuration, pages, retries, records, itemsFailed, errorsTotal, queueDepth, inFlight)

	return &Metrics{
		Registry:            registry,
		FetchAttemptsTotal:  attempts,
		FetchDuration:       fetchDuration,
		PagesTotal:          pages,
		RetriesTotal:        retries,
		RecordsEmittedTotal: records,
		ItemsFailedTotal:    itemsFailed,
		ErrorsTotal:         errorsTotal,
		QueueDepth:          queueDepth,
		NormalizersInFlight: inFlight,
	}
}

// IncAttempt increments the fetch attempts counter.
func (m *Metrics) IncAttempt() {
	if m == nil {
		return
	}
	m.FetchAttemptsTotal.Inc()
}

// ObserveDuration records a fetch attempt duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.FetchDuration.Observe(d.Seconds())
}

// IncPage counts a page outcome.
func (m *Metrics) IncPage(outcome string) {
	if m == nil {
		return
	}
	m.PagesTotal.WithLabelValues(outcome).Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// AddRecords adds n emitted listings.
func (m *Metrics) AddRecords(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordsEmittedTotal.Add(float64(n))
}

// IncItemsFailed increments the failed items counter.
func (m *Metrics) IncItemsFailed() {
	if m == nil {
		return
	}
	m.ItemsFailedTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// SetQueueDepth records the number of buffered batches.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// NormalizeStarted and NormalizeDone bracket one item normalization.
func (m *Metrics) NormalizeStarted() {
	if m == nil {
		return
	}
	m.NormalizersInFlight.Inc()
}

func (m *Metrics) NormalizeDone() {
	if m == nil {
		return
	}
	m.NormalizersInFlight.Dec()
}
