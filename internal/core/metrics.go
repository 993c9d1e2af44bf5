package core

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors reporting workflow activity.
type Metrics struct {
	pipelineDuration *prometheus.HistogramVec
	pipelineRuns     *prometheus.CounterVec
	queuedResults    *prometheus.CounterVec
	analysesActive   prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. Collectors are created only once to avoid
// duplicate registration panics when a Service is instantiated multiple times.
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Tests supply a fresh registry; registration errors other than duplicate
// registration panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	pipelineDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "seqcore",
			Subsystem: "etl",
			Name:      "pipeline_duration_seconds",
			Help:      "Wall-clock duration of pipeline runs.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	pipelineRuns := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seqcore",
			Subsystem: "etl",
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs grouped by trigger and outcome.",
		},
		[]string{"trigger", "outcome"},
	)
	queuedResults := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seqcore",
			Subsystem: "etl",
			Name:      "queued_results_total",
			Help:      "Externally queued result payloads grouped by outcome.",
		},
		[]string{"outcome"},
	)
	analysesActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "seqcore",
			Subsystem: "etl",
			Name:      "analyses_active",
			Help:      "Number of pipeline runs currently in flight.",
		},
	)

	collectors := []prometheus.Collector{pipelineDuration, pipelineRuns, queuedResults, analysesActive}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch target := collector.(type) {
				case *prometheus.HistogramVec:
					pipelineDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					switch target {
					case pipelineRuns:
						pipelineRuns = already.ExistingCollector.(*prometheus.CounterVec)
					case queuedResults:
						queuedResults = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case prometheus.Gauge:
					analysesActive = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		pipelineDuration: pipelineDuration,
		pipelineRuns:     pipelineRuns,
		queuedResults:    queuedResults,
		analysesActive:   analysesActive,
	}
}

// ObservePipeline records one pipeline run.
func (m *Metrics) ObservePipeline(trigger, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.pipelineDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	m.pipelineRuns.WithLabelValues(trigger, outcome).Inc()
}

// IncQueuedResult records a queued-result processing outcome.
func (m *Metrics) IncQueuedResult(outcome string) {
	if m == nil {
		return
	}
	m.queuedResults.WithLabelValues(outcome).Inc()
}

// IncActive marks a pipeline run as in flight.
func (m *Metrics) IncActive() {
	if m == nil {
		return
	}
	m.analysesActive.Inc()
}

// DecActive marks a pipeline run as finished.
func (m *Metrics) DecActive() {
	if m == nil {
		return
	}
	m.analysesActive.Dec()
}
