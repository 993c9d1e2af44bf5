package notify

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks notification delivery. All methods are nil-safe so the
// registry works without instrumentation in tests.
type Metrics struct {
	delivered   *prometheus.CounterVec
	buffered    prometheus.Counter
	dropped     prometheus.Counter
	reaped      prometheus.Counter
	subscribers prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs the notification collectors on the given
// registerer. Duplicate registration reuses the existing collector.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seqcore",
			Subsystem: "notify",
			Name:      "delivered_total",
			Help:      "Events delivered to live subscriber channels.",
		}, []string{"kind"}),
		buffered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "seqcore",
			Subsystem: "notify",
			Name:      "buffered_total",
			Help:      "Events held for disconnected users.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "seqcore",
			Subsystem: "notify",
			Name:      "dropped_total",
			Help:      "Broadcast events dropped on saturated channels.",
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "seqcore",
			Subsystem: "notify",
			Name:      "reaped_total",
			Help:      "Subscribers evicted for inactivity.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "seqcore",
			Subsystem: "notify",
			Name:      "subscribers",
			Help:      "Currently connected subscribers.",
		}),
	}
	m.delivered = register(reg, m.delivered).(*prometheus.CounterVec)
	m.buffered = register(reg, m.buffered).(prometheus.Counter)
	m.dropped = register(reg, m.dropped).(prometheus.Counter)
	m.reaped = register(reg, m.reaped).(prometheus.Counter)
	m.subscribers = register(reg, m.subscribers).(prometheus.Gauge)
	return m
}

func register(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector
		}
		panic(err)
	}
	return c
}

func (m *Metrics) incDelivered(kind string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(kind).Inc()
}

func (m *Metrics) incBuffered() {
	if m == nil {
		return
	}
	m.buffered.Inc()
}

func (m *Metrics) incDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) incReaped() {
	if m == nil {
		return
	}
	m.reaped.Inc()
}

func (m *Metrics) addSubscribers(delta float64) {
	if m == nil {
		return
	}
	m.subscribers.Add(delta)
}
