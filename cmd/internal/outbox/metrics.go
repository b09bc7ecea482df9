package outbox

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the dispatcher's Prometheus collectors.
type Metrics struct {
	sent        prometheus.Counter
	failed      prometheus.Counter
	dead        prometheus.Counter
	events      *prometheus.CounterVec
	pending     prometheus.Gauge
	circuitOpen prometheus.Gauge
	latency     *prometheus.HistogramVec
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// DefaultMetrics returns collectors registered once on the default registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetrics builds collectors and registers them on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loyalty",
			Subsystem: "outbox",
			Name:      "sent_total",
			Help:      "Outbox events delivered successfully.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loyalty",
			Subsystem: "outbox",
			Name:      "failed_total",
			Help:      "Outbox delivery attempts that failed and will be retried.",
		}),
		dead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loyalty",
			Subsystem: "outbox",
			Name:      "dead_total",
			Help:      "Outbox events moved to DEAD.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loyalty",
			Subsystem: "outbox",
			Name:      "events_total",
			Help:      "Outbox attempt results segmented by event type.",
		}, []string{"type", "result"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loyalty",
			Subsystem: "outbox",
			Name:      "pending",
			Help:      "Outbox events waiting for delivery (PENDING + FAILED).",
		}),
		circuitOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loyalty",
			Subsystem: "outbox",
			Name:      "circuit_open",
			Help:      "Merchants whose webhook circuit is currently open.",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "loyalty",
			Subsystem: "outbox",
			Name:      "delivery_seconds",
			Help:      "Webhook delivery latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.sent, m.failed, m.dead, m.events, m.pending, m.circuitOpen, m.latency)
	}
	return m
}

func (m *Metrics) result(eventType, result string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType, result).Inc()
	switch result {
	case resultSent:
		m.sent.Inc()
	case resultFailed:
		m.failed.Inc()
	case resultDead:
		m.dead.Inc()
	}
}

func (m *Metrics) observe(result string, seconds float64) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(result).Observe(seconds)
}

func (m *Metrics) gauges(pending, circuitOpen int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(pending))
	m.circuitOpen.Set(float64(circuitOpen))
}

const (
	resultSent          = "sent"
	resultFailed        = "failed"
	resultDead          = "dead"
	resultSkipped       = "skipped"
	resultNotConfigured = "not_configured"
)
