package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eventfold/eventfold-go/core/metrics"
	"github.com/eventfold/eventfold-go/core/outbox"
)

// outboxMetrics implements outbox.Metrics using Prometheus.
type outboxMetrics struct {
	published       *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec
	backlog         prometheus.Gauge
}

// NewOutboxMetrics creates a new Prometheus implementation of outbox.Metrics.
func NewOutboxMetrics(reg prometheus.Registerer) outbox.Metrics {
	m := &outboxMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventfold_outbox_published_total",
			Help: "Total number of outbox publish attempts",
		}, []string{"event_type", "success"}),

		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventfold_outbox_publish_duration_seconds",
			Help:    "Publish attempt latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"event_type"}),

		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eventfold_outbox_backlog",
			Help: "Number of unprocessed outbox messages",
		}),
	}

	reg.MustRegister(m.published, m.publishDuration, m.backlog)
	return m
}

func boolToStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (m *outboxMetrics) Published(eventType string, success bool) {
	m.published.WithLabelValues(eventType, boolToStr(success)).Inc()
}

func (m *outboxMetrics) PublishDuration(eventType string) metrics.Timer {
	return newTimer(m.publishDuration.WithLabelValues(eventType))
}

func (m *outboxMetrics) Backlog(n int64) {
	m.backlog.Set(float64(n))
}

var _ outbox.Metrics = (*outboxMetrics)(nil)
