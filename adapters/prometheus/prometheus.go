// Package prometheus provides Prometheus implementations of the metrics
// interfaces of the event sourcing core and the outbox publisher.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eventfold/eventfold-go/core/metrics"
)

// timer wraps a Prometheus histogram to implement the Timer interface.
type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) metrics.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// AllMetrics holds Prometheus implementations for the whole engine.
type AllMetrics struct {
	ES     *esMetrics
	Outbox *outboxMetrics
}

// NewAllMetrics registers metrics for the event sourcing core and the outbox
// publisher on one registerer.
func NewAllMetrics(reg prometheus.Registerer) *AllMetrics {
	return &AllMetrics{
		ES:     NewESMetrics(reg).(*esMetrics),
		Outbox: NewOutboxMetrics(reg).(*outboxMetrics),
	}
}
