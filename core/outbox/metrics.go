package outbox

import (
	"github.com/eventfold/eventfold-go/core/metrics"
)

// Metrics instruments the publisher. adapters/prometheus provides the
// production implementation; NopMetrics is the default.
type Metrics interface {
	// Published counts one publish attempt per event type and outcome.
	Published(eventType string, success bool)
	// PublishDuration times a single publish attempt.
	PublishDuration(eventType string) metrics.Timer
	// Backlog records the current number of unprocessed outbox rows.
	Backlog(n int64)
}

type nopMetrics struct{}

func NopMetrics() Metrics { return nopMetrics{} }

func (nopMetrics) Published(string, bool) {}
func (nopMetrics) PublishDuration(string) metrics.Timer {
	return metrics.NopTimer()
}
func (nopMetrics) Backlog(int64) {}
