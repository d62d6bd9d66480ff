package metrics

type (
	nopCounter struct{}
	nopGauge   struct{}
	nopTimer   struct{}
)

func (nopCounter) Inc()           {}
func (nopCounter) Add(float64)    {}
func (nopGauge) Set(float64)      {}
func (nopGauge) Inc()             {}
func (nopGauge) Dec()             {}
func (nopTimer) ObserveDuration() {}

// NopCounter returns a Counter that discards all observations.
func NopCounter() Counter { return nopCounter{} }

// NopGauge returns a Gauge that discards all observations.
func NopGauge() Gauge { return nopGauge{} }

// NopTimer returns a Timer that discards all observations.
func NopTimer() Timer { return nopTimer{} }
