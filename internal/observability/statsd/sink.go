// Package statsd emits request lifecycle metrics in the DogStatsD line format.
package statsd

import "time"

// Sink is what services emit metrics through. A nil Sink disables emission.
type Sink interface {
	Count(name string, value int64, tags map[string]string)
	Gauge(name string, value float64, tags map[string]string)
	Timing(name string, value time.Duration, tags map[string]string)
}
