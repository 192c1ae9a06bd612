package statsd

import (
	"sync"
	"time"
)

// Recorder is an in-memory Sink for tests. It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	counts  map[string]int64
	gauges  map[string]float64
	timings map[string]int
	tags    map[string][]map[string]string
}

var _ Sink = (*Recorder)(nil)

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		counts:  map[string]int64{},
		gauges:  map[string]float64{},
		timings: map[string]int{},
		tags:    map[string][]map[string]string{},
	}
}

// Count implements Sink.
func (r *Recorder) Count(name string, value int64, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name] += value
	r.tags[name] = append(r.tags[name], copyTags(tags))
}

// Gauge implements Sink.
func (r *Recorder) Gauge(name string, value float64, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[name] = value
	r.tags[name] = append(r.tags[name], copyTags(tags))
}

// Timing implements Sink.
func (r *Recorder) Timing(name string, _ time.Duration, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timings[name]++
	r.tags[name] = append(r.tags[name], copyTags(tags))
}

// CountOf returns the accumulated counter value.
func (r *Recorder) CountOf(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

// TimingsOf returns how many timings were recorded under name.
func (r *Recorder) TimingsOf(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timings[name]
}

// Tags returns the tag sets recorded under name, in emission order.
func (r *Recorder) Tags(name string) []map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]map[string]string, len(r.tags[name]))
	copy(out, r.tags[name])
	return out
}

func copyTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
