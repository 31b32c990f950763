// Package metrics implements the dispatch core's cross-cutting counters
// and gauges (spec.md §2 "Cross-cutting: metrics, leader lease, config,
// logging"; spec.md §4.1, §4.6 name specific series).
package metrics

import "sync"

// Registry is a minimal in-process counter/gauge store. It is deliberately
// narrow: the dispatch core only ever increments named counters or sets
// named gauges, never queries them back, so a full client library (e.g.
// Prometheus) is wired at the process boundary by decorating Registry's
// Inc/Set calls rather than by threading a heavier client through every
// component.
type Registry struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]float64
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]int64),
		gauges:   make(map[string]float64),
	}
}

// Inc increments a named counter by delta.
func (r *Registry) Inc(name string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += delta
}

// Set assigns a named gauge's value.
func (r *Registry) Set(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[name] = value
}

// Counter returns a named counter's current value.
func (r *Registry) Counter(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

// Gauge returns a named gauge's current value.
func (r *Registry) Gauge(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauges[name]
}

// Series names used across the dispatch core.
const (
	// OnlineRedisAvailability is set to 10001 on a publish failure or
	// zero-replica availability (spec.md §4.1, §7).
	OnlineRedisAvailability = "OnlineRedisService/availability"
	// OfflineRoundDuration records each round's wall-clock duration in
	// milliseconds (spec.md §4.6: "each round logs its wall-clock duration").
	OfflineRoundDuration = "OfflineRoundService/duration_ms"
	// OfflineRoundTaskCount records the per-round gid task count (spec.md
	// §4.6: "and the per-round task count").
	OfflineRoundTaskCount = "OfflineRoundService/task_count"
)

// RecordAvailabilityError implements onlineredis.Metrics, recording the
// fixed 10001 availability code named by spec.md §7 regardless of which
// partition failed; the partition argument is not recorded, so no series
// is created per partition.
func (r *Registry) RecordAvailabilityError(partition string) {
	r.Set(OnlineRedisAvailability, 10001)
	r.Inc(OnlineRedisAvailability+"/count", 1)
}
