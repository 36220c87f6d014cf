package cache

import "sync/atomic"

// HealthStatus classifies a cache's current operating condition.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// degradedThreshold is the fraction of recent operations that must have
// failed/fallen back before a Cache reports HealthDegraded; above 2x that
// it reports HealthUnhealthy.
const degradedThreshold = 0.05

// healthCounters accumulates hit/miss/degraded counts behind atomics so
// Snapshot can be called from any goroutine without locking.
type healthCounters struct {
	hits      atomic.Int64
	misses    atomic.Int64
	degraded  atomic.Int64
}

func newHealth() *Health { return &Health{counters: &healthCounters{}} }

func (h *Health) recordHit()      { h.counters.hits.Add(1) }
func (h *Health) recordMiss()     { h.counters.misses.Add(1) }
func (h *Health) recordDegraded() { h.counters.degraded.Add(1) }

// Health is both the live counter holder and the value returned by
// Cache.Health — Snapshot-like fields are populated on demand.
type Health struct {
	counters *healthCounters

	Hits     int64
	Misses   int64
	Degraded int64
	HitRate  float64
	Status   HealthStatus
}

func (h *Health) snapshot() Health {
	hits := h.counters.hits.Load()
	misses := h.counters.misses.Load()
	degraded := h.counters.degraded.Load()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	status := HealthHealthy
	if total > 0 {
		ratio := float64(degraded) / float64(total)
		switch {
		case ratio > 2*degradedThreshold:
			status = HealthUnhealthy
		case ratio > degradedThreshold:
			status = HealthDegraded
		}
	}

	return Health{
		Hits:     hits,
		Misses:   misses,
		Degraded: degraded,
		HitRate:  hitRate,
		Status:   status,
	}
}
