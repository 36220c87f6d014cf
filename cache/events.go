package cache

import "github.com/rs/zerolog"

// EventType enumerates the monitoring events a Cache emits through
// Options.OnEvent so an operator can wire alerting/metrics without the
// cache package knowing anything about the destination.
type EventType string

const (
	// EventKeyRotation fires when RotateMasterKey completes.
	EventKeyRotation EventType = "key_rotation"
	// EventSuspiciousAccess fires when decryption fails — either the
	// master key changed without rotation or the stored value was
	// tampered with.
	EventSuspiciousAccess EventType = "suspicious_access"
	// EventMemoryPressure fires when the memory tier is within its last
	// 5% of MemoryCapacity on a Set.
	EventMemoryPressure EventType = "memory_pressure"
	// EventCacheInvalidated fires once per InvalidateTags/Clear call. The
	// InvalidateTags event reports how many keys were removed; the Clear
	// event carries no count.
	EventCacheInvalidated EventType = "cache_invalidated"
	// EventCacheError fires whenever the Redis tier fails and the
	// failure is swallowed rather than propagated (per spec's cache
	// failure-propagation policy).
	EventCacheError EventType = "cache_error"
	// EventMetricsCollected fires on each Stats() call with a snapshot.
	EventMetricsCollected EventType = "metrics_collected"
	// EventPerformanceAlert fires when Health.Status crosses into
	// Degraded or Unhealthy.
	EventPerformanceAlert EventType = "performance_alert"
)

// Event is one monitoring notification. Fields besides Type/Message are
// populated only when relevant to that EventType.
type Event struct {
	Type    EventType
	Message string
	Key     string
	Tags    []string
	Count   int
	Err     error
}

// emit reports ev to Options.OnEvent (if set) and logs it at a severity
// matching its type, so monitoring works even with no OnEvent wired.
func (c *Cache) emit(ev Event) {
	logEvent(c.opts.Log, ev)
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(ev)
	}
}

func logEvent(log zerolog.Logger, ev Event) {
	le := log.Info()
	switch ev.Type {
	case EventSuspiciousAccess, EventCacheError, EventPerformanceAlert:
		le = log.Warn()
	}
	le.Str("event", string(ev.Type)).Str("key", ev.Key).Int("count", ev.Count).
		AnErr("cause", ev.Err).Msg("cache: " + ev.Message)
}
